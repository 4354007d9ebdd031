package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"apotekku/backend/internal/domain"
	"apotekku/backend/internal/store"
	"apotekku/backend/internal/xid"
)

type Store struct {
	mu            sync.RWMutex
	products      map[string]domain.Product
	batches       map[string]*domain.ProductBatch
	customers     map[string]domain.Customer
	prescriptions map[string]*domain.Prescription
	refillLedgers map[string]*domain.RefillLedger
	sales         map[string]*domain.Sale
	payments      map[string][]domain.SalePayment
	auditRecords  []domain.AuditRecord
	users         map[string]domain.User
}

func New() *Store {
	return &Store{
		products:      make(map[string]domain.Product),
		batches:       make(map[string]*domain.ProductBatch),
		customers:     make(map[string]domain.Customer),
		prescriptions: make(map[string]*domain.Prescription),
		refillLedgers: make(map[string]*domain.RefillLedger),
		sales:         make(map[string]*domain.Sale),
		payments:      make(map[string][]domain.SalePayment),
		auditRecords:  make([]domain.AuditRecord, 0, 128),
		users:         make(map[string]domain.User),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD, SEED_PHARMACIST_PASSWORD and
// SEED_CASHIER_PASSWORD; hardcoded dev defaults are used otherwise with a
// warning. The memory store is never the production store (the backend uses
// PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "apoteker123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "kasir123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_*_PASSWORD variables to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.User{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"apoteker", pharmacistPwd, "pharmacist"},
		{"kasir", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.User{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	tenant := "apotek-main"

	products := []domain.Product{
		{ID: "prod-paracetamol", SKU: "OBT-PCM-500", Name: "Parasetamol 500mg", Category: "analgesic", ListPriceCents: 1500, DEASchedule: domain.DEAScheduleNone},
		{ID: "prod-vitamin-c", SKU: "OBT-VIT-C", Name: "Vitamin C 500mg", Category: "supplement", ListPriceCents: 1200, DEASchedule: domain.DEAScheduleNone},
		{ID: "prod-amoxicillin", SKU: "OBT-AMX-500", Name: "Amoksisilin 500mg", Category: "antibiotic", ListPriceCents: 9000, RequiresPrescription: true, DEASchedule: domain.DEAScheduleNone},
		{ID: "prod-oxycodone", SKU: "OBT-OXY-10", Name: "Oksikodon 10mg", Category: "opioid", ListPriceCents: 25000, RequiresPrescription: true, DEASchedule: domain.DEAScheduleII},
		{ID: "prod-codeine", SKU: "OBT-COD-PCM", Name: "Kodein-Parasetamol 30mg", Category: "opioid", ListPriceCents: 8000, RequiresPrescription: true, DEASchedule: domain.DEAScheduleIII},
		{ID: "prod-diazepam", SKU: "OBT-DZP-5", Name: "Diazepam 5mg", Category: "benzodiazepine", ListPriceCents: 5000, RequiresPrescription: true, DEASchedule: domain.DEAScheduleIV},
		{ID: "prod-cough-syrup", SKU: "OBT-SYR-COD", Name: "Sirup Batuk Kodein", Category: "antitussive", ListPriceCents: 4500, RequiresPrescription: true, DEASchedule: domain.DEAScheduleV},
	}

	batches := []domain.ProductBatch{
		{ID: "batch-pcm-a", ProductID: "prod-paracetamol", BatchNumber: "PCM-2406", ExpiryDate: now.AddDate(0, 0, 30), Quantity: 50, UnitPriceCents: 1500, ReceivedAt: now.AddDate(0, 0, -60)},
		{ID: "batch-pcm-b", ProductID: "prod-paracetamol", BatchNumber: "PCM-2412", ExpiryDate: now.AddDate(0, 0, 90), Quantity: 100, UnitPriceCents: 1500, ReceivedAt: now.AddDate(0, 0, -20)},
		{ID: "batch-pcm-x", ProductID: "prod-paracetamol", BatchNumber: "PCM-2311", ExpiryDate: now.AddDate(0, 0, -10), Quantity: 25, UnitPriceCents: 1400, ReceivedAt: now.AddDate(0, 0, -200)},
		{ID: "batch-vit-a", ProductID: "prod-vitamin-c", BatchNumber: "VIT-2501", ExpiryDate: now.AddDate(0, 0, 300), Quantity: 90, UnitPriceCents: 1200, ReceivedAt: now.AddDate(0, 0, -15)},
		{ID: "batch-amx-a", ProductID: "prod-amoxicillin", BatchNumber: "AMX-2407", ExpiryDate: now.AddDate(0, 0, 20), Quantity: 40, UnitPriceCents: 9000, ReceivedAt: now.AddDate(0, 0, -90)},
		{ID: "batch-amx-b", ProductID: "prod-amoxicillin", BatchNumber: "AMX-2411", ExpiryDate: now.AddDate(0, 0, 75), Quantity: 60, UnitPriceCents: 9000, ReceivedAt: now.AddDate(0, 0, -30)},
		{ID: "batch-oxy-a", ProductID: "prod-oxycodone", BatchNumber: "OXY-2410", ExpiryDate: now.AddDate(0, 0, 120), Quantity: 40, UnitPriceCents: 25000, ReceivedAt: now.AddDate(0, 0, -45)},
		{ID: "batch-cod-a", ProductID: "prod-codeine", BatchNumber: "COD-2409", ExpiryDate: now.AddDate(0, 0, 60), Quantity: 60, UnitPriceCents: 8000, ReceivedAt: now.AddDate(0, 0, -50)},
		{ID: "batch-dzp-a", ProductID: "prod-diazepam", BatchNumber: "DZP-2502", ExpiryDate: now.AddDate(0, 0, 200), Quantity: 80, UnitPriceCents: 5000, ReceivedAt: now.AddDate(0, 0, -10)},
		{ID: "batch-syr-a", ProductID: "prod-cough-syrup", BatchNumber: "SYR-2408", ExpiryDate: now.AddDate(0, 0, 45), Quantity: 30, UnitPriceCents: 4500, ReceivedAt: now.AddDate(0, 0, -70)},
	}

	customers := []domain.Customer{
		{ID: "cust-1", TenantID: tenant, Name: "Budi Santoso", Phone: "081234567001", CreatedAt: now},
		{ID: "cust-2", TenantID: tenant, Name: "Siti Rahma", Phone: "081234567002", CreatedAt: now},
	}

	prescriptions := []domain.Prescription{
		{
			ID: "rx-oxy-1", TenantID: tenant, CustomerID: "cust-1", PrescriberName: "dr. Wijaya",
			Status: domain.PrescriptionStatusActive, ValidUntil: now.AddDate(0, 1, 0),
			Items: []domain.PrescriptionItem{
				{ID: "rxi-oxy-1", PrescriptionID: "rx-oxy-1", ProductID: "prod-oxycodone", PrescribedQty: 30},
			},
		},
		{
			ID: "rx-cod-1", TenantID: tenant, CustomerID: "cust-1", PrescriberName: "dr. Wijaya",
			Status: domain.PrescriptionStatusActive, ValidUntil: now.AddDate(0, 2, 0),
			Items: []domain.PrescriptionItem{
				{ID: "rxi-cod-1", PrescriptionID: "rx-cod-1", ProductID: "prod-codeine", PrescribedQty: 20},
			},
		},
		{
			ID: "rx-dzp-1", TenantID: tenant, CustomerID: "cust-2", PrescriberName: "dr. Lestari",
			Status: domain.PrescriptionStatusActive, ValidUntil: now.AddDate(0, 3, 0),
			Items: []domain.PrescriptionItem{
				{ID: "rxi-dzp-1", PrescriptionID: "rx-dzp-1", ProductID: "prod-diazepam", PrescribedQty: 10},
			},
		},
		{
			ID: "rx-amx-1", TenantID: tenant, CustomerID: "cust-2", PrescriberName: "dr. Lestari",
			Status: domain.PrescriptionStatusActive, ValidUntil: now.AddDate(0, 1, 0),
			Items: []domain.PrescriptionItem{
				{ID: "rxi-amx-1", PrescriptionID: "rx-amx-1", ProductID: "prod-amoxicillin", PrescribedQty: 15},
			},
		},
		{
			ID: "rx-exp-1", TenantID: tenant, CustomerID: "cust-1", PrescriberName: "dr. Wijaya",
			Status: domain.PrescriptionStatusActive, ValidUntil: now.AddDate(0, 0, -5),
			Items: []domain.PrescriptionItem{
				{ID: "rxi-exp-1", PrescriptionID: "rx-exp-1", ProductID: "prod-amoxicillin", PrescribedQty: 10},
			},
		},
	}

	ledgers := []domain.RefillLedger{
		{PrescriptionID: "rx-oxy-1", RefillsAllowed: 0, RefillsUsed: 0, UpdatedAt: now},
		{PrescriptionID: "rx-cod-1", RefillsAllowed: 3, RefillsUsed: 0, UpdatedAt: now},
		{PrescriptionID: "rx-dzp-1", RefillsAllowed: 2, RefillsUsed: 0, UpdatedAt: now},
	}

	s := New()
	for _, p := range products {
		p.TenantID = tenant
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	for _, b := range batches {
		batch := b
		batch.TenantID = tenant
		batch.Active = batch.Quantity > 0
		batch.UpdatedAt = now
		s.batches[batch.ID] = &batch
	}
	for _, c := range customers {
		s.customers[c.ID] = c
	}
	for _, rx := range prescriptions {
		p := rx
		p.CreatedAt = now
		p.UpdatedAt = now
		s.prescriptions[p.ID] = &p
	}
	for _, l := range ledgers {
		ledger := l
		s.refillLedgers[ledger.PrescriptionID] = &ledger
	}
	s.users = seedUsers()
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.TenantID == tenantID {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(tenantID, productID)
}

func (s *Store) getProductLocked(tenantID string, productID string) (*domain.Product, error) {
	p, ok := s.products[productID]
	if !ok || p.TenantID != tenantID {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	clone := p
	return &clone, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, fmt.Errorf("%w: product %s already exists", store.ErrConflict, product.ID)
	}
	now := time.Now().UTC()
	product.Active = true
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product
	clone := product
	return &clone, nil
}

func (s *Store) CreateProductBatch(ctx context.Context, batch domain.ProductBatch) (*domain.ProductBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[batch.ProductID]; !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, batch.ProductID)
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	now := time.Now().UTC()
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = now
	}
	batch.Active = batch.Quantity > 0
	batch.UpdatedAt = now
	s.batches[batch.ID] = &batch
	return cloneBatch(&batch), nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, tenantID string, productID string, includeInactive bool) ([]domain.ProductBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductBatch, 0, 4)
	for _, b := range s.batches {
		if b.TenantID != tenantID || b.ProductID != productID {
			continue
		}
		if !includeInactive && !b.Active {
			continue
		}
		result = append(result, *b)
	}
	slices.SortFunc(result, compareBatchFEFO)
	return result, nil
}

func (s *Store) FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findEligibleBatchesLocked(tenantID, productID)
}

// findEligibleBatchesLocked is the single FEFO candidate query: active,
// unexpired, stocked, ordered by expiry then received time.
func (s *Store) findEligibleBatchesLocked(tenantID string, productID string) ([]domain.ProductBatch, error) {
	now := time.Now().UTC()
	result := make([]domain.ProductBatch, 0, 4)
	for _, b := range s.batches {
		if b.TenantID != tenantID || b.ProductID != productID {
			continue
		}
		if !b.Active || b.Quantity <= 0 || !b.ExpiryDate.After(now) {
			continue
		}
		result = append(result, *b)
	}
	slices.SortFunc(result, compareBatchFEFO)
	return result, nil
}

func (s *Store) ListExpiringBatches(ctx context.Context, tenantID string, until time.Time) ([]domain.ProductBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]domain.ProductBatch, 0, 8)
	for _, b := range s.batches {
		if b.TenantID != tenantID || !b.Active || b.Quantity <= 0 {
			continue
		}
		if b.ExpiryDate.After(now) && !b.ExpiryDate.After(until) {
			result = append(result, *b)
		}
	}
	slices.SortFunc(result, compareBatchFEFO)
	return result, nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("%w: customer %s", store.ErrNotFound, customerID)
	}
	clone := c
	return &clone, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	customer.CreatedAt = time.Now().UTC()
	s.customers[customer.ID] = customer
	clone := customer
	return &clone, nil
}

func (s *Store) CreatePrescription(ctx context.Context, rx domain.Prescription, refillsAllowed int) (*domain.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rx.ID == "" {
		rx.ID = xid.New("rx")
	}
	now := time.Now().UTC()
	if rx.Status == "" {
		rx.Status = domain.PrescriptionStatusActive
	}
	rx.CreatedAt = now
	rx.UpdatedAt = now
	for i := range rx.Items {
		if rx.Items[i].ID == "" {
			rx.Items[i].ID = xid.New("rxi")
		}
		rx.Items[i].PrescriptionID = rx.ID
	}
	s.prescriptions[rx.ID] = clonePrescription(&rx)
	if refillsAllowed > 0 {
		s.refillLedgers[rx.ID] = &domain.RefillLedger{
			PrescriptionID: rx.ID,
			RefillsAllowed: refillsAllowed,
			UpdatedAt:      now,
		}
	}
	return clonePrescription(&rx), nil
}

func (s *Store) GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPrescriptionLocked(tenantID, prescriptionID)
}

func (s *Store) getPrescriptionLocked(tenantID string, prescriptionID string) (*domain.Prescription, error) {
	rx, ok := s.prescriptions[prescriptionID]
	if !ok || rx.TenantID != tenantID {
		return nil, fmt.Errorf("%w: prescription %s", store.ErrNotFound, prescriptionID)
	}
	return clonePrescription(rx), nil
}

func (s *Store) ListPrescriptions(ctx context.Context, tenantID string, limit int) ([]domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Prescription, 0, len(s.prescriptions))
	for _, rx := range s.prescriptions {
		if rx.TenantID == tenantID {
			result = append(result, *clonePrescription(rx))
		}
	}
	slices.SortFunc(result, func(a, b domain.Prescription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRefillLedgerLocked(prescriptionID)
}

func (s *Store) getRefillLedgerLocked(prescriptionID string) (*domain.RefillLedger, error) {
	ledger, ok := s.refillLedgers[prescriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: refill ledger for %s", store.ErrNotFound, prescriptionID)
	}
	clone := *ledger
	return &clone, nil
}

func (s *Store) GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSaleLocked(tenantID, saleID)
}

func (s *Store) getSaleLocked(tenantID string, saleID string) (*domain.Sale, error) {
	sl, ok := s.sales[saleID]
	if !ok || sl.TenantID != tenantID {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	return cloneSale(sl), nil
}

func (s *Store) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sl := range s.sales {
		if sl.TenantID == tenantID {
			result = append(result, *cloneSale(sl))
		}
	}
	slices.SortFunc(result, func(a, b domain.Sale) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListSalePayments(ctx context.Context, tenantID string, saleID string) ([]domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sale, ok := s.sales[saleID]; !ok || sale.TenantID != tenantID {
		return nil, nil
	}
	return slices.Clone(s.payments[saleID]), nil
}

func (s *Store) AppendAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = xid.New("audit")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.auditRecords = append(s.auditRecords, record)
	return nil
}

func (s *Store) ListAuditRecords(ctx context.Context, tenantID string, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditRecord, 0, limit)
	for i := len(s.auditRecords) - 1; i >= 0; i-- {
		if s.auditRecords[i].TenantID != tenantID {
			continue
		}
		result = append(result, s.auditRecords[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	clone := u
	return &clone, nil
}

func (s *Store) UpsertUser(ctx context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.Username] = user
	return nil
}

// RunSaleTx serializes writers behind the store lock and snapshots every
// collection a sale transaction can touch. An error from fn restores the
// snapshot, so partial writes never become visible.
func (s *Store) RunSaleTx(ctx context.Context, fn func(ctx context.Context, tx store.SaleTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshotLocked()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}
	return nil
}

type txSnapshot struct {
	batches       map[string]*domain.ProductBatch
	prescriptions map[string]*domain.Prescription
	refillLedgers map[string]*domain.RefillLedger
	sales         map[string]*domain.Sale
	payments      map[string][]domain.SalePayment
}

func (s *Store) snapshotLocked() txSnapshot {
	snap := txSnapshot{
		batches:       make(map[string]*domain.ProductBatch, len(s.batches)),
		prescriptions: make(map[string]*domain.Prescription, len(s.prescriptions)),
		refillLedgers: make(map[string]*domain.RefillLedger, len(s.refillLedgers)),
		sales:         make(map[string]*domain.Sale, len(s.sales)),
		payments:      make(map[string][]domain.SalePayment, len(s.payments)),
	}
	for id, b := range s.batches {
		snap.batches[id] = cloneBatch(b)
	}
	for id, rx := range s.prescriptions {
		snap.prescriptions[id] = clonePrescription(rx)
	}
	for id, l := range s.refillLedgers {
		clone := *l
		snap.refillLedgers[id] = &clone
	}
	for id, sl := range s.sales {
		snap.sales[id] = cloneSale(sl)
	}
	for id, p := range s.payments {
		snap.payments[id] = slices.Clone(p)
	}
	return snap
}

func (s *Store) restoreLocked(snap txSnapshot) {
	s.batches = snap.batches
	s.prescriptions = snap.prescriptions
	s.refillLedgers = snap.refillLedgers
	s.sales = snap.sales
	s.payments = snap.payments
}

// memTx runs with the store lock already held by RunSaleTx, so its methods
// never lock.
type memTx struct {
	s *Store
}

func (t *memTx) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	return t.s.getProductLocked(tenantID, productID)
}

func (t *memTx) FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error) {
	return t.s.findEligibleBatchesLocked(tenantID, productID)
}

func (t *memTx) ConditionalDecrementBatch(ctx context.Context, batchID string, expectedQuantity int, delta int) (int64, error) {
	b, ok := t.s.batches[batchID]
	if !ok {
		return 0, nil
	}
	if b.Quantity != expectedQuantity || delta > b.Quantity {
		return 0, nil
	}
	b.Quantity -= delta
	b.Active = b.Quantity > 0
	b.UpdatedAt = time.Now().UTC()
	return 1, nil
}

func (t *memTx) IncrementBatch(ctx context.Context, batchID string, delta int) error {
	b, ok := t.s.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: batch %s", store.ErrNotFound, batchID)
	}
	b.Quantity += delta
	b.Active = b.Quantity > 0
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	return t.s.getPrescriptionLocked(tenantID, prescriptionID)
}

func (t *memTx) GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error) {
	return t.s.getRefillLedgerLocked(prescriptionID)
}

func (t *memTx) IncrementRefillsUsed(ctx context.Context, prescriptionID string) error {
	ledger, ok := t.s.refillLedgers[prescriptionID]
	if !ok {
		return fmt.Errorf("%w: refill ledger for %s", store.ErrNotFound, prescriptionID)
	}
	ledger.RefillsUsed++
	ledger.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) SetPrescriptionStatus(ctx context.Context, prescriptionID string, status string) error {
	rx, ok := t.s.prescriptions[prescriptionID]
	if !ok {
		return fmt.Errorf("%w: prescription %s", store.ErrNotFound, prescriptionID)
	}
	rx.Status = status
	rx.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertSale(ctx context.Context, sl domain.Sale) error {
	if _, exists := t.s.sales[sl.ID]; exists {
		return fmt.Errorf("%w: sale %s already exists", store.ErrConflict, sl.ID)
	}
	t.s.sales[sl.ID] = cloneSale(&sl)
	return nil
}

func (t *memTx) InsertSaleItems(ctx context.Context, items []domain.SaleItem) error {
	for _, item := range items {
		sl, ok := t.s.sales[item.SaleID]
		if !ok {
			return fmt.Errorf("%w: sale %s", store.ErrNotFound, item.SaleID)
		}
		sl.Items = append(sl.Items, item)
	}
	return nil
}

func (t *memTx) GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return t.s.getSaleLocked(tenantID, saleID)
}

func (t *memTx) ListReturnedItemIDs(ctx context.Context, originalSaleID string) ([]string, error) {
	ids := make([]string, 0, 4)
	for _, sl := range t.s.sales {
		if sl.OriginalSaleID != originalSaleID {
			continue
		}
		for _, item := range sl.Items {
			if item.ReturnOfItemID != "" {
				ids = append(ids, item.ReturnOfItemID)
			}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (t *memTx) UpdateSaleStatus(ctx context.Context, saleID string, status string, at time.Time) error {
	sl, ok := t.s.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	sl.Status = status
	sl.UpdatedAt = at
	return nil
}

func (t *memTx) UpdateSalePayment(ctx context.Context, saleID string, amountPaidCents int64, paymentStatus string, at time.Time) error {
	sl, ok := t.s.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	sl.AmountPaidCents = amountPaidCents
	sl.PaymentStatus = paymentStatus
	sl.UpdatedAt = at
	return nil
}

func (t *memTx) InsertSalePayment(ctx context.Context, payment domain.SalePayment) error {
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	t.s.payments[payment.SaleID] = append(t.s.payments[payment.SaleID], payment)
	return nil
}

func compareBatchFEFO(a, b domain.ProductBatch) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
		return c
	}
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func cloneBatch(b *domain.ProductBatch) *domain.ProductBatch {
	clone := *b
	return &clone
}

func clonePrescription(rx *domain.Prescription) *domain.Prescription {
	clone := *rx
	clone.Items = slices.Clone(rx.Items)
	return &clone
}

func cloneSale(sl *domain.Sale) *domain.Sale {
	clone := *sl
	clone.Items = slices.Clone(sl.Items)
	return &clone
}
