package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"apotekku/backend/internal/domain"
	"apotekku/backend/internal/store"
	"apotekku/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier lets the same read helpers serve both pooled access and the sale
// transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- products ---

func (s *Store) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sku, name, category, list_price_cents, requires_prescription, dea_schedule, active, created_at, updated_at
		FROM products
		WHERE tenant_id = $1
		ORDER BY category, name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.Category, &p.ListPriceCents, &p.RequiresPrescription, &p.DEASchedule, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	return getProduct(ctx, s.db, tenantID, productID)
}

func getProduct(ctx context.Context, q querier, tenantID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, sku, name, category, list_price_cents, requires_prescription, dea_schedule, active, created_at, updated_at
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, productID).Scan(&p.ID, &p.TenantID, &p.SKU, &p.Name, &p.Category, &p.ListPriceCents, &p.RequiresPrescription, &p.DEASchedule, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt
	product.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, sku, name, category, list_price_cents, requires_prescription, dea_schedule, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.TenantID, product.SKU, product.Name, product.Category, product.ListPriceCents, product.RequiresPrescription, product.DEASchedule, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := product
	return &created, nil
}

// --- batches ---

func (s *Store) CreateProductBatch(ctx context.Context, batch domain.ProductBatch) (*domain.ProductBatch, error) {
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.Active = batch.Quantity > 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_batches (id, tenant_id, product_id, batch_number, expiry_date, quantity, unit_price_cents, active, received_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, batch.ID, batch.TenantID, batch.ProductID, batch.BatchNumber, batch.ExpiryDate, batch.Quantity, batch.UnitPriceCents, batch.Active, batch.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := batch
	return &created, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, tenantID string, productID string, includeInactive bool) ([]domain.ProductBatch, error) {
	query := `
		SELECT id, tenant_id, product_id, batch_number, expiry_date, quantity, unit_price_cents, active, received_at, updated_at
		FROM product_batches
		WHERE tenant_id = $1 AND product_id = $2
	`
	if !includeInactive {
		query += ` AND active = true`
	}
	query += ` ORDER BY expiry_date ASC, received_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, tenantID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

func (s *Store) FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error) {
	return findEligibleBatches(ctx, s.db, tenantID, productID)
}

// findEligibleBatches applies the FEFO ordering. Reads are deliberately
// unlocked; the conditional decrement is what arbitrates concurrent sales.
func findEligibleBatches(ctx context.Context, q querier, tenantID string, productID string) ([]domain.ProductBatch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, tenant_id, product_id, batch_number, expiry_date, quantity, unit_price_cents, active, received_at, updated_at
		FROM product_batches
		WHERE tenant_id = $1 AND product_id = $2
			AND active = true AND quantity > 0
			AND expiry_date > now()
		ORDER BY expiry_date ASC, received_at ASC, id ASC
	`, tenantID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

func (s *Store) ListExpiringBatches(ctx context.Context, tenantID string, until time.Time) ([]domain.ProductBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, product_id, batch_number, expiry_date, quantity, unit_price_cents, active, received_at, updated_at
		FROM product_batches
		WHERE tenant_id = $1
			AND active = true AND quantity > 0
			AND expiry_date > now() AND expiry_date <= $2
		ORDER BY expiry_date ASC
	`, tenantID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]domain.ProductBatch, error) {
	batches := make([]domain.ProductBatch, 0, 16)
	for rows.Next() {
		var b domain.ProductBatch
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ProductID, &b.BatchNumber, &b.ExpiryDate, &b.Quantity, &b.UnitPriceCents, &b.Active, &b.ReceivedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.ExpiryDate = b.ExpiryDate.UTC()
		b.ReceivedAt = b.ReceivedAt.UTC()
		b.UpdatedAt = b.UpdatedAt.UTC()
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// --- customers ---

func (s *Store) GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, COALESCE(phone,''), created_at
		FROM customers
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, customerID).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, tenant_id, name, phone, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.TenantID, customer.Name, nullIfEmpty(customer.Phone), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

// --- prescriptions ---

func (s *Store) CreatePrescription(ctx context.Context, rx domain.Prescription, refillsAllowed int) (*domain.Prescription, error) {
	if rx.ID == "" {
		rx.ID = xid.New("rx")
	}
	now := time.Now().UTC()
	if rx.CreatedAt.IsZero() {
		rx.CreatedAt = now
	}
	rx.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO prescriptions (id, tenant_id, customer_id, prescriber_name, status, valid_until, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rx.ID, rx.TenantID, rx.CustomerID, rx.PrescriberName, rx.Status, rx.ValidUntil, rx.CreatedAt, rx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for i := range rx.Items {
		if rx.Items[i].ID == "" {
			rx.Items[i].ID = xid.New("rxi")
		}
		rx.Items[i].PrescriptionID = rx.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO prescription_items (id, prescription_id, product_id, prescribed_qty, instructions)
			VALUES ($1,$2,$3,$4,$5)
		`, rx.Items[i].ID, rx.ID, rx.Items[i].ProductID, rx.Items[i].PrescribedQty, rx.Items[i].Instructions)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refill_ledgers (prescription_id, refills_allowed, refills_used, updated_at)
		VALUES ($1,$2,0,$3)
	`, rx.ID, refillsAllowed, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := rx
	return &created, nil
}

func (s *Store) GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	return getPrescriptionWithItems(ctx, s.db, tenantID, prescriptionID)
}

func getPrescriptionWithItems(ctx context.Context, q querier, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	var rx domain.Prescription
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, prescriber_name, status, valid_until, created_at, updated_at
		FROM prescriptions
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, prescriptionID).Scan(&rx.ID, &rx.TenantID, &rx.CustomerID, &rx.PrescriberName, &rx.Status, &rx.ValidUntil, &rx.CreatedAt, &rx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rx.ValidUntil = rx.ValidUntil.UTC()
	rx.CreatedAt = rx.CreatedAt.UTC()
	rx.UpdatedAt = rx.UpdatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, prescription_id, product_id, prescribed_qty, COALESCE(instructions,'')
		FROM prescription_items
		WHERE prescription_id = $1
		ORDER BY id ASC
	`, rx.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PrescriptionItem, 0, 4)
	for rows.Next() {
		var item domain.PrescriptionItem
		if err := rows.Scan(&item.ID, &item.PrescriptionID, &item.ProductID, &item.PrescribedQty, &item.Instructions); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rx.Items = items

	return &rx, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, tenantID string, limit int) ([]domain.Prescription, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, customer_id, prescriber_name, status, valid_until, created_at, updated_at
		FROM prescriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Prescription, 0, limit)
	for rows.Next() {
		var rx domain.Prescription
		if err := rows.Scan(&rx.ID, &rx.TenantID, &rx.CustomerID, &rx.PrescriberName, &rx.Status, &rx.ValidUntil, &rx.CreatedAt, &rx.UpdatedAt); err != nil {
			return nil, err
		}
		rx.ValidUntil = rx.ValidUntil.UTC()
		rx.CreatedAt = rx.CreatedAt.UTC()
		rx.UpdatedAt = rx.UpdatedAt.UTC()
		result = append(result, rx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error) {
	return getRefillLedger(ctx, s.db, prescriptionID)
}

func getRefillLedger(ctx context.Context, q querier, prescriptionID string) (*domain.RefillLedger, error) {
	var ledger domain.RefillLedger
	err := q.QueryRowContext(ctx, `
		SELECT prescription_id, refills_allowed, refills_used, updated_at
		FROM refill_ledgers
		WHERE prescription_id = $1
	`, prescriptionID).Scan(&ledger.PrescriptionID, &ledger.RefillsAllowed, &ledger.RefillsUsed, &ledger.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ledger.UpdatedAt = ledger.UpdatedAt.UTC()
	return &ledger, nil
}

// --- sales ---

func (s *Store) GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return getSaleWithItems(ctx, s.db, tenantID, saleID)
}

func getSaleWithItems(ctx context.Context, q querier, tenantID string, saleID string) (*domain.Sale, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, invoice_number, customer_id, prescription_id, original_sale_id,
			subtotal_cents, discount_cents, tax_cents, total_cents, amount_paid_cents, change_cents,
			payment_status, status, created_at, updated_at
		FROM sales
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, saleID)

	sale, err := scanSale(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, batch_id, quantity, unit_price_cents, discount_cents, total_cents, expiry_date, return_of_item_id, created_at
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		var returnOf sql.NullString
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.BatchID, &item.Quantity, &item.UnitPriceCents, &item.DiscountCents, &item.TotalCents, &item.ExpiryDate, &returnOf, &item.CreatedAt); err != nil {
			return nil, err
		}
		if returnOf.Valid {
			item.ReturnOfItemID = returnOf.String
		}
		item.ExpiryDate = item.ExpiryDate.UTC()
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sale.Items = items

	return sale, nil
}

func scanSale(scan func(dest ...any) error) (*domain.Sale, error) {
	var sale domain.Sale
	var customerID, prescriptionID, originalSaleID sql.NullString
	err := scan(
		&sale.ID,
		&sale.TenantID,
		&sale.InvoiceNumber,
		&customerID,
		&prescriptionID,
		&originalSaleID,
		&sale.SubtotalCents,
		&sale.DiscountCents,
		&sale.TaxCents,
		&sale.TotalCents,
		&sale.AmountPaidCents,
		&sale.ChangeCents,
		&sale.PaymentStatus,
		&sale.Status,
		&sale.CreatedAt,
		&sale.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if prescriptionID.Valid {
		sale.PrescriptionID = prescriptionID.String
	}
	if originalSaleID.Valid {
		sale.OriginalSaleID = originalSaleID.String
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, invoice_number, customer_id, prescription_id, original_sale_id,
			subtotal_cents, discount_cents, tax_cents, total_cents, amount_paid_cents, change_cents,
			payment_status, status, created_at, updated_at
		FROM sales
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows.Scan)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) ListSalePayments(ctx context.Context, tenantID string, saleID string) ([]domain.SalePayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sale_id, p.amount_cents, p.method, p.created_at
		FROM sale_payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE s.tenant_id = $1 AND p.sale_id = $2
		ORDER BY p.created_at ASC, p.id ASC
	`, tenantID, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 4)
	for rows.Next() {
		var p domain.SalePayment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.AmountCents, &p.Method, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

// --- audit ---

func (s *Store) AppendAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	if record.ID == "" {
		record.ID = xid.New("audit")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, tenant_id, entity_type, entity_id, action, before_state, after_state, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, record.ID, record.TenantID, record.EntityType, record.EntityID, record.Action, nullIfEmptyJSON(record.Before), nullIfEmptyJSON(record.After), record.Actor, record.CreatedAt)
	return err
}

func (s *Store) ListAuditRecords(ctx context.Context, tenantID string, limit int) ([]domain.AuditRecord, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, entity_type, entity_id, action, before_state, after_state, COALESCE(actor,''), created_at
		FROM audit_records
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AuditRecord, 0, limit)
	for rows.Next() {
		var record domain.AuditRecord
		var before, after []byte
		if err := rows.Scan(&record.ID, &record.TenantID, &record.EntityType, &record.EntityID, &record.Action, &before, &after, &record.Actor, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.Before = before
		record.After = after
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// --- users ---

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) UpsertUser(ctx context.Context, user domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username)
		DO UPDATE SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, active = EXCLUDED.active
	`, user.Username, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	return err
}

// --- sale transaction ---

func (s *Store) RunSaleTx(ctx context.Context, fn func(ctx context.Context, tx store.SaleTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(ctx, saleTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

type saleTx struct {
	tx *sql.Tx
}

func (t saleTx) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, tenantID, productID)
}

func (t saleTx) FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error) {
	return findEligibleBatches(ctx, t.tx, tenantID, productID)
}

func (t saleTx) ConditionalDecrementBatch(ctx context.Context, batchID string, expectedQuantity int, delta int) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE product_batches
		SET quantity = quantity - $1, active = (quantity - $1) > 0, updated_at = now()
		WHERE id = $2 AND quantity = $3 AND quantity >= $1
	`, delta, batchID, expectedQuantity)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t saleTx) IncrementBatch(ctx context.Context, batchID string, delta int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE product_batches
		SET quantity = quantity + $1, active = (quantity + $1) > 0, updated_at = now()
		WHERE id = $2
	`, delta, batchID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t saleTx) GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	return getPrescriptionWithItems(ctx, t.tx, tenantID, prescriptionID)
}

func (t saleTx) GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error) {
	return getRefillLedger(ctx, t.tx, prescriptionID)
}

func (t saleTx) IncrementRefillsUsed(ctx context.Context, prescriptionID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE refill_ledgers
		SET refills_used = refills_used + 1, updated_at = now()
		WHERE prescription_id = $1
	`, prescriptionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t saleTx) SetPrescriptionStatus(ctx context.Context, prescriptionID string, status string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE prescriptions
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, prescriptionID, status)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t saleTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, tenant_id, invoice_number, customer_id, prescription_id, original_sale_id,
			subtotal_cents, discount_cents, tax_cents, total_cents, amount_paid_cents, change_cents,
			payment_status, status, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, sale.ID, sale.TenantID, sale.InvoiceNumber, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.PrescriptionID), nullIfEmpty(sale.OriginalSaleID),
		sale.SubtotalCents, sale.DiscountCents, sale.TaxCents, sale.TotalCents, sale.AmountPaidCents, sale.ChangeCents,
		sale.PaymentStatus, sale.Status, sale.CreatedAt, sale.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (t saleTx) InsertSaleItems(ctx context.Context, items []domain.SaleItem) error {
	for _, item := range items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, batch_id, quantity, unit_price_cents, discount_cents, total_cents, expiry_date, return_of_item_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, item.ID, item.SaleID, item.ProductID, item.BatchID, item.Quantity, item.UnitPriceCents, item.DiscountCents, item.TotalCents, item.ExpiryDate, nullIfEmpty(item.ReturnOfItemID), item.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t saleTx) GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	return getSaleWithItems(ctx, t.tx, tenantID, saleID)
}

func (t saleTx) ListReturnedItemIDs(ctx context.Context, originalSaleID string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT si.return_of_item_id
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.original_sale_id = $1 AND si.return_of_item_id IS NOT NULL
	`, originalSaleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t saleTx) UpdateSaleStatus(ctx context.Context, saleID string, status string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, saleID, status, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t saleTx) UpdateSalePayment(ctx context.Context, saleID string, amountPaidCents int64, paymentStatus string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET amount_paid_cents = $2, payment_status = $3, updated_at = $4
		WHERE id = $1
	`, saleID, amountPaidCents, paymentStatus, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t saleTx) InsertSalePayment(ctx context.Context, payment domain.SalePayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_payments (id, sale_id, amount_cents, method, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, payment.ID, payment.SaleID, payment.AmountCents, payment.Method, payment.CreatedAt)
	return err
}

// --- helpers ---

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfEmptyJSON(val []byte) any {
	if len(val) == 0 {
		return nil
	}
	return val
}
