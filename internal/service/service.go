package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"apotekku/backend/internal/audit"
	"apotekku/backend/internal/domain"
	"apotekku/backend/internal/expiry"
	"apotekku/backend/internal/sale"
	"apotekku/backend/internal/store"
	"apotekku/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultTenantID     string
	AllowPartialPayment bool
	SaleTxTimeout       time.Duration
}

type Service struct {
	repo                store.Repository
	expiry              *expiry.Engine
	publisher           audit.Publisher
	defaultTenantID     string
	allowPartialPayment bool
	saleTxTimeout       time.Duration
	reportGroup         singleflight.Group
}

func New(repo store.Repository, expiryEngine *expiry.Engine, publisher audit.Publisher, opts Options) *Service {
	if opts.DefaultTenantID == "" {
		opts.DefaultTenantID = "apotek-main"
	}
	if opts.SaleTxTimeout <= 0 {
		opts.SaleTxTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = audit.NoopPublisher{}
	}

	return &Service{
		repo:                repo,
		expiry:              expiryEngine,
		publisher:           publisher,
		defaultTenantID:     opts.DefaultTenantID,
		allowPartialPayment: opts.AllowPartialPayment,
		saleTxTimeout:       opts.SaleTxTimeout,
	}
}

func (s *Service) tenantOr(tenantID string) string {
	if strings.TrimSpace(tenantID) == "" {
		return s.defaultTenantID
	}
	return tenantID
}

func requireRole(ctx context.Context, roles ...string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return fmt.Errorf("%s role required", strings.Join(roles, " or "))
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%s role required", strings.Join(roles, " or "))
}

// --- catalog ---

func (s *Service) ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.tenantOr(tenantID))
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireRole(ctx, "admin"); err != nil {
		return domain.Product{}, err
	}

	req.TenantID = s.tenantOr(req.TenantID)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.DEASchedule == "" {
		req.DEASchedule = domain.DEAScheduleNone
	}

	if req.SKU == "" || req.Name == "" || req.ListPriceCents < 1 {
		return domain.Product{}, fmt.Errorf("%w: sku, name and price are required", store.ErrInvalidInput)
	}
	if !isValidSchedule(req.DEASchedule) {
		return domain.Product{}, fmt.Errorf("%w: unknown dea schedule %q", store.ErrInvalidInput, req.DEASchedule)
	}
	// A scheduled substance can never be dispensed over the counter.
	if req.DEASchedule != domain.DEAScheduleNone {
		req.RequiresPrescription = true
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		TenantID:             req.TenantID,
		SKU:                  req.SKU,
		Name:                 req.Name,
		Category:             req.Category,
		ListPriceCents:       req.ListPriceCents,
		RequiresPrescription: req.RequiresPrescription,
		DEASchedule:          req.DEASchedule,
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *created, nil
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.ProductBatch, error) {
	if err := requireRole(ctx, "admin"); err != nil {
		return domain.ProductBatch{}, err
	}

	req.TenantID = s.tenantOr(req.TenantID)
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	if req.ProductID == "" || req.BatchNumber == "" {
		return domain.ProductBatch{}, fmt.Errorf("%w: product and batch number are required", store.ErrInvalidInput)
	}
	if req.Quantity < 1 || req.UnitPriceCents < 1 {
		return domain.ProductBatch{}, fmt.Errorf("%w: quantity and unit price must be positive", store.ErrInvalidInput)
	}
	if req.ExpiryDate.IsZero() || !req.ExpiryDate.After(time.Now().UTC()) {
		return domain.ProductBatch{}, fmt.Errorf("%w: expiry date must be in the future", store.ErrInvalidInput)
	}

	if _, err := s.repo.GetProduct(ctx, req.TenantID, req.ProductID); err != nil {
		return domain.ProductBatch{}, err
	}

	created, err := s.repo.CreateProductBatch(ctx, domain.ProductBatch{
		TenantID:       req.TenantID,
		ProductID:      req.ProductID,
		BatchNumber:    req.BatchNumber,
		ExpiryDate:     req.ExpiryDate.UTC(),
		Quantity:       req.Quantity,
		UnitPriceCents: req.UnitPriceCents,
	})
	if err != nil {
		return domain.ProductBatch{}, err
	}

	s.emitAudit(ctx, req.TenantID, domain.AuditEntityBatch, created.ID, domain.AuditActionCreate, nil, created)
	return *created, nil
}

func (s *Service) ListBatches(ctx context.Context, tenantID string, productID string, includeInactive bool) ([]domain.ProductBatch, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrInvalidInput)
	}
	return s.repo.ListBatchesByProduct(ctx, s.tenantOr(tenantID), productID, includeInactive)
}

// --- prescriptions ---

func (s *Service) CreatePrescription(ctx context.Context, req domain.PrescriptionCreateRequest) (domain.Prescription, error) {
	if err := requireRole(ctx, "pharmacist", "admin"); err != nil {
		return domain.Prescription{}, err
	}

	req.TenantID = s.tenantOr(req.TenantID)
	req.PrescriberName = strings.TrimSpace(req.PrescriberName)
	if req.CustomerID == "" || req.PrescriberName == "" || len(req.Items) == 0 {
		return domain.Prescription{}, fmt.Errorf("%w: customer, prescriber and items are required", store.ErrInvalidInput)
	}
	if req.ValidUntil.IsZero() || !req.ValidUntil.After(time.Now().UTC()) {
		return domain.Prescription{}, fmt.Errorf("%w: validity date must be in the future", store.ErrInvalidInput)
	}
	if req.RefillsAllowed < 0 {
		return domain.Prescription{}, fmt.Errorf("%w: refills allowed must not be negative", store.ErrInvalidInput)
	}

	if _, err := s.repo.GetCustomer(ctx, req.TenantID, req.CustomerID); err != nil {
		return domain.Prescription{}, err
	}

	items := make([]domain.PrescriptionItem, 0, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID == "" || item.PrescribedQty < 1 {
			return domain.Prescription{}, fmt.Errorf("%w: each prescription line needs a product and a positive quantity", store.ErrInvalidInput)
		}
		if _, err := s.repo.GetProduct(ctx, req.TenantID, item.ProductID); err != nil {
			return domain.Prescription{}, err
		}
		items = append(items, domain.PrescriptionItem{
			ProductID:     item.ProductID,
			PrescribedQty: item.PrescribedQty,
			Instructions:  strings.TrimSpace(item.Instructions),
		})
	}

	created, err := s.repo.CreatePrescription(ctx, domain.Prescription{
		TenantID:       req.TenantID,
		CustomerID:     req.CustomerID,
		PrescriberName: req.PrescriberName,
		Status:         domain.PrescriptionStatusActive,
		ValidUntil:     req.ValidUntil.UTC(),
		Items:          items,
	}, req.RefillsAllowed)
	if err != nil {
		return domain.Prescription{}, err
	}

	s.emitAudit(ctx, req.TenantID, domain.AuditEntityPrescription, created.ID, domain.AuditActionCreate, nil, created)
	return *created, nil
}

func (s *Service) GetPrescription(ctx context.Context, tenantID string, prescriptionID string) (domain.Prescription, error) {
	rx, err := s.repo.GetPrescriptionWithItems(ctx, s.tenantOr(tenantID), prescriptionID)
	if err != nil {
		return domain.Prescription{}, err
	}
	return *rx, nil
}

func (s *Service) ListPrescriptions(ctx context.Context, tenantID string, limit int) ([]domain.Prescription, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListPrescriptions(ctx, s.tenantOr(tenantID), limit)
}

// --- sale engine ---

// txPrescriptions adapts the transactional store view to the validator's
// contract: a missing row reads as nil rather than an error, so the
// validator can answer with its own error type.
type txPrescriptions struct {
	tx store.SaleTx
}

func (p txPrescriptions) GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error) {
	rx, err := p.tx.GetPrescriptionWithItems(ctx, tenantID, prescriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rx, err
}

func (p txPrescriptions) GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error) {
	ledger, err := p.tx.GetRefillLedger(ctx, prescriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return ledger, err
}

// CreateSale is the transactional backbone: compliance, FEFO allocation,
// totals, persistence, optimistic stock decrements and prescription
// bookkeeping run inside one unit of work. Any failure rolls the whole sale
// back; the audit record is emitted only after commit.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.CreateSaleResponse, error) {
	tenantID := s.tenantOr(req.TenantID)

	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return nil, err
	}

	payments := make([]domain.PaymentInput, 0, len(req.Payments))
	var tenderedCents int64
	for _, payment := range req.Payments {
		if payment.AmountCents < 1 {
			return nil, fmt.Errorf("%w: payment amounts must be positive", store.ErrInvalidInput)
		}
		method := strings.ToLower(strings.TrimSpace(payment.Method))
		if method == "" {
			method = "cash"
		}
		payments = append(payments, domain.PaymentInput{AmountCents: payment.AmountCents, Method: method})
		tenderedCents += payment.AmountCents
	}

	now := time.Now().UTC()
	saleID := xid.New("sale")
	invoice := xid.Invoice(now)

	var resp *domain.CreateSaleResponse
	txCtx, cancel := context.WithTimeout(ctx, s.saleTxTimeout)
	defer cancel()

	err = s.repo.RunSaleTx(txCtx, func(ctx context.Context, tx store.SaleTx) error {
		products := make(map[string]domain.Product, len(lines))
		for _, line := range lines {
			product, err := tx.GetProduct(ctx, tenantID, line.ProductID)
			if err != nil {
				return err
			}
			products[product.ID] = *product
		}

		var rx *domain.Prescription
		var ledger *domain.RefillLedger
		if req.PrescriptionID != "" {
			rx, ledger, err = sale.ValidatePrescription(ctx, txPrescriptions{tx: tx}, tenantID, req.PrescriptionID, lines, products, now)
			if err != nil {
				return err
			}
		} else if err := sale.AssertNoPrescriptionNeeded(lines, products); err != nil {
			return err
		}

		pricings := make([]sale.ItemPricing, 0, len(lines))
		for _, line := range lines {
			allocations, err := sale.Allocate(ctx, tx, tenantID, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			for _, allocation := range allocations {
				pricings = append(pricings, sale.ItemPricing{
					Allocation:      allocation,
					LineDiscountPct: line.DiscountPercent,
				})
			}
		}

		totals, err := sale.ComputeTotals(pricings, req.DiscountPercent, req.TaxPercent)
		if err != nil {
			return err
		}

		if tenderedCents < totals.TotalCents && !s.allowPartialPayment {
			return &sale.InsufficientPaymentError{TotalCents: totals.TotalCents, PaidCents: tenderedCents}
		}

		amountPaid := tenderedCents
		var change int64
		if tenderedCents > totals.TotalCents {
			change = tenderedCents - totals.TotalCents
			amountPaid = totals.TotalCents
		}

		customerID := req.CustomerID
		if customerID == "" && rx != nil {
			customerID = rx.CustomerID
		}

		newSale := domain.Sale{
			ID:              saleID,
			TenantID:        tenantID,
			InvoiceNumber:   invoice,
			CustomerID:      customerID,
			PrescriptionID:  req.PrescriptionID,
			SubtotalCents:   totals.SubtotalCents,
			DiscountCents:   totals.DiscountCents,
			TaxCents:        totals.TaxCents,
			TotalCents:      totals.TotalCents,
			AmountPaidCents: amountPaid,
			ChangeCents:     change,
			PaymentStatus:   paymentStatusFor(amountPaid, totals.TotalCents),
			Status:          domain.SaleStatusCompleted,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertSale(ctx, newSale); err != nil {
			return err
		}

		items := make([]domain.SaleItem, 0, len(pricings))
		allocations := make([]domain.BatchAllocation, 0, len(pricings))
		for i, pricing := range pricings {
			allocation := pricing.Allocation
			items = append(items, domain.SaleItem{
				ID:             xid.New("item"),
				SaleID:         saleID,
				ProductID:      allocation.ProductID,
				BatchID:        allocation.BatchID,
				Quantity:       allocation.Quantity,
				UnitPriceCents: allocation.UnitPriceCents,
				DiscountCents:  totals.ItemDiscounts[i],
				TotalCents:     totals.ItemTotals[i],
				ExpiryDate:     allocation.ExpiryDate,
				CreatedAt:      now,
			})
			allocations = append(allocations, allocation)
		}
		if err := tx.InsertSaleItems(ctx, items); err != nil {
			return err
		}

		for _, allocation := range allocations {
			affected, err := tx.ConditionalDecrementBatch(ctx, allocation.BatchID, allocation.ObservedQuantity, allocation.Quantity)
			if err != nil {
				return err
			}
			if affected == 0 {
				return &sale.OptimisticLockConflictError{BatchID: allocation.BatchID}
			}
		}

		for _, payment := range payments {
			err := tx.InsertSalePayment(ctx, domain.SalePayment{
				ID:          xid.New("pay"),
				SaleID:      saleID,
				AmountCents: payment.AmountCents,
				Method:      payment.Method,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
		}

		if rx != nil {
			if err := s.recordDispense(ctx, tx, rx, ledger, lines, products); err != nil {
				return err
			}
		}

		newSale.Items = items
		resp = &domain.CreateSaleResponse{
			Sale:        &newSale,
			Allocations: allocations,
			ChangeCents: change,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, tenantID, domain.AuditEntitySale, saleID, domain.AuditActionCreate, nil, resp.Sale)
	return resp, nil
}

// recordDispense runs after every other step of the sale has succeeded. A
// dispense against a refill-tracked prescription consumes one refill; the
// prescription flips to DISPENSED on the dispense that exhausts its
// allowance, or immediately when it never had one.
func (s *Service) recordDispense(
	ctx context.Context,
	tx store.SaleTx,
	rx *domain.Prescription,
	ledger *domain.RefillLedger,
	lines []domain.SaleLine,
	products map[string]domain.Product,
) error {
	tracked := false
	for _, line := range lines {
		if domain.RefillTracked(products[line.ProductID].DEASchedule) {
			tracked = true
			break
		}
	}

	if tracked && ledger != nil && ledger.RefillsAllowed > 0 {
		if err := tx.IncrementRefillsUsed(ctx, rx.ID); err != nil {
			return err
		}
		if ledger.RefillsUsed+1 < ledger.RefillsAllowed {
			return nil
		}
	}
	return tx.SetPrescriptionStatus(ctx, rx.ID, domain.PrescriptionStatusDispensed)
}

// ReturnSale reverses a committed sale, fully or per item subset, through a
// mirrored credit-note sale. Restores are plain increments: adding stock
// back can never oversell, so no optimistic guard is needed.
func (s *Service) ReturnSale(ctx context.Context, req domain.ReturnSaleRequest) (*domain.ReturnSaleResponse, error) {
	if err := requireRole(ctx, "pharmacist", "admin"); err != nil {
		return nil, err
	}
	tenantID := s.tenantOr(req.TenantID)
	if req.SaleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "unspecified"
	}

	now := time.Now().UTC()
	creditID := xid.New("sale")

	var resp *domain.ReturnSaleResponse
	txCtx, cancel := context.WithTimeout(ctx, s.saleTxTimeout)
	defer cancel()

	err := s.repo.RunSaleTx(txCtx, func(ctx context.Context, tx store.SaleTx) error {
		original, err := tx.GetSaleWithItems(ctx, tenantID, req.SaleID)
		if errors.Is(err, store.ErrNotFound) {
			return &sale.SaleNotFoundError{SaleID: req.SaleID}
		}
		if err != nil {
			return err
		}
		if original.Status != domain.SaleStatusCompleted {
			return &sale.SaleNotReturnableError{SaleID: original.ID, Reason: fmt.Sprintf("status is %s", original.Status)}
		}

		returnedIDs, err := tx.ListReturnedItemIDs(ctx, original.ID)
		if err != nil {
			return err
		}
		alreadyReturned := make(map[string]bool, len(returnedIDs))
		for _, id := range returnedIDs {
			alreadyReturned[id] = true
		}

		target, err := selectReturnItems(original, req.ItemIDs, alreadyReturned)
		if err != nil {
			return err
		}

		creditSums := mirrorTotals(original, target)
		creditNote := domain.Sale{
			ID:              creditID,
			TenantID:        tenantID,
			InvoiceNumber:   xid.CreditNote(original.InvoiceNumber),
			CustomerID:      original.CustomerID,
			PrescriptionID:  original.PrescriptionID,
			OriginalSaleID:  original.ID,
			SubtotalCents:   creditSums.subtotal,
			DiscountCents:   creditSums.discount,
			TaxCents:        creditSums.tax,
			TotalCents:      creditSums.total,
			AmountPaidCents: creditSums.total,
			PaymentStatus:   domain.PaymentStatusPaid,
			Status:          domain.SaleStatusCompleted,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertSale(ctx, creditNote); err != nil {
			return err
		}

		mirrors := make([]domain.SaleItem, 0, len(target))
		for _, item := range target {
			mirrors = append(mirrors, domain.SaleItem{
				ID:             xid.New("item"),
				SaleID:         creditID,
				ProductID:      item.ProductID,
				BatchID:        item.BatchID,
				Quantity:       -item.Quantity,
				UnitPriceCents: item.UnitPriceCents,
				DiscountCents:  -item.DiscountCents,
				TotalCents:     -item.TotalCents,
				ExpiryDate:     item.ExpiryDate,
				ReturnOfItemID: item.ID,
				CreatedAt:      now,
			})
		}
		if err := tx.InsertSaleItems(ctx, mirrors); err != nil {
			return err
		}

		for _, item := range target {
			if err := tx.IncrementBatch(ctx, item.BatchID, item.Quantity); err != nil {
				return err
			}
		}

		// The original flips to RETURNED only once every positive line has a
		// mirror; until then further partial returns stay possible.
		returnedCount := len(alreadyReturned) + len(target)
		originalCount := 0
		for _, item := range original.Items {
			if item.Quantity > 0 {
				originalCount++
			}
		}
		if returnedCount >= originalCount {
			if err := tx.UpdateSaleStatus(ctx, original.ID, domain.SaleStatusReturned, now); err != nil {
				return err
			}
			original.Status = domain.SaleStatusReturned
			original.UpdatedAt = now
		}

		creditNote.Items = mirrors
		resp = &domain.ReturnSaleResponse{CreditNote: &creditNote, Original: original}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, tenantID, domain.AuditEntitySale, req.SaleID, domain.AuditActionReturn, resp.Original, resp.CreditNote)
	return resp, nil
}

// CancelSale voids a committed sale outright. It is only legal before any
// return has been recorded; after that the credit-note path is the sole way
// to reverse stock.
func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (*domain.Sale, error) {
	if err := requireRole(ctx, "pharmacist", "admin"); err != nil {
		return nil, err
	}
	tenantID := s.tenantOr(req.TenantID)
	if req.SaleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}

	now := time.Now().UTC()
	var cancelled *domain.Sale
	var before *domain.Sale
	txCtx, cancel := context.WithTimeout(ctx, s.saleTxTimeout)
	defer cancel()

	err := s.repo.RunSaleTx(txCtx, func(ctx context.Context, tx store.SaleTx) error {
		original, err := tx.GetSaleWithItems(ctx, tenantID, req.SaleID)
		if errors.Is(err, store.ErrNotFound) {
			return &sale.SaleNotFoundError{SaleID: req.SaleID}
		}
		if err != nil {
			return err
		}
		if original.Status != domain.SaleStatusCompleted {
			return &sale.SaleNotReturnableError{SaleID: original.ID, Reason: fmt.Sprintf("status is %s", original.Status)}
		}

		returnedIDs, err := tx.ListReturnedItemIDs(ctx, original.ID)
		if err != nil {
			return err
		}
		if len(returnedIDs) > 0 {
			return &sale.SaleNotReturnableError{SaleID: original.ID, Reason: "sale already has returns recorded"}
		}

		snapshot := *original
		before = &snapshot

		for _, item := range original.Items {
			if item.Quantity < 1 {
				continue
			}
			if err := tx.IncrementBatch(ctx, item.BatchID, item.Quantity); err != nil {
				return err
			}
		}

		if err := tx.UpdateSaleStatus(ctx, original.ID, domain.SaleStatusCancelled, now); err != nil {
			return err
		}
		original.Status = domain.SaleStatusCancelled
		original.UpdatedAt = now
		cancelled = original
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, tenantID, domain.AuditEntitySale, req.SaleID, domain.AuditActionCancel, before, cancelled)
	return cancelled, nil
}

// RecordAdditionalPayment tops up the amount paid against a sale and
// recomputes the tri-state payment status.
func (s *Service) RecordAdditionalPayment(ctx context.Context, req domain.RecordPaymentRequest) (*domain.Sale, error) {
	tenantID := s.tenantOr(req.TenantID)
	if req.SaleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}
	if req.AmountCents < 1 {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidInput)
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		method = "cash"
	}

	now := time.Now().UTC()
	var updated *domain.Sale
	var before *domain.Sale
	txCtx, cancel := context.WithTimeout(ctx, s.saleTxTimeout)
	defer cancel()

	err := s.repo.RunSaleTx(txCtx, func(ctx context.Context, tx store.SaleTx) error {
		current, err := tx.GetSaleWithItems(ctx, tenantID, req.SaleID)
		if errors.Is(err, store.ErrNotFound) {
			return &sale.SaleNotFoundError{SaleID: req.SaleID}
		}
		if err != nil {
			return err
		}
		if current.Status == domain.SaleStatusCancelled {
			return fmt.Errorf("%w: sale %s is cancelled", store.ErrInvalidInput, current.ID)
		}
		if current.PaymentStatus == domain.PaymentStatusPaid {
			return fmt.Errorf("%w: sale %s is already fully paid", store.ErrInvalidInput, current.ID)
		}

		newPaid := current.AmountPaidCents + req.AmountCents
		if newPaid > current.TotalCents {
			return &sale.PaymentExceedsTotalError{TotalCents: current.TotalCents, AttemptedCents: newPaid}
		}

		snapshot := *current
		before = &snapshot

		status := paymentStatusFor(newPaid, current.TotalCents)
		if err := tx.UpdateSalePayment(ctx, current.ID, newPaid, status, now); err != nil {
			return err
		}
		err = tx.InsertSalePayment(ctx, domain.SalePayment{
			ID:          xid.New("pay"),
			SaleID:      current.ID,
			AmountCents: req.AmountCents,
			Method:      method,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		current.AmountPaidCents = newPaid
		current.PaymentStatus = status
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, tenantID, domain.AuditEntitySale, req.SaleID, domain.AuditActionPayment, before, updated)
	return updated, nil
}

func (s *Service) GetSale(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error) {
	found, err := s.repo.GetSaleWithItems(ctx, s.tenantOr(tenantID), saleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &sale.SaleNotFoundError{SaleID: saleID}
	}
	return found, err
}

func (s *Service) ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, s.tenantOr(tenantID), limit)
}

func (s *Service) ListSalePayments(ctx context.Context, tenantID string, saleID string) ([]domain.SalePayment, error) {
	if saleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidInput)
	}
	tenantID = s.tenantOr(tenantID)

	// Resolve ownership first so a sale id from another tenant reads as
	// not-found rather than leaking its payment ledger.
	if _, err := s.repo.GetSaleWithItems(ctx, tenantID, saleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &sale.SaleNotFoundError{SaleID: saleID}
		}
		return nil, err
	}
	return s.repo.ListSalePayments(ctx, tenantID, saleID)
}

// --- reporting ---

// ExpiringStock serves the expiry-alert report. Concurrent cache misses for
// the same tenant collapse into a single rebuild.
func (s *Service) ExpiringStock(ctx context.Context, tenantID string) (*domain.ExpiryReport, error) {
	tenantID = s.tenantOr(tenantID)

	if report, ok := s.expiry.Cached(ctx, tenantID); ok {
		return report, nil
	}

	value, err, _ := s.reportGroup.Do(tenantID, func() (any, error) {
		now := time.Now().UTC()
		until := now.AddDate(0, 0, s.expiry.WindowDays())

		batches, err := s.repo.ListExpiringBatches(ctx, tenantID, until)
		if err != nil {
			return nil, err
		}
		products, err := s.repo.ListProducts(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		productMap := make(map[string]domain.Product, len(products))
		for _, product := range products {
			productMap[product.ID] = product
		}

		report := s.expiry.BuildReport(tenantID, batches, productMap, now)
		s.expiry.Store(ctx, tenantID, report)
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*domain.ExpiryReport), nil
}

func (s *Service) ListAuditRecords(ctx context.Context, tenantID string, limit int) ([]domain.AuditRecord, error) {
	if err := requireRole(ctx, "admin"); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditRecords(ctx, s.tenantOr(tenantID), limit)
}

// --- helpers ---

// emitAudit runs after commit, detached from the request: a slow or failing
// audit sink must never fail or delay the operation it describes.
func (s *Service) emitAudit(ctx context.Context, tenantID string, entityType string, entityID string, action string, before any, after any) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	record := domain.AuditRecord{
		ID:         xid.New("audit"),
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Before:     marshalSnapshot(before),
		After:      marshalSnapshot(after),
		Actor:      actor.Username,
		CreatedAt:  time.Now().UTC(),
	}

	go func() {
		auditCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := s.repo.AppendAuditRecord(auditCtx, record); err != nil {
			log.Printf("[audit] WARN: failed to append audit record action=%s entity=%s/%s: %v", action, entityType, entityID, err)
		}
		if err := s.publisher.Publish(auditCtx, record); err != nil {
			log.Printf("[audit] WARN: failed to publish audit record action=%s entity=%s/%s: %v", action, entityType, entityID, err)
		}
	}()
}

func marshalSnapshot(value any) json.RawMessage {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return payload
}

func normalizeLines(lines []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one sale line is required", store.ErrInvalidInput)
	}

	out := make([]domain.SaleLine, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, fmt.Errorf("%w: each line needs a product and a positive quantity", store.ErrInvalidInput)
		}
		if line.DiscountPercent < 0 || line.DiscountPercent > 100 {
			return nil, fmt.Errorf("%w: line discount must be between 0 and 100", store.ErrInvalidInput)
		}
		// Merging duplicates would silently rewrite quantities and discounts
		// behind the caller's back; the cart has to state each product once.
		if _, dup := seen[line.ProductID]; dup {
			return nil, fmt.Errorf("%w: product %s appears on more than one line", store.ErrInvalidInput, line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		out = append(out, line)
	}
	return out, nil
}

func paymentStatusFor(paidCents int64, totalCents int64) string {
	switch {
	case paidCents >= totalCents:
		return domain.PaymentStatusPaid
	case paidCents > 0:
		return domain.PaymentStatusPartial
	default:
		return domain.PaymentStatusPending
	}
}

func selectReturnItems(original *domain.Sale, itemIDs []string, alreadyReturned map[string]bool) ([]domain.SaleItem, error) {
	byID := make(map[string]domain.SaleItem, len(original.Items))
	for _, item := range original.Items {
		if item.Quantity > 0 {
			byID[item.ID] = item
		}
	}

	if len(itemIDs) == 0 {
		target := make([]domain.SaleItem, 0, len(original.Items))
		for _, item := range original.Items {
			if item.Quantity > 0 && !alreadyReturned[item.ID] {
				target = append(target, item)
			}
		}
		if len(target) == 0 {
			return nil, &sale.SaleNotReturnableError{SaleID: original.ID, Reason: "all items already returned"}
		}
		return target, nil
	}

	target := make([]domain.SaleItem, 0, len(itemIDs))
	seen := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		item, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: item %s is not part of sale %s", store.ErrInvalidInput, id, original.ID)
		}
		if alreadyReturned[id] {
			return nil, &sale.SaleNotReturnableError{SaleID: original.ID, Reason: fmt.Sprintf("item %s already returned", id)}
		}
		target = append(target, item)
	}
	return target, nil
}

type creditTotals struct {
	subtotal int64
	discount int64
	tax      int64
	total    int64
}

// mirrorTotals negates the returned subset's sums. Tax is apportioned by the
// subset's share of the original post-discount amount so repeated partial
// returns reconcile against the original sale to the cent.
func mirrorTotals(original *domain.Sale, target []domain.SaleItem) creditTotals {
	var subtotal, discount, net int64
	for _, item := range target {
		subtotal += item.UnitPriceCents * int64(item.Quantity)
		discount += item.DiscountCents
		net += item.TotalCents
	}

	var tax int64
	originalNet := original.SubtotalCents - original.DiscountCents
	if originalNet > 0 && original.TaxCents > 0 {
		tax = (original.TaxCents*net + originalNet/2) / originalNet
	}

	return creditTotals{
		subtotal: -subtotal,
		discount: -discount,
		tax:      -tax,
		total:    -(net + tax),
	}
}

func isValidSchedule(schedule string) bool {
	switch schedule {
	case domain.DEAScheduleNone, domain.DEAScheduleII, domain.DEAScheduleIII, domain.DEAScheduleIV, domain.DEAScheduleV:
		return true
	default:
		return false
	}
}
