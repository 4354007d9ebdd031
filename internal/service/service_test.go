package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apotekku/backend/internal/cache"
	"apotekku/backend/internal/domain"
	"apotekku/backend/internal/expiry"
	"apotekku/backend/internal/sale"
	"apotekku/backend/internal/store"
	"apotekku/backend/internal/store/memory"
)

func newTestService(opts Options) (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	engine := expiry.NewEngine(cache.NoopExpiryReportCache{}, time.Minute, 90)
	if opts.DefaultTenantID == "" {
		opts.DefaultTenantID = "apotek-main"
	}
	return New(repo, engine, nil, opts), repo
}

func pharmacistCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "apoteker", Role: "pharmacist"})
}

func payCash(amountCents int64) []domain.PaymentInput {
	return []domain.PaymentInput{{AmountCents: amountCents, Method: "cash"}}
}

func batchQuantity(t *testing.T, repo *memory.Store, productID string, batchID string) int {
	t.Helper()
	batches, err := repo.ListBatchesByProduct(context.Background(), "apotek-main", productID, true)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	for _, b := range batches {
		if b.ID == batchID {
			return b.Quantity
		}
	}
	t.Fatalf("batch %s not found", batchID)
	return 0
}

func TestCreateSaleAllocatesFEFOAcrossBatches(t *testing.T) {
	svc, repo := newTestService(Options{})

	// 60 units must split across the two live paracetamol batches, earliest
	// expiry first; the expired batch never participates.
	resp, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-paracetamol", Quantity: 60}},
		Payments: payCash(90000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if len(resp.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(resp.Allocations))
	}
	if resp.Allocations[0].BatchID != "batch-pcm-a" || resp.Allocations[0].Quantity != 50 {
		t.Fatalf("first allocation should drain batch-pcm-a: %+v", resp.Allocations[0])
	}
	if resp.Allocations[1].BatchID != "batch-pcm-b" || resp.Allocations[1].Quantity != 10 {
		t.Fatalf("second allocation should take 10 from batch-pcm-b: %+v", resp.Allocations[1])
	}

	if got := batchQuantity(t, repo, "prod-paracetamol", "batch-pcm-a"); got != 0 {
		t.Fatalf("batch-pcm-a should be drained, has %d", got)
	}
	if got := batchQuantity(t, repo, "prod-paracetamol", "batch-pcm-b"); got != 90 {
		t.Fatalf("batch-pcm-b should hold 90, has %d", got)
	}
	if got := batchQuantity(t, repo, "prod-paracetamol", "batch-pcm-x"); got != 25 {
		t.Fatalf("expired batch must not be touched, has %d", got)
	}

	if resp.Sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("sale status = %s", resp.Sale.Status)
	}
	if len(resp.Sale.Items) != 2 {
		t.Fatalf("expected one sale item per batch touched, got %d", len(resp.Sale.Items))
	}
}

func TestCreateSaleRejectsDuplicateProductLines(t *testing.T) {
	svc, repo := newTestService(Options{})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines: []domain.SaleLine{
			{ProductID: "prod-vitamin-c", Quantity: 2, DiscountPercent: 10},
			{ProductID: "prod-vitamin-c", Quantity: 3},
		},
		Payments: payCash(6000),
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("duplicate product lines should be invalid input, got %v", err)
	}
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 90 {
		t.Fatalf("rejected sale changed stock: %d", got)
	}
}

func TestCreateSaleTotalsAndChange(t *testing.T) {
	svc, _ := newTestService(Options{})

	resp, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:           []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 10}},
		DiscountPercent: 10,
		TaxPercent:      10,
		Payments:        payCash(12000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	s := resp.Sale
	if s.SubtotalCents != 12000 {
		t.Fatalf("subtotal = %d, want 12000", s.SubtotalCents)
	}
	if s.DiscountCents != 1200 {
		t.Fatalf("discount = %d, want 1200", s.DiscountCents)
	}
	if s.TaxCents != 1080 {
		t.Fatalf("tax = %d, want 1080", s.TaxCents)
	}
	if s.TotalCents != 11880 {
		t.Fatalf("total = %d, want 11880", s.TotalCents)
	}
	if resp.ChangeCents != 120 {
		t.Fatalf("change = %d, want 120", resp.ChangeCents)
	}
	if s.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s", s.PaymentStatus)
	}
	if s.AmountPaidCents != 11880 {
		t.Fatalf("amount paid = %d, want total", s.AmountPaidCents)
	}
}

func TestCreateSaleRequiresPrescription(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-amoxicillin", Quantity: 5}},
		Payments: payCash(45000),
	})
	var rxRequired *sale.PrescriptionRequiredError
	if !errors.As(err, &rxRequired) {
		t.Fatalf("expected PrescriptionRequiredError, got %v", err)
	}
	if rxRequired.ProductID != "prod-amoxicillin" {
		t.Fatalf("error names product %s", rxRequired.ProductID)
	}
}

func TestCreateSaleScheduleIICeiling(t *testing.T) {
	svc, _ := newTestService(Options{})

	// rx-oxy-1 prescribes 30 units; 31 must be rejected outright.
	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		PrescriptionID: "rx-oxy-1",
		Lines:          []domain.SaleLine{{ProductID: "prod-oxycodone", Quantity: 31}},
		Payments:       payCash(31 * 25000),
	})
	var exceeds *sale.ExceedsPrescribedQuantityError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected ExceedsPrescribedQuantityError, got %v", err)
	}

	resp, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		PrescriptionID: "rx-oxy-1",
		Lines:          []domain.SaleLine{{ProductID: "prod-oxycodone", Quantity: 30}},
		Payments:       payCash(30 * 25000),
	})
	if err != nil {
		t.Fatalf("dispense at prescribed quantity: %v", err)
	}
	if resp.Sale.CustomerID != "cust-1" {
		t.Fatalf("customer should be taken from the prescription, got %q", resp.Sale.CustomerID)
	}

	// Schedule II carries no refill allowance, so the prescription is spent.
	rx, err := svc.GetPrescription(context.Background(), "", "rx-oxy-1")
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if rx.Status != domain.PrescriptionStatusDispensed {
		t.Fatalf("prescription status = %s, want dispensed", rx.Status)
	}

	_, err = svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		PrescriptionID: "rx-oxy-1",
		Lines:          []domain.SaleLine{{ProductID: "prod-oxycodone", Quantity: 5}},
		Payments:       payCash(5 * 25000),
	})
	var inactive *sale.PrescriptionInactiveError
	if !errors.As(err, &inactive) {
		t.Fatalf("dispensed prescription must not be reusable, got %v", err)
	}
}

func TestCreateSaleConsumesRefills(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := pharmacistCtx()

	// rx-cod-1 allows 3 refills on a schedule III product.
	for i := 1; i <= 3; i++ {
		_, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
			PrescriptionID: "rx-cod-1",
			Lines:          []domain.SaleLine{{ProductID: "prod-codeine", Quantity: 10}},
			Payments:       payCash(80000),
		})
		if err != nil {
			t.Fatalf("dispense %d: %v", i, err)
		}

		ledger, err := repo.GetRefillLedger(context.Background(), "rx-cod-1")
		if err != nil {
			t.Fatalf("get ledger: %v", err)
		}
		if ledger.RefillsUsed != i {
			t.Fatalf("after dispense %d refills used = %d", i, ledger.RefillsUsed)
		}
	}

	rx, err := svc.GetPrescription(context.Background(), "", "rx-cod-1")
	if err != nil {
		t.Fatalf("get prescription: %v", err)
	}
	if rx.Status != domain.PrescriptionStatusDispensed {
		t.Fatalf("exhausted prescription status = %s, want dispensed", rx.Status)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		PrescriptionID: "rx-cod-1",
		Lines:          []domain.SaleLine{{ProductID: "prod-codeine", Quantity: 10}},
		Payments:       payCash(80000),
	})
	if err == nil {
		t.Fatal("dispense after exhaustion must fail")
	}
}

func TestCreateSaleExpiredPrescription(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		PrescriptionID: "rx-exp-1",
		Lines:          []domain.SaleLine{{ProductID: "prod-amoxicillin", Quantity: 5}},
		Payments:       payCash(45000),
	})
	var expired *sale.PrescriptionExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected PrescriptionExpiredError, got %v", err)
	}
}

func TestCreateSaleInsufficientStock(t *testing.T) {
	svc, repo := newTestService(Options{})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 91}},
		Payments: payCash(200000),
	})
	var insufficient *sale.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 90 {
		t.Fatalf("available = %d, want 90", insufficient.Available)
	}

	// Nothing may leak out of the aborted transaction.
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 90 {
		t.Fatalf("failed sale changed stock: %d", got)
	}
	sales, err := repo.ListSales(context.Background(), "apotek-main", 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("failed sale was persisted: %d rows", len(sales))
	}
}

func TestCreateSaleRejectsUnderpaymentByDefault(t *testing.T) {
	svc, repo := newTestService(Options{})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 2}},
		Payments: payCash(1000),
	})
	var underpaid *sale.InsufficientPaymentError
	if !errors.As(err, &underpaid) {
		t.Fatalf("expected InsufficientPaymentError, got %v", err)
	}
	if underpaid.TotalCents != 2400 || underpaid.PaidCents != 1000 {
		t.Fatalf("unexpected amounts in error: %+v", underpaid)
	}
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 90 {
		t.Fatalf("rejected sale changed stock: %d", got)
	}
}

func TestPartialPaymentLifecycle(t *testing.T) {
	svc, _ := newTestService(Options{AllowPartialPayment: true})
	ctx := pharmacistCtx()

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-paracetamol", Quantity: 2}},
		Payments: payCash(2000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.Sale.TotalCents != 3000 {
		t.Fatalf("total = %d, want 3000", resp.Sale.TotalCents)
	}
	if resp.Sale.PaymentStatus != domain.PaymentStatusPartial {
		t.Fatalf("payment status = %s, want partial", resp.Sale.PaymentStatus)
	}

	// Topping up past the balance is rejected, not clamped.
	_, err = svc.RecordAdditionalPayment(ctx, domain.RecordPaymentRequest{
		SaleID:      resp.Sale.ID,
		AmountCents: 1500,
	})
	var over *sale.PaymentExceedsTotalError
	if !errors.As(err, &over) {
		t.Fatalf("expected PaymentExceedsTotalError, got %v", err)
	}

	updated, err := svc.RecordAdditionalPayment(ctx, domain.RecordPaymentRequest{
		SaleID:      resp.Sale.ID,
		AmountCents: 1000,
	})
	if err != nil {
		t.Fatalf("settle balance: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want paid", updated.PaymentStatus)
	}

	_, err = svc.RecordAdditionalPayment(ctx, domain.RecordPaymentRequest{
		SaleID:      resp.Sale.ID,
		AmountCents: 100,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("payment against settled sale should be invalid, got %v", err)
	}

	payments, err := svc.ListSalePayments(context.Background(), "", resp.Sale.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("expected 2 payment rows, got %d", len(payments))
	}
}

func TestListSalePaymentsScopedToTenant(t *testing.T) {
	svc, _ := newTestService(Options{})

	resp, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 1}},
		Payments: payCash(1200),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// A foreign tenant holding the sale id must not be able to read its
	// payment ledger.
	_, err = svc.ListSalePayments(context.Background(), "apotek-cabang", resp.Sale.ID)
	var notFound *sale.SaleNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected SaleNotFoundError for foreign tenant, got %v", err)
	}

	payments, err := svc.ListSalePayments(context.Background(), "apotek-main", resp.Sale.ID)
	if err != nil {
		t.Fatalf("list payments for owning tenant: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("expected 1 payment row, got %d", len(payments))
	}
}

func TestPendingPaymentWhenNothingTendered(t *testing.T) {
	svc, _ := newTestService(Options{AllowPartialPayment: true})

	resp, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines: []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if resp.Sale.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", resp.Sale.PaymentStatus)
	}
}

func TestReturnSalePartialThenFull(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := pharmacistCtx()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-paracetamol", Quantity: 60}},
		Payments: payCash(90000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	firstItem := created.Sale.Items[0]

	partial, err := svc.ReturnSale(ctx, domain.ReturnSaleRequest{
		SaleID:  created.Sale.ID,
		ItemIDs: []string{firstItem.ID},
		Reason:  "damaged packaging",
	})
	if err != nil {
		t.Fatalf("partial return: %v", err)
	}

	credit := partial.CreditNote
	if credit.InvoiceNumber != "CN-"+created.Sale.InvoiceNumber {
		t.Fatalf("credit note invoice = %s", credit.InvoiceNumber)
	}
	if credit.OriginalSaleID != created.Sale.ID {
		t.Fatalf("credit note must reference the original sale")
	}
	if len(credit.Items) != 1 || credit.Items[0].Quantity != -firstItem.Quantity {
		t.Fatalf("mirror item should negate the original quantity: %+v", credit.Items)
	}
	if credit.Items[0].ReturnOfItemID != firstItem.ID {
		t.Fatalf("mirror item must point at the returned line")
	}
	if credit.TotalCents >= 0 {
		t.Fatalf("credit note total must be negative, got %d", credit.TotalCents)
	}
	if partial.Original.Status != domain.SaleStatusCompleted {
		t.Fatalf("original must stay completed after a partial return, got %s", partial.Original.Status)
	}
	if got := batchQuantity(t, repo, "prod-paracetamol", firstItem.BatchID); got != firstItem.Quantity {
		t.Fatalf("returned stock not restored: batch holds %d", got)
	}

	// Returning the same line again is refused.
	_, err = svc.ReturnSale(ctx, domain.ReturnSaleRequest{
		SaleID:  created.Sale.ID,
		ItemIDs: []string{firstItem.ID},
		Reason:  "duplicate",
	})
	var notReturnable *sale.SaleNotReturnableError
	if !errors.As(err, &notReturnable) {
		t.Fatalf("expected SaleNotReturnableError, got %v", err)
	}

	// An empty item list returns everything still outstanding and flips the
	// original to RETURNED.
	full, err := svc.ReturnSale(ctx, domain.ReturnSaleRequest{
		SaleID: created.Sale.ID,
		Reason: "customer changed mind",
	})
	if err != nil {
		t.Fatalf("full return: %v", err)
	}
	if full.Original.Status != domain.SaleStatusReturned {
		t.Fatalf("original status = %s, want returned", full.Original.Status)
	}
	if got := batchQuantity(t, repo, "prod-paracetamol", "batch-pcm-a"); got != 50 {
		t.Fatalf("batch-pcm-a should be fully restored, has %d", got)
	}
	if got := batchQuantity(t, repo, "prod-paracetamol", "batch-pcm-b"); got != 100 {
		t.Fatalf("batch-pcm-b should be fully restored, has %d", got)
	}

	_, err = svc.ReturnSale(ctx, domain.ReturnSaleRequest{SaleID: created.Sale.ID, Reason: "again"})
	if !errors.As(err, &notReturnable) {
		t.Fatalf("returned sale must not be returnable again, got %v", err)
	}
}

func TestReturnSaleUnknownItem(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := pharmacistCtx()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 3}},
		Payments: payCash(3600),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	_, err = svc.ReturnSale(ctx, domain.ReturnSaleRequest{
		SaleID:  created.Sale.ID,
		ItemIDs: []string{"item-nope"},
		Reason:  "bogus",
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("unknown item should be invalid input, got %v", err)
	}
}

func TestCancelSaleRestoresStock(t *testing.T) {
	svc, repo := newTestService(Options{})
	ctx := pharmacistCtx()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 5}},
		Payments: payCash(6000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	cancelled, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: created.Sale.ID, Reason: "keyed in error"})
	if err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if cancelled.Status != domain.SaleStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 90 {
		t.Fatalf("cancelled sale must restore stock, batch holds %d", got)
	}

	var notReturnable *sale.SaleNotReturnableError
	_, err = svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: created.Sale.ID})
	if !errors.As(err, &notReturnable) {
		t.Fatalf("double cancel should fail, got %v", err)
	}
}

func TestCancelSaleRejectedAfterReturn(t *testing.T) {
	svc, _ := newTestService(Options{})
	ctx := pharmacistCtx()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-paracetamol", Quantity: 60}},
		Payments: payCash(90000),
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	_, err = svc.ReturnSale(ctx, domain.ReturnSaleRequest{
		SaleID:  created.Sale.ID,
		ItemIDs: []string{created.Sale.Items[0].ID},
		Reason:  "partial return first",
	})
	if err != nil {
		t.Fatalf("partial return: %v", err)
	}

	var notReturnable *sale.SaleNotReturnableError
	_, err = svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: created.Sale.ID})
	if !errors.As(err, &notReturnable) {
		t.Fatalf("cancel after a return must fail, got %v", err)
	}
}

func TestReturnRequiresPharmacistRole(t *testing.T) {
	svc, _ := newTestService(Options{})
	cashier := WithActor(context.Background(), domain.Actor{Username: "kasir", Role: "cashier"})

	_, err := svc.ReturnSale(cashier, domain.ReturnSaleRequest{SaleID: "sale-any"})
	if err == nil {
		t.Fatal("cashier must not be able to return a sale")
	}
	_, err = svc.CancelSale(cashier, domain.CancelSaleRequest{SaleID: "sale-any"})
	if err == nil {
		t.Fatal("cashier must not be able to cancel a sale")
	}
}

// conflictRepo inflates the quantity observed during allocation so the
// subsequent conditional decrement never matches, simulating a concurrent
// sale racing on the same batch.
type conflictRepo struct {
	store.Repository
}

func (r conflictRepo) RunSaleTx(ctx context.Context, fn func(ctx context.Context, tx store.SaleTx) error) error {
	return r.Repository.RunSaleTx(ctx, func(ctx context.Context, tx store.SaleTx) error {
		return fn(ctx, conflictTx{tx})
	})
}

type conflictTx struct {
	store.SaleTx
}

func (t conflictTx) FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error) {
	batches, err := t.SaleTx.FindEligibleBatches(ctx, tenantID, productID)
	for i := range batches {
		batches[i].Quantity++
	}
	return batches, err
}

func TestCreateSaleOptimisticLockConflict(t *testing.T) {
	repo := memory.NewSeeded()
	engine := expiry.NewEngine(cache.NoopExpiryReportCache{}, time.Minute, 90)
	svc := New(conflictRepo{repo}, engine, nil, Options{DefaultTenantID: "apotek-main"})

	_, err := svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
		Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: 5}},
		Payments: payCash(6000),
	})
	var conflict *sale.OptimisticLockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected OptimisticLockConflictError, got %v", err)
	}

	// The conflict aborts the whole transaction.
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 90 {
		t.Fatalf("conflicted sale changed stock: %d", got)
	}
	sales, err := repo.ListSales(context.Background(), "apotek-main", 10)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("conflicted sale was persisted: %d rows", len(sales))
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc, repo := newTestService(Options{})

	// 12 buyers race for the 90 vitamin-c units; only 9 full baskets fit.
	const buyers = 12
	const perBasket = 10

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateSale(pharmacistCtx(), domain.CreateSaleRequest{
				Lines:    []domain.SaleLine{{ProductID: "prod-vitamin-c", Quantity: perBasket}},
				Payments: payCash(perBasket * 1200),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var short *sale.InsufficientStockError
		var conflict *sale.OptimisticLockConflictError
		if !errors.As(err, &short) && !errors.As(err, &conflict) {
			t.Fatalf("unexpected failure mode: %v", err)
		}
	}
	if succeeded != 9 {
		t.Fatalf("expected 9 successful sales, got %d", succeeded)
	}
	if got := batchQuantity(t, repo, "prod-vitamin-c", "batch-vit-a"); got != 0 {
		t.Fatalf("batch should be exactly drained, has %d", got)
	}

	sales, err := repo.ListSales(context.Background(), "apotek-main", 50)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 9 {
		t.Fatalf("expected 9 persisted sales, got %d", len(sales))
	}
}

func TestExpiringStockReport(t *testing.T) {
	svc, _ := newTestService(Options{})

	report, err := svc.ExpiringStock(context.Background(), "")
	if err != nil {
		t.Fatalf("expiring stock: %v", err)
	}
	if report.WindowDays != 90 {
		t.Fatalf("window = %d, want 90", report.WindowDays)
	}

	found := false
	for _, b := range report.Batches {
		if b.BatchID == "batch-pcm-x" {
			t.Fatal("already-expired batch must not appear in the report")
		}
		if b.BatchID == "batch-pcm-a" {
			found = true
			if b.Quantity != 50 {
				t.Fatalf("batch-pcm-a quantity = %d", b.Quantity)
			}
		}
	}
	if !found {
		t.Fatal("batch-pcm-a expires inside the window and must be reported")
	}
}

func TestCreateProductForcesPrescriptionForScheduled(t *testing.T) {
	svc, _ := newTestService(Options{})
	admin := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	created, err := svc.CreateProduct(admin, domain.ProductCreateRequest{
		SKU:            "obt-trm-50",
		Name:           "Tramadol 50mg",
		Category:       "opioid",
		ListPriceCents: 7000,
		DEASchedule:    domain.DEAScheduleIV,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if !created.RequiresPrescription {
		t.Fatal("scheduled product must require a prescription")
	}
	if created.SKU != "OBT-TRM-50" {
		t.Fatalf("sku should be upper-cased, got %s", created.SKU)
	}

	_, err = svc.CreateProduct(pharmacistCtx(), domain.ProductCreateRequest{
		SKU: "X", Name: "X", ListPriceCents: 100,
	})
	if err == nil {
		t.Fatal("non-admin must not create products")
	}
}
