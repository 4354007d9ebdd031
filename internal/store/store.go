package store

import (
	"context"
	"errors"
	"time"

	"apotekku/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

type Repository interface {
	ListProducts(ctx context.Context, tenantID string) ([]domain.Product, error)
	GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreateProductBatch(ctx context.Context, batch domain.ProductBatch) (*domain.ProductBatch, error)
	ListBatchesByProduct(ctx context.Context, tenantID string, productID string, includeInactive bool) ([]domain.ProductBatch, error)
	FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error)
	ListExpiringBatches(ctx context.Context, tenantID string, until time.Time) ([]domain.ProductBatch, error)
	GetCustomer(ctx context.Context, tenantID string, customerID string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	CreatePrescription(ctx context.Context, rx domain.Prescription, refillsAllowed int) (*domain.Prescription, error)
	GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error)
	ListPrescriptions(ctx context.Context, tenantID string, limit int) ([]domain.Prescription, error)
	GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error)
	GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, tenantID string, limit int) ([]domain.Sale, error)
	ListSalePayments(ctx context.Context, tenantID string, saleID string) ([]domain.SalePayment, error)
	AppendAuditRecord(ctx context.Context, record domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, tenantID string, limit int) ([]domain.AuditRecord, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpsertUser(ctx context.Context, user domain.User) error

	// RunSaleTx executes fn inside one atomic unit of work at read-committed
	// isolation with a bounded timeout. Returning an error rolls everything
	// back; nothing fn wrote is visible afterwards.
	RunSaleTx(ctx context.Context, fn func(ctx context.Context, tx SaleTx) error) error

	Close() error
}

// SaleTx is the transactional view the sale engine works through. Every
// method joins the surrounding unit of work.
type SaleTx interface {
	GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error)
	FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error)

	// ConditionalDecrementBatch applies the optimistic decrement: the update
	// matches only while the row still holds expectedQuantity. It reports the
	// number of rows affected; zero means another transaction moved the
	// quantity first.
	ConditionalDecrementBatch(ctx context.Context, batchID string, expectedQuantity int, delta int) (int64, error)
	IncrementBatch(ctx context.Context, batchID string, delta int) error

	GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error)
	GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error)
	IncrementRefillsUsed(ctx context.Context, prescriptionID string) error
	SetPrescriptionStatus(ctx context.Context, prescriptionID string, status string) error

	InsertSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItems(ctx context.Context, items []domain.SaleItem) error
	GetSaleWithItems(ctx context.Context, tenantID string, saleID string) (*domain.Sale, error)
	ListReturnedItemIDs(ctx context.Context, originalSaleID string) ([]string, error)
	UpdateSaleStatus(ctx context.Context, saleID string, status string, at time.Time) error
	UpdateSalePayment(ctx context.Context, saleID string, amountPaidCents int64, paymentStatus string, at time.Time) error
	InsertSalePayment(ctx context.Context, payment domain.SalePayment) error
}
