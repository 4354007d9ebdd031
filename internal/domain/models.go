package domain

import (
	"encoding/json"
	"time"
)

type Product struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	SKU                  string    `json:"sku"`
	Name                 string    `json:"name"`
	Category             string    `json:"category"`
	ListPriceCents       int64     `json:"list_price_cents"`
	RequiresPrescription bool      `json:"requires_prescription"`
	DEASchedule          string    `json:"dea_schedule"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	TenantID             string `json:"tenant_id"`
	SKU                  string `json:"sku"`
	Name                 string `json:"name"`
	Category             string `json:"category"`
	ListPriceCents       int64  `json:"list_price_cents"`
	RequiresPrescription bool   `json:"requires_prescription"`
	DEASchedule          string `json:"dea_schedule"`
}

type ProductBatch struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Active         bool      `json:"active"`
	ReceivedAt     time.Time `json:"received_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type BatchReceiveRequest struct {
	TenantID       string    `json:"tenant_id"`
	ProductID      string    `json:"product_id"`
	BatchNumber    string    `json:"batch_number"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
}

// BatchAllocation is the allocator's transient output. ObservedQuantity is the
// batch quantity at read time and becomes the optimistic-lock precondition for
// the decrement that commits this allocation.
type BatchAllocation struct {
	ProductID        string    `json:"product_id"`
	BatchID          string    `json:"batch_id"`
	BatchNumber      string    `json:"batch_number"`
	Quantity         int       `json:"quantity"`
	ObservedQuantity int       `json:"observed_quantity"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	ExpiryDate       time.Time `json:"expiry_date"`
}

type Sale struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	InvoiceNumber   string     `json:"invoice_number"`
	CustomerID      string     `json:"customer_id,omitempty"`
	PrescriptionID  string     `json:"prescription_id,omitempty"`
	OriginalSaleID  string     `json:"original_sale_id,omitempty"`
	SubtotalCents   int64      `json:"subtotal_cents"`
	DiscountCents   int64      `json:"discount_cents"`
	TaxCents        int64      `json:"tax_cents"`
	TotalCents      int64      `json:"total_cents"`
	AmountPaidCents int64      `json:"amount_paid_cents"`
	ChangeCents     int64      `json:"change_cents"`
	PaymentStatus   string     `json:"payment_status"`
	Status          string     `json:"status"`
	Items           []SaleItem `json:"items,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SaleItem rows are append-only. Quantity is signed: positive lines dispense
// stock, negative lines mirror a returned original line (ReturnOfItemID points
// at the line being negated).
type SaleItem struct {
	ID             string    `json:"id"`
	SaleID         string    `json:"sale_id"`
	ProductID      string    `json:"product_id"`
	BatchID        string    `json:"batch_id"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	DiscountCents  int64     `json:"discount_cents"`
	TotalCents     int64     `json:"total_cents"`
	ExpiryDate     time.Time `json:"expiry_date"`
	ReturnOfItemID string    `json:"return_of_item_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SalePayment struct {
	ID          string    `json:"id"`
	SaleID      string    `json:"sale_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	CreatedAt   time.Time `json:"created_at"`
}

type Prescription struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	CustomerID     string             `json:"customer_id"`
	PrescriberName string             `json:"prescriber_name"`
	Status         string             `json:"status"`
	ValidUntil     time.Time          `json:"valid_until"`
	Items          []PrescriptionItem `json:"items,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type PrescriptionItem struct {
	ID             string `json:"id"`
	PrescriptionID string `json:"prescription_id"`
	ProductID      string `json:"product_id"`
	PrescribedQty  int    `json:"prescribed_qty"`
	Instructions   string `json:"instructions,omitempty"`
}

// RefillLedger tracks refill consumption per prescription. It is written only
// inside the sale transaction that dispenses against the prescription.
type RefillLedger struct {
	PrescriptionID string    `json:"prescription_id"`
	RefillsAllowed int       `json:"refills_allowed"`
	RefillsUsed    int       `json:"refills_used"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (l RefillLedger) Remaining() int {
	remaining := l.RefillsAllowed - l.RefillsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

type PrescriptionCreateRequest struct {
	TenantID       string                          `json:"tenant_id"`
	CustomerID     string                          `json:"customer_id"`
	PrescriberName string                          `json:"prescriber_name"`
	ValidUntil     time.Time                       `json:"valid_until"`
	RefillsAllowed int                             `json:"refills_allowed"`
	Items          []PrescriptionItemCreateRequest `json:"items"`
}

type PrescriptionItemCreateRequest struct {
	ProductID     string `json:"product_id"`
	PrescribedQty int    `json:"prescribed_qty"`
	Instructions  string `json:"instructions,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditRecord struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type SaleLine struct {
	ProductID       string  `json:"product_id"`
	Quantity        int     `json:"quantity"`
	DiscountPercent float64 `json:"discount_percent"`
}

type PaymentInput struct {
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

type CreateSaleRequest struct {
	TenantID        string         `json:"tenant_id"`
	CustomerID      string         `json:"customer_id,omitempty"`
	PrescriptionID  string         `json:"prescription_id,omitempty"`
	Lines           []SaleLine     `json:"lines"`
	DiscountPercent float64        `json:"discount_percent"`
	TaxPercent      float64        `json:"tax_percent"`
	Payments        []PaymentInput `json:"payments"`
}

type CreateSaleResponse struct {
	Sale        *Sale             `json:"sale"`
	Allocations []BatchAllocation `json:"allocations"`
	ChangeCents int64             `json:"change_cents"`
}

type ReturnSaleRequest struct {
	TenantID string   `json:"tenant_id"`
	SaleID   string   `json:"sale_id"`
	ItemIDs  []string `json:"item_ids,omitempty"`
	Reason   string   `json:"reason"`
}

type ReturnSaleResponse struct {
	CreditNote *Sale `json:"credit_note"`
	Original   *Sale `json:"original"`
}

type CancelSaleRequest struct {
	TenantID string `json:"tenant_id"`
	SaleID   string `json:"sale_id"`
	Reason   string `json:"reason"`
}

type RecordPaymentRequest struct {
	TenantID    string `json:"tenant_id"`
	SaleID      string `json:"sale_id"`
	AmountCents int64  `json:"amount_cents"`
	Method      string `json:"method"`
}

type ExpiringBatch struct {
	BatchID      string    `json:"batch_id"`
	ProductID    string    `json:"product_id"`
	ProductName  string    `json:"product_name"`
	BatchNumber  string    `json:"batch_number"`
	ExpiryDate   time.Time `json:"expiry_date"`
	Quantity     int       `json:"quantity"`
	DaysToExpiry int       `json:"days_to_expiry"`
	ValueAtRisk  int64     `json:"value_at_risk_cents"`
	UrgencyScore float64   `json:"urgency_score"`
}

type ExpiryReport struct {
	TenantID    string          `json:"tenant_id"`
	WindowDays  int             `json:"window_days"`
	Batches     []ExpiringBatch `json:"batches"`
	TotalAtRisk int64           `json:"total_at_risk_cents"`
	GeneratedAt time.Time       `json:"generated_at"`
}

const (
	DEAScheduleNone = "none"
	DEAScheduleII   = "II"
	DEAScheduleIII  = "III"
	DEAScheduleIV   = "IV"
	DEAScheduleV    = "V"
)

// RefillTracked reports whether the schedule dispenses against a refill
// allowance. Schedule II prescriptions are single-fill by law.
func RefillTracked(schedule string) bool {
	return schedule == DEAScheduleIII || schedule == DEAScheduleIV
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
	SaleStatusReturned  = "returned"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"
)

const (
	PrescriptionStatusActive    = "active"
	PrescriptionStatusDispensed = "dispensed"
	PrescriptionStatusExpired   = "expired"
	PrescriptionStatusCancelled = "cancelled"
)

const (
	AuditEntitySale         = "sale"
	AuditEntityPrescription = "prescription"
	AuditEntityBatch        = "batch"
)

const (
	AuditActionCreate  = "create"
	AuditActionReturn  = "return"
	AuditActionCancel  = "cancel"
	AuditActionPayment = "payment"
)
