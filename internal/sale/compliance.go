package sale

import (
	"context"
	"fmt"
	"time"

	"apotekku/backend/internal/domain"
)

// PrescriptionSource loads prescription state for validation. A nil
// prescription (with nil error) means no row exists for that tenant; a nil
// ledger means the prescription carries no refill allowance.
type PrescriptionSource interface {
	GetPrescriptionWithItems(ctx context.Context, tenantID string, prescriptionID string) (*domain.Prescription, error)
	GetRefillLedger(ctx context.Context, prescriptionID string) (*domain.RefillLedger, error)
}

// ValidatePrescription runs the dispensing checks in order, stopping at the
// first failure. It is read-only: refill consumption and the status flip
// happen in the orchestrator after everything else has succeeded. The loaded
// prescription and ledger are returned so the caller does not re-fetch them.
func ValidatePrescription(
	ctx context.Context,
	src PrescriptionSource,
	tenantID string,
	prescriptionID string,
	lines []domain.SaleLine,
	products map[string]domain.Product,
	now time.Time,
) (*domain.Prescription, *domain.RefillLedger, error) {
	rx, err := src.GetPrescriptionWithItems(ctx, tenantID, prescriptionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load prescription: %w", err)
	}
	if rx == nil {
		return nil, nil, &PrescriptionNotFoundError{PrescriptionID: prescriptionID}
	}

	if rx.Status != domain.PrescriptionStatusActive {
		return nil, nil, &PrescriptionInactiveError{PrescriptionID: rx.ID, Status: rx.Status}
	}

	if now.After(rx.ValidUntil) {
		return nil, nil, &PrescriptionExpiredError{PrescriptionID: rx.ID, ValidUntil: rx.ValidUntil}
	}

	prescribedQty := make(map[string]int, len(rx.Items))
	for _, item := range rx.Items {
		prescribedQty[item.ProductID] = item.PrescribedQty
	}

	// Membership runs to completion before any schedule rule: a cart holding
	// both an off-prescription product and an exhausted refill must report
	// the former.
	for _, line := range lines {
		if _, onPrescription := prescribedQty[line.ProductID]; !onPrescription {
			return nil, nil, &ProductNotInPrescriptionError{PrescriptionID: rx.ID, ProductID: line.ProductID}
		}
	}

	var ledger *domain.RefillLedger
	for _, line := range lines {
		prescribed := prescribedQty[line.ProductID]

		product, ok := products[line.ProductID]
		if !ok {
			return nil, nil, fmt.Errorf("product %s not loaded for compliance check", line.ProductID)
		}

		switch product.DEASchedule {
		case domain.DEAScheduleII:
			// Schedule II allows no refills; the prescribed quantity is a
			// strict ceiling per dispense.
			if line.Quantity > prescribed {
				return nil, nil, &ExceedsPrescribedQuantityError{
					ProductID:  line.ProductID,
					Requested:  line.Quantity,
					Prescribed: prescribed,
				}
			}
		case domain.DEAScheduleIII, domain.DEAScheduleIV:
			if ledger == nil {
				ledger, err = src.GetRefillLedger(ctx, rx.ID)
				if err != nil {
					return nil, nil, fmt.Errorf("load refill ledger: %w", err)
				}
				if ledger == nil {
					ledger = &domain.RefillLedger{PrescriptionID: rx.ID}
				}
			}
			if ledger.Remaining() == 0 {
				return nil, nil, &NoRefillsRemainingError{
					PrescriptionID: rx.ID,
					RefillsAllowed: ledger.RefillsAllowed,
					RefillsUsed:    ledger.RefillsUsed,
				}
			}
		}
	}

	return rx, ledger, nil
}

// AssertNoPrescriptionNeeded guards the prescription-less path: every product
// in the cart must be dispensable over the counter.
func AssertNoPrescriptionNeeded(lines []domain.SaleLine, products map[string]domain.Product) error {
	for _, line := range lines {
		if product, ok := products[line.ProductID]; ok && product.RequiresPrescription {
			return &PrescriptionRequiredError{ProductID: product.ID}
		}
	}
	return nil
}
