package sale

import (
	"errors"
	"fmt"
	"time"
)

// ErrPercentOutOfRange rejects discount or tax percentages outside 0-100.
var ErrPercentOutOfRange = errors.New("percent out of range")

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

type PrescriptionNotFoundError struct {
	PrescriptionID string
}

func (e *PrescriptionNotFoundError) Error() string {
	return fmt.Sprintf("prescription %s not found", e.PrescriptionID)
}

type PrescriptionInactiveError struct {
	PrescriptionID string
	Status         string
}

func (e *PrescriptionInactiveError) Error() string {
	return fmt.Sprintf("prescription %s is not active (status %s)", e.PrescriptionID, e.Status)
}

type PrescriptionExpiredError struct {
	PrescriptionID string
	ValidUntil     time.Time
}

func (e *PrescriptionExpiredError) Error() string {
	return fmt.Sprintf("prescription %s expired on %s", e.PrescriptionID, e.ValidUntil.Format("2006-01-02"))
}

type ProductNotInPrescriptionError struct {
	PrescriptionID string
	ProductID      string
}

func (e *ProductNotInPrescriptionError) Error() string {
	return fmt.Sprintf("product %s is not part of prescription %s", e.ProductID, e.PrescriptionID)
}

type ExceedsPrescribedQuantityError struct {
	ProductID  string
	Requested  int
	Prescribed int
}

func (e *ExceedsPrescribedQuantityError) Error() string {
	return fmt.Sprintf("requested quantity %d exceeds prescribed quantity %d for product %s", e.Requested, e.Prescribed, e.ProductID)
}

type NoRefillsRemainingError struct {
	PrescriptionID string
	RefillsAllowed int
	RefillsUsed    int
}

func (e *NoRefillsRemainingError) Error() string {
	return fmt.Sprintf("prescription %s has no refills remaining (%d of %d used)", e.PrescriptionID, e.RefillsUsed, e.RefillsAllowed)
}

type PrescriptionRequiredError struct {
	ProductID string
}

func (e *PrescriptionRequiredError) Error() string {
	return fmt.Sprintf("product %s requires a prescription", e.ProductID)
}

type OptimisticLockConflictError struct {
	BatchID string
}

func (e *OptimisticLockConflictError) Error() string {
	return fmt.Sprintf("batch %s was modified concurrently, resubmit the sale", e.BatchID)
}

type InsufficientPaymentError struct {
	TotalCents int64
	PaidCents  int64
}

func (e *InsufficientPaymentError) Error() string {
	return fmt.Sprintf("payment %d is less than sale total %d", e.PaidCents, e.TotalCents)
}

type PaymentExceedsTotalError struct {
	TotalCents     int64
	AttemptedCents int64
}

func (e *PaymentExceedsTotalError) Error() string {
	return fmt.Sprintf("cumulative payment %d exceeds sale total %d", e.AttemptedCents, e.TotalCents)
}

type SaleNotFoundError struct {
	SaleID string
}

func (e *SaleNotFoundError) Error() string {
	return fmt.Sprintf("sale %s not found", e.SaleID)
}

type SaleNotReturnableError struct {
	SaleID string
	Reason string
}

func (e *SaleNotReturnableError) Error() string {
	return fmt.Sprintf("sale %s cannot be reversed: %s", e.SaleID, e.Reason)
}
