package sale

import (
	"context"
	"fmt"

	"apotekku/backend/internal/domain"
)

// BatchSource yields the candidate batches for one product: active, unexpired,
// quantity > 0, ordered by expiry date ascending then received time ascending.
// Both store implementations and the in-transaction view satisfy it, so every
// call site shares the same ordering contract.
type BatchSource interface {
	FindEligibleBatches(ctx context.Context, tenantID string, productID string) ([]domain.ProductBatch, error)
}

// Allocate consumes the FEFO ordering front to back, taking
// min(remaining, batch quantity) per batch until the request is satisfied.
// Each allocation carries the quantity observed at read time; the decrement
// that later commits it must match that observation or the sale aborts.
func Allocate(ctx context.Context, src BatchSource, tenantID string, productID string, quantity int) ([]domain.BatchAllocation, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("allocation quantity must be positive, got %d", quantity)
	}

	batches, err := src.FindEligibleBatches(ctx, tenantID, productID)
	if err != nil {
		return nil, fmt.Errorf("find eligible batches: %w", err)
	}
	if len(batches) == 0 {
		return nil, &InsufficientStockError{ProductID: productID, Requested: quantity, Available: 0}
	}

	allocations := make([]domain.BatchAllocation, 0, 1)
	remaining := quantity
	for _, batch := range batches {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > batch.Quantity {
			take = batch.Quantity
		}
		if take <= 0 {
			continue
		}
		allocations = append(allocations, domain.BatchAllocation{
			ProductID:        productID,
			BatchID:          batch.ID,
			BatchNumber:      batch.BatchNumber,
			Quantity:         take,
			ObservedQuantity: batch.Quantity,
			UnitPriceCents:   batch.UnitPriceCents,
			ExpiryDate:       batch.ExpiryDate,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: quantity - remaining,
		}
	}
	return allocations, nil
}
