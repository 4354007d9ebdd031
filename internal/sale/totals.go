package sale

import (
	"fmt"
	"math"

	"apotekku/backend/internal/domain"
)

// ItemPricing pairs one allocation with the line-level discount percentage of
// the requested line it came from.
type ItemPricing struct {
	Allocation      domain.BatchAllocation
	LineDiscountPct float64
}

// Totals is the fixed-point outcome of one sale computation. ItemDiscounts
// and ItemTotals align index-for-index with the input allocations so the
// orchestrator can stamp each SaleItem row without recomputing.
type Totals struct {
	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
	ItemDiscounts []int64
	ItemTotals    []int64
}

// ComputeTotals derives subtotal, discounts, tax, and grand total from the
// allocations. Percentages are converted to integer basis points up front;
// every currency operation after that is integer arithmetic, so repeated
// computation cannot drift. Tax applies to the post-discount amount.
func ComputeTotals(items []ItemPricing, saleDiscountPct float64, taxPct float64) (*Totals, error) {
	saleBP, err := toBasisPoints(saleDiscountPct)
	if err != nil {
		return nil, fmt.Errorf("sale discount: %w", err)
	}
	taxBP, err := toBasisPoints(taxPct)
	if err != nil {
		return nil, fmt.Errorf("tax: %w", err)
	}

	totals := &Totals{
		ItemDiscounts: make([]int64, len(items)),
		ItemTotals:    make([]int64, len(items)),
	}

	for i, item := range items {
		lineBP, err := toBasisPoints(item.LineDiscountPct)
		if err != nil {
			return nil, fmt.Errorf("line discount for product %s: %w", item.Allocation.ProductID, err)
		}

		subtotal := item.Allocation.UnitPriceCents * int64(item.Allocation.Quantity)
		discount := applyBasisPoints(subtotal, lineBP) + applyBasisPoints(subtotal, saleBP)
		if discount > subtotal {
			discount = subtotal
		}

		totals.ItemDiscounts[i] = discount
		totals.ItemTotals[i] = subtotal - discount
		totals.SubtotalCents += subtotal
		totals.DiscountCents += discount
	}

	totals.TaxCents = applyBasisPoints(totals.SubtotalCents-totals.DiscountCents, taxBP)
	totals.TotalCents = totals.SubtotalCents - totals.DiscountCents + totals.TaxCents
	return totals, nil
}

func toBasisPoints(pct float64) (int64, error) {
	if pct < 0 || pct > 100 || math.IsNaN(pct) {
		return 0, fmt.Errorf("%w: %v", ErrPercentOutOfRange, pct)
	}
	return int64(math.Round(pct * 100)), nil
}

// applyBasisPoints rounds half up; amounts here are never negative.
func applyBasisPoints(amountCents int64, bp int64) int64 {
	return (amountCents*bp + 5000) / 10000
}
