package expiry

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"apotekku/backend/internal/cache"
	"apotekku/backend/internal/domain"
)

// Engine builds the expiring-stock report: every active, stocked batch whose
// expiry falls inside the alert window, scored by urgency so the pharmacist
// sees the most pressing batches first.
type Engine struct {
	cache      cache.ExpiryReportCache
	cacheTTL   time.Duration
	windowDays int
}

func NewEngine(cacheStore cache.ExpiryReportCache, cacheTTL time.Duration, windowDays int) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopExpiryReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	if windowDays < 1 {
		windowDays = 90
	}

	return &Engine{
		cache:      cacheStore,
		cacheTTL:   cacheTTL,
		windowDays: windowDays,
	}
}

func (e *Engine) WindowDays() int {
	return e.windowDays
}

func (e *Engine) CacheKey(tenantID string) string {
	hash := sha1.Sum([]byte(fmt.Sprintf("%s|w:%d", tenantID, e.windowDays)))
	return "pharmacy:expiry-report:" + hex.EncodeToString(hash[:])
}

func (e *Engine) Cached(ctx context.Context, tenantID string) (*domain.ExpiryReport, bool) {
	report, ok, err := e.cache.Get(ctx, e.CacheKey(tenantID))
	if err != nil || !ok {
		return nil, false
	}
	return report, true
}

func (e *Engine) Store(ctx context.Context, tenantID string, report *domain.ExpiryReport) {
	_ = e.cache.Set(ctx, e.CacheKey(tenantID), report, e.cacheTTL)
}

// BuildReport is pure over its inputs. Urgency weighs proximity to expiry
// highest, then the value parked in the batch, then the raw unit count.
func (e *Engine) BuildReport(tenantID string, batches []domain.ProductBatch, products map[string]domain.Product, now time.Time) *domain.ExpiryReport {
	now = now.UTC()
	report := &domain.ExpiryReport{
		TenantID:    tenantID,
		WindowDays:  e.windowDays,
		Batches:     make([]domain.ExpiringBatch, 0, len(batches)),
		GeneratedAt: now,
	}

	var maxValue int64
	entries := make([]domain.ExpiringBatch, 0, len(batches))
	for _, batch := range batches {
		if batch.Quantity <= 0 || !batch.ExpiryDate.After(now) {
			continue
		}
		days := int(math.Ceil(batch.ExpiryDate.Sub(now).Hours() / 24))
		if days > e.windowDays {
			continue
		}

		valueAtRisk := batch.UnitPriceCents * int64(batch.Quantity)
		if valueAtRisk > maxValue {
			maxValue = valueAtRisk
		}

		entry := domain.ExpiringBatch{
			BatchID:      batch.ID,
			ProductID:    batch.ProductID,
			BatchNumber:  batch.BatchNumber,
			ExpiryDate:   batch.ExpiryDate,
			Quantity:     batch.Quantity,
			DaysToExpiry: days,
			ValueAtRisk:  valueAtRisk,
		}
		if product, ok := products[batch.ProductID]; ok {
			entry.ProductName = product.Name
		}
		entries = append(entries, entry)
		report.TotalAtRisk += valueAtRisk
	}

	for i := range entries {
		proximity := 1 - clamp(float64(entries[i].DaysToExpiry)/float64(e.windowDays), 0, 1)
		valueScore := 0.0
		if maxValue > 0 {
			valueScore = clamp(float64(entries[i].ValueAtRisk)/float64(maxValue), 0, 1)
		}
		quantityScore := clamp(float64(entries[i].Quantity)/100.0, 0, 1)

		score := 0.55*proximity + 0.30*valueScore + 0.15*quantityScore
		entries[i].UrgencyScore = round2(score)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UrgencyScore == entries[j].UrgencyScore {
			return entries[i].ExpiryDate.Before(entries[j].ExpiryDate)
		}
		return entries[i].UrgencyScore > entries[j].UrgencyScore
	})

	report.Batches = entries
	return report
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}
