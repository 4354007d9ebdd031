package cache

import (
	"context"
	"time"

	"apotekku/backend/internal/domain"
)

type ExpiryReportCache interface {
	Get(ctx context.Context, key string) (*domain.ExpiryReport, bool, error)
	Set(ctx context.Context, key string, value *domain.ExpiryReport, ttl time.Duration) error
}

type NoopExpiryReportCache struct{}

func (NoopExpiryReportCache) Get(_ context.Context, _ string) (*domain.ExpiryReport, bool, error) {
	return nil, false, nil
}

func (NoopExpiryReportCache) Set(_ context.Context, _ string, _ *domain.ExpiryReport, _ time.Duration) error {
	return nil
}
