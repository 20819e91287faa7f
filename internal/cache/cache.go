package cache

import (
	"context"
	"time"

	"stimatrack/backend/internal/domain"
)

// SerialLookupCache fronts the exists-anywhere serial check. Entries carry a
// TTL and are invalidated whenever a transition moves the serial.
type SerialLookupCache interface {
	Get(ctx context.Context, serial string) (*domain.SerialLocation, bool, error)
	Set(ctx context.Context, serial string, value *domain.SerialLocation, ttl time.Duration) error
	Invalidate(ctx context.Context, serials []string) error
}

type NoopSerialLookupCache struct{}

func (NoopSerialLookupCache) Get(_ context.Context, _ string) (*domain.SerialLocation, bool, error) {
	return nil, false, nil
}

func (NoopSerialLookupCache) Set(_ context.Context, _ string, _ *domain.SerialLocation, _ time.Duration) error {
	return nil
}

func (NoopSerialLookupCache) Invalidate(_ context.Context, _ []string) error {
	return nil
}
