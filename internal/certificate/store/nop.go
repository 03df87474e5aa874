package store

import (
	"context"
	"fmt"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
	"caepi/pkg/platform/sentinel"
)

// NopStore is used when persistent caching is disabled. Every load misses.
type NopStore struct{}

func (NopStore) Save(context.Context, *index.Snapshot) error { return nil }

func (NopStore) Load(context.Context) (*index.Snapshot, error) {
	return nil, fmt.Errorf("cache disabled: %w", sentinel.ErrCacheMiss)
}

func (n NopStore) LoadStale(ctx context.Context) (*index.Snapshot, error) { return n.Load(ctx) }

func (NopStore) IsValid(context.Context) bool { return false }
func (NopStore) Invalidate(context.Context)   {}

func (NopStore) Search(context.Context, string) ([]models.CertificateRecord, bool) {
	return nil, false
}

func (NopStore) SearchByFilters(context.Context, models.Filters) ([]models.CertificateRecord, bool) {
	return nil, false
}

func (NopStore) Stats(context.Context) Stats { return Stats{Backend: "none"} }
