// Package store persists certificate snapshots between process restarts.
//
// Every backend shares the same contract: Save refuses empty snapshots, Load
// reports absent, expired and undecodable entries as sentinel.ErrCacheMiss,
// and Invalidate is idempotent. Callers treat any Load error as a miss.
package store

import (
	"context"
	"time"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
)

// Store is a persistent cache for a single dataset snapshot.
type Store interface {
	Save(ctx context.Context, snap *index.Snapshot) error
	Load(ctx context.Context) (*index.Snapshot, error)
	// LoadStale ignores expiry. Used only when nothing fresher can be obtained.
	LoadStale(ctx context.Context) (*index.Snapshot, error)
	IsValid(ctx context.Context) bool
	Invalidate(ctx context.Context)
	Search(ctx context.Context, key string) ([]models.CertificateRecord, bool)
	SearchByFilters(ctx context.Context, filters models.Filters) ([]models.CertificateRecord, bool)
	Stats(ctx context.Context) Stats
}

// Stats describes the persisted entry.
type Stats struct {
	Backend          string     `json:"backend"`
	Exists           bool       `json:"exists"`
	Valid            bool       `json:"is_valid"`
	Encoding         Encoding   `json:"cache_type"`
	Location         string     `json:"location,omitempty"`
	SizeBytes        int64      `json:"size_bytes"`
	SizeMB           float64    `json:"size_mb"`
	LastUpdated      *time.Time `json:"last_updated,omitempty"`
	Compression      string     `json:"compression,omitempty"`
	TotalRecords     int        `json:"total_records"`
	Columns          []string   `json:"columns,omitempty"`
	ExpiresInSeconds float64    `json:"expires_in_seconds"`
	Error            string     `json:"error,omitempty"`
}

type loader interface {
	Load(ctx context.Context) (*index.Snapshot, error)
}

func search(ctx context.Context, l loader, key string) ([]models.CertificateRecord, bool) {
	snap, err := l.Load(ctx)
	if err != nil {
		return nil, false
	}
	rec, ok := snap.Get(key)
	if !ok {
		return nil, false
	}
	return []models.CertificateRecord{rec}, true
}

func searchByFilters(ctx context.Context, l loader, filters models.Filters) ([]models.CertificateRecord, bool) {
	snap, err := l.Load(ctx)
	if err != nil {
		return nil, false
	}
	out := snap.Scan(filters)
	return out, len(out) > 0
}

func bytesToMB(n int64) float64 {
	return float64(int64(float64(n)/(1024*1024)*100)) / 100
}

func expiresIn(createdAt time.Time, timeout time.Duration, now time.Time) float64 {
	left := createdAt.Add(timeout).Sub(now)
	if left < 0 {
		return 0
	}
	return left.Seconds()
}
