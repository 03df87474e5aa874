// Package index holds immutable, fully built views of the certificate dataset.
package index

import (
	"sort"
	"strings"
	"time"

	"caepi/internal/certificate/models"
)

// Source records where a snapshot's data came from.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceCache     Source = "cache"
	SourceLocalFile Source = "local-file"
)

// Snapshot is a keyed, read-only view over one build of the dataset. It is
// never mutated after Build returns; a refresh produces a new Snapshot.
type Snapshot struct {
	records []models.CertificateRecord
	byID    map[string]int
	builtAt time.Time
	source  Source
}

// BuildStats summarises what Build dropped.
type BuildStats struct {
	Input      int
	Indexed    int
	Duplicates int
	EmptyKeys  int
}

// Build indexes records by trimmed ID. The first occurrence of an ID wins and
// records with an empty ID are dropped.
func Build(records []models.CertificateRecord, builtAt time.Time, source Source) (*Snapshot, BuildStats) {
	stats := BuildStats{Input: len(records)}
	snap := &Snapshot{
		records: make([]models.CertificateRecord, 0, len(records)),
		byID:    make(map[string]int, len(records)),
		builtAt: builtAt,
		source:  source,
	}

	for _, rec := range records {
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" {
			stats.EmptyKeys++
			continue
		}
		if _, dup := snap.byID[rec.ID]; dup {
			stats.Duplicates++
			continue
		}
		snap.byID[rec.ID] = len(snap.records)
		snap.records = append(snap.records, rec)
	}
	stats.Indexed = len(snap.records)
	return snap, stats
}

// Get returns the record keyed by id, if present.
func (s *Snapshot) Get(id string) (models.CertificateRecord, bool) {
	if s == nil {
		return models.CertificateRecord{}, false
	}
	i, ok := s.byID[strings.TrimSpace(id)]
	if !ok {
		return models.CertificateRecord{}, false
	}
	return s.records[i], true
}

// Scan returns the records matching filters, in feed order.
func (s *Snapshot) Scan(filters models.Filters) []models.CertificateRecord {
	if s == nil {
		return nil
	}
	active := filters.Active()
	var out []models.CertificateRecord
	for _, rec := range s.records {
		if active.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len is the number of indexed records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Keys returns the indexed IDs in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.byID))
	for k := range s.byID {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Records returns a copy of the indexed records in feed order.
func (s *Snapshot) Records() []models.CertificateRecord {
	if s == nil {
		return nil
	}
	out := make([]models.CertificateRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Snapshot) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

func (s *Snapshot) Source() Source {
	if s == nil {
		return ""
	}
	return s.source
}

// Age is how long ago the snapshot was built, relative to now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	if s == nil || s.builtAt.IsZero() {
		return 0
	}
	return now.Sub(s.builtAt)
}
