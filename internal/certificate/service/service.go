// Package service implements the certificate lookup use cases on top of the
// refresh coordinator.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
	"caepi/internal/certificate/store"
	"caepi/internal/platform/metrics"
	"caepi/pkg/platform/sentinel"
)

// DataSource is the coordinator surface the use cases need.
type DataSource interface {
	GetData(ctx context.Context) (*index.Snapshot, error)
	ForceUpdate(ctx context.Context) (*index.Snapshot, error)
	Status() Status
}

// UpdateResult reports the outcome of a manual refresh.
type UpdateResult struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Records  int           `json:"records"`
	Duration time.Duration `json:"-"`
}

// StatsResult combines the coordinator and persistent cache views.
type StatsResult struct {
	Dataset Status      `json:"dataset"`
	Cache   store.Stats `json:"cache"`
}

// Service exposes lookups, searches and manual refreshes.
type Service struct {
	data    DataSource
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service.
func New(data DataSource, st store.Store, opts ...Option) *Service {
	s := &Service{data: data, store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.store == nil {
		s.store = store.NopStore{}
	}
	return s
}

// GetCertificate looks up a certificate by its registry number. A missing
// certificate is reported with found=false and a nil error.
func (s *Service) GetCertificate(ctx context.Context, id string) (models.Certificate, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Certificate{}, false, fmt.Errorf("registro_ca is required: %w", sentinel.ErrInvalidInput)
	}

	snap, err := s.data.GetData(ctx)
	if err != nil {
		s.metrics.IncrementLookup("error")
		return models.Certificate{}, false, fmt.Errorf("load certificates: %w", err)
	}

	rec, ok := snap.Get(id)
	if !ok {
		s.metrics.IncrementLookup("not_found")
		return models.Certificate{}, false, nil
	}
	s.metrics.IncrementLookup("found")
	return rec.Certificate(), true, nil
}

// Search returns up to limit records matching filters. limit <= 0 means no
// limit.
func (s *Service) Search(ctx context.Context, filters models.Filters, limit int) ([]models.CertificateRecord, error) {
	snap, err := s.data.GetData(ctx)
	if err != nil {
		return nil, fmt.Errorf("load certificates: %w", err)
	}
	out := snap.Scan(filters)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateDatabase forces a refresh from the remote feed. It never returns an
// error; failures are reported in the result.
func (s *Service) UpdateDatabase(ctx context.Context) UpdateResult {
	start := s.now()
	snap, err := s.data.ForceUpdate(ctx)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.logger.Error("manual database update failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return UpdateResult{
			Success:  false,
			Message:  fmt.Sprintf("Erro ao atualizar base de dados: %v", err),
			Duration: elapsed,
		}
	}

	s.logger.Info("manual database update completed", "records", snap.Len(), "duration_ms", elapsed.Milliseconds())
	return UpdateResult{
		Success:  true,
		Message:  fmt.Sprintf("Base de dados atualizada com sucesso. %d registros carregados.", snap.Len()),
		Records:  snap.Len(),
		Duration: elapsed,
	}
}

// Stats reports the dataset and persistent cache state.
func (s *Service) Stats(ctx context.Context) StatsResult {
	return StatsResult{
		Dataset: s.data.Status(),
		Cache:   s.store.Stats(ctx),
	}
}
