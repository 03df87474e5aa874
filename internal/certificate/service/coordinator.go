package service

//go:generate mockgen -source=coordinator.go -destination=mocks/mock_fetcher.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/parser"
	"caepi/internal/certificate/store"
	"caepi/internal/platform/metrics"
	"caepi/pkg/platform/sentinel"
)

const (
	loadKey             = "load"
	refreshKey          = "refresh"
	tracerName          = "caepi/certificate"
	defaultRetryBackoff = time.Minute
)

// Fetcher retrieves the remote feed and writes it to a local file.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
	// FeedPath is where Fetch writes the feed, and where the previous feed is
	// restored after a failed fetch.
	FeedPath() string
}

// State is the refresh coordinator's lifecycle state.
type State string

const (
	StateEmpty              State = "empty"
	StateFresh              State = "fresh"
	StateStaleCheckingCache State = "stale_checking_cache"
	StateRefreshing         State = "refreshing"
	StateFailed             State = "failed"
)

var allStates = []string{
	string(StateEmpty), string(StateFresh), string(StateStaleCheckingCache),
	string(StateRefreshing), string(StateFailed),
}

// entry pairs a snapshot with whether it may still be served as fresh.
type entry struct {
	snap  *index.Snapshot
	valid bool
}

// outcome is shared by every caller joined on one load.
type outcome struct {
	snap  *index.Snapshot
	stale bool
	err   error
}

// Status reports the coordinator's view of the dataset.
type Status struct {
	State             State        `json:"state"`
	Records           int          `json:"records"`
	Source            index.Source `json:"source,omitempty"`
	BuiltAt           *time.Time   `json:"built_at,omitempty"`
	AgeSeconds        float64      `json:"age_seconds"`
	Valid             bool         `json:"valid"`
	LastError         string       `json:"last_error,omitempty"`
	LastRefreshAt     *time.Time   `json:"last_refresh_at,omitempty"`
	LastRefreshMillis int64        `json:"last_refresh_ms"`
}

// Coordinator owns the served snapshot. Readers never block on a lock: the
// current snapshot sits behind an atomic pointer and is replaced wholesale.
// Lazy loads coalesce with each other and forced refreshes coalesce with each
// other; the fetch pipeline itself runs one at a time.
type Coordinator struct {
	fetcher      Fetcher
	store        store.Store
	timeout      time.Duration
	retryBackoff time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	current   atomic.Pointer[entry]
	inflight  atomic.Int32
	group     singleflight.Group
	refreshMu sync.Mutex

	mu    sync.Mutex
	state State
	// epoch changes on every forced refresh; a cache read that started in an
	// older epoch must not be installed.
	epoch         uint64
	lastErr       error
	lastFailureAt time.Time
	lastRefreshAt time.Time
	lastDuration  time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for freshness decisions.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithTracer(t trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithRetryBackoff sets how long a stale snapshot is served after a failed
// refresh before the next attempt.
func WithRetryBackoff(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.retryBackoff = d
	}
}

// NewCoordinator constructs a Coordinator. timeout bounds how long a snapshot
// is served as fresh.
func NewCoordinator(fetcher Fetcher, st store.Store, timeout time.Duration, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		fetcher:      fetcher,
		store:        st,
		timeout:      timeout,
		retryBackoff: defaultRetryBackoff,
		now:          time.Now,
		state:        StateEmpty,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.store == nil {
		c.store = store.NopStore{}
	}
	c.metrics.SetState(string(StateEmpty), allStates)
	return c
}

// GetData returns the current snapshot, loading or refreshing it first when
// it is not fresh. When a refresh fails, the most recent data available (in
// memory, stale persistent cache, or the restored local feed) is served and
// the failure is only logged; the error is returned when no data exists.
func (c *Coordinator) GetData(ctx context.Context) (*index.Snapshot, error) {
	e := c.current.Load()
	if c.fresh(e) {
		return e.snap, nil
	}
	if e != nil && e.snap != nil && (c.inflight.Load() > 0 || c.backingOff()) {
		return e.snap, nil
	}

	ch := c.group.DoChan(loadKey, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), false), nil
	})
	select {
	case res := <-ch:
		out := res.Val.(outcome)
		if out.snap != nil {
			return out.snap, nil
		}
		return nil, out.err
	case <-ctx.Done():
		if e != nil && e.snap != nil {
			return e.snap, nil
		}
		return nil, ctx.Err()
	}
}

// ForceUpdate discards every cache layer and refreshes from the remote feed.
// Failures are returned, never masked by stale data.
func (c *Coordinator) ForceUpdate(ctx context.Context) (*index.Snapshot, error) {
	c.mu.Lock()
	c.epoch++
	c.lastFailureAt = time.Time{}
	if e := c.current.Load(); e != nil {
		c.current.Store(&entry{snap: e.snap, valid: false})
	}
	c.mu.Unlock()
	c.store.Invalidate(ctx)

	select {
	case res := <-c.forced(ctx):
		out := res.Val.(outcome)
		if out.err != nil {
			return nil, out.err
		}
		return out.snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) forced(ctx context.Context) <-chan singleflight.Result {
	return c.group.DoChan(refreshKey, func() (any, error) {
		return c.load(context.WithoutCancel(ctx), true), nil
	})
}

// awaitForced is used by a lazy load whose cache read was overtaken by a
// forced refresh: it takes the forced result instead of its own.
func (c *Coordinator) awaitForced(ctx context.Context) outcome {
	if e := c.current.Load(); c.fresh(e) {
		return outcome{snap: e.snap}
	}
	res := <-c.forced(ctx)
	return res.Val.(outcome)
}

// Run keeps the dataset warm: an optional load at start, then a GetData on
// every tick. It returns when ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, warm bool) {
	if warm {
		if _, err := c.GetData(ctx); err != nil {
			c.logger.Error("initial dataset load failed", "error", err)
		}
	}
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.GetData(ctx); err != nil {
				c.logger.Error("scheduled dataset refresh failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:             c.state,
		LastRefreshMillis: c.lastDuration.Milliseconds(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if !c.lastRefreshAt.IsZero() {
		at := c.lastRefreshAt
		st.LastRefreshAt = &at
	}
	c.mu.Unlock()

	if e := c.current.Load(); e != nil && e.snap != nil {
		builtAt := e.snap.BuiltAt()
		st.Records = e.snap.Len()
		st.Source = e.snap.Source()
		st.BuiltAt = &builtAt
		st.AgeSeconds = e.snap.Age(c.now()).Seconds()
		st.Valid = c.fresh(e)
	}
	return st
}

func (c *Coordinator) fresh(e *entry) bool {
	return e != nil && e.valid && e.snap != nil && e.snap.Age(c.now()) <= c.timeout
}

func (c *Coordinator) backingOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateFailed && !c.lastFailureAt.IsZero() &&
		c.now().Sub(c.lastFailureAt) < c.retryBackoff
}

func (c *Coordinator) load(ctx context.Context, force bool) outcome {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID, "forced", force)
	ctx, span := c.tracer.Start(ctx, "certificate.load", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("forced", force),
	))
	defer span.End()

	if !force {
		if e := c.current.Load(); c.fresh(e) {
			return outcome{snap: e.snap}
		}
		snap, ok, superseded := c.loadCache(ctx, logger)
		if ok {
			return outcome{snap: snap}
		}
		if superseded {
			return c.awaitForced(ctx)
		}
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if !force {
		if e := c.current.Load(); c.fresh(e) {
			return outcome{snap: e.snap}
		}
	}

	c.setState(StateRefreshing)
	start := c.now()
	snap, err := c.refresh(ctx, logger)
	elapsed := c.now().Sub(start)
	if err == nil {
		c.recordSuccess(start, elapsed)
		c.metrics.ObserveRefresh("success", elapsed)
		logger.Info("dataset refreshed", "records", snap.Len(), "duration_ms", elapsed.Milliseconds())
		return outcome{snap: snap}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "refresh failed")
	c.recordFailure(err, elapsed)
	c.metrics.ObserveRefresh("failure", elapsed)

	stale := c.staleFallback(ctx, logger)
	if stale == nil {
		logger.Error("dataset refresh failed and no data is available", "error", err)
		return outcome{err: err}
	}
	c.metrics.ObserveRefresh("stale", elapsed)
	logger.Warn("dataset refresh failed, serving stale data",
		"error", err,
		"source", stale.Source(),
		"records", stale.Len(),
		"age", stale.Age(c.now()).String(),
	)
	return outcome{snap: stale, stale: true, err: err}
}

// loadCache installs the persistent cache as the fresh snapshot. superseded
// reports that a forced refresh began while the cache was being read, in
// which case the read is discarded.
func (c *Coordinator) loadCache(ctx context.Context, logger *slog.Logger) (snap *index.Snapshot, ok, superseded bool) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()

	c.setState(StateStaleCheckingCache)
	ctx, span := c.tracer.Start(ctx, "certificate.cache_load")
	defer span.End()

	if !c.store.IsValid(ctx) {
		c.metrics.IncrementCacheLoad("miss")
		return nil, false, c.superseded(epoch)
	}
	snap, err := c.store.Load(ctx)
	if err != nil {
		logger.Warn("persistent cache unusable", "error", err)
		span.RecordError(err)
		c.metrics.IncrementCacheLoad("miss")
		return nil, false, c.superseded(epoch)
	}

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		logger.Info("cache read overtaken by forced refresh, discarding")
		return nil, false, true
	}
	c.current.Store(&entry{snap: snap, valid: true})
	c.mu.Unlock()

	c.metrics.SetSnapshot(snap.Len(), snap.BuiltAt())
	c.metrics.IncrementCacheLoad("hit")
	c.setState(StateFresh)
	logger.Info("dataset loaded from cache", "records", snap.Len())
	return snap, true, false
}

func (c *Coordinator) superseded(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch != epoch
}

// refresh runs fetch, parse, index and persist. The new snapshot is installed
// before it is persisted so readers see it as soon as it exists.
func (c *Coordinator) refresh(ctx context.Context, logger *slog.Logger) (*index.Snapshot, error) {
	fetchCtx, span := c.tracer.Start(ctx, "certificate.fetch")
	path, err := c.fetcher.Fetch(fetchCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		span.End()
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	span.End()

	snap, err := c.readFeed(ctx, path, index.SourceRemote)
	if err != nil {
		return nil, err
	}
	c.install(snap, true)
	c.setState(StateFresh)

	persistCtx, span := c.tracer.Start(ctx, "certificate.persist")
	defer span.End()
	if err := c.store.Save(persistCtx, snap); err != nil {
		if errors.Is(err, sentinel.ErrEmptySnapshot) {
			logger.Warn("feed produced no records, cache not written")
		} else {
			span.RecordError(err)
			logger.Error("failed to persist dataset", "error", err)
		}
	}
	return snap, nil
}

func (c *Coordinator) readFeed(ctx context.Context, path string, source index.Source) (*index.Snapshot, error) {
	_, span := c.tracer.Start(ctx, "certificate.parse", trace.WithAttributes(
		attribute.String("path", path),
		attribute.String("source", string(source)),
	))
	defer span.End()

	raw, err := os.ReadFile(path)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read feed %s: %w", path, err)
	}
	records, res := parser.ParseRecords(parser.Decode(raw))
	snap, stats := index.Build(records, c.now(), source)

	c.metrics.AddSkippedLines(res.Skipped)
	span.SetAttributes(
		attribute.Int("rows", len(res.Rows)),
		attribute.Int("skipped", res.Skipped),
		attribute.Int("indexed", stats.Indexed),
	)
	c.logger.Info("feed parsed",
		"source", source,
		"rows", len(res.Rows),
		"skipped", res.Skipped,
		"header", res.HeaderFound,
		"indexed", stats.Indexed,
		"duplicates", stats.Duplicates,
		"empty_keys", stats.EmptyKeys,
	)
	return snap, nil
}

// staleFallback finds the most recent usable data after a failed refresh.
func (c *Coordinator) staleFallback(ctx context.Context, logger *slog.Logger) *index.Snapshot {
	if e := c.current.Load(); e != nil && e.snap != nil {
		return e.snap
	}
	if snap, err := c.store.LoadStale(ctx); err == nil {
		c.install(snap, false)
		return snap
	}
	if path := c.fetcher.FeedPath(); path != "" {
		snap, err := c.readFeed(ctx, path, index.SourceLocalFile)
		if err != nil {
			logger.Debug("local feed unavailable", "error", err)
			return nil
		}
		if snap.Len() > 0 {
			c.install(snap, false)
			return snap
		}
	}
	return nil
}

func (c *Coordinator) install(snap *index.Snapshot, valid bool) {
	c.current.Store(&entry{snap: snap, valid: valid})
	c.metrics.SetSnapshot(snap.Len(), snap.BuiltAt())
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.metrics.SetState(string(s), allStates)
}

func (c *Coordinator) recordSuccess(at time.Time, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = nil
	c.lastFailureAt = time.Time{}
	c.lastRefreshAt = at
	c.lastDuration = d
}

func (c *Coordinator) recordFailure(err error, d time.Duration) {
	c.mu.Lock()
	c.state = StateFailed
	c.lastErr = err
	c.lastFailureAt = c.now()
	c.lastDuration = d
	c.mu.Unlock()
	c.metrics.SetState(string(StateFailed), allStates)
}
