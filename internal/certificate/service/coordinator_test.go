package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
	"caepi/internal/certificate/service/mocks"
	"caepi/internal/certificate/store"
	"caepi/internal/platform/metrics"
	"caepi/pkg/platform/sentinel"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const feedHeader = "NR Registro CA|DataValidade|Situacao|NRProcesso|CNPJ|RazaoSocial|Natureza|NomeEquipamento|DescricaoEquipamento|MarcaCA|Referencia|Cor|AprovadoParaLaudo|RestricaoLaudo|ObservacaoAnaliseLaudo|CNPJLaboratorio|RazaoSocialLaboratorio|NRLaudo|Norma"

func feedRow(id, expiry, status string) string {
	fields := []string{
		id, expiry, status, "46000.000001/2020-01", "00.000.000/0001-00",
		"ACME EPI LTDA", "Nacional", "LUVA", "Luva para proteção", "ACME", "L-" + id,
		"Azul", "Sim", "", "", "11.111.111/0001-11", "LAB TESTE", "R-" + id, "EN 388",
	}
	return strings.Join(fields, "|")
}

type CoordinatorSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	fetcher *mocks.MockFetcher
	clock   *fakeClock
	dir     string
	feed    string
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.fetcher = mocks.NewMockFetcher(s.ctrl)
	s.clock = &fakeClock{now: time.Now()}
	s.dir = s.T().TempDir()
	s.feed = filepath.Join(s.dir, "tgg_export_caepi.txt")
	s.fetcher.EXPECT().FeedPath().Return(s.feed).AnyTimes()
}

func (s *CoordinatorSuite) writeFeed(lines ...string) {
	s.Require().NoError(os.WriteFile(s.feed, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
}

// fetchWrites makes Fetch write the given feed and return its path.
func (s *CoordinatorSuite) fetchWrites(lines ...string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		s.writeFeed(lines...)
		return s.feed, nil
	}
}

func (s *CoordinatorSuite) fileStore(timeout time.Duration) *store.FileStore {
	st, err := store.NewFileStore(filepath.Join(s.dir, "cache"), "ca_certificates.parquet", timeout,
		store.GobCodec{}, nil, store.WithClock(s.clock.Now))
	s.Require().NoError(err)
	return st
}

func (s *CoordinatorSuite) coordinator(st store.Store, timeout time.Duration) *Coordinator {
	return NewCoordinator(s.fetcher, st, timeout,
		WithClock(s.clock.Now),
		WithCoordinatorMetrics(metrics.New(prometheus.NewRegistry())),
	)
}

func (s *CoordinatorSuite) TestFirstLoadFetchesParsesAndPersists() {
	ctx := context.Background()
	st := s.fileStore(time.Hour)
	c := s.coordinator(st, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).
		DoAndReturn(s.fetchWrites(feedHeader, feedRow("1", "2025-12-31", "Válido"), feedRow("2", "2020-01-01", "Vencido"))).
		Times(1)

	snap, err := c.GetData(ctx)

	s.Require().NoError(err)
	s.Equal(2, snap.Len())
	s.Equal(index.SourceRemote, snap.Source())
	s.Equal(StateFresh, c.State())
	s.True(st.IsValid(ctx))

	status := c.Status()
	s.Equal(2, status.Records)
	s.True(status.Valid)
	s.NotNil(status.LastRefreshAt)
}

func (s *CoordinatorSuite) TestConcurrentReadsWhileFreshShareSnapshot() {
	ctx := context.Background()
	c := s.coordinator(store.NopStore{}, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))).Times(1)

	first, err := c.GetData(ctx)
	s.Require().NoError(err)

	const readers = 64
	results := make([]*index.Snapshot, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := c.GetData(ctx)
			if err == nil {
				results[i] = snap
			}
		}(i)
	}
	wg.Wait()

	for _, snap := range results {
		s.Same(first, snap)
	}
}

func (s *CoordinatorSuite) TestConcurrentInitialLoadsAreCoalesced() {
	ctx := context.Background()
	c := s.coordinator(store.NopStore{}, time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))(ctx)
	}).Times(1)

	const callers = 16
	results := make(chan *index.Snapshot, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := c.GetData(ctx)
			if err == nil {
				results <- snap
			}
		}()
	}

	<-started
	close(release)
	wg.Wait()
	close(results)

	var first *index.Snapshot
	count := 0
	for snap := range results {
		if first == nil {
			first = snap
		}
		s.Same(first, snap)
		count++
	}
	s.Equal(callers, count)
}

func (s *CoordinatorSuite) TestValidCacheAvoidsFetch() {
	ctx := context.Background()
	st := s.fileStore(time.Hour)
	recs := []models.CertificateRecord{models.FromFields([]string{"77", "2025-12-31", "Válido"})}
	cached, _ := index.Build(recs, s.clock.Now(), index.SourceRemote)
	s.Require().NoError(st.Save(ctx, cached))

	c := s.coordinator(st, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).Times(0)

	snap, err := c.GetData(ctx)

	s.Require().NoError(err)
	s.Equal(index.SourceCache, snap.Source())
	_, ok := snap.Get("77")
	s.True(ok)
	s.Equal(StateFresh, c.State())
}

func (s *CoordinatorSuite) TestTimeoutTriggersRefetch() {
	ctx := context.Background()
	c := s.coordinator(store.NopStore{}, time.Second)
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))),
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("2", "2025-12-31", "Válido"))),
	)

	first, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.clock.Advance(500 * time.Millisecond)
	again, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.Same(first, again)

	s.clock.Advance(2 * time.Second)
	second, err := c.GetData(ctx)

	s.Require().NoError(err)
	s.NotSame(first, second)
	_, ok := second.Get("2")
	s.True(ok)
}

func (s *CoordinatorSuite) TestFailureServesInMemorySnapshot() {
	ctx := context.Background()
	c := NewCoordinator(s.fetcher, store.NopStore{}, time.Second,
		WithClock(s.clock.Now), WithRetryBackoff(time.Minute))
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))),
		s.fetcher.EXPECT().Fetch(gomock.Any()).Return("", fmt.Errorf("dial: %w", sentinel.ErrUnavailable)),
	)

	first, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.clock.Advance(2 * time.Second)

	stale, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.Same(first, stale)
	s.Equal(StateFailed, c.State())
	s.Contains(c.Status().LastError, "unavailable")

	// Within the backoff window no new attempt is made.
	again, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.Same(first, again)
}

func (s *CoordinatorSuite) TestFailureWithoutDataPropagates() {
	c := s.coordinator(store.NopStore{}, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return("", fmt.Errorf("dial: %w", sentinel.ErrUnavailable))

	snap, err := c.GetData(context.Background())

	s.Nil(snap)
	s.ErrorIs(err, sentinel.ErrUnavailable)
	s.Equal(StateFailed, c.State())
}

func (s *CoordinatorSuite) TestFailureFallsBackToStaleCache() {
	ctx := context.Background()
	st := s.fileStore(time.Hour)
	recs := []models.CertificateRecord{models.FromFields([]string{"55", "2025-12-31", "Válido"})}
	cached, _ := index.Build(recs, s.clock.Now(), index.SourceRemote)
	s.Require().NoError(st.Save(ctx, cached))
	s.clock.Advance(2 * time.Hour)

	c := s.coordinator(st, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return("", errors.New("timeout"))

	snap, err := c.GetData(ctx)

	s.Require().NoError(err)
	s.Equal(index.SourceCache, snap.Source())
	_, ok := snap.Get("55")
	s.True(ok)
}

func (s *CoordinatorSuite) TestFailureFallsBackToLocalFeed() {
	s.writeFeed(feedRow("99", "2025-12-31", "Válido"))
	c := s.coordinator(store.NopStore{}, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).Return("", errors.New("timeout"))

	snap, err := c.GetData(context.Background())

	s.Require().NoError(err)
	s.Equal(index.SourceLocalFile, snap.Source())
	_, ok := snap.Get("99")
	s.True(ok)
}

func (s *CoordinatorSuite) TestForceUpdateInvalidatesAndRefetches() {
	ctx := context.Background()
	st := s.fileStore(time.Hour)
	c := s.coordinator(st, time.Hour)
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))),
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(func(context.Context) (string, error) {
			s.False(st.IsValid(ctx), "cache must be invalidated before refetching")
			return s.fetchWrites(feedRow("1", "2025-12-31", "Válido"), feedRow("2", "2026-01-01", "Válido"))(ctx)
		}),
	)

	_, err := c.GetData(ctx)
	s.Require().NoError(err)

	snap, err := c.ForceUpdate(ctx)

	s.Require().NoError(err)
	s.Equal(2, snap.Len())
	s.True(st.IsValid(ctx))
}

// slowLoadStore holds Load until released, after reading the cache, so a
// forced refresh can start while a lazy cache read is in progress.
type slowLoadStore struct {
	store.Store
	loading chan struct{}
	release chan struct{}
}

func (st *slowLoadStore) Load(ctx context.Context) (*index.Snapshot, error) {
	snap, err := st.Store.Load(ctx)
	close(st.loading)
	<-st.release
	return snap, err
}

func (s *CoordinatorSuite) TestForceUpdateDuringCacheReadStillFetches() {
	ctx := context.Background()
	files := s.fileStore(time.Hour)
	cached, _ := index.Build([]models.CertificateRecord{
		models.FromFields(strings.Split(feedRow("1", "2025-12-31", "Válido"), "|")),
	}, s.clock.Now(), index.SourceRemote)
	s.Require().NoError(files.Save(ctx, cached))

	st := &slowLoadStore{Store: files, loading: make(chan struct{}), release: make(chan struct{})}
	c := s.coordinator(st, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).
		DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"), feedRow("2", "2026-01-01", "Válido"))).
		Times(1)

	lazy := make(chan *index.Snapshot, 1)
	go func() {
		snap, err := c.GetData(ctx)
		s.NoError(err)
		lazy <- snap
	}()
	<-st.loading

	forced := make(chan *index.Snapshot, 1)
	go func() {
		snap, err := c.ForceUpdate(ctx)
		s.NoError(err)
		forced <- snap
	}()

	var refreshed *index.Snapshot
	select {
	case refreshed = <-forced:
	case <-time.After(5 * time.Second):
		close(st.release)
		s.FailNow("forced refresh waited on the lazy cache read")
	}
	close(st.release)

	s.Require().NotNil(refreshed)
	s.Equal(index.SourceRemote, refreshed.Source())
	s.Equal(2, refreshed.Len())

	snap := <-lazy
	s.Same(refreshed, snap, "the stale cache read must not replace the refreshed data")

	current, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.Same(refreshed, current)
	s.Equal(StateFresh, c.State())
}

func (s *CoordinatorSuite) TestForceUpdateFailurePropagates() {
	ctx := context.Background()
	c := s.coordinator(store.NopStore{}, time.Hour)
	gomock.InOrder(
		s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))),
		s.fetcher.EXPECT().Fetch(gomock.Any()).Return("", fmt.Errorf("login: %w", sentinel.ErrUnavailable)),
	)

	first, err := c.GetData(ctx)
	s.Require().NoError(err)

	_, err = c.ForceUpdate(ctx)
	s.ErrorIs(err, sentinel.ErrUnavailable)

	// Readers keep getting the previous data.
	snap, err := c.GetData(ctx)
	s.Require().NoError(err)
	s.Same(first, snap)
}

func (s *CoordinatorSuite) TestHeaderOnlyFeedYieldsEmptyIndex() {
	ctx := context.Background()
	st := s.fileStore(time.Hour)
	c := s.coordinator(st, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedHeader)).Times(1)

	snap, err := c.GetData(ctx)

	s.Require().NoError(err)
	s.Zero(snap.Len())
	s.False(st.IsValid(ctx), "empty snapshots are not persisted")

	svc := New(c, st)
	_, found, err := svc.GetCertificate(ctx, "12345")
	s.NoError(err)
	s.False(found)
}

func (s *CoordinatorSuite) TestRunWarmsAndStops() {
	c := s.coordinator(store.NopStore{}, time.Hour)
	s.fetcher.EXPECT().Fetch(gomock.Any()).DoAndReturn(s.fetchWrites(feedRow("1", "2025-12-31", "Válido"))).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Hour, true)
		close(done)
	}()

	s.Eventually(func() bool { return c.State() == StateFresh }, time.Second, 10*time.Millisecond)
	cancel()
	s.Eventually(func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
