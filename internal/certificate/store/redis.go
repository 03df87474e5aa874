package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
	"caepi/pkg/platform/sentinel"
)

const defaultRedisKeyPrefix = "caepi:cache:"

var errNoEntry = fmt.Errorf("no cache entry: %w", sentinel.ErrCacheMiss)

// RedisStore keeps the snapshot blob and its metadata under two keys that
// expire together. Validity is judged by the stored created_at.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	codec   Codec
	logger  *slog.Logger
	now     func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix namespaces the keys used by the store.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRedisClock overrides the time source used for expiry checks.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore constructs a Redis-backed store. The client lifecycle is
// managed by the caller. timeout is both the validity window and the key
// TTL, so it must be positive.
func NewRedisStore(client *redis.Client, timeout time.Duration, codec Codec, logger *slog.Logger, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if codec == nil {
		return nil, errors.New("cache codec is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("redis cache timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		client:  client,
		prefix:  defaultRedisKeyPrefix,
		timeout: timeout,
		codec:   codec,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) blobKey() string { return s.prefix + "blob" }
func (s *RedisStore) metaKey() string { return s.prefix + "metadata" }

func (s *RedisStore) Save(ctx context.Context, snap *index.Snapshot) error {
	if snap.Len() == 0 {
		return sentinel.ErrEmptySnapshot
	}

	var blob bytes.Buffer
	if err := s.codec.Encode(&blob, snap.Records()); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	meta, err := json.Marshal(newMetadata(snap, s.codec, s.now()))
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.blobKey(), blob.Bytes(), s.timeout)
		pipe.Set(ctx, s.metaKey(), meta, s.timeout)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store snapshot in redis: %w", err)
	}

	s.logger.Info("cache saved",
		"backend", "redis",
		"records", snap.Len(),
		"encoding", s.codec.Encoding(),
		"size_bytes", blob.Len(),
	)
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*index.Snapshot, error) {
	return s.load(ctx, true)
}

func (s *RedisStore) LoadStale(ctx context.Context) (*index.Snapshot, error) {
	return s.load(ctx, false)
}

func (s *RedisStore) load(ctx context.Context, checkExpiry bool) (*index.Snapshot, error) {
	meta, err := s.metadata(ctx)
	if err != nil {
		return nil, err
	}
	if checkExpiry && !s.fresh(meta.CreatedAt) {
		return nil, fmt.Errorf("redis cache %w: %w", sentinel.ErrExpired, sentinel.ErrCacheMiss)
	}

	data, err := s.client.Get(ctx, s.blobKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis cache blob absent: %w", sentinel.ErrCacheMiss)
	}
	if err != nil {
		return nil, fmt.Errorf("read redis cache: %v: %w", err, sentinel.ErrCacheMiss)
	}
	records, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode redis cache: %v: %w", err, sentinel.ErrCacheMiss)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("redis cache has no records: %w", sentinel.ErrCacheMiss)
	}

	builtAt := meta.BuiltAt
	if builtAt.IsZero() {
		builtAt = meta.CreatedAt
	}
	snap, _ := index.Build(records, builtAt, index.SourceCache)
	return snap, nil
}

func (s *RedisStore) metadata(ctx context.Context) (Metadata, error) {
	var meta Metadata
	raw, err := s.client.Get(ctx, s.metaKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return meta, fmt.Errorf("redis cache metadata: %w", errNoEntry)
	}
	if err != nil {
		return meta, fmt.Errorf("read redis cache metadata: %v: %w", err, sentinel.ErrCacheMiss)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal redis cache metadata: %v: %w", err, sentinel.ErrCacheMiss)
	}
	return meta, nil
}

func (s *RedisStore) fresh(createdAt time.Time) bool {
	return s.now().Sub(createdAt) <= s.timeout
}

func (s *RedisStore) IsValid(ctx context.Context) bool {
	meta, err := s.metadata(ctx)
	if err != nil {
		return false
	}
	return s.fresh(meta.CreatedAt)
}

func (s *RedisStore) Invalidate(ctx context.Context) {
	if err := s.client.Del(ctx, s.blobKey(), s.metaKey()).Err(); err != nil {
		s.logger.Error("failed to delete redis cache", "error", err)
		return
	}
	s.logger.Info("cache invalidated", "backend", "redis")
}

func (s *RedisStore) Search(ctx context.Context, key string) ([]models.CertificateRecord, bool) {
	return search(ctx, s, key)
}

func (s *RedisStore) SearchByFilters(ctx context.Context, filters models.Filters) ([]models.CertificateRecord, bool) {
	return searchByFilters(ctx, s, filters)
}

func (s *RedisStore) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:  "redis",
		Encoding: s.codec.Encoding(),
		Location: s.blobKey(),
	}
	meta, err := s.metadata(ctx)
	if err != nil {
		if !errors.Is(err, errNoEntry) {
			st.Error = err.Error()
		}
		return st
	}

	size, err := s.client.StrLen(ctx, s.blobKey()).Result()
	if err != nil {
		st.Error = err.Error()
	}
	createdAt := meta.CreatedAt
	st.Exists = size > 0
	st.SizeBytes = size
	st.SizeMB = bytesToMB(size)
	st.LastUpdated = &createdAt
	st.Valid = s.fresh(createdAt)
	st.ExpiresInSeconds = expiresIn(createdAt, s.timeout, s.now())
	st.Compression = meta.Compression
	st.TotalRecords = meta.TotalRecords
	st.Columns = meta.Columns
	return st
}
