package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"caepi/internal/certificate/index"
	"caepi/internal/certificate/models"
	"caepi/pkg/platform/sentinel"
)

const metadataSuffix = ".metadata"

// FileStore persists the snapshot as one blob file plus a JSON metadata
// sidecar. Validity is judged by the blob's modification time.
type FileStore struct {
	dir     string
	path    string
	timeout time.Duration
	codec   Codec
	logger  *slog.Logger
	now     func() time.Time

	mu sync.RWMutex
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		s.now = now
	}
}

// NewFileStore creates dir if needed. The blob name is baseName with its
// extension replaced by the codec's.
func NewFileStore(dir, baseName string, timeout time.Duration, codec Codec, logger *slog.Logger, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cache directory cannot be empty")
	}
	if codec == nil {
		return nil, errors.New("cache codec is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	if baseName == "" {
		baseName = "ca_certificates"
	}
	name := strings.TrimSuffix(baseName, filepath.Ext(baseName)) + codec.Extension()

	s := &FileStore{
		dir:     dir,
		path:    filepath.Join(dir, name),
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

// Path is the blob location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Save(_ context.Context, snap *index.Snapshot) error {
	if snap.Len() == 0 {
		return sentinel.ErrEmptySnapshot
	}

	var blob bytes.Buffer
	if err := s.codec.Encode(&blob, snap.Records()); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	meta, err := json.MarshalIndent(newMetadata(snap, s.codec, s.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.path, blob.Bytes()); err != nil {
		return err
	}
	if err := writeAtomic(s.path+metadataSuffix, meta); err != nil {
		return err
	}

	s.logger.Info("cache saved",
		"path", s.path,
		"records", snap.Len(),
		"encoding", s.codec.Encoding(),
		"size_bytes", blob.Len(),
	)
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*index.Snapshot, error) {
	return s.load(ctx, true)
}

func (s *FileStore) LoadStale(ctx context.Context) (*index.Snapshot, error) {
	return s.load(ctx, false)
}

func (s *FileStore) load(_ context.Context, checkExpiry bool) (*index.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cache file absent: %w", sentinel.ErrCacheMiss)
		}
		return nil, fmt.Errorf("stat cache file: %v: %w", err, sentinel.ErrCacheMiss)
	}
	if checkExpiry && !s.fresh(info.ModTime()) {
		return nil, fmt.Errorf("cache file %w: %w", sentinel.ErrExpired, sentinel.ErrCacheMiss)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read cache file: %v: %w", err, sentinel.ErrCacheMiss)
	}
	records, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode cache file: %v: %w", err, sentinel.ErrCacheMiss)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("cache file has no records: %w", sentinel.ErrCacheMiss)
	}

	builtAt := info.ModTime()
	if meta, err := s.readMetadata(); err == nil && !meta.BuiltAt.IsZero() {
		builtAt = meta.BuiltAt
	}
	snap, _ := index.Build(records, builtAt, index.SourceCache)
	return snap, nil
}

func (s *FileStore) IsValid(_ context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return s.fresh(info.ModTime())
}

func (s *FileStore) fresh(modTime time.Time) bool {
	return s.now().Sub(modTime) <= s.timeout
}

// Invalidate removes the blob and its sidecar. Missing files are not an error.
func (s *FileStore) Invalidate(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path, s.path + metadataSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Error("failed to remove cache file", "path", p, "error", err)
		}
	}
	s.logger.Info("cache invalidated", "path", s.path)
}

func (s *FileStore) Search(ctx context.Context, key string) ([]models.CertificateRecord, bool) {
	return search(ctx, s, key)
}

func (s *FileStore) SearchByFilters(ctx context.Context, filters models.Filters) ([]models.CertificateRecord, bool) {
	return searchByFilters(ctx, s, filters)
}

func (s *FileStore) Stats(_ context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Backend:  "file",
		Encoding: s.codec.Encoding(),
		Location: s.path,
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			st.Error = err.Error()
		}
		return st
	}

	modTime := info.ModTime()
	st.Exists = true
	st.SizeBytes = info.Size()
	st.SizeMB = bytesToMB(info.Size())
	st.LastUpdated = &modTime
	st.Valid = s.fresh(modTime)
	st.ExpiresInSeconds = expiresIn(modTime, s.timeout, s.now())

	meta, err := s.readMetadata()
	if err != nil {
		return st
	}
	st.Compression = meta.Compression
	st.TotalRecords = meta.TotalRecords
	st.Columns = meta.Columns
	return st
}

func (s *FileStore) readMetadata() (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(s.path + metadataSuffix)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal cache metadata: %w", err)
	}
	return meta, nil
}

// writeAtomic writes to a temporary file in the target directory and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
