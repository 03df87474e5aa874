// Package fetcher downloads the CAEPI archive over FTP and extracts the feed
// file to local disk.
//
// The local feed is backed up before each attempt. A failed attempt restores
// the backup so the previous feed stays readable; a successful one removes it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jlaffaye/ftp"
)

const (
	defaultPort = "21"
	anonymous   = "anonymous"
	backupExt   = ".bak"
)

// Conn is the subset of an FTP session the fetcher needs.
type Conn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

// DialFunc opens an FTP session.
type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (Conn, error)

// Config locates the remote archive and the local feed file.
type Config struct {
	Host        string
	Dir         string
	Archive     string
	FeedPath    string
	DialTimeout time.Duration
}

// FTPFetcher retrieves the feed from an anonymous FTP server.
type FTPFetcher struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger
}

// Option configures an FTPFetcher.
type Option func(*FTPFetcher)

// WithDialer replaces the FTP dialer.
func WithDialer(d DialFunc) Option {
	return func(f *FTPFetcher) {
		if d != nil {
			f.dial = d
		}
	}
}

// New constructs an FTPFetcher.
func New(cfg Config, logger *slog.Logger, opts ...Option) *FTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FTPFetcher{
		cfg:    cfg,
		dial:   dialFTP,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FeedPath is where the extracted feed is written.
func (f *FTPFetcher) FeedPath() string {
	return f.cfg.FeedPath
}

// Fetch downloads the archive and writes the extracted feed to FeedPath,
// returning that path.
func (f *FTPFetcher) Fetch(ctx context.Context) (_ string, err error) {
	feed := f.cfg.FeedPath
	if err := os.MkdirAll(filepath.Dir(feed), 0o750); err != nil {
		return "", transportError("prepare", err)
	}

	backedUp := f.backup(feed)
	defer func() {
		if err != nil {
			f.restore(feed, backedUp)
			return
		}
		f.dropBackup(feed, backedUp)
	}()

	archive, err := f.download(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(archive) }()

	data, err := os.ReadFile(archive)
	if err != nil {
		return "", extractionError("read archive", err)
	}
	content, strategy, err := extract(data, filepath.Base(feed))
	if err != nil {
		return "", extractionError("extract", err)
	}
	if err := writeFile(feed, content); err != nil {
		return "", extractionError("write feed", err)
	}

	f.logger.Info("feed extracted",
		"path", feed,
		"strategy", strategy,
		"archive_bytes", len(data),
		"feed_bytes", len(content),
	)
	return feed, nil
}

// download streams the remote archive into a temp file next to the feed.
func (f *FTPFetcher) download(ctx context.Context) (path string, err error) {
	addr := f.addr()
	conn, err := f.dial(ctx, addr, f.cfg.DialTimeout)
	if err != nil {
		return "", transportError("dial", err)
	}
	defer func() {
		if qerr := conn.Quit(); qerr != nil {
			f.logger.Warn("ftp quit failed", "addr", addr, "error", qerr)
		}
	}()

	if err := conn.Login(anonymous, anonymous); err != nil {
		return "", transportError("login", err)
	}
	if f.cfg.Dir != "" {
		if err := conn.ChangeDir(f.cfg.Dir); err != nil {
			return "", transportError("change dir", err)
		}
	}

	resp, err := conn.Retr(f.cfg.Archive)
	if err != nil {
		return "", transportError("retrieve", err)
	}
	defer resp.Close()

	tmp, err := os.CreateTemp(filepath.Dir(f.cfg.FeedPath), f.cfg.Archive+".download-*")
	if err != nil {
		return "", transportError("create temp", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, resp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", transportError("download", err)
	}
	if n == 0 {
		return "", transportError("download", errors.New("remote archive is empty"))
	}

	f.logger.Info("archive downloaded", "addr", addr, "archive", f.cfg.Archive, "bytes", n)
	return tmp.Name(), nil
}

func (f *FTPFetcher) addr() string {
	if _, _, err := net.SplitHostPort(f.cfg.Host); err == nil {
		return f.cfg.Host
	}
	return net.JoinHostPort(f.cfg.Host, defaultPort)
}

func (f *FTPFetcher) backup(feed string) bool {
	if _, err := os.Stat(feed); err != nil {
		return false
	}
	if err := os.Rename(feed, feed+backupExt); err != nil {
		f.logger.Warn("feed backup failed", "path", feed, "error", err)
		return false
	}
	return true
}

func (f *FTPFetcher) restore(feed string, backedUp bool) {
	if !backedUp {
		return
	}
	if err := os.Rename(feed+backupExt, feed); err != nil {
		f.logger.Error("feed restore failed", "path", feed, "error", err)
		return
	}
	f.logger.Info("previous feed restored", "path", feed)
}

func (f *FTPFetcher) dropBackup(feed string, backedUp bool) {
	if !backedUp {
		return
	}
	if err := os.Remove(feed + backupExt); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("feed backup cleanup failed", "path", feed, "error", err)
	}
}

func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename feed: %w", err)
	}
	return nil
}

type ftpConn struct {
	*ftp.ServerConn
}

func (c ftpConn) Retr(path string) (io.ReadCloser, error) {
	resp, err := c.ServerConn.Retr(path)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func dialFTP(ctx context.Context, addr string, timeout time.Duration) (Conn, error) {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(timeout))
	}
	c, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return ftpConn{ServerConn: c}, nil
}
