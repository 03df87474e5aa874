package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caepi/pkg/platform/sentinel"
)

const feedLine = "12345|2025-12-31|Válido\n"

type fakeConn struct {
	payload   []byte
	loginErr  error
	retrErr   error
	quitErr   error
	quitCalls int
	dir       string
	retrieved string
}

func (c *fakeConn) Login(string, string) error { return c.loginErr }

func (c *fakeConn) ChangeDir(p string) error {
	c.dir = p
	return nil
}

func (c *fakeConn) Retr(p string) (io.ReadCloser, error) {
	c.retrieved = p
	if c.retrErr != nil {
		return nil, c.retrErr
	}
	return io.NopCloser(bytes.NewReader(c.payload)), nil
}

func (c *fakeConn) Quit() error {
	c.quitCalls++
	return c.quitErr
}

func newTestFetcher(t *testing.T, conn *fakeConn, dialErr error) (*FTPFetcher, string) {
	t.Helper()
	feed := filepath.Join(t.TempDir(), "tgg_export_caepi.txt")
	f := New(Config{
		Host:     "ftp.example.test",
		Dir:      "caepi/",
		Archive:  "tgg_export_caepi.zip",
		FeedPath: feed,
	}, nil, WithDialer(func(_ context.Context, addr string, _ time.Duration) (Conn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		assert.Equal(t, "ftp.example.test:21", addr)
		return conn, nil
	}))
	return f, feed
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// truncate drops the central directory, leaving only local headers and data.
func truncate(t *testing.T, archive []byte) []byte {
	t.Helper()
	i := bytes.Index(archive, []byte{0x50, 0x4b, 0x01, 0x02})
	require.Positive(t, i)
	return archive[:i]
}

func TestFetchExtractsNamedMember(t *testing.T) {
	conn := &fakeConn{payload: zipArchive(t, map[string]string{
		"other.csv":            "x;y",
		"TGG_EXPORT_CAEPI.TXT": feedLine,
	})}
	f, feed := newTestFetcher(t, conn, nil)

	got, err := f.Fetch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, feed, got)
	content, err := os.ReadFile(feed)
	require.NoError(t, err)
	assert.Equal(t, feedLine, string(content))
	assert.Equal(t, "caepi/", conn.dir)
	assert.Equal(t, "tgg_export_caepi.zip", conn.retrieved)
	assert.Equal(t, 1, conn.quitCalls)
}

func TestFetchFallsBackToFirstTextMember(t *testing.T) {
	conn := &fakeConn{payload: zipArchive(t, map[string]string{"export/dados.txt": feedLine})}
	f, feed := newTestFetcher(t, conn, nil)

	_, err := f.Fetch(context.Background())

	require.NoError(t, err)
	content, _ := os.ReadFile(feed)
	assert.Equal(t, feedLine, string(content))
}

func TestFetchRecoversTruncatedArchive(t *testing.T) {
	archive := zipArchive(t, map[string]string{"tgg_export_caepi.txt": feedLine})
	conn := &fakeConn{payload: truncate(t, archive)}
	f, feed := newTestFetcher(t, conn, nil)

	_, err := f.Fetch(context.Background())

	require.NoError(t, err)
	content, _ := os.ReadFile(feed)
	assert.Equal(t, feedLine, string(content))
}

// storedArchive writes uncompressed members with sizes in the local headers
// and no data descriptors, the way some exporters produce them.
func storedArchive(t *testing.T, names, contents []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, name := range names {
		body := []byte(contents[i])
		w, err := zw.CreateRaw(&zip.FileHeader{
			Name:               name,
			Method:             zip.Store,
			CRC32:              crc32.ChecksumIEEE(body),
			CompressedSize64:   uint64(len(body)),
			UncompressedSize64: uint64(len(body)),
		})
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestLocalHeaderScanKeepsEmptyStoredMemberEmpty(t *testing.T) {
	archive := storedArchive(t,
		[]string{"LEIAME.txt", "tgg_export_caepi.txt"},
		[]string{"", feedLine},
	)

	members, err := localHeaderMembers(truncate(t, archive))

	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "LEIAME.txt", members[0].name)
	empty, err := members[0].open()
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.Equal(t, "tgg_export_caepi.txt", members[1].name)
	body, err := members[1].open()
	require.NoError(t, err)
	assert.Equal(t, feedLine, string(body))
}

func TestFetchAcceptsPlainTextPayload(t *testing.T) {
	conn := &fakeConn{payload: []byte(feedLine)}
	f, feed := newTestFetcher(t, conn, nil)

	_, err := f.Fetch(context.Background())

	require.NoError(t, err)
	content, _ := os.ReadFile(feed)
	assert.Equal(t, feedLine, string(content))
}

func TestFetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		conn     *fakeConn
		dialErr  error
		kind     ErrorKind
		quits    int
		isUnavai bool
	}{
		{
			name:     "dial failure",
			conn:     &fakeConn{},
			dialErr:  errors.New("connection refused"),
			kind:     KindTransport,
			isUnavai: true,
		},
		{
			name:     "login failure",
			conn:     &fakeConn{loginErr: errors.New("530 denied")},
			kind:     KindTransport,
			quits:    1,
			isUnavai: true,
		},
		{
			name:     "retrieve failure",
			conn:     &fakeConn{retrErr: errors.New("550 no such file")},
			kind:     KindTransport,
			quits:    1,
			isUnavai: true,
		},
		{
			name:     "empty payload",
			conn:     &fakeConn{payload: nil},
			kind:     KindTransport,
			quits:    1,
			isUnavai: true,
		},
		{
			name:  "unrecoverable archive",
			conn:  &fakeConn{payload: []byte("PK\x05\x06 garbage without members")},
			kind:  KindExtraction,
			quits: 1,
		},
		{
			name: "archive without feed",
			conn: &fakeConn{payload: zipArchive(t, map[string]string{"readme.pdf": "%PDF"})},
			kind: KindExtraction, quits: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, feed := newTestFetcher(t, tt.conn, tt.dialErr)
			require.NoError(t, os.WriteFile(feed, []byte("previous"), 0o600))

			_, err := f.Fetch(context.Background())

			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.isUnavai, errors.Is(err, sentinel.ErrUnavailable))
			assert.Equal(t, tt.quits, tt.conn.quitCalls)

			content, readErr := os.ReadFile(feed)
			require.NoError(t, readErr, "previous feed must be restored")
			assert.Equal(t, "previous", string(content))
			assert.NoFileExists(t, feed+".bak")
		})
	}
}

func TestFetchRemovesBackupOnSuccess(t *testing.T) {
	conn := &fakeConn{payload: []byte(feedLine)}
	f, feed := newTestFetcher(t, conn, nil)
	require.NoError(t, os.WriteFile(feed, []byte("previous"), 0o600))

	_, err := f.Fetch(context.Background())

	require.NoError(t, err)
	assert.NoFileExists(t, feed+".bak")
	content, _ := os.ReadFile(feed)
	assert.Equal(t, feedLine, string(content))
}

func TestQuitErrorDoesNotMaskResult(t *testing.T) {
	t.Run("success stays success", func(t *testing.T) {
		conn := &fakeConn{payload: []byte(feedLine), quitErr: errors.New("421 timeout")}
		f, _ := newTestFetcher(t, conn, nil)

		_, err := f.Fetch(context.Background())
		assert.NoError(t, err)
	})

	t.Run("original error is kept", func(t *testing.T) {
		retrErr := errors.New("550 no such file")
		conn := &fakeConn{retrErr: retrErr, quitErr: errors.New("421 timeout")}
		f, _ := newTestFetcher(t, conn, nil)

		_, err := f.Fetch(context.Background())
		assert.ErrorIs(t, err, retrErr)
	})
}

func TestFetchErrorMessage(t *testing.T) {
	err := transportError("dial", errors.New("refused"))
	assert.Equal(t, "fetch dial [transport]: refused", err.Error())
	assert.Empty(t, KindOf(errors.New("plain")))
}
