package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/logging"
)

func TestDownloadSkipsExistingWithoutRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("LASF"))
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "raw")
	d := New(logging.Discard(), Options{Timeout: 5 * time.Second})

	res, err := d.Download(context.Background(), srv.URL+"/tiles/tile_01.laz", dir, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(4), res.Bytes)
	assert.Equal(t, filepath.Join(dir, "tile_01.laz"), res.Path)
	_, err = os.Stat(res.Path + ".part")
	assert.True(t, os.IsNotExist(err))

	res, err = d.Download(context.Background(), srv.URL+"/tiles/tile_01.laz", dir, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int64(1), d.Requests())
}

func TestDownloadHTTPErrorLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	d := New(logging.Discard(), Options{Timeout: 5 * time.Second})
	_, err := d.Download(context.Background(), srv.URL+"/missing.laz", dir, "")
	require.ErrorIs(t, err, ErrHTTPStatus)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchSendsHeadersAndTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(500 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	d := New(logging.Discard(), Options{
		Timeout: 100 * time.Millisecond,
		Headers: http.Header{"User-Agent": []string{"surveyflow-test"}},
	})
	resp, err := d.Fetch(context.Background(), srv.URL+"/fast")
	require.NoError(t, err)
	assert.Equal(t, "surveyflow-test", string(resp.Body))
	assert.Equal(t, "text/plain; charset=utf-8", resp.ContentType)

	_, err = d.Fetch(context.Background(), srv.URL+"/slow")
	require.Error(t, err)
}

func TestFileNameFromURL(t *testing.T) {
	assert.Equal(t, "tile 01.laz", FileNameFromURL("https://example.org/a/tile%2001.laz?x=1"))
	assert.Equal(t, "", FileNameFromURL("https://example.org/"))
	assert.Equal(t, "", FileNameFromURL("https://example.org"))
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	d := New(logging.Discard(), Options{MaxBodyBytes: 10})
	resp, err := d.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(resp.Body), "a body of exactly the limit is accepted")

	d = New(logging.Discard(), Options{MaxBodyBytes: 9})
	_, err = d.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrBodyTooLarge)
}
