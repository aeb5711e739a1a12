package publish

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/logging"
)

type fakeUploader struct {
	mu       sync.Mutex
	keys     []string
	existing map[string]bool
	failures map[string]int
}

func (f *fakeUploader) Upload(_ context.Context, key, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[key] > 0 {
		f.failures[key]--
		return false, errors.New("503 slow down")
	}
	if f.existing[key] {
		return false, nil
	}
	f.keys = append(f.keys, key)
	return true, nil
}

func TestParseTarget(t *testing.T) {
	tg, err := ParseTarget("gs://survey-bucket/runs/2024/")
	require.NoError(t, err)
	assert.Equal(t, Target{Scheme: "gs", Bucket: "survey-bucket", Prefix: "runs/2024"}, tg)

	_, err = ParseTarget("ftp://host/x")
	require.ErrorIs(t, err, ErrUnsupportedTarget)
	_, err = ParseTarget("s3:///nobucket")
	require.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestOpenWithoutTargetIsNoop(t *testing.T) {
	p, err := Open(context.Background(), logging.Discard(), Options{})
	require.NoError(t, err)
	n, err := p.Publish(context.Background(), "/x")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemotePublish(t *testing.T) {
	base := filepath.FromSlash("/srv/survey/data")
	up := &fakeUploader{
		existing: map[string]bool{"mirror/lidar/processed/b.tif": true},
		failures: map[string]int{"mirror/lidar/processed/c.tif": 2},
	}
	r := NewRemote(logging.Discard(), up, Target{Scheme: "gs", Bucket: "b", Prefix: "mirror"}, base)
	r.initialInterval = time.Millisecond

	n, err := r.Publish(context.Background(),
		filepath.Join(base, "lidar", "processed", "a.tif"),
		filepath.Join(base, "lidar", "processed", "b.tif"),
		filepath.Join(base, "lidar", "processed", "c.tif"),
		filepath.FromSlash("/elsewhere/d.tif"),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	sort.Strings(up.keys)
	assert.Equal(t, []string{"mirror/d.tif", "mirror/lidar/processed/a.tif", "mirror/lidar/processed/c.tif"}, up.keys)
}

func TestRemotePublishGivesUp(t *testing.T) {
	up := &fakeUploader{failures: map[string]int{"x.tif": 10}}
	r := NewRemote(logging.Discard(), up, Target{Scheme: "s3", Bucket: "b"}, "/data")
	r.initialInterval = time.Millisecond

	_, err := r.Publish(context.Background(), "/data/x.tif")
	require.Error(t, err)
	assert.Equal(t, 10-(maxRetries+1), up.failures["x.tif"])
}

func TestS3UploaderPreconditions(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPut || r.Header.Get("If-None-Match") != "*" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if stored[r.URL.Path] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
			return
		}
		stored[r.URL.Path] = true
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("key", "secret", ""),
	})
	local := filepath.Join(t.TempDir(), "scene.tif")
	require.NoError(t, os.WriteFile(local, []byte("tiff"), 0o644))

	up := NewS3(client, "survey")
	ok, err := up.Upload(context.Background(), "s2/scene.tif", local)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = up.Upload(context.Background(), "s2/scene.tif", local)
	require.NoError(t, err)
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	var keys []string
	for k := range stored {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"/survey/s2/scene.tif"}, keys)
}
