package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/models"
)

func TestObserve(t *testing.T) {
	b := New()
	r := models.NewBatchReport("lidar", "preprocess")
	r.Add("a", models.StatusDone, nil)
	r.Add("b", models.StatusDone, nil)
	r.Add("c", models.StatusFailed, errors.New("boom"))
	r.Fetches = 2
	r.Finish()
	b.Observe(r)

	assert.Equal(t, 2.0, testutil.ToFloat64(b.Items.WithLabelValues("lidar", "preprocess", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Items.WithLabelValues("lidar", "preprocess", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(b.Items))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.Fetches.WithLabelValues("lidar")))
}

func TestPush(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New()
	b.Fetches.WithLabelValues("text").Add(3)
	require.NoError(t, b.Push(context.Background(), srv.URL, "text", "acquire"))
	assert.Equal(t, "/metrics/job/surveyflow/batch/text-acquire", path)
	assert.NotEmpty(t, body)
}

func TestPushFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	require.Error(t, New().Push(context.Background(), srv.URL, "text", "acquire"))
}
