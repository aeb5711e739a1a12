package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/models"
)

func TestArtifactsLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.las")
	b := filepath.Join(dir, "b.tif")

	l, err := Open(ctx, Options{})
	require.NoError(t, err)
	key := Key{Pipeline: "lidar", Stage: "acquire", Item: "a.laz"}

	done, err := l.Done(ctx, key, a, b)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, os.WriteFile(a, nil, 0o644))
	require.NoError(t, os.WriteFile(b, nil, 0o644))
	done, err = l.Done(ctx, key, a, b)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.Done(ctx, key)
	require.NoError(t, err)
	assert.False(t, done, "no artifacts means nothing to check")
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Kind: "redis"})
	require.Error(t, err)
}

func TestKeyID(t *testing.T) {
	k := Key{Pipeline: "text", Stage: "acquire", Item: "https://e.org/a/b.pdf"}
	assert.Equal(t, "text__acquire__https:__e_org_a_b_pdf", k.ID())
}

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := Open(ctx, Options{Kind: KindSQLite, Path: filepath.Join(dir, "state", "ledger.db")})
	require.NoError(t, err)
	defer l.Close()

	artifact := filepath.Join(dir, "tile_dtm.tif")
	key := Key{Pipeline: "lidar", Stage: "preprocess", Item: "tile"}

	done, err := l.Done(ctx, key, artifact)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, os.WriteFile(artifact, nil, 0o644))
	done, err = l.Done(ctx, key, artifact)
	require.NoError(t, err)
	assert.True(t, done, "unrecorded items with all artifacts present are done")
	done, err = l.Done(ctx, key)
	require.NoError(t, err)
	assert.False(t, done, "unrecorded items without artifacts are not done")

	require.NoError(t, l.Record(ctx, Entry{Key: key, Status: models.StatusFailed, Err: errors.New("pdal exited 1")}))
	done, err = l.Done(ctx, key, artifact)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.Record(ctx, Entry{Key: key, Status: models.StatusDegraded, Artifacts: []string{artifact}}))
	done, err = l.Done(ctx, key, artifact)
	require.NoError(t, err)
	assert.True(t, done)

	rec, err := l.(*SQLite).Lookup(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDegraded, rec.Status)
	assert.Equal(t, []string{artifact}, rec.Artifacts)
	assert.Empty(t, rec.ErrorDetails)

	require.NoError(t, os.Remove(artifact))
	done, err = l.Done(ctx, key, artifact)
	require.NoError(t, err)
	assert.False(t, done, "a deleted artifact reopens the item")
}
