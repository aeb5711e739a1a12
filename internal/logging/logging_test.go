package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesConsoleAndAppendsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer

	for i := 0; i < 2; i++ {
		log, closeFn, err := New(Options{Dir: dir, File: "text_pipeline.log", Console: &console, NoColor: true})
		require.NoError(t, err)
		log.With("item", "report.pdf").Info("Processed item.", "run", i)
		log.Debug("Hidden at info level.")
		require.NoError(t, closeFn())
	}

	data, err := os.ReadFile(filepath.Join(dir, "text_pipeline.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("Processed item.")), "file is opened in append mode")
	assert.Contains(t, string(data), "item=report.pdf")
	assert.NotContains(t, string(data), "Hidden at info level.")
	assert.Equal(t, 2, bytes.Count(console.Bytes(), []byte("Processed item.")))
}

func TestNewVerboseEnablesDebug(t *testing.T) {
	var console bytes.Buffer
	log, closeFn, err := New(Options{Console: &console, Verbose: true, NoColor: true})
	require.NoError(t, err)
	defer closeFn()

	log.Debug("Tool output line.")
	assert.Contains(t, console.String(), "Tool output line.")
}
