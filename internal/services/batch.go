package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Lllllllleong/surveyflow/internal/ledger"
	"github.com/Lllllllleong/surveyflow/internal/logging"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/publish"
	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

// Pipeline and stage names used in ledger keys, reports and metrics.
const (
	PipelineLidar    = "lidar"
	PipelineSentinel = "sentinel2"
	PipelineText     = "text"

	StageAcquire    = "acquire"
	StagePreprocess = "preprocess"
)

// Deps are the collaborators every stage service is built from.
type Deps struct {
	Logger    *slog.Logger
	Ledger    ledger.Ledger
	Publisher publish.Publisher
	Runner    toolrun.Runner
	// HTTPClient overrides the transport used by acquisition stages.
	HTTPClient *http.Client
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.Artifacts{}
	}
	if d.Publisher == nil {
		d.Publisher = publish.Noop{}
	}
	if d.Runner == nil {
		d.Runner = toolrun.NewExec(d.Logger)
	}
	return d
}

// batch tracks one run of a stage: ledger lookups, outcomes and publishing.
type batch struct {
	deps   Deps
	report *models.BatchReport
}

func newBatch(deps Deps, pipeline, stage string) *batch {
	return &batch{deps: deps, report: models.NewBatchReport(pipeline, stage)}
}

func (b *batch) key(item string) ledger.Key {
	return ledger.Key{Pipeline: b.report.Pipeline, Stage: b.report.Stage, Item: item}
}

// done asks the ledger whether item already finished. Lookup errors are
// logged and treated as not done so the item is attempted again.
func (b *batch) done(ctx context.Context, logCtx *slog.Logger, item string, artifacts ...string) bool {
	ok, err := b.deps.Ledger.Done(ctx, b.key(item), artifacts...)
	if err != nil {
		logCtx.Warn("Ledger lookup failed. Processing item.", "error", err)
		return false
	}
	return ok
}

func (b *batch) skip(item string, artifacts ...string) {
	b.report.Add(item, models.StatusSkipped, nil, artifacts...)
}

// complete records a finished item and mirrors its regular-file artifacts.
// A degraded item carries the error that degraded it.
func (b *batch) complete(ctx context.Context, logCtx *slog.Logger, item string, status models.Status, cause error, artifacts ...string) {
	b.record(ctx, logCtx, ledger.Entry{Key: b.key(item), Status: status, Artifacts: artifacts, Err: cause})
	if n, err := b.deps.Publisher.Publish(ctx, regularFiles(artifacts)...); err != nil {
		logCtx.Warn("Failed to publish artifacts.", "error", err)
	} else if n > 0 {
		logCtx.Debug("Published artifacts.", "count", n)
	}
	b.report.Add(item, status, cause, artifacts...)
}

// handleItemError logs a per-item failure, records it in the ledger and
// adds it to the report. The batch carries on with the next item.
func (b *batch) handleItemError(ctx context.Context, logCtx *slog.Logger, item, message string, originalErr error) {
	err := fmt.Errorf("%s: %w", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	b.record(ctx, logCtx, ledger.Entry{Key: b.key(item), Status: models.StatusFailed, Err: err})
	b.report.Add(item, models.StatusFailed, err)
}

func regularFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			out = append(out, p)
		}
	}
	return out
}

func (b *batch) record(ctx context.Context, logCtx *slog.Logger, e ledger.Entry) {
	if err := b.deps.Ledger.Record(ctx, e); err != nil {
		logCtx.Error("Failed to record ledger entry.", "status", e.Status, "error", err)
	}
}

// finish stamps the report and logs the batch summary.
func (b *batch) finish(logger *slog.Logger) *models.BatchReport {
	r := b.report
	r.Finish()
	logger.Info("Batch finished.",
		"done", r.Count(models.StatusDone),
		"degraded", r.Count(models.StatusDegraded),
		"skipped", r.Count(models.StatusSkipped),
		"failed", r.Count(models.StatusFailed),
		"duration", r.Duration().Round(time.Millisecond),
	)
	if n := r.Count(models.StatusFailed); n > 0 {
		logger.Warn("Some items failed.", "failed", n)
	}
	return r
}
