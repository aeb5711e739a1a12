package models

import (
	"errors"
	"fmt"
	"time"
)

// These structs describe the batch summary every stage produces. The same
// JSON is used as the argument of the optional workflow execution.

// ItemOutcome is the result of processing one work item.
type ItemOutcome struct {
	Item      string   `json:"item"`
	Status    Status   `json:"status"`
	Artifacts []string `json:"artifacts,omitempty"`
	Error     string   `json:"error,omitempty"`

	err error
}

// Err returns the underlying item error, if any.
func (o ItemOutcome) Err() error { return o.err }

// BatchReport summarises one run of a stage.
type BatchReport struct {
	Pipeline   string         `json:"pipeline"`
	Stage      string         `json:"stage"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Counts     map[Status]int `json:"counts"`
	Items      []ItemOutcome  `json:"items"`
	// Fetches counts network requests issued by acquisition stages.
	Fetches int64 `json:"fetches,omitempty"`
}

// NewBatchReport starts a report for pipeline/stage.
func NewBatchReport(pipeline, stage string) *BatchReport {
	return &BatchReport{
		Pipeline:  pipeline,
		Stage:     stage,
		StartedAt: time.Now().UTC(),
		Counts:    map[Status]int{},
	}
}

// Add records one outcome. err is kept for Err and its text is serialised.
func (r *BatchReport) Add(item string, status Status, err error, artifacts ...string) {
	o := ItemOutcome{Item: item, Status: status, Artifacts: artifacts, err: err}
	if err != nil {
		o.Error = err.Error()
	}
	r.Items = append(r.Items, o)
	r.Counts[status]++
}

// Count returns how many items ended with status.
func (r *BatchReport) Count(status Status) int { return r.Counts[status] }

// Finish stamps the end time.
func (r *BatchReport) Finish() { r.FinishedAt = time.Now().UTC() }

// Duration is the wall time of the batch, or zero before Finish.
func (r *BatchReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Err joins every item error. It is informational and never changes the
// process exit status.
func (r *BatchReport) Err() error {
	var errs []error
	for _, o := range r.Items {
		if o.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Item, o.err))
		}
	}
	return errors.Join(errs...)
}
