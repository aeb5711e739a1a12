package models

import "time"

// Status is the outcome of one attempt at a work item.
type Status string

const (
	StatusDone     Status = "done"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Complete reports whether the status leaves usable artifacts behind.
func (s Status) Complete() bool {
	return s == StatusDone || s == StatusDegraded || s == StatusSkipped
}

// Record is the persisted ledger entry for one work item of one stage.
type Record struct {
	Pipeline     string    `firestore:"pipeline" json:"pipeline"`
	Stage        string    `firestore:"stage" json:"stage"`
	Item         string    `firestore:"item" json:"item"`
	Status       Status    `firestore:"status" json:"status"`
	Artifacts    []string  `firestore:"artifacts,omitempty" json:"artifacts,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt" json:"updatedAt"`
}
