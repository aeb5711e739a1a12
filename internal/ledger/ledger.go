// Package ledger records which work items a stage has completed, so reruns
// skip finished items. The default backend treats the presence of an item's
// artifacts as completion; the SQLite and Firestore backends additionally
// remember outcomes by item identity and fall back to artifact presence for
// items they have never seen.
package ledger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Lllllllleong/surveyflow/internal/models"
)

// Backend names accepted by the ledger setting.
const (
	KindArtifacts = "artifacts"
	KindSQLite    = "sqlite"
	KindFirestore = "firestore"
)

// Key identifies one work item of one stage.
type Key struct {
	Pipeline string
	Stage    string
	Item     string
}

// ID is a flat identifier safe for use as a document id.
func (k Key) ID() string {
	r := strings.NewReplacer("/", "_", "\\", "_", ".", "_")
	return r.Replace(k.Pipeline + "__" + k.Stage + "__" + k.Item)
}

func (k Key) String() string { return k.Pipeline + "/" + k.Stage + "/" + k.Item }

// Entry is one recorded outcome.
type Entry struct {
	Key       Key
	Status    models.Status
	Artifacts []string
	Err       error
}

func (e Entry) record() models.Record {
	r := models.Record{
		Pipeline:  e.Key.Pipeline,
		Stage:     e.Key.Stage,
		Item:      e.Key.Item,
		Status:    e.Status,
		Artifacts: e.Artifacts,
		UpdatedAt: time.Now().UTC(),
	}
	if e.Err != nil {
		r.ErrorDetails = e.Err.Error()
	}
	return r
}

// Ledger is the idempotency store shared by all stages.
type Ledger interface {
	// Done reports whether key was completed and every listed artifact is
	// still present. An item with no recorded outcome is done when its
	// artifacts exist; a recorded failure is never done.
	Done(ctx context.Context, key Key, artifacts ...string) (bool, error)
	Record(ctx context.Context, e Entry) error
	Close() error
}

// AllExist reports whether every path exists. An empty list is false.
func AllExist(paths ...string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Artifacts is the filesystem ledger: an item is done when its artifacts exist.
type Artifacts struct{}

func (Artifacts) Done(_ context.Context, _ Key, artifacts ...string) (bool, error) {
	return AllExist(artifacts...), nil
}

func (Artifacts) Record(context.Context, Entry) error { return nil }
func (Artifacts) Close() error                        { return nil }

// Options selects and configures a backend.
type Options struct {
	Kind       string
	Path       string
	GCPProject string
	Collection string
}

// Open returns the backend named by opts.Kind.
func Open(ctx context.Context, opts Options) (Ledger, error) {
	switch strings.ToLower(opts.Kind) {
	case "", KindArtifacts:
		return Artifacts{}, nil
	case KindSQLite:
		return OpenSQLite(ctx, opts.Path)
	case KindFirestore:
		return OpenFirestore(ctx, opts.GCPProject, opts.Collection)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", opts.Kind)
}
