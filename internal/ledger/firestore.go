package ledger

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/surveyflow/internal/gcp"
	"github.com/Lllllllleong/surveyflow/internal/models"
)

// Firestore keeps one document per work item.
type Firestore struct {
	client     *firestore.Client
	collection string
}

// OpenFirestore connects to the project's Firestore database.
func OpenFirestore(ctx context.Context, projectID, collection string) (*Firestore, error) {
	client, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &Firestore{client: client, collection: collection}, nil
}

func (f *Firestore) doc(key Key) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(key.ID())
}

func (f *Firestore) Done(ctx context.Context, key Key, artifacts ...string) (bool, error) {
	snap, err := f.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return AllExist(artifacts...), nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read ledger document for %s: %w", key, err)
	}
	var r models.Record
	if err := snap.DataTo(&r); err != nil {
		return false, fmt.Errorf("failed to decode ledger document for %s: %w", key, err)
	}
	if !r.Status.Complete() {
		return false, nil
	}
	return AllExist(artifacts...), nil
}

func (f *Firestore) Record(ctx context.Context, e Entry) error {
	if _, err := f.doc(e.Key).Set(ctx, e.record()); err != nil {
		return fmt.Errorf("failed to write ledger document for %s: %w", e.Key, err)
	}
	return nil
}

func (f *Firestore) Close() error { return f.client.Close() }
