package events

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// NewFirestoreClient opens a Firestore client for the given project.
func NewFirestoreClient(ctx context.Context, projectID, credJSON string) (*firestore.Client, error) {
	var opts []option.ClientOption
	if credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %v", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firestore client: %w", err)
	}
	return client, nil
}

// FirestoreMirror keeps one document per query with its latest status so
// clients can subscribe to it.
//
// Path: /{collection}/{queryId}
type FirestoreMirror struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreMirror creates a mirror writing to collection.
func NewFirestoreMirror(client *firestore.Client, collection string) *FirestoreMirror {
	return &FirestoreMirror{client: client, collection: collection}
}

func (m *FirestoreMirror) Publish(ctx context.Context, e Event) error {
	doc := m.client.Collection(m.collection).Doc(e.QueryID)
	if _, err := doc.Set(ctx, statusDocument(e), firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to mirror query %s to firestore: %w", e.QueryID, err)
	}
	return nil
}

// statusDocument is the merge written for e. Reason and dataset_id are always
// present so a retried query clears what an earlier rejection left behind.
func statusDocument(e Event) map[string]any {
	return map[string]any{
		"type":        e.Type,
		"project_id":  e.ProjectID,
		"query_type":  e.QueryType,
		"status":      e.Status,
		"reason":      e.Reason,
		"progress":    e.Progress,
		"dataset_id":  e.DatasetID,
		"occurred_at": e.OccurredAt,
		"updated_at":  firestore.ServerTimestamp,
	}
}
