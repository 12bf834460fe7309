package gcp

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
)

// FirestoreDatabase resolves the database a client should open. An empty
// id selects the project's default database.
func FirestoreDatabase(databaseID string) string {
	if databaseID == "" {
		return firestore.DefaultDatabaseID
	}
	return databaseID
}

// NewFirestoreClient opens a client on databaseID in projectID. Status
// records and checkpoints may live in separate databases of one project.
func NewFirestoreClient(ctx context.Context, projectID, databaseID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}
	database := FirestoreDatabase(databaseID)

	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client for database %q: %w", database, err)
	}
	slog.Debug("Firestore client created.", "projectID", projectID, "database", database)
	return client, nil
}
