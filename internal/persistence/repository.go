package persistence

import "github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"

// SnapshotRepository defines the interface for bot snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type SnapshotRepository interface {
	// SaveSnapshot atomically saves the latest bot runtime snapshot.
	SaveSnapshot(snapshot *models.BotSnapshot) error

	// LoadSnapshot loads the last saved snapshot from storage.
	// If no snapshot is found, it should return (nil, nil).
	LoadSnapshot() (*models.BotSnapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
