package persistence

import (
	"encoding/json"
	"errors"

	"github.com/FelipeGarciaCosta/Paper-Trader-Bot-with-Alpaca/internal/models"
	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the SnapshotRepository.
type badgerRepository struct {
	db          *badger.DB
	snapshotKey []byte
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (SnapshotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:          db,
		snapshotKey: []byte("bot_snapshot"), // Single key, the snapshot is always written whole
	}, nil
}

// SaveSnapshot atomically saves the entire bot snapshot.
// It marshals the snapshot struct into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveSnapshot(snapshot *models.BotSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.snapshotKey, data)
	})
}

// LoadSnapshot loads the bot snapshot from storage.
// If the snapshot key is not found, it returns (nil, nil) to indicate no snapshot is present.
func (r *badgerRepository) LoadSnapshot() (*models.BotSnapshot, error) {
	var snapshot models.BotSnapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.snapshotKey)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snapshot)
		})
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // This is the expected "no snapshot found" case.
	}

	if err != nil {
		return nil, err
	}

	return &snapshot, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
