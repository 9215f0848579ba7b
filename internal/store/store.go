// Package store persists the last successful pairing so a restarted daemon
// can offer re-pairing without re-entering credentials. The connection core
// itself keeps no on-disk state; this sits beside it at the daemon level.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"blelink/internal/device"
)

// ErrNotFound is returned when no pairing has been saved.
var ErrNotFound = errors.New("not found")

var (
	bucketPairing  = []byte("pairing")
	keyLastPairing = []byte("last")
)

// Pairing is a remembered peripheral/credential pair.
type Pairing struct {
	Peripheral  device.Peripheral      `json:"peripheral"`
	Credentials device.WifiCredentials `json:"credentials"`
	SavedAt     time.Time              `json:"saved_at"`
}

// Store is the bolt-backed pairing store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPairing)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLastPairing remembers the peripheral and credentials of a successful
// provisioning exchange.
func (s *Store) SaveLastPairing(p device.Peripheral, creds device.WifiCredentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairing)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairing)
		}
		data, err := json.Marshal(Pairing{Peripheral: p, Credentials: creds, SavedAt: time.Now()})
		if err != nil {
			return err
		}
		return b.Put(keyLastPairing, data)
	})
}

// LastPairing returns the remembered pairing, or ErrNotFound.
func (s *Store) LastPairing() (*Pairing, error) {
	var pairing Pairing
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairing)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairing)
		}
		data := b.Get(keyLastPairing)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &pairing)
	})
	if err != nil {
		return nil, err
	}
	return &pairing, nil
}

// Clear forgets the remembered pairing.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPairing)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPairing)
		}
		return b.Delete(keyLastPairing)
	})
}
