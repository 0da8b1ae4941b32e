package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName = "policy"
	currentKey = "current"
)

// ErrNoPolicy is returned by Current when nothing has been stored yet
var ErrNoPolicy = errors.New("no policy stored")

// Store defines the interface for policy persistence
type Store interface {
	// Current returns the active policy
	Current() (Policy, error)

	// Save replaces the active policy
	Save(p Policy) error

	// Close closes the underlying database
	Close() error
}

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the policy database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Current returns the stored policy
func (b *BoltStore) Current() (Policy, error) {
	var p Policy
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketName)).Get([]byte(currentKey))
		if data == nil {
			return ErrNoPolicy
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshaling policy: %w", err)
		}
		return nil
	})
	if err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Save validates and stores p as the active policy
func (b *BoltStore) Save(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, p)
	})
}

// Seed stores p only if no policy has been stored yet. It reports whether p was stored.
func (b *BoltStore) Seed(p Policy) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	seeded := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(bucketName)).Get([]byte(currentKey)) != nil {
			return nil
		}
		seeded = true
		return put(tx, p)
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}

// Close closes the database connection
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func put(tx *bbolt.Tx, p Policy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}
	return tx.Bucket([]byte(bucketName)).Put([]byte(currentKey), data)
}
