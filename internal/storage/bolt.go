package storage

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var lotteryBucket = []byte("lottery")

// BoltStore keeps the documents in one bucket of a bbolt file.
type BoltStore struct {
	docStore
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lotteryBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	b := &BoltStore{db: db}
	b.docStore = docStore{d: b}
	return b, nil
}

// Close releases the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func (b *BoltStore) get(_ context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(lotteryBucket).Get([]byte(name)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

func (b *BoltStore) put(_ context.Context, name string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lotteryBucket).Put([]byte(name), data)
	})
}
