package store

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a bbolt database holding one bucket per namespace.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Namespace returns the namespace called name, creating its bucket if needed.
func (s *BoltStore) Namespace(name string) (*Namespace, error) {
	bucket := []byte(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	return &Namespace{db: s.db, bucket: bucket}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Namespace implements KV on top of a single bbolt bucket.
type Namespace struct {
	db     *bolt.DB
	bucket []byte
}

var _ KV = (*Namespace)(nil)

func (n *Namespace) Get(key string) ([]byte, error) {
	var out []byte
	err := n.View(func(tx Tx) error {
		v := tx.Get(key)
		if v == nil {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Namespace) Set(key string, value []byte) error {
	return n.Update(func(tx Tx) error {
		return tx.Put(key, value)
	})
}

// DeleteAll drops and recreates the bucket in a single transaction.
func (n *Namespace) DeleteAll() error {
	return n.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(n.bucket); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(n.bucket)
		return err
	})
}

func (n *Namespace) View(fn func(tx Tx) error) error {
	return n.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", n.bucket)
		}
		return fn(boltTx{b: b})
	})
}

func (n *Namespace) Update(fn func(tx Tx) error) error {
	return n.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(n.bucket)
		if b == nil {
			return fmt.Errorf("bucket %q not found", n.bucket)
		}
		return fn(boltTx{b: b})
	})
}

type boltTx struct {
	b *bolt.Bucket
}

func (t boltTx) Get(key string) []byte {
	return t.b.Get([]byte(key))
}

func (t boltTx) Put(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t boltTx) Delete(key string) error {
	return t.b.Delete([]byte(key))
}

func (t boltTx) ForEach(fn func(key string, value []byte) error) error {
	return t.b.ForEach(func(k, v []byte) error {
		return fn(string(k), v)
	})
}
