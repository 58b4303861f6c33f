// Package store is the raw durable key-value primitive the rest of the
// device persists through. It plays the part NVS plays on a microcontroller:
// named namespaces of opaque byte values that survive power loss.
package store

import "errors"

// ErrNotFound is returned when a requested key does not exist in a namespace.
var ErrNotFound = errors.New("not found")

// KV is one durable namespace.
type KV interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set durably stores value under key before returning.
	Set(key string, value []byte) error
	// DeleteAll erases every key in the namespace.
	DeleteAll() error

	// View runs fn in a read-only transaction. Values returned by Tx.Get are
	// only valid inside fn.
	View(fn func(tx Tx) error) error
	// Update runs fn in a read-write transaction. Either every Put/Delete
	// made by fn is committed or none is.
	Update(fn func(tx Tx) error) error
}

// Tx is a transaction scoped to one namespace.
type Tx interface {
	Get(key string) []byte
	Put(key string, value []byte) error
	Delete(key string) error
	// ForEach iterates over all keys in the namespace.
	ForEach(fn func(key string, value []byte) error) error
}
