package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const keyDeviceID = "device_id"

// DeviceID returns the identifier persisted in kv, generating and storing a
// new random one on first use.
func DeviceID(kv KV) (string, error) {
	var id string
	err := kv.Update(func(tx Tx) error {
		if v := tx.Get(keyDeviceID); v != nil {
			if _, err := uuid.ParseBytes(v); err == nil {
				id = string(v)
				return nil
			}
		}
		id = uuid.NewString()
		return tx.Put(keyDeviceID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	return id, nil
}

// IsNotFound reports whether err means a key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
