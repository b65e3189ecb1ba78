package kvstore

import (
	"errors"
	"fmt"
	"time"
)

// Persisted keys. The names are shared with deployed state files and
// must not change.
const (
	KeyUserID                = "userId"
	KeyLastConnectedDeviceID = "lastConnectedDeviceId"
	KeyLastConnectionTime    = "lastConnectionTime"
)

// KV is the storage contract the identity helpers need. *Store satisfies
// it; tests use an in-memory map.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Identity is the state that survives restarts.
type Identity struct {
	UserID                string
	LastConnectedDeviceID string
	LastConnectionTime    time.Time // zero when unknown
}

// LoadIdentity reads all persisted fields. A malformed timestamp is
// reported as an error alongside whatever else was read.
func LoadIdentity(kv KV) (Identity, error) {
	var id Identity
	var err error
	if id.UserID, err = kv.Get(KeyUserID); err != nil {
		return id, err
	}
	if id.LastConnectedDeviceID, err = kv.Get(KeyLastConnectedDeviceID); err != nil {
		return id, err
	}
	raw, err := kv.Get(KeyLastConnectionTime)
	if err != nil {
		return id, err
	}
	if raw != "" {
		t, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			return id, fmt.Errorf("kvstore: parse %s %q: %w", KeyLastConnectionTime, raw, perr)
		}
		id.LastConnectionTime = t
	}
	return id, nil
}

// RecordConnection persists the device id and connect time after every
// successful connect.
func RecordConnection(kv KV, deviceID string, at time.Time) error {
	return errors.Join(
		kv.Set(KeyLastConnectedDeviceID, deviceID),
		kv.Set(KeyLastConnectionTime, at.UTC().Format(time.RFC3339Nano)),
	)
}

// ClearConnection forgets the last device. Called on an explicit manual
// disconnect so the background task does not reconnect behind the
// operator's back.
func ClearConnection(kv KV) error {
	return errors.Join(
		kv.Delete(KeyLastConnectedDeviceID),
		kv.Delete(KeyLastConnectionTime),
	)
}

// SetUserID stores the operator-provided user id.
func SetUserID(kv KV, userID string) error {
	if userID == "" {
		return errors.New("kvstore: empty user id")
	}
	return kv.Set(KeyUserID, userID)
}
