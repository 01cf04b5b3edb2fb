// Package settings exposes runtime-tunable operational values backed by
// the settings table. Handlers read through an in-memory snapshot, so a
// hot path never touches the database for a limit or a feature flag.
package settings

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// snapshot is one immutable view of the settings table. Readers always
// see a complete snapshot; updates swap the whole value.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

var current atomic.Value // stores snapshot

func init() {
	current.Store(snapshot{values: map[string]json.RawMessage{}})
}

// StoreSnapshot replaces the in-memory view of the settings table. The
// raw values are copied, so callers may reuse their buffers.
func StoreSnapshot(updatedAt time.Time, values map[string]json.RawMessage) {
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if v == nil {
			next[key] = nil
			continue
		}
		copied := make([]byte, len(v))
		copy(copied, v)
		next[key] = copied
	}

	current.Store(snapshot{
		updatedAt: updatedAt.UTC(),
		values:    next,
	})
}

// SnapshotUpdatedAt returns when the newest settings row was written.
func SnapshotUpdatedAt() time.Time {
	return loadSnapshot().updatedAt
}

// SnapshotValue returns a copy of the raw value for a settings key.
func SnapshotValue(key string) (json.RawMessage, bool) {
	snap := loadSnapshot()
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := snap.values[key]
	if !ok {
		return nil, false
	}
	if val == nil {
		return nil, true
	}
	copied := make([]byte, len(val))
	copy(copied, val)
	return copied, true
}

// loadSnapshot returns the current snapshot with safe defaults.
func loadSnapshot() snapshot {
	v := current.Load()
	snap, ok := v.(snapshot)
	if !ok {
		return snapshot{values: map[string]json.RawMessage{}}
	}
	if snap.values == nil {
		return snapshot{updatedAt: snap.updatedAt, values: map[string]json.RawMessage{}}
	}
	return snap
}
