// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package configstore

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
)

// MemStore is an in-memory Store. It backs the daemon's standalone
// mode and the test suites. Notifications ride on a SimpleHub with one
// topic per key, which preserves per-subscriber ordering.
type MemStore struct {
	hub *pubsub.SimpleHub

	mu       sync.Mutex
	revision int64
	data     map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		hub:  pubsub.NewSimpleHub(nil),
		data: make(map[string][]byte),
	}
}

type memSnapshot struct {
	revision int64
	data     map[string][]byte
}

// Search is part of the Snapshot interface.
func (s memSnapshot) Search(key string) ([]byte, bool) {
	value, ok := s.data[key]
	return value, ok
}

// Revision is part of the Snapshot interface.
func (s memSnapshot) Revision() int64 {
	return s.revision
}

// Latest is part of the Store interface.
func (m *MemStore) Latest() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *MemStore) snapshotLocked() memSnapshot {
	data := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return memSnapshot{revision: m.revision, data: data}
}

type memTxn struct {
	snapshot memSnapshot
	writes   []Change
}

// Snapshot is part of the Txn interface.
func (t *memTxn) Snapshot() Snapshot {
	return t.snapshot
}

// Set is part of the Txn interface.
func (t *memTxn) Set(key string, value []byte) {
	t.writes = append(t.writes, Change{Key: key, Value: value})
}

// RunTxn is part of the Store interface. The store lock is held for
// the duration of the body, so transactions here cannot conflict; a
// body error still surfaces as ErrTxnAborted to honour the contract
// of a real replicated store.
func (m *MemStore) RunTxn(body func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memTxn{snapshot: m.snapshotLocked()}
	if err := body(txn); err != nil {
		return errors.Annotatef(ErrTxnAborted, "%v", err)
	}
	if len(txn.writes) == 0 {
		return nil
	}
	m.revision++
	for _, w := range txn.writes {
		m.data[w.Key] = w.Value
		m.hub.Publish(w.Key, Change{
			Key:      w.Key,
			Value:    w.Value,
			Revision: m.revision,
		})
	}
	return nil
}

// Subscribe is part of the Store interface.
func (m *MemStore) Subscribe(key string, handler func(Change)) func() {
	return m.hub.Subscribe(key, func(_ string, data interface{}) {
		change, ok := data.(Change)
		if !ok {
			return
		}
		handler(change)
	})
}
