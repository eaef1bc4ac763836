// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package settings

import (
	"bytes"
	"reflect"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/meridian-db/meridian/cluster"
	"github.com/meridian-db/meridian/configstore"
	"github.com/meridian-db/meridian/pubsub/controlplane"
)

var logger = loggo.GetLogger("meridian.settings")

// ErrStopped is returned from Update when the manager has been killed.
const ErrStopped = errors.ConstError("settings manager stopped")

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	Store configstore.Store
	Hub   *pubsub.StructuredHub
}

// Validate returns an error if the config cannot drive a Manager.
func (config ManagerConfig) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Manager serves reads of the settings document from a node-local
// cache and serializes every mutation and refresh through one loop.
// Get never touches the store; only construction blocks on the
// initial population.
type Manager struct {
	catacomb catacomb.Catacomb
	config   ManagerConfig

	// mu guards cache. The loop is the only writer.
	mu    sync.RWMutex
	cache map[string]interface{}

	// Loop-owned state for the byte-identity short-circuit.
	lastRaw    []byte
	lastCompat int

	refreshC chan struct{}
	compatC  chan struct{}
	updates  chan updateRequest
}

type updateRequest struct {
	props map[string]interface{}
	reply chan updateResult
}

type updateResult struct {
	cache map[string]interface{}
	err   error
}

// NewManager returns a running settings manager. The cache is fully
// populated before it returns.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		config:   config,
		cache:    make(map[string]interface{}),
		refreshC: make(chan struct{}, 1),
		compatC:  make(chan struct{}, 1),
		updates:  make(chan updateRequest),
	}
	m.refresh(true)
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

func (m *Manager) loop() error {
	unsubDoc := m.config.Store.Subscribe(DocumentKey, func(configstore.Change) {
		poke(m.refreshC)
	})
	defer unsubDoc()
	unsubCompat := m.config.Store.Subscribe(cluster.CompatVersionKey, func(configstore.Change) {
		poke(m.compatC)
	})
	defer unsubCompat()

	// The document may have changed between the initial population
	// and the subscriptions taking effect.
	m.refresh(false)

	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case <-m.refreshC:
			m.refresh(false)
		case <-m.compatC:
			// The set of known projections depends on the compat
			// version, so a compat change recomputes everything even
			// when the raw document is unchanged.
			m.refresh(true)
		case req := <-m.updates:
			req.reply <- m.applyUpdate(req.props)
		}
	}
}

// poke coalesces triggers: any number of notifications while the loop
// is busy collapse into one pending refresh.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// refresh recomputes cached values from the latest snapshot, emitting
// a change event for each key whose decoded value differs from the
// cache. Identical raw bytes short-circuit unless force is set.
func (m *Manager) refresh(force bool) {
	snap := m.config.Store.Latest()
	raw, _ := snap.Search(DocumentKey)
	compat := cluster.CompatVersion(snap)
	if !force && compat == m.lastCompat && bytes.Equal(raw, m.lastRaw) {
		return
	}
	m.lastRaw = raw
	m.lastCompat = compat
	if compat < cluster.CompatVersion40 {
		// Feature not active yet; keep whatever we had.
		return
	}

	doc, err := DecodeDocument(raw)
	if err != nil {
		// An undecodable document in the store is a cluster-level
		// problem; report it loudly but keep serving the last good
		// cache.
		logger.Errorf("malformed settings document at revision %d: %v", snap.Revision(), err)
		return
	}

	var changed []controlplane.SettingsMessage
	m.mu.Lock()
	for _, p := range knownSettings(compat) {
		value, ok := p.Decode(doc)
		if !ok {
			continue
		}
		old, exists := m.cache[p.Name()]
		if exists && reflect.DeepEqual(old, value) {
			continue
		}
		m.cache[p.Name()] = value
		changed = append(changed, controlplane.SettingsMessage{
			Key:   p.Name(),
			Value: value,
		})
	}
	m.mu.Unlock()

	for _, msg := range changed {
		logger.Debugf("settings %q changed", msg.Key)
		if _, err := m.config.Hub.Publish(controlplane.SettingsChanged, msg); err != nil {
			logger.Errorf("publishing settings change for %q: %v", msg.Key, err)
		}
	}
}

// Get returns the cached value for the named setting, or def when the
// cache has no entry. It never performs store I/O.
func (m *Manager) Get(name string, def interface{}) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if value, ok := m.cache[name]; ok {
		return value
	}
	return def
}

// GetAsOf returns the setting as of the given snapshot. For the
// latest snapshot this is a cache read; for any other it decodes the
// document out of the snapshot itself, supporting reads against
// historical or not-yet-applied configuration.
func (m *Manager) GetAsOf(snap configstore.Snapshot, name string, def interface{}) interface{} {
	if snap.Revision() == m.config.Store.Latest().Revision() {
		return m.Get(name, def)
	}
	compat := cluster.CompatVersion(snap)
	p, err := findProjection(name, compat)
	if err != nil {
		return def
	}
	raw, _ := snap.Search(DocumentKey)
	doc, err := DecodeDocument(raw)
	if err != nil {
		logger.Errorf("malformed settings document at revision %d: %v", snap.Revision(), err)
		return def
	}
	if value, ok := p.Decode(doc); ok {
		return value
	}
	return def
}

// Update transactionally applies the given logical values to the
// stored document and returns the full refreshed cache contents, or
// the transaction failure. Updates are serialized through the
// manager's loop; there is no automatic retry on conflict.
func (m *Manager) Update(props map[string]interface{}) (map[string]interface{}, error) {
	req := updateRequest{props: props, reply: make(chan updateResult, 1)}
	select {
	case m.updates <- req:
	case <-m.catacomb.Dying():
		return nil, ErrStopped
	}
	select {
	case res := <-req.reply:
		return res.cache, errors.Trace(res.err)
	case <-m.catacomb.Dying():
		return nil, ErrStopped
	}
}

func (m *Manager) applyUpdate(props map[string]interface{}) updateResult {
	if err := m.config.Store.RunTxn(m.BuildUpdateTransaction(props)); err != nil {
		return updateResult{err: errors.Trace(err)}
	}
	// Make the new values visible to this caller synchronously rather
	// than waiting for the change notification to arrive.
	m.refresh(false)

	m.mu.RLock()
	defer m.mu.RUnlock()
	cache := make(map[string]interface{}, len(m.cache))
	for k, v := range m.cache {
		cache[k] = v
	}
	return updateResult{cache: cache}
}

// BuildUpdateTransaction returns a transaction step applying props to
// the settings document, for embedding in a larger transaction. The
// step stages the write; committing is the caller's responsibility.
func (m *Manager) BuildUpdateTransaction(props map[string]interface{}) func(configstore.Txn) error {
	return func(txn configstore.Txn) error {
		snap := txn.Snapshot()
		raw, _ := snap.Search(DocumentKey)
		doc, err := DecodeDocument(raw)
		if err != nil {
			return errors.Trace(err)
		}
		compat := cluster.CompatVersion(snap)
		for name, value := range props {
			p, err := findProjection(name, compat)
			if err != nil {
				return errors.Trace(err)
			}
			if err := p.Encode(value, doc); err != nil {
				return errors.Annotatef(err, "encoding %q", name)
			}
		}
		encoded, err := doc.Encode()
		if err != nil {
			return errors.Trace(err)
		}
		txn.Set(DocumentKey, encoded)
		return nil
	}
}
