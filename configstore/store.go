// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package configstore defines the boundary to the cluster's shared
// configuration store. The store itself is replicated elsewhere; this
// package only cares about the contract the node control plane
// consumes: latest-snapshot reads, transactional writes, and per-key
// change notification.
package configstore

import (
	"github.com/juju/errors"
)

// ErrTxnAborted is returned from RunTxn when the transaction lost a
// race with a concurrent writer, or when the transaction body asked
// for the transaction to be abandoned. Callers decide whether to
// retry; the store never retries on their behalf.
const ErrTxnAborted = errors.ConstError("config transaction aborted")

// Change describes a single key mutation applied by the store.
// Notifications are delivered asynchronously, at least once, in the
// order the store applied them.
type Change struct {
	Key      string
	Value    []byte
	Revision int64
}

// Snapshot is an immutable view of the configuration at a revision.
type Snapshot interface {
	// Search returns the value stored under key, or false if the key
	// is absent from this snapshot.
	Search(key string) ([]byte, bool)

	// Revision identifies this snapshot. Revisions increase
	// monotonically as the store applies transactions.
	Revision() int64
}

// Txn is the handle given to a transaction body. All Set calls are
// applied atomically when the body returns nil.
type Txn interface {
	// Snapshot returns the view the transaction runs against.
	Snapshot() Snapshot

	// Set stages a write of value under key.
	Set(key string, value []byte)
}

// Store is the consumed interface of the shared configuration store.
type Store interface {
	// Latest returns the most recent snapshot known to this node.
	Latest() Snapshot

	// RunTxn runs body against a fresh snapshot and atomically applies
	// its staged writes. A non-nil error from body abandons the
	// transaction and is returned wrapped in ErrTxnAborted.
	RunTxn(body func(Txn) error) error

	// Subscribe registers handler for changes to key. The returned
	// function unsubscribes. Handlers run asynchronously and must not
	// block for long; slow consumers should hand off to their own
	// loop.
	Subscribe(key string, handler func(Change)) func()
}
