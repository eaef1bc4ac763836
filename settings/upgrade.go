// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package settings

import (
	"github.com/juju/errors"

	"github.com/meridian-db/meridian/cluster"
	"github.com/meridian-db/meridian/configstore"
)

// Op is one staged config-store write produced by an upgrade step.
// Steps are pure: they never touch the store themselves, the caller
// applies the ops inside its own transaction alongside the compat
// version bump.
type Op struct {
	Key   string
	Value []byte
}

// Apply stages the ops on a transaction.
func Apply(txn configstore.Txn, ops []Op) {
	for _, op := range ops {
		txn.Set(op.Key, op.Value)
	}
}

// Version 40 defaults.
var (
	DefaultMemoryQuota = 512 // megabytes

	DefaultGeneralSettings = GeneralSettings{
		IndexerThreads:         4,
		MemorySnapshotInterval: 200,
		StableSnapshotInterval: 5000,
		MaxRollbackPoints:      5,
		LogLevel:               "info",
	}

	DefaultCompactionSettings = CompactionSettings{
		Fragmentation: 30,
		Interval:      Interval{},
	}
)

// AllDaysOfWeek is the circular compaction schedule given to fresh
// installs: compact whenever the window allows.
const AllDaysOfWeek = "Sunday,Monday,Tuesday,Wednesday,Thursday,Friday,Saturday"

// UpgradeToVersion40 produces the ops introducing the settings
// document with version-40 defaults. If the document already exists
// the step is a no-op, so re-running an interrupted upgrade is safe.
func UpgradeToVersion40(snap configstore.Snapshot) ([]Op, error) {
	if _, ok := snap.Search(DocumentKey); ok {
		return nil, nil
	}
	doc := make(Document)
	defaults := []struct {
		projection Projection
		value      interface{}
	}{
		{scaledProjection{name: MemoryQuota, rawKey: rawMemoryQuota, factor: 1 << 20}, DefaultMemoryQuota},
		{generalProjection{}, DefaultGeneralSettings},
		{compactionProjection{}, DefaultCompactionSettings},
	}
	for _, d := range defaults {
		if err := d.projection.Encode(d.value, doc); err != nil {
			return nil, errors.Trace(err)
		}
	}
	encoded, err := doc.Encode()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return []Op{{Key: DocumentKey, Value: encoded}}, nil
}

// UpgradeToVersion45 produces the ops extending an existing document
// with the version-45 settings: storage mode, compaction mode and the
// circular compaction schedule. Defaults differ between a fresh
// install and an in-place upgrade: a cluster that already has
// index-service nodes keeps full compaction and its configured
// compaction interval, with no circular schedule until an
// administrator opts in; a fresh cluster gets circular compaction on
// every day of the week.
func UpgradeToVersion45(snap configstore.Snapshot) ([]Op, error) {
	raw, _ := snap.Search(DocumentKey)
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, ok := doc.stringValue(rawStorageMode); ok {
		return nil, nil
	}

	indexNodes, err := cluster.NodesWithService(snap, "index")
	if err != nil {
		return nil, errors.Trace(err)
	}
	upgrade := indexNodes.Size() > 0

	doc[rawStorageMode] = ""
	if upgrade {
		doc[rawCompactionMode] = "full"
		doc[rawCompactionDays] = ""
	} else {
		doc[rawCompactionMode] = "circular"
		doc[rawCompactionDays] = AllDaysOfWeek
	}
	doc[rawCompactionAbort] = false
	// The compaction interval is deliberately left alone: an upgraded
	// cluster keeps whatever window it had configured before.

	encoded, err := doc.Encode()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return []Op{{Key: DocumentKey, Value: encoded}}, nil
}
