// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package settings

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/meridian-db/meridian/cluster"
)

// Raw document keys. The dotted names are the wire convention shared
// with the indexer service and must not change.
const (
	rawMemoryQuota        = "indexer.settings.memory_quota"
	rawMaxCPUPercent      = "indexer.settings.max_cpu_percent"
	rawMemSnapInterval    = "indexer.settings.inmemory_snapshot.interval"
	rawStableSnapInterval = "indexer.settings.persisted_snapshot.interval"
	rawMaxRollbackPoints  = "indexer.settings.recovery.max_rollbacks"
	rawLogLevel           = "indexer.settings.log_level"
	rawCompactionMinFrag  = "indexer.settings.compaction.min_frag"
	rawCompactionInterval = "indexer.settings.compaction.interval"
	rawCompactionAbort    = "indexer.settings.compaction.abort_exceed_interval"
	rawCompactionDays     = "indexer.settings.compaction.days_of_week"
	rawCompactionMode     = "indexer.settings.compaction.compaction_mode"
	rawStorageMode        = "indexer.settings.storage_mode"
)

// Logical setting names.
const (
	MemoryQuota           = "memoryQuota"
	GeneralSettingsKey    = "generalSettings"
	Compaction            = "compaction"
	StorageMode           = "storageMode"
	CompactionMode        = "compactionMode"
	CircularCompactionKey = "circularCompaction"
)

// A Projection is a pure bidirectional mapping between one logical
// setting and its raw representation in the document. Decode reports
// false when the document does not carry the setting.
type Projection interface {
	Name() string
	Decode(doc Document) (interface{}, bool)
	Encode(value interface{}, doc Document) error
}

// knownSettings returns, in order, the projections active at the given
// cluster compatibility version.
func knownSettings(compat int) []Projection {
	if compat < cluster.CompatVersion40 {
		return nil
	}
	projections := []Projection{
		scaledProjection{name: MemoryQuota, rawKey: rawMemoryQuota, factor: 1 << 20},
		generalProjection{},
		compactionProjection{},
	}
	if compat >= cluster.CompatVersion45 {
		projections = append(projections,
			stringProjection{name: StorageMode, rawKey: rawStorageMode},
			stringProjection{name: CompactionMode, rawKey: rawCompactionMode},
			circularProjection{},
		)
	}
	return projections
}

// findProjection looks a projection up by logical name.
func findProjection(name string, compat int) (Projection, error) {
	for _, p := range knownSettings(compat) {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, errors.NotFoundf("setting %q at compat version %d", name, compat)
}

// scaledProjection maps an integer semantic value to a raw value a
// fixed integer factor larger. Scaling is exact in both directions
// within the documented ranges.
type scaledProjection struct {
	name   string
	rawKey string
	factor int64
}

func (p scaledProjection) Name() string { return p.name }

func (p scaledProjection) Decode(doc Document) (interface{}, bool) {
	raw, ok := doc.intValue(p.rawKey)
	if !ok {
		return nil, false
	}
	return int(raw / p.factor), true
}

func (p scaledProjection) Encode(value interface{}, doc Document) error {
	n, err := asInt(p.name, value)
	if err != nil {
		return errors.Trace(err)
	}
	doc[p.rawKey] = int64(n) * p.factor
	return nil
}

// stringProjection maps a string setting straight through.
type stringProjection struct {
	name   string
	rawKey string
}

func (p stringProjection) Name() string { return p.name }

func (p stringProjection) Decode(doc Document) (interface{}, bool) {
	s, ok := doc.stringValue(p.rawKey)
	if !ok {
		return nil, false
	}
	return s, true
}

func (p stringProjection) Encode(value interface{}, doc Document) error {
	s, ok := value.(string)
	if !ok {
		return errors.NotValidf("%s value %#v", p.name, value)
	}
	doc[p.rawKey] = s
	return nil
}

// GeneralSettings are the indexer's tuning knobs with no structure of
// their own.
type GeneralSettings struct {
	// IndexerThreads is stored as a percentage of one core, so three
	// threads round-trip through a raw value of 300.
	IndexerThreads         int
	MemorySnapshotInterval int
	StableSnapshotInterval int
	MaxRollbackPoints      int
	LogLevel               string
}

type generalProjection struct{}

func (generalProjection) Name() string { return GeneralSettingsKey }

func (generalProjection) Decode(doc Document) (interface{}, bool) {
	cpu, ok := doc.intValue(rawMaxCPUPercent)
	if !ok {
		return nil, false
	}
	memSnap, ok := doc.intValue(rawMemSnapInterval)
	if !ok {
		return nil, false
	}
	stableSnap, ok := doc.intValue(rawStableSnapInterval)
	if !ok {
		return nil, false
	}
	rollback, ok := doc.intValue(rawMaxRollbackPoints)
	if !ok {
		return nil, false
	}
	logLevel, ok := doc.stringValue(rawLogLevel)
	if !ok {
		return nil, false
	}
	return GeneralSettings{
		IndexerThreads:         int(cpu / 100),
		MemorySnapshotInterval: int(memSnap),
		StableSnapshotInterval: int(stableSnap),
		MaxRollbackPoints:      int(rollback),
		LogLevel:               logLevel,
	}, true
}

func (generalProjection) Encode(value interface{}, doc Document) error {
	gs, ok := value.(GeneralSettings)
	if !ok {
		return errors.NotValidf("generalSettings value %#v", value)
	}
	doc[rawMaxCPUPercent] = int64(gs.IndexerThreads) * 100
	doc[rawMemSnapInterval] = int64(gs.MemorySnapshotInterval)
	doc[rawStableSnapInterval] = int64(gs.StableSnapshotInterval)
	doc[rawMaxRollbackPoints] = int64(gs.MaxRollbackPoints)
	doc[rawLogLevel] = gs.LogLevel
	return nil
}

// Interval is a daily time window, stored raw as "HH:MM,HH:MM".
type Interval struct {
	FromHour   int
	FromMinute int
	ToHour     int
	ToMinute   int
}

// DefaultInterval is substituted when the stored interval is empty.
var DefaultInterval = Interval{}

func parseInterval(s string) (Interval, error) {
	if s == "" {
		return DefaultInterval, nil
	}
	var iv Interval
	n, err := fmt.Sscanf(s, "%d:%d,%d:%d", &iv.FromHour, &iv.FromMinute, &iv.ToHour, &iv.ToMinute)
	if err != nil || n != 4 {
		return Interval{}, errors.NotValidf("compaction interval %q", s)
	}
	return iv, nil
}

func (iv Interval) format() string {
	return fmt.Sprintf("%02d:%02d,%02d:%02d", iv.FromHour, iv.FromMinute, iv.ToHour, iv.ToMinute)
}

// CompactionSettings drive the indexer's fragmentation-based
// compaction.
type CompactionSettings struct {
	// Fragmentation is the percentage at which compaction kicks in.
	Fragmentation int
	Interval      Interval
}

type compactionProjection struct{}

func (compactionProjection) Name() string { return Compaction }

func (compactionProjection) Decode(doc Document) (interface{}, bool) {
	frag, ok := doc.intValue(rawCompactionMinFrag)
	if !ok {
		return nil, false
	}
	raw, ok := doc.stringValue(rawCompactionInterval)
	if !ok {
		return nil, false
	}
	interval, err := parseInterval(raw)
	if err != nil {
		return nil, false
	}
	return CompactionSettings{
		Fragmentation: int(frag),
		Interval:      interval,
	}, true
}

func (compactionProjection) Encode(value interface{}, doc Document) error {
	cs, ok := value.(CompactionSettings)
	if !ok {
		return errors.NotValidf("compaction value %#v", value)
	}
	doc[rawCompactionMinFrag] = int64(cs.Fragmentation)
	doc[rawCompactionInterval] = cs.Interval.format()
	return nil
}

// CircularCompaction schedules in-place compaction on fixed days
// within a daily window.
type CircularCompaction struct {
	// DaysOfWeek is a comma-separated list of day names; empty means
	// the administrator has not enabled a schedule.
	DaysOfWeek   string
	Interval     Interval
	AbortOutside bool
}

type circularProjection struct{}

func (circularProjection) Name() string { return CircularCompactionKey }

func (circularProjection) Decode(doc Document) (interface{}, bool) {
	days, ok := doc.stringValue(rawCompactionDays)
	if !ok {
		return nil, false
	}
	raw, _ := doc.stringValue(rawCompactionInterval)
	interval, err := parseInterval(raw)
	if err != nil {
		return nil, false
	}
	abort, _ := doc.boolValue(rawCompactionAbort)
	return CircularCompaction{
		DaysOfWeek:   days,
		Interval:     interval,
		AbortOutside: abort,
	}, true
}

func (circularProjection) Encode(value interface{}, doc Document) error {
	cc, ok := value.(CircularCompaction)
	if !ok {
		return errors.NotValidf("circularCompaction value %#v", value)
	}
	doc[rawCompactionDays] = cc.DaysOfWeek
	doc[rawCompactionInterval] = cc.Interval.format()
	doc[rawCompactionAbort] = cc.AbortOutside
	return nil
}

func asInt(name string, value interface{}) (int, error) {
	switch n := value.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	}
	return 0, errors.NotValidf("%s value %#v", name, value)
}
