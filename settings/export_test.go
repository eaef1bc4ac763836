// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package settings

var (
	ParseInterval  = parseInterval
	KnownSettings  = knownSettings
	FindProjection = findProjection
)

const (
	RawMemoryQuota        = rawMemoryQuota
	RawMaxCPUPercent      = rawMaxCPUPercent
	RawLogLevel           = rawLogLevel
	RawCompactionMinFrag  = rawCompactionMinFrag
	RawCompactionInterval = rawCompactionInterval
	RawCompactionAbort    = rawCompactionAbort
	RawCompactionDays     = rawCompactionDays
	RawCompactionMode     = rawCompactionMode
	RawStorageMode        = rawStorageMode
)

func (iv Interval) Format() string {
	return iv.format()
}

func (d Document) IntValue(key string) (int64, bool) {
	return d.intValue(key)
}

func (d Document) StringValue(key string) (string, bool) {
	return d.stringValue(key)
}

func (d Document) BoolValue(key string) (bool, bool) {
	return d.boolValue(key)
}

func MemoryQuotaProjection() Projection {
	return scaledProjection{name: MemoryQuota, rawKey: rawMemoryQuota, factor: 1 << 20}
}

func GeneralProjection() Projection {
	return generalProjection{}
}

func CompactionProjection() Projection {
	return compactionProjection{}
}

func CircularProjection() Projection {
	return circularProjection{}
}

func StorageModeProjection() Projection {
	return stringProjection{name: StorageMode, rawKey: rawStorageMode}
}
