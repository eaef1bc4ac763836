// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package bucketworkers

const (
	JanitorName      = janitorName
	DefaultStopGrace = defaultStopGrace
)

// RunnerNames exposes the runner's full child list, reserved entries
// included.
func RunnerNames(w *Worker) []string {
	return w.runner.WorkerNames()
}
