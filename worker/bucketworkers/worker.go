// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bucketworkers keeps one supervised worker running for each
// bucket this node serves according to cluster configuration, and
// none for buckets it does not. Reconciliation passes are serialized
// through a single loop; configuration churn while a pass runs
// collapses into at most one further pass.
package bucketworkers

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/meridian-db/meridian/cluster"
	"github.com/meridian-db/meridian/configstore"
)

var logger = loggo.GetLogger("meridian.bucketworkers")

const (
	// janitorName is the runner's reserved bookkeeping child; it is
	// never part of the desired-versus-running diff.
	janitorName = "janitor"

	// janitorInterval is how often the janitor forces a pass even
	// without configuration changes, as a safety net against missed
	// notifications.
	janitorInterval = 5 * time.Minute

	// defaultStopGrace bounds how long a bucket worker gets to stop
	// cleanly before it is abandoned to a forced kill.
	defaultStopGrace = 30 * time.Second

	// restartDelay is how long the runner waits before restarting a
	// bucket worker that failed.
	restartDelay = 3 * time.Second
)

// NewBucketWorkerFunc starts the supervised unit of work for one
// bucket.
type NewBucketWorkerFunc func(bucket string) (worker.Worker, error)

// Config holds the reconciler's dependencies.
type Config struct {
	Store           configstore.Store
	NodeName        string
	NewBucketWorker NewBucketWorkerFunc
	Clock           clock.Clock

	// StopGrace overrides defaultStopGrace when positive.
	StopGrace time.Duration

	// Metrics is optional; when nil no metrics are recorded.
	Metrics *Metrics
}

// Validate returns an error if the config cannot drive a Worker.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.NodeName == "" {
		return errors.NotValidf("empty NodeName")
	}
	if config.NewBucketWorker == nil {
		return errors.NotValidf("nil NewBucketWorker")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker reconciles running bucket workers against the desired set.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner
	triggers chan struct{}
}

// New returns a running reconciler. It subscribes to the
// membership-affecting config keys and immediately runs one pass.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaultStopGrace
	}
	w := &Worker{
		config: config,
		runner: worker.NewRunner(worker.RunnerParams{
			// A bucket worker failure must never take down its
			// siblings; the runner restarts it in place.
			IsFatal:      func(error) bool { return false },
			RestartDelay: restartDelay,
			Clock:        config.Clock,
		}),
		triggers: make(chan struct{}, 1),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{w.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// RunningBuckets returns the buckets with a live supervised worker.
func (w *Worker) RunningBuckets() []string {
	running := set.NewStrings(w.runner.WorkerNames()...)
	running.Remove(janitorName)
	return running.SortedValues()
}

func (w *Worker) loop() error {
	unsubBuckets := w.config.Store.Subscribe(cluster.BucketsKey, func(configstore.Change) {
		w.trigger()
	})
	defer unsubBuckets()
	unsubMembership := w.config.Store.Subscribe(
		cluster.MembershipKey(w.config.NodeName),
		func(configstore.Change) {
			w.trigger()
		})
	defer unsubMembership()

	if err := w.runner.StartWorker(janitorName, func() (worker.Worker, error) {
		return newJanitor(w.config.Clock, janitorInterval, w.trigger), nil
	}); err != nil {
		return errors.Annotate(err, "starting janitor")
	}

	w.trigger()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.triggers:
			w.reconcile()
		}
	}
}

// trigger schedules a reconciliation pass. Multiple pending triggers
// collapse into one.
func (w *Worker) trigger() {
	select {
	case w.triggers <- struct{}{}:
	default:
	}
}

// reconcile runs one pass: recompute the desired bucket set from the
// latest configuration and converge the runner's children on it. A
// failure for one bucket never blocks the rest of the pass; the
// bucket stays out of sync until the next one.
func (w *Worker) reconcile() {
	w.config.Metrics.passStarted()

	snap := w.config.Store.Latest()
	desired, err := cluster.BucketsOwnedBy(snap, w.config.NodeName)
	if err != nil {
		logger.Errorf("cannot compute desired buckets at revision %d: %v", snap.Revision(), err)
		return
	}
	running := set.NewStrings(w.runner.WorkerNames()...)
	running.Remove(janitorName)

	toStart := desired.Difference(running)
	toStop := running.Difference(desired)
	if toStart.Size() == 0 && toStop.Size() == 0 {
		return
	}
	logger.Infof("reconciling buckets: starting %v, stopping %v",
		toStart.SortedValues(), toStop.SortedValues())

	for _, name := range toStart.SortedValues() {
		bucket := name
		err := w.runner.StartWorker(bucket, func() (worker.Worker, error) {
			return w.config.NewBucketWorker(bucket)
		})
		if err != nil {
			logger.Errorf("starting worker for bucket %q: %v", bucket, err)
			w.config.Metrics.startFailed()
			continue
		}
		w.config.Metrics.workerStarted()
	}

	for _, bucket := range toStop.SortedValues() {
		if err := w.stopWorker(bucket); err != nil {
			logger.Warningf("worker for bucket %q did not stop within %v: %v",
				bucket, w.config.StopGrace, err)
			w.config.Metrics.stopTimedOut()
			continue
		}
		w.config.Metrics.workerStopped()
	}
}

// stopWorker kills the bucket's worker and waits up to the grace
// period for it to die. Stopping is cooperative: a worker that ignores
// the kill cannot be torn out of its goroutine, so on expiry it is
// abandoned, still counted as running, and its runner slot is reaped
// only when it finally goes.
func (w *Worker) stopWorker(bucket string) error {
	abort := make(chan struct{})
	timer := w.config.Clock.AfterFunc(w.config.StopGrace, func() {
		close(abort)
	})
	defer timer.Stop()
	return w.runner.StopAndRemoveWorker(bucket, abort)
}
