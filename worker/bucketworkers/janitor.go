// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package bucketworkers

import (
	"time"

	"github.com/juju/clock"
	"gopkg.in/tomb.v2"
)

// janitor periodically re-triggers reconciliation. Change
// notifications are at-least-once but a node that misses one (say,
// across a store reconnect) would otherwise stay divergent forever.
type janitor struct {
	tomb     tomb.Tomb
	clock    clock.Clock
	interval time.Duration
	trigger  func()
}

func newJanitor(clk clock.Clock, interval time.Duration, trigger func()) *janitor {
	j := &janitor{
		clock:    clk,
		interval: interval,
		trigger:  trigger,
	}
	j.tomb.Go(j.loop)
	return j
}

// Kill is part of the worker.Worker interface.
func (j *janitor) Kill() {
	j.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (j *janitor) Wait() error {
	return j.tomb.Wait()
}

func (j *janitor) loop() error {
	for {
		select {
		case <-j.tomb.Dying():
			return tomb.ErrDying
		case <-j.clock.After(j.interval):
			j.trigger()
		}
	}
}
