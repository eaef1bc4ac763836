// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/meridian-db/meridian/rpc"
)

const agentCallTimeout = 30 * time.Second

// agentBucketWorker is the supervised unit of work for one bucket: it
// registers the bucket with the node's service agent and deregisters
// it on the way out. If the agent is unreachable the start fails and
// the reconciler's runner retries.
type agentBucketWorker struct {
	tomb    tomb.Tomb
	channel *rpc.Channel
	bucket  string
}

type bucketArgs struct {
	Bucket string `json:"bucket"`
}

func newAgentBucketWorker(channel *rpc.Channel, bucket string) (*agentBucketWorker, error) {
	if _, err := channel.Call("BucketManager.Start", bucketArgs{Bucket: bucket}, agentCallTimeout); err != nil {
		return nil, errors.Annotatef(err, "registering bucket %q with agent", bucket)
	}
	w := &agentBucketWorker{
		channel: channel,
		bucket:  bucket,
	}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *agentBucketWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *agentBucketWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *agentBucketWorker) loop() error {
	<-w.tomb.Dying()
	_, err := w.channel.Call("BucketManager.Stop", bucketArgs{Bucket: w.bucket}, agentCallTimeout)
	if err != nil && !rpc.IsShutdownErr(err) {
		logger.Warningf("deregistering bucket %q with agent: %v", w.bucket, err)
	}
	return tomb.ErrDying
}
