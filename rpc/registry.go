// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"net"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/meridian-db/meridian/pubsub/controlplane"
)

// ConnectFunc establishes the transport for a channel. Callers supply
// it so the registry stays ignorant of addressing and TLS concerns.
type ConnectFunc func() (net.Conn, error)

// RegistryConfig holds the dependencies of a Registry.
type RegistryConfig struct {
	Hub   *pubsub.StructuredHub
	Clock clock.Clock

	// Metrics is optional; when nil no metrics are recorded.
	Metrics *Metrics
}

// Validate returns an error if the config cannot drive a Registry.
func (config RegistryConfig) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// OpenArgs describes one channel to open.
type OpenArgs struct {
	// Label is the stable identifier for the peer. Opening a second
	// channel under the same label supersedes the first.
	Label string

	// Connect dials the peer.
	Connect ConnectFunc

	// Classifier interprets peer error messages. Defaults to
	// NetRPCClassifier.
	Classifier ErrorClassifier
}

// Validate returns an error if the args cannot open a channel.
func (args OpenArgs) Validate() error {
	if args.Label == "" {
		return errors.NotValidf("empty Label")
	}
	if args.Connect == nil {
		return errors.NotValidf("nil Connect")
	}
	return nil
}

// Registry owns the channels of this node, at most one live channel
// per label.
type Registry struct {
	config RegistryConfig

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// NewRegistry returns an empty channel registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		config:   config,
		channels: make(map[string]*Channel),
	}, nil
}

// Open connects to a peer and registers the channel under its label.
// Any previous channel under the same label is killed and waited for
// before the new one is installed, so two live channels can never
// share a label. A ChannelStarted event is published on success.
func (r *Registry) Open(args OpenArgs) (*Channel, error) {
	if err := args.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	classify := args.Classifier
	if classify == nil {
		classify = NetRPCClassifier
	}

	conn, err := args.Connect()
	if err != nil {
		return nil, errors.Annotatef(err, "connecting channel %q", args.Label)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = conn.Close()
		return nil, errors.Annotatef(ErrShutdown, "registry")
	}
	if old, ok := r.channels[args.Label]; ok {
		logger.Infof("superseding channel %q", args.Label)
		old.Kill()
		if err := old.Wait(); err != nil {
			logger.Warningf("superseded channel %q: %v", args.Label, err)
		}
	}
	ch := newChannel(args.Label, conn, classify, r.config.Clock, r.config.Metrics)
	r.channels[args.Label] = ch
	r.config.Metrics.channelOpened()

	// Reap the registry entry when the channel dies, unless it has
	// already been superseded by a newer one.
	go func() {
		<-ch.Dead()
		r.mu.Lock()
		if r.channels[args.Label] == ch {
			delete(r.channels, args.Label)
		}
		r.mu.Unlock()
		r.config.Metrics.channelClosed()
	}()

	r.publish(controlplane.ChannelStarted, args.Label)
	return ch, nil
}

// Channel returns the live channel registered under label, if any.
func (r *Registry) Channel(label string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[label]
	return ch, ok
}

// Reannounce republishes a needs-update notification for label so
// collaborators re-register anything they derive from the channel.
// Channel state is untouched.
func (r *Registry) Reannounce(label string) error {
	r.mu.Lock()
	_, ok := r.channels[label]
	r.mu.Unlock()
	if !ok {
		return errors.NotFoundf("channel %q", label)
	}
	r.publish(controlplane.ChannelNeedsUpdate, label)
	return nil
}

// Close tears down every channel and rejects further Opens. Pending
// callers on all channels are released.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Kill()
	}
	var firstErr error
	for _, ch := range channels {
		if err := ch.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return errors.Trace(firstErr)
}

func (r *Registry) publish(topic, label string) {
	_, err := r.config.Hub.Publish(topic, controlplane.ChannelMessage{Label: label})
	if err != nil {
		logger.Errorf("publishing %s for channel %q: %v", topic, label, err)
	}
}
