// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc_test

import (
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/meridian-db/meridian/pubsub/centralhub"
	"github.com/meridian-db/meridian/pubsub/controlplane"
	"github.com/meridian-db/meridian/rpc"
)

type RegistrySuite struct {
	testing.IsolationSuite

	hub      *pubsub.StructuredHub
	registry *rpc.Registry
}

var _ = gc.Suite(&RegistrySuite{})

func (s *RegistrySuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.hub = centralhub.New("test-node")
	registry, err := rpc.NewRegistry(rpc.RegistryConfig{
		Hub:   s.hub,
		Clock: clock.WallClock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.registry = registry
	s.AddCleanup(func(c *gc.C) {
		c.Check(s.registry.Close(), jc.ErrorIsNil)
	})
}

func (s *RegistrySuite) subscribe(c *gc.C, topic string) chan controlplane.ChannelMessage {
	messages := make(chan controlplane.ChannelMessage, 4)
	unsub, err := s.hub.Subscribe(topic, func(_ string, msg controlplane.ChannelMessage, err error) {
		c.Check(err, jc.ErrorIsNil)
		messages <- msg
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { unsub() })
	return messages
}

func (s *RegistrySuite) open(c *gc.C, label string) (*rpc.Channel, *testPeer) {
	peer, connect := newTestPeer()
	channel, err := s.registry.Open(rpc.OpenArgs{Label: label, Connect: connect})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { peer.close() })
	return channel, peer
}

func (s *RegistrySuite) nextMessage(c *gc.C, messages chan controlplane.ChannelMessage) controlplane.ChannelMessage {
	select {
	case msg := <-messages:
		return msg
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for a hub message")
	}
	panic("unreachable")
}

func (s *RegistrySuite) TestValidateConfig(c *gc.C) {
	_, err := rpc.NewRegistry(rpc.RegistryConfig{Clock: clock.WallClock})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = rpc.NewRegistry(rpc.RegistryConfig{Hub: s.hub})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *RegistrySuite) TestOpenValidatesArgs(c *gc.C) {
	_, err := s.registry.Open(rpc.OpenArgs{Connect: func() (net.Conn, error) { return nil, nil }})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = s.registry.Open(rpc.OpenArgs{Label: "agent"})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *RegistrySuite) TestOpenConnectError(c *gc.C) {
	_, err := s.registry.Open(rpc.OpenArgs{
		Label:   "agent",
		Connect: func() (net.Conn, error) { return nil, errors.New("refused") },
	})
	c.Check(err, gc.ErrorMatches, `connecting channel "agent": refused`)
	_, ok := s.registry.Channel("agent")
	c.Check(ok, jc.IsFalse)
}

func (s *RegistrySuite) TestOpenRegistersAndPublishes(c *gc.C) {
	messages := s.subscribe(c, controlplane.ChannelStarted)
	channel, _ := s.open(c, "agent")

	got, ok := s.registry.Channel("agent")
	c.Assert(ok, jc.IsTrue)
	c.Check(got, gc.Equals, channel)
	c.Check(channel.Label(), gc.Equals, "agent")

	msg := s.nextMessage(c, messages)
	c.Check(msg.Label, gc.Equals, "agent")
	c.Check(msg.Origin, gc.Equals, "test-node")
}

func (s *RegistrySuite) TestOpenSupersedes(c *gc.C) {
	first, _ := s.open(c, "agent")
	second, _ := s.open(c, "agent")

	// The first channel was killed before the second was installed,
	// and a clean supersession is not an error.
	c.Check(first.Wait(), jc.ErrorIsNil)
	got, ok := s.registry.Channel("agent")
	c.Assert(ok, jc.IsTrue)
	c.Check(got, gc.Equals, second)
}

func (s *RegistrySuite) TestDeadChannelReaped(c *gc.C) {
	channel, peer := s.open(c, "agent")
	peer.close()
	c.Check(channel.Wait(), jc.ErrorIsNil)

	// Reaping is asynchronous with channel death.
	deadline := time.After(testing.LongWait)
	for {
		if _, ok := s.registry.Channel("agent"); !ok {
			return
		}
		select {
		case <-deadline:
			c.Fatal("dead channel still registered")
		case <-time.After(testing.ShortWait):
		}
	}
}

func (s *RegistrySuite) TestReannounce(c *gc.C) {
	messages := s.subscribe(c, controlplane.ChannelNeedsUpdate)
	s.open(c, "agent")

	err := s.registry.Reannounce("agent")
	c.Assert(err, jc.ErrorIsNil)
	msg := s.nextMessage(c, messages)
	c.Check(msg.Label, gc.Equals, "agent")

	err = s.registry.Reannounce("nonesuch")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *RegistrySuite) TestCloseReleasesPendingCallers(c *gc.C) {
	channel, peer := s.open(c, "agent")

	done := make(chan error, 1)
	go func() {
		_, err := channel.Call("Agent.Hang", rpc.NoArgument, rpc.NoTimeout)
		done <- err
	}()
	peer.next(c)

	c.Assert(s.registry.Close(), jc.ErrorIsNil)
	select {
	case err := <-done:
		c.Check(rpc.IsShutdownErr(err), jc.IsTrue)
	case <-time.After(testing.LongWait):
		c.Fatal("pending caller still blocked after Close")
	}
}

func (s *RegistrySuite) TestOpenAfterClose(c *gc.C) {
	c.Assert(s.registry.Close(), jc.ErrorIsNil)
	peer, connect := newTestPeer()
	defer peer.close()
	_, err := s.registry.Open(rpc.OpenArgs{Label: "agent", Connect: connect})
	c.Check(rpc.IsShutdownErr(err), jc.IsTrue)
}
