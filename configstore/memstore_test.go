// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package configstore_test

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/meridian-db/meridian/configstore"
)

type MemStoreSuite struct {
	testing.IsolationSuite
	store *configstore.MemStore
}

var _ = gc.Suite(&MemStoreSuite{})

func (s *MemStoreSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = configstore.NewMemStore()
}

func (s *MemStoreSuite) set(c *gc.C, key, value string) {
	err := s.store.RunTxn(func(txn configstore.Txn) error {
		txn.Set(key, []byte(value))
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *MemStoreSuite) TestEmptySnapshot(c *gc.C) {
	snap := s.store.Latest()
	c.Check(snap.Revision(), gc.Equals, int64(0))
	_, ok := snap.Search("anything")
	c.Check(ok, jc.IsFalse)
}

func (s *MemStoreSuite) TestTxnCommitVisible(c *gc.C) {
	s.set(c, "colour", "green")
	snap := s.store.Latest()
	c.Check(snap.Revision(), gc.Equals, int64(1))
	value, ok := snap.Search("colour")
	c.Check(ok, jc.IsTrue)
	c.Check(string(value), gc.Equals, "green")
}

func (s *MemStoreSuite) TestRevisionAdvancesPerTxn(c *gc.C) {
	s.set(c, "a", "1")
	s.set(c, "b", "2")
	c.Check(s.store.Latest().Revision(), gc.Equals, int64(2))
}

func (s *MemStoreSuite) TestEmptyTxnDoesNotAdvanceRevision(c *gc.C) {
	err := s.store.RunTxn(func(configstore.Txn) error { return nil })
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.store.Latest().Revision(), gc.Equals, int64(0))
}

func (s *MemStoreSuite) TestSnapshotIsImmutable(c *gc.C) {
	s.set(c, "colour", "green")
	snap := s.store.Latest()
	s.set(c, "colour", "blue")
	value, ok := snap.Search("colour")
	c.Check(ok, jc.IsTrue)
	c.Check(string(value), gc.Equals, "green")
}

func (s *MemStoreSuite) TestBodyErrorAbortsTxn(c *gc.C) {
	err := s.store.RunTxn(func(txn configstore.Txn) error {
		txn.Set("colour", []byte("green"))
		return errors.New("changed my mind")
	})
	c.Check(err, jc.ErrorIs, configstore.ErrTxnAborted)
	_, ok := s.store.Latest().Search("colour")
	c.Check(ok, jc.IsFalse)
}

func (s *MemStoreSuite) TestSubscribeDeliversChanges(c *gc.C) {
	changes := make(chan configstore.Change, 10)
	unsub := s.store.Subscribe("colour", func(change configstore.Change) {
		changes <- change
	})
	defer unsub()

	s.set(c, "colour", "green")
	s.set(c, "other", "ignored")
	s.set(c, "colour", "blue")

	first := s.nextChange(c, changes)
	c.Check(first.Key, gc.Equals, "colour")
	c.Check(string(first.Value), gc.Equals, "green")
	second := s.nextChange(c, changes)
	c.Check(string(second.Value), gc.Equals, "blue")
	c.Check(second.Revision, gc.Equals, int64(3))
}

func (s *MemStoreSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	changes := make(chan configstore.Change, 10)
	unsub := s.store.Subscribe("colour", func(change configstore.Change) {
		changes <- change
	})
	s.set(c, "colour", "green")
	s.nextChange(c, changes)
	unsub()
	s.set(c, "colour", "blue")
	select {
	case change := <-changes:
		c.Fatalf("unexpected change after unsubscribe: %v", change)
	case <-time.After(testing.ShortWait):
	}
}

func (s *MemStoreSuite) nextChange(c *gc.C, changes <-chan configstore.Change) configstore.Change {
	select {
	case change := <-changes:
		return change
	case <-time.After(testing.LongWait):
		c.Fatal("timed out waiting for change notification")
	}
	panic("unreachable")
}
