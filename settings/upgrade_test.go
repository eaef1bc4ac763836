// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

package settings_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/meridian-db/meridian/cluster"
	"github.com/meridian-db/meridian/configstore"
	"github.com/meridian-db/meridian/settings"
)

type UpgradeSuite struct {
	testing.IsolationSuite

	store *configstore.MemStore
}

var _ = gc.Suite(&UpgradeSuite{})

func (s *UpgradeSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = configstore.NewMemStore()
}

func (s *UpgradeSuite) seed(c *gc.C, key, value string) {
	err := s.store.RunTxn(func(txn configstore.Txn) error {
		txn.Set(key, []byte(value))
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *UpgradeSuite) seedDoc(c *gc.C, doc settings.Document) {
	raw, err := doc.Encode()
	c.Assert(err, jc.ErrorIsNil)
	s.seed(c, settings.DocumentKey, string(raw))
}

func (s *UpgradeSuite) apply(c *gc.C, upgrade func(configstore.Snapshot) ([]settings.Op, error)) {
	err := s.store.RunTxn(func(txn configstore.Txn) error {
		ops, err := upgrade(txn.Snapshot())
		if err != nil {
			return err
		}
		settings.Apply(txn, ops)
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *UpgradeSuite) document(c *gc.C) settings.Document {
	raw, ok := s.store.Latest().Search(settings.DocumentKey)
	c.Assert(ok, jc.IsTrue)
	doc, err := settings.DecodeDocument(raw)
	c.Assert(err, jc.ErrorIsNil)
	return doc
}

func (s *UpgradeSuite) TestVersion40SeedsDefaults(c *gc.C) {
	s.apply(c, settings.UpgradeToVersion40)
	doc := s.document(c)

	quota, ok := settings.MemoryQuotaProjection().Decode(doc)
	c.Assert(ok, jc.IsTrue)
	c.Check(quota, gc.Equals, settings.DefaultMemoryQuota)

	general, ok := settings.GeneralProjection().Decode(doc)
	c.Assert(ok, jc.IsTrue)
	c.Check(general, jc.DeepEquals, settings.DefaultGeneralSettings)

	compaction, ok := settings.CompactionProjection().Decode(doc)
	c.Assert(ok, jc.IsTrue)
	c.Check(compaction, jc.DeepEquals, settings.DefaultCompactionSettings)

	// Nothing from a later version sneaks in.
	_, ok = doc.StringValue(settings.RawStorageMode)
	c.Check(ok, jc.IsFalse)
	_, ok = doc.StringValue(settings.RawCompactionDays)
	c.Check(ok, jc.IsFalse)
}

func (s *UpgradeSuite) TestVersion40NoOpWhenDocumentExists(c *gc.C) {
	s.seedDoc(c, settings.Document{settings.RawMemoryQuota: int64(1 << 30)})

	ops, err := settings.UpgradeToVersion40(s.store.Latest())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ops, gc.HasLen, 0)
}

func (s *UpgradeSuite) TestVersion45FreshInstall(c *gc.C) {
	s.apply(c, settings.UpgradeToVersion40)
	s.apply(c, settings.UpgradeToVersion45)
	doc := s.document(c)

	mode, ok := doc.StringValue(settings.RawCompactionMode)
	c.Assert(ok, jc.IsTrue)
	c.Check(mode, gc.Equals, "circular")
	days, ok := doc.StringValue(settings.RawCompactionDays)
	c.Assert(ok, jc.IsTrue)
	c.Check(days, gc.Equals, settings.AllDaysOfWeek)
	storage, ok := doc.StringValue(settings.RawStorageMode)
	c.Assert(ok, jc.IsTrue)
	c.Check(storage, gc.Equals, "")
	abort, ok := doc.BoolValue(settings.RawCompactionAbort)
	c.Assert(ok, jc.IsTrue)
	c.Check(abort, jc.IsFalse)
}

func (s *UpgradeSuite) TestVersion45InPlaceUpgrade(c *gc.C) {
	s.apply(c, settings.UpgradeToVersion40)
	s.seed(c, cluster.NodesKey, `["n1","n2"]`)
	s.seed(c, cluster.MembershipKey("n1"), `{"state":"active","services":["kv","index"]}`)
	s.seed(c, cluster.MembershipKey("n2"), `{"state":"active","services":["kv"]}`)

	// The operator had already tuned the compaction window.
	doc := s.document(c)
	doc[settings.RawCompactionInterval] = "01:00,05:30"
	s.seedDoc(c, doc)

	s.apply(c, settings.UpgradeToVersion45)
	doc = s.document(c)

	mode, _ := doc.StringValue(settings.RawCompactionMode)
	c.Check(mode, gc.Equals, "full")
	days, ok := doc.StringValue(settings.RawCompactionDays)
	c.Assert(ok, jc.IsTrue)
	c.Check(days, gc.Equals, "")
	interval, _ := doc.StringValue(settings.RawCompactionInterval)
	c.Check(interval, gc.Equals, "01:00,05:30")
}

func (s *UpgradeSuite) TestVersion45NoOpWhenAlreadyUpgraded(c *gc.C) {
	s.apply(c, settings.UpgradeToVersion40)
	s.apply(c, settings.UpgradeToVersion45)

	before := s.store.Latest().Revision()
	ops, err := settings.UpgradeToVersion45(s.store.Latest())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ops, gc.HasLen, 0)
	c.Check(s.store.Latest().Revision(), gc.Equals, before)
}
