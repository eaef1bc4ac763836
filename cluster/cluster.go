// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cluster holds the node control plane's view of
// cluster-wide configuration: which buckets exist, which nodes serve
// them, and how far the cluster's compatibility version has advanced.
// All helpers are pure reads over a config snapshot.
package cluster

import (
	"encoding/json"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/meridian-db/meridian/configstore"
)

// Well-known configuration store keys.
const (
	// BucketsKey holds the bucket definitions for the whole cluster.
	BucketsKey = "buckets"

	// NodesKey holds the list of node names known to the cluster.
	// Per-node records live under nodes/<name>/.
	NodesKey = "nodes"

	// CompatVersionKey holds the cluster compatibility version, an
	// integer advanced once every node runs a recent enough release.
	CompatVersionKey = "compat_version"
)

// Compatibility versions understood by this release.
const (
	CompatVersion40 = 40
	CompatVersion45 = 45
)

// Membership states for a node.
const (
	MembershipActive   = "active"
	MembershipInactive = "inactive"
)

// MembershipKey returns the config key holding node's membership
// record.
func MembershipKey(node string) string {
	return "nodes/" + node + "/membership"
}

// Bucket is a bucket definition as stored in cluster config.
type Bucket struct {
	Name    string   `json:"name"`
	Servers []string `json:"servers"`
}

// membership is a node's stored membership record.
type membership struct {
	State    string   `json:"state"`
	Services []string `json:"services"`
}

// Buckets decodes the cluster's bucket definitions from snap. An
// absent key is an empty cluster, not an error.
func Buckets(snap configstore.Snapshot) ([]Bucket, error) {
	raw, ok := snap.Search(BucketsKey)
	if !ok {
		return nil, nil
	}
	var buckets []Bucket
	if err := json.Unmarshal(raw, &buckets); err != nil {
		return nil, errors.Annotate(err, "decoding bucket config")
	}
	return buckets, nil
}

// BucketNames returns the names of all configured buckets.
func BucketNames(snap configstore.Snapshot) (set.Strings, error) {
	buckets, err := Buckets(snap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	names := set.NewStrings()
	for _, b := range buckets {
		names.Add(b.Name)
	}
	return names, nil
}

// BucketsOwnedBy returns the buckets whose server list includes node.
// An inactive node owns nothing regardless of the bucket config.
func BucketsOwnedBy(snap configstore.Snapshot, node string) (set.Strings, error) {
	owned := set.NewStrings()
	if !NodeActive(snap, node) {
		return owned, nil
	}
	buckets, err := Buckets(snap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, b := range buckets {
		for _, server := range b.Servers {
			if server == node {
				owned.Add(b.Name)
				break
			}
		}
	}
	return owned, nil
}

// NodeActive reports whether node's membership record exists and is
// active. Nodes without a record have not joined the cluster yet.
func NodeActive(snap configstore.Snapshot, node string) bool {
	m, ok := nodeMembership(snap, node)
	return ok && m.State == MembershipActive
}

// Nodes returns the names of all nodes known to the cluster.
func Nodes(snap configstore.Snapshot) ([]string, error) {
	raw, ok := snap.Search(NodesKey)
	if !ok {
		return nil, nil
	}
	var nodes []string
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, errors.Annotate(err, "decoding node list")
	}
	return nodes, nil
}

// NodesWithService returns the nodes whose membership record claims
// the named service role.
func NodesWithService(snap configstore.Snapshot, service string) (set.Strings, error) {
	nodes, err := Nodes(snap)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := set.NewStrings()
	for _, node := range nodes {
		m, ok := nodeMembership(snap, node)
		if !ok {
			continue
		}
		for _, s := range m.Services {
			if s == service {
				result.Add(node)
				break
			}
		}
	}
	return result, nil
}

// NodeServices returns the service roles claimed by node's membership
// record.
func NodeServices(snap configstore.Snapshot, node string) []string {
	m, ok := nodeMembership(snap, node)
	if !ok {
		return nil
	}
	return m.Services
}

func nodeMembership(snap configstore.Snapshot, node string) (membership, bool) {
	raw, ok := snap.Search(MembershipKey(node))
	if !ok {
		return membership{}, false
	}
	var m membership
	if err := json.Unmarshal(raw, &m); err != nil {
		return membership{}, false
	}
	return m, true
}

// CompatVersion returns the cluster compatibility version, or zero if
// the cluster has not recorded one yet.
func CompatVersion(snap configstore.Snapshot) int {
	raw, ok := snap.Search(CompatVersionKey)
	if !ok {
		return 0
	}
	var version int
	if err := json.Unmarshal(raw, &version); err != nil {
		return 0
	}
	return version
}
