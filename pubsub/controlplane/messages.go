// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package controlplane defines the topics and message structures used
// by the node control plane on the central hub.
package controlplane

// Topics published by the control plane. Subscribers should treat
// delivery as at-least-once.
const (
	// ChannelStarted is published when an RPC channel to a service
	// agent has been established and registered.
	ChannelStarted = "rpc.channel.started"

	// ChannelNeedsUpdate is published when collaborators holding state
	// derived from a channel should re-register against it.
	ChannelNeedsUpdate = "rpc.channel.needs-update"

	// SettingsChanged is published once per settings key whose decoded
	// value changed.
	SettingsChanged = "settings.changed"
)

// ChannelMessage is the payload for ChannelStarted and
// ChannelNeedsUpdate.
type ChannelMessage struct {
	// Origin is filled in by the central hub.
	Origin string `yaml:"origin"`

	// Label identifies the channel within the registry.
	Label string `yaml:"label"`
}

// SettingsMessage is the payload for SettingsChanged.
type SettingsMessage struct {
	// Origin is filled in by the central hub.
	Origin string `yaml:"origin"`

	// Key is the logical settings name whose value changed.
	Key string `yaml:"key"`

	// Value is the newly decoded value.
	Value interface{} `yaml:"value"`
}
