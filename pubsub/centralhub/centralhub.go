// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package centralhub provides the process-wide structured hub that
// control-plane components announce on.
package centralhub

import (
	"github.com/juju/pubsub/v2"
)

// New returns a structured hub that annotates every published message
// with the origin node's name. Subscribers on other topics can rely on
// the origin field being present.
func New(origin string) *pubsub.StructuredHub {
	return pubsub.NewStructuredHub(
		&pubsub.StructuredHubConfig{
			Annotations: map[string]interface{}{
				"origin": origin,
			},
		})
}
