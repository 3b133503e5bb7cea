package link

import (
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
)

// Router is the narrow adapter a routing policy implements. The Main
// worker forwards it the events it needs to make forwarding decisions and
// consults it before deleting bundles.
type Router interface {
	// HandleEvent observes one daemon event. The router reacts by posting
	// BundleSendRequests through the dispatcher it was constructed with.
	HandleEvent(ev events.Event)

	// CanDelete answers the daemon's deletion query for a bundle.
	CanDelete(b *bundle.Bundle) bool
}

// NullRouter is a router that never forwards and always permits deletion.
// It stands in when no routing policy is configured.
type NullRouter struct{}

func (NullRouter) HandleEvent(events.Event)      {}
func (NullRouter) CanDelete(*bundle.Bundle) bool { return true }
