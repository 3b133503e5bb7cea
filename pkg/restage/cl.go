package restage

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/events"
	"github.com/kestrelworks/dtnd/pkg/link"
	"github.com/kestrelworks/dtnd/pkg/log"
)

// CLName is the convergence layer identifier.
const CLName = "restage"

// ConvergenceLayer is the restage CL: queued bundles are written to the
// on-disk store and reported transmitted; reloads re-enter the daemon
// through the Input worker.
type ConvergenceLayer struct {
	ctrl   *Controller
	deps   Deps
	logger zerolog.Logger
}

// NewConvergenceLayer wraps a controller as a convergence layer.
func NewConvergenceLayer(ctrl *Controller, deps Deps) *ConvergenceLayer {
	return &ConvergenceLayer{
		ctrl:   ctrl,
		deps:   deps,
		logger: log.WithComponent("restage-cl"),
	}
}

// Name implements link.ConvergenceLayer.
func (cl *ConvergenceLayer) Name() string { return CLName }

// InterfaceUp is a no-op: restage has no listening side.
func (cl *ConvergenceLayer) InterfaceUp(string, map[string]string) error { return nil }

// InterfaceDown is a no-op.
func (cl *ConvergenceLayer) InterfaceDown(string) error { return nil }

// InitLink starts the controller for the link's tree.
func (cl *ConvergenceLayer) InitLink(l *link.Link, params map[string]string) error {
	return cl.ctrl.Start()
}

// DeleteLink marks the store deleted.
func (cl *ConvergenceLayer) DeleteLink(*link.Link) {
	cl.ctrl.Delete()
}

// ReconfigureLink rejects separator changes: they are immutable after
// link creation.
func (cl *ConvergenceLayer) ReconfigureLink(l *link.Link, params map[string]string) error {
	if _, ok := params["field_separator"]; ok {
		return fmt.Errorf("restage: field_separator is not reconfigurable")
	}
	if _, ok := params["eid_field_separator"]; ok {
		return fmt.Errorf("restage: eid_field_separator is not reconfigurable")
	}
	return nil
}

// DumpLink renders store diagnostics.
func (cl *ConvergenceLayer) DumpLink(*link.Link) string {
	restaged, reloaded, collected := cl.ctrl.Totals()
	return fmt.Sprintf("state=%s disk_in_use=%d restaged=%d reloaded=%d collected=%d",
		cl.ctrl.State(), cl.ctrl.DiskInUse(), restaged, reloaded, collected)
}

// OpenContact reports the contact up when the store is usable.
func (cl *ConvergenceLayer) OpenContact(c *link.Contact, l *link.Link) error {
	if st := cl.ctrl.State(); st != Online {
		return fmt.Errorf("restage: store is %s", st)
	}
	cl.deps.Dispatcher.Post(&events.ContactUp{Link: l.Name})
	return nil
}

// CloseContact reports the contact down.
func (cl *ConvergenceLayer) CloseContact(c *link.Contact, l *link.Link) error {
	cl.deps.Dispatcher.Post(&events.ContactDown{Link: l.Name, Reason: "closed"})
	return nil
}

// BundleQueued drains the link queue into the store.
func (cl *ConvergenceLayer) BundleQueued(l *link.Link, _ bundle.Ref) {
	for {
		ref, ok := l.Dequeue()
		if !ok {
			return
		}
		b := ref.Bundle()
		payload, err := cl.deps.Payloads.Read(b.PayloadFile)
		if err != nil {
			cl.logger.Error().Err(err).Uint64("bundle_id", b.ID).Msg("payload read failed")
			cl.post(l.Name, ref, 0, false)
			continue
		}
		name, err := cl.ctrl.Restage(b, payload)
		if err != nil {
			cl.logger.Warn().Err(err).Uint64("bundle_id", b.ID).Msg("restage rejected")
			cl.post(l.Name, ref, 0, false)
			continue
		}
		cl.logger.Debug().Str("file", name).Msg("bundle restaged via link")
		cl.post(l.Name, ref, uint64(len(payload)), true)
	}
}

func (cl *ConvergenceLayer) post(linkName string, ref bundle.Ref, bytes uint64, success bool) {
	cl.deps.Dispatcher.Post(&events.BundleTransmitted{
		Ref:       ref,
		Link:      linkName,
		BytesSent: bytes,
		Reliably:  true,
		Success:   success,
	})
}

// ListLinkOpts enumerates the CL-specific link options.
func (cl *ConvergenceLayer) ListLinkOpts() []string {
	return []string{
		"mount_point", "days_retention", "expire_bundles", "ttl_override",
		"auto_reload_interval", "disk_quota", "min_disk_space", "min_quota_avail",
		"part_of_pool", "email_enabled", "from_email",
		"field_separator", "eid_field_separator",
	}
}

// ListInterfaceOpts enumerates the CL-specific interface options.
func (cl *ConvergenceLayer) ListInterfaceOpts() []string { return nil }

// Shutdown stops the controller.
func (cl *ConvergenceLayer) Shutdown() {
	cl.ctrl.Stop()
}
