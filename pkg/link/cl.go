package link

import (
	"fmt"
	"sync"

	"github.com/kestrelworks/dtnd/pkg/bundle"
)

// ConvergenceLayer is the capability interface every CL implements. CLs
// call back into the daemon with BundleReceived, BundleTransmitted,
// ContactUp, ContactDown, and link-state-change events through the
// dispatcher handed to them at construction.
type ConvergenceLayer interface {
	// Name returns the CL identifier used in link configuration.
	Name() string

	// Interface lifecycle (listening side).
	InterfaceUp(name string, params map[string]string) error
	InterfaceDown(name string) error

	// Link lifecycle.
	InitLink(l *Link, params map[string]string) error
	DeleteLink(l *Link)
	ReconfigureLink(l *Link, params map[string]string) error
	DumpLink(l *Link) string

	// Contact lifecycle.
	OpenContact(c *Contact, l *Link) error
	CloseContact(c *Contact, l *Link) error

	// BundleQueued notifies the CL that a bundle is queued on the link.
	BundleQueued(l *Link, ref bundle.Ref)

	// ListLinkOpts and ListInterfaceOpts enumerate the CL-specific
	// options recognized on link and interface creation.
	ListLinkOpts() []string
	ListInterfaceOpts() []string

	// Shutdown stops the CL; all its links are already closed.
	Shutdown()
}

// BundlePopper is implemented by CLs that let the Output worker pull
// queued bundles instead of being pushed them.
type BundlePopper interface {
	PopQueuedBundle(l *Link) (bundle.Ref, bool)
}

// Registry maps CL names to instances.
type Registry struct {
	mu  sync.RWMutex
	cls map[string]ConvergenceLayer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cls: make(map[string]ConvergenceLayer)}
}

// Register adds a CL; duplicate names are a programming error.
func (r *Registry) Register(cl ConvergenceLayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cls[cl.Name()]; ok {
		panic("link: duplicate convergence layer " + cl.Name())
	}
	r.cls[cl.Name()] = cl
}

// Find returns the CL with the given name.
func (r *Registry) Find(name string) (ConvergenceLayer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cl, ok := r.cls[name]
	if !ok {
		return nil, fmt.Errorf("link: unknown convergence layer %q", name)
	}
	return cl, nil
}

// All returns every registered CL.
func (r *Registry) All() []ConvergenceLayer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConvergenceLayer, 0, len(r.cls))
	for _, cl := range r.cls {
		out = append(out, cl)
	}
	return out
}
