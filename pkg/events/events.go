package events

import (
	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// BundleReceived announces an arriving bundle. Convergence layers and the
// API post it to the Input worker; after validation and persistence the
// Input worker re-posts it to Main with To set accordingly.
type BundleReceived struct {
	To        Processor // zero value routes to Input
	Ref       bundle.Ref
	Link      string // receiving link, empty for API/admin/restage origin
	Source    string // "cl", "api", "admin", "restage", "store"
	BytesRecv uint64
	PrevHop   eid.EID
	Duplicate bundle.Ref // set by Input when a GBOF match exists
}

func (e *BundleReceived) Proc() Processor { return e.To }

// BundleTransmitted reports a convergence-layer transmission outcome.
type BundleTransmitted struct {
	Ref       bundle.Ref
	Link      string
	BytesSent uint64
	Reliably  bool
	Success   bool
}

func (*BundleTransmitted) Proc() Processor { return ProcMain }

// BundleSendRequest asks the Output worker to drive one bundle over a link.
type BundleSendRequest struct {
	Ref    bundle.Ref
	Link   string
	Action bundle.ForwardingAction
}

func (*BundleSendRequest) Proc() Processor { return ProcOutput }

// BundleCancelRequest asks the Output worker to abandon a queued send.
type BundleCancelRequest struct {
	Ref  bundle.Ref
	Link string
}

func (*BundleCancelRequest) Proc() Processor { return ProcOutput }

// DeliverBundleToReg delivers one bundle to one matched registration.
type DeliverBundleToReg struct {
	Ref   bundle.Ref
	RegID uint32
}

func (*DeliverBundleToReg) Proc() Processor { return ProcMain }

// BundleDelivered records a completed local delivery.
type BundleDelivered struct {
	Ref   bundle.Ref
	RegID uint32
}

func (*BundleDelivered) Proc() Processor { return ProcMain }

// BundleExpired fires when a bundle's lifetime elapses.
type BundleExpired struct {
	Ref bundle.Ref
}

func (*BundleExpired) Proc() Processor { return ProcMain }

// BundleDeleteRequest asks Main to delete a bundle.
type BundleDeleteRequest struct {
	Ref    bundle.Ref
	Reason admin.ReasonCode
}

func (*BundleDeleteRequest) Proc() Processor { return ProcMain }

// BundleCustodyAccepted tells the router custody was taken locally.
type BundleCustodyAccepted struct {
	Ref bundle.Ref
}

func (*BundleCustodyAccepted) Proc() Processor { return ProcMain }

// CustodySignalReceived carries a decoded inbound custody signal.
type CustodySignalReceived struct {
	Signal *admin.CustodySignal
}

func (*CustodySignalReceived) Proc() Processor { return ProcMain }

// CustodyTimeout fires when a custody retransmission timer expires.
type CustodyTimeout struct {
	BundleID uint64
	Link     string
}

func (*CustodyTimeout) Proc() Processor { return ProcMain }

// AggregateCustodySignalReceived carries a decoded inbound ACS.
type AggregateCustodySignalReceived struct {
	Signal *admin.AggregateCustodySignal
}

func (*AggregateCustodySignalReceived) Proc() Processor { return ProcMain }

// AcsAcceptCustody asks the ACS worker to record a custody acceptance for
// aggregation toward the previous custodian. CustodyID is the identifier
// the previous custodian assigned (from the bundle's CTEB) — the one that
// must appear in the aggregate signal.
type AcsAcceptCustody struct {
	Ref       bundle.Ref
	Custodian eid.EID // previous custodian to be acknowledged
	CustodyID uint64
	Succeeded bool
	Reason    admin.ReasonCode
}

func (*AcsAcceptCustody) Proc() Processor { return ProcACS }

// AcsExpired fires when a pending aggregate signal's accumulation timer
// elapses.
type AcsExpired struct {
	Key string
}

func (*AcsExpired) Proc() Processor { return ProcACS }

// LinkStateChangeRequest asks Main to drive a link state transition.
type LinkStateChangeRequest struct {
	Link   string
	State  int
	Reason string
}

func (*LinkStateChangeRequest) Proc() Processor { return ProcMain }

// ContactUp reports an opened contact on a link.
type ContactUp struct {
	Link string
}

func (*ContactUp) Proc() Processor { return ProcMain }

// ContactDown reports a closed contact on a link.
type ContactDown struct {
	Link   string
	Reason string
}

func (*ContactDown) Proc() Processor { return ProcMain }

// RegistrationAdded announces a new registration to Main so pending
// bundles can be re-checked for delivery.
type RegistrationAdded struct {
	RegID uint32
}

func (*RegistrationAdded) Proc() Processor { return ProcMain }

// RegistrationExpired announces a lapsed registration.
type RegistrationExpired struct {
	RegID uint32
}

func (*RegistrationExpired) Proc() Processor { return ProcMain }

// ShutdownRequest begins the cooperative two-phase shutdown.
type ShutdownRequest struct{}

func (*ShutdownRequest) Proc() Processor { return ProcMain }

// StorePut asks the Storage worker to durably upsert one record. The value
// is encoded by the poster (under the bundle lock for bundle records) so
// the computed size equals the written size.
type StorePut struct {
	Table string
	Key   string
	Value []byte
}

func (*StorePut) Proc() Processor { return ProcStorage }

// StoreDelete asks the Storage worker to durably delete one record.
type StoreDelete struct {
	Table string
	Key   string
}

func (*StoreDelete) Proc() Processor { return ProcStorage }

// StoreFlush forces the Storage worker to commit its batch; the poster
// typically uses PostAndWait to observe completion.
type StoreFlush struct{}

func (*StoreFlush) Proc() Processor { return ProcStorage }
