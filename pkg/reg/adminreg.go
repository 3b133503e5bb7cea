package reg

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// AdminHandler receives the decoded administrative traffic owned by the
// admin registration. The daemon implements it and reacts by posting
// events.
type AdminHandler interface {
	HandleStatusReport(sr *admin.StatusReport)
	HandleCustodySignal(cs *admin.CustodySignal)
	HandleAggregateCustodySignal(acs *admin.AggregateCustodySignal)
	HandleV7CustodySignal(cs *admin.V7CustodySignal)
	HandleAnnounce(payload []byte)
	HandleBIBE(payload []byte)
	HandleMulticastPetition(payload []byte)
	HandleIMCBriefing(payload []byte)
}

// EchoResponder sends ping echo replies for the IPN admin registration.
type EchoResponder interface {
	SendEcho(to eid.EID, payload []byte)
}

// AdminRegistration owns every locally-destined administrative bundle and
// dispatches each to its handler by admin-type code. The IPN variant
// additionally answers ping.
type AdminRegistration struct {
	*Registration
	handler AdminHandler

	// ipn-variant fields
	echo          EchoResponder
	echoService   uint64
	echoMaxReturn uint64
}

// NewAdmin creates the admin registration for the local DTN-scheme
// endpoint.
func NewAdmin(id uint32, pattern eid.Pattern, handler AdminHandler) *AdminRegistration {
	r := New(id, KindAdmin, pattern)
	return &AdminRegistration{Registration: r, handler: handler}
}

// NewAdminIPN creates the admin registration for the local IPN-scheme
// endpoint, with a ping echo responder.
func NewAdminIPN(id uint32, pattern eid.Pattern, handler AdminHandler,
	echo EchoResponder, echoService, echoMaxReturn uint64) *AdminRegistration {
	r := New(id, KindAdminIPN, pattern)
	return &AdminRegistration{
		Registration:  r,
		handler:       handler,
		echo:          echo,
		echoService:   echoService,
		echoMaxReturn: echoMaxReturn,
	}
}

// DeliverBundle decodes one admin bundle and dispatches it. Bundles that
// are not flagged admin are candidates only for the IPN echo service.
func (ar *AdminRegistration) DeliverBundle(b *bundle.Bundle, payload []byte) error {
	if !b.IsAdmin {
		if ar.Kind == KindAdminIPN && ar.echo != nil &&
			b.Dest.Scheme == eid.SchemeIPN && b.Dest.Service == ar.echoService {
			reply := payload
			if ar.echoMaxReturn > 0 && uint64(len(reply)) > ar.echoMaxReturn {
				reply = reply[:ar.echoMaxReturn]
			}
			ar.echo.SendEcho(b.Source, reply)
			return nil
		}
		return fmt.Errorf("reg: non-admin bundle delivered to admin registration")
	}

	switch b.Version {
	case bundle.BP7:
		return ar.deliverBP7(payload)
	default:
		return ar.deliverBP6(payload)
	}
}

func (ar *AdminRegistration) deliverBP6(payload []byte) error {
	typ, _, err := admin.RecordType(payload)
	if err != nil {
		return err
	}
	switch typ {
	case admin.TypeStatusReport:
		sr, err := admin.DecodeStatusReport(payload)
		if err != nil {
			return err
		}
		ar.handler.HandleStatusReport(sr)
	case admin.TypeCustodySignal:
		cs, err := admin.DecodeCustodySignal(payload)
		if err != nil {
			return err
		}
		ar.handler.HandleCustodySignal(cs)
	case admin.TypeAggregateCustody:
		acs, err := admin.DecodeAggregateCustodySignal(payload)
		if err != nil {
			return err
		}
		ar.handler.HandleAggregateCustodySignal(acs)
	case admin.TypeAnnounce:
		ar.handler.HandleAnnounce(payload)
	case admin.TypeMulticastPetition:
		ar.handler.HandleMulticastPetition(payload)
	case admin.TypeBIBE:
		ar.handler.HandleBIBE(payload)
	default:
		return fmt.Errorf("reg: unknown admin record type %d", typ)
	}
	return nil
}

func (ar *AdminRegistration) deliverBP7(payload []byte) error {
	rec, err := admin.DecodeV7(payload)
	if err != nil {
		return err
	}
	switch rec.Type {
	case admin.TypeV7StatusReport:
		var body admin.V7StatusReport
		if err := cbor.Unmarshal(rec.Body, &body); err != nil {
			return fmt.Errorf("%w: %v", admin.ErrMalformed, err)
		}
		sr := &admin.StatusReport{Reason: admin.ReasonCode(body.Reason)}
		if body.Received {
			sr.Flags |= admin.StatusReceived
		}
		if body.Forwarded {
			sr.Flags |= admin.StatusForwarded
		}
		if body.Delivered {
			sr.Flags |= admin.StatusDelivered
		}
		if body.Deleted {
			sr.Flags |= admin.StatusDeleted
		}
		if src, err := eid.Parse(body.SourceEID); err == nil {
			sr.Source = src
		}
		if len(body.CreationTS) == 2 {
			sr.CreationSecs, sr.CreationSeq = body.CreationTS[0], body.CreationTS[1]
		}
		ar.handler.HandleStatusReport(sr)
	case admin.TypeV7CustodySignal:
		var body admin.V7CustodySignal
		if err := cbor.Unmarshal(rec.Body, &body); err != nil {
			return fmt.Errorf("%w: %v", admin.ErrMalformed, err)
		}
		ar.handler.HandleV7CustodySignal(&body)
	case admin.TypeV7BIBE:
		ar.handler.HandleBIBE(rec.Body)
	case admin.TypeV7IMCBriefing:
		ar.handler.HandleIMCBriefing(rec.Body)
	default:
		return fmt.Errorf("reg: unknown v7 admin record type %d", rec.Type)
	}
	return nil
}
