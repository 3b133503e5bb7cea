package daemon

import (
	"sort"

	"github.com/kestrelworks/dtnd/pkg/admin"
	"github.com/kestrelworks/dtnd/pkg/events"
)

// The daemon is the AdminHandler behind both admin registrations: decoded
// administrative traffic re-enters the pipeline as events for Main.

func (d *Daemon) HandleStatusReport(sr *admin.StatusReport) {
	d.logger.Info().
		Str("source", sr.Source.String()).
		Uint8("flags", sr.Flags).
		Str("reason", sr.Reason.String()).
		Msg("status report received")
}

func (d *Daemon) HandleCustodySignal(cs *admin.CustodySignal) {
	d.Dispatcher.Post(&events.CustodySignalReceived{Signal: cs})
}

func (d *Daemon) HandleAggregateCustodySignal(acsSig *admin.AggregateCustodySignal) {
	d.Dispatcher.Post(&events.AggregateCustodySignalReceived{Signal: acsSig})
}

func (d *Daemon) HandleV7CustodySignal(cs *admin.V7CustodySignal) {
	// BIBE custody signals carry transmit IDs in the custody-ID space.
	sig := &admin.AggregateCustodySignal{
		Succeeded: cs.Succeeded,
		Reason:    admin.ReasonCode(cs.Reason),
	}
	ids := append([]uint64(nil), cs.TransmitIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	prevEnd := uint64(0)
	for _, id := range ids {
		if id <= prevEnd {
			continue
		}
		sig.Entries = append(sig.Entries, admin.ACSEntry{Gap: id - prevEnd - 1, Fill: 1})
		prevEnd = id
	}
	if len(sig.Entries) > 0 {
		d.Dispatcher.Post(&events.AggregateCustodySignalReceived{Signal: sig})
	}
}

func (d *Daemon) HandleAnnounce(payload []byte) {
	d.logger.Debug().Int("len", len(payload)).Msg("announce received")
}

func (d *Daemon) HandleBIBE(payload []byte) {
	d.logger.Debug().Int("len", len(payload)).Msg("bibe payload received")
}

func (d *Daemon) HandleMulticastPetition(payload []byte) {
	d.logger.Debug().Int("len", len(payload)).Msg("multicast petition received")
}

func (d *Daemon) HandleIMCBriefing(payload []byte) {
	d.logger.Debug().Int("len", len(payload)).Msg("imc briefing received")
}
