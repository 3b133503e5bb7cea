package admin

import (
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/sdnv"
)

// ACSEntry is one run of consecutive custody IDs in an aggregate custody
// signal. Gap is the number of missing IDs between this run and the end of
// the previous one (zero for a run adjacent to it); Fill is the run length.
// The first ID of a run is prevEnd + Gap + 1, with prevEnd starting at 0.
type ACSEntry struct {
	Gap  uint64 `json:"gap"`
	Fill uint64 `json:"fill"`
}

// AggregateCustodySignal is a decoded aggregate custody signal: one
// (succeeded, reason) verdict over a run-length-encoded set of custody IDs.
type AggregateCustodySignal struct {
	Succeeded bool
	Reason    ReasonCode
	Entries   []ACSEntry
}

// CustodyIDs expands the run-length encoding into the ascending ID set.
func (acs *AggregateCustodySignal) CustodyIDs() []uint64 {
	var ids []uint64
	cursor := uint64(0)
	for _, e := range acs.Entries {
		first := cursor + e.Gap + 1
		for i := uint64(0); i < e.Fill; i++ {
			ids = append(ids, first+i)
		}
		cursor = first + e.Fill - 1
	}
	return ids
}

// EncodedLen returns the payload size Encode would produce, used by the
// pending-signal accumulator to enforce the per-route maximum without
// encoding.
func (acs *AggregateCustodySignal) EncodedLen() int {
	n := 2
	for _, e := range acs.Entries {
		n += sdnv.EncodedLen(e.Gap) + sdnv.EncodedLen(e.Fill)
	}
	return n
}

// Encode renders the aggregate custody signal as a BPv6 admin payload.
func (acs *AggregateCustodySignal) Encode() []byte {
	status := byte(acs.Reason) & 0x7f
	if acs.Succeeded {
		status |= 0x80
	}
	buf := make([]byte, 0, acs.EncodedLen())
	buf = append(buf, TypeAggregateCustody<<4, status)
	for _, e := range acs.Entries {
		buf = sdnv.Append(buf, e.Gap)
		buf = sdnv.Append(buf, e.Fill)
	}
	return buf
}

// DecodeAggregateCustodySignal parses a BPv6 ACS admin payload.
func DecodeAggregateCustodySignal(payload []byte) (*AggregateCustodySignal, error) {
	typ, _, err := RecordType(payload)
	if err != nil {
		return nil, err
	}
	if typ != TypeAggregateCustody {
		return nil, fmt.Errorf("%w: got type %d", ErrWrongType, typ)
	}
	if len(payload) < 2 {
		return nil, ErrMalformed
	}
	acs := &AggregateCustodySignal{
		Succeeded: payload[1]&0x80 != 0,
		Reason:    ReasonCode(payload[1] & 0x7f),
	}
	rest := payload[2:]
	for len(rest) > 0 {
		gap, n, err := sdnv.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		rest = rest[n:]
		fill, n, err := sdnv.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		rest = rest[n:]
		if fill == 0 {
			return nil, fmt.Errorf("%w: zero-length fill", ErrMalformed)
		}
		acs.Entries = append(acs.Entries, ACSEntry{Gap: gap, Fill: fill})
	}
	if len(acs.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrMalformed)
	}
	return acs, nil
}
