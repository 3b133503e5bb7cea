package admin

import (
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/sdnv"
)

// CustodySignal is a decoded custody signal.
type CustodySignal struct {
	Succeeded bool
	Reason    ReasonCode

	IsForFragment bool
	FragOffset    uint64
	FragLength    uint64

	SignalSecs uint64
	SignalSeq  uint64

	CreationSecs uint64
	CreationSeq  uint64
	Source       eid.EID
}

// RedundantReception reports the paradoxical failed-but-received pair that
// still releases local custody: the peer cancelled the transfer because it
// already has the bundle.
func (cs *CustodySignal) RedundantReception() bool {
	return !cs.Succeeded && cs.Reason == ReasonRedundantReception
}

// Encode renders the custody signal as a BPv6 admin payload.
func (cs *CustodySignal) Encode() []byte {
	flags := uint8(0)
	if cs.IsForFragment {
		flags = FlagForFragment
	}
	status := byte(cs.Reason) & 0x7f
	if cs.Succeeded {
		status |= 0x80
	}
	buf := []byte{TypeCustodySignal<<4 | flags, status}
	if cs.IsForFragment {
		buf = sdnv.Append(buf, cs.FragOffset)
		buf = sdnv.Append(buf, cs.FragLength)
	}
	buf = sdnv.Append(buf, cs.SignalSecs)
	buf = sdnv.Append(buf, cs.SignalSeq)
	buf = sdnv.Append(buf, cs.CreationSecs)
	buf = sdnv.Append(buf, cs.CreationSeq)
	src := cs.Source.String()
	buf = sdnv.Append(buf, uint64(len(src)))
	buf = append(buf, src...)
	return buf
}

// DecodeCustodySignal parses a BPv6 custody signal admin payload.
func DecodeCustodySignal(payload []byte) (*CustodySignal, error) {
	typ, flags, err := RecordType(payload)
	if err != nil {
		return nil, err
	}
	if typ != TypeCustodySignal {
		return nil, fmt.Errorf("%w: got type %d", ErrWrongType, typ)
	}
	if len(payload) < 2 {
		return nil, ErrMalformed
	}
	cs := &CustodySignal{
		Succeeded:     payload[1]&0x80 != 0,
		Reason:        ReasonCode(payload[1] & 0x7f),
		IsForFragment: flags&FlagForFragment != 0,
	}
	rest := payload[2:]

	fields := []*uint64{}
	if cs.IsForFragment {
		fields = append(fields, &cs.FragOffset, &cs.FragLength)
	}
	fields = append(fields, &cs.SignalSecs, &cs.SignalSeq,
		&cs.CreationSecs, &cs.CreationSeq)
	var srcLen uint64
	fields = append(fields, &srcLen)

	for _, f := range fields {
		v, n, err := sdnv.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		*f = v
		rest = rest[n:]
	}
	if uint64(len(rest)) < srcLen {
		return nil, ErrMalformed
	}
	src, err := eid.Parse(string(rest[:srcLen]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	cs.Source = src
	return cs, nil
}
