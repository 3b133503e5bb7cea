package admin

import (
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/eid"
	"github.com/kestrelworks/dtnd/pkg/sdnv"
)

// StatusReport is a decoded bundle status report.
type StatusReport struct {
	Flags  uint8
	Reason ReasonCode

	IsForFragment bool
	FragOffset    uint64
	FragLength    uint64

	// StatusSecs and StatusSeq give when the reported disposition occurred:
	// seconds since the DTN epoch plus a sub-second sequence.
	StatusSecs uint64
	StatusSeq  uint64

	// Identification of the subject bundle.
	CreationSecs uint64
	CreationSeq  uint64
	Source       eid.EID
}

// Encode renders the status report as a BPv6 admin payload.
func (sr *StatusReport) Encode() []byte {
	flags := uint8(0)
	if sr.IsForFragment {
		flags = FlagForFragment
	}
	buf := []byte{TypeStatusReport<<4 | flags, sr.Flags, byte(sr.Reason)}
	if sr.IsForFragment {
		buf = sdnv.Append(buf, sr.FragOffset)
		buf = sdnv.Append(buf, sr.FragLength)
	}
	buf = sdnv.Append(buf, sr.StatusSecs)
	buf = sdnv.Append(buf, sr.StatusSeq)
	buf = sdnv.Append(buf, sr.CreationSecs)
	buf = sdnv.Append(buf, sr.CreationSeq)
	src := sr.Source.String()
	buf = sdnv.Append(buf, uint64(len(src)))
	buf = append(buf, src...)
	return buf
}

// DecodeStatusReport parses a BPv6 status report admin payload.
func DecodeStatusReport(payload []byte) (*StatusReport, error) {
	typ, flags, err := RecordType(payload)
	if err != nil {
		return nil, err
	}
	if typ != TypeStatusReport {
		return nil, fmt.Errorf("%w: got type %d", ErrWrongType, typ)
	}
	if len(payload) < 3 {
		return nil, ErrMalformed
	}
	sr := &StatusReport{
		Flags:         payload[1],
		Reason:        ReasonCode(payload[2]),
		IsForFragment: flags&FlagForFragment != 0,
	}
	rest := payload[3:]

	fields := []*uint64{}
	if sr.IsForFragment {
		fields = append(fields, &sr.FragOffset, &sr.FragLength)
	}
	fields = append(fields, &sr.StatusSecs, &sr.StatusSeq,
		&sr.CreationSecs, &sr.CreationSeq)
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
	sr.Source = src
	return sr, nil
}
