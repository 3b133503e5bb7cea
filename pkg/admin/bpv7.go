package admin

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// V7Record is a BPv7 administrative record: a 2-element CBOR array of
// [admin_type, body].
type V7Record struct {
	_    struct{} `cbor:",toarray"`
	Type uint64
	Body cbor.RawMessage
}

// EncodeV7 renders a BPv7 admin record.
func EncodeV7(typ uint64, body any) ([]byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("admin: encode v7 body: %w", err)
	}
	return cbor.Marshal(V7Record{Type: typ, Body: raw})
}

// DecodeV7 parses the outer BPv7 admin record, leaving the body raw.
func DecodeV7(payload []byte) (*V7Record, error) {
	var rec V7Record
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &rec, nil
}

// V7StatusReport is the body of a BPv7 status report record.
type V7StatusReport struct {
	_          struct{} `cbor:",toarray"`
	Received   bool
	Forwarded  bool
	Delivered  bool
	Deleted    bool
	Reason     uint64
	SourceEID  string
	CreationTS []uint64
}

// V7CustodySignal is the body of a BPv7 (BIBE) custody signal record.
type V7CustodySignal struct {
	_           struct{} `cbor:",toarray"`
	Succeeded   bool
	Reason      uint64
	TransmitIDs []uint64
}
