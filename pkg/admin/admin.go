// Package admin encodes and decodes administrative bundle payloads: status
// reports, custody signals, and aggregate custody signals for BPv6, and the
// CBOR admin records used by BPv7.
package admin

import "errors"

// BPv6 admin record type codes (high nibble of the first payload byte).
const (
	TypeStatusReport      uint8 = 0x01
	TypeCustodySignal     uint8 = 0x02
	TypeAggregateCustody  uint8 = 0x04
	TypeAnnounce          uint8 = 0x05
	TypeMulticastPetition uint8 = 0x06
	TypeBIBE              uint8 = 0x07
)

// Admin record flag bits (low nibble of the first payload byte).
const (
	FlagForFragment uint8 = 0x01
)

// BPv7 admin record type codes (first element of the CBOR array).
const (
	TypeV7StatusReport  uint64 = 1
	TypeV7BIBE          uint64 = 3
	TypeV7CustodySignal uint64 = 4
	TypeV7IMCBriefing   uint64 = 5
)

// Status flag bits for BPv6 status reports.
const (
	StatusReceived  uint8 = 0x01
	StatusCustody   uint8 = 0x02
	StatusForwarded uint8 = 0x04
	StatusDelivered uint8 = 0x08
	StatusDeleted   uint8 = 0x10
)

// ReasonCode qualifies status reports and custody signals.
type ReasonCode uint8

const (
	ReasonNoAddtlInfo           ReasonCode = 0
	ReasonLifetimeExpired       ReasonCode = 1
	ReasonForwardedOverUnidir   ReasonCode = 2
	ReasonRedundantReception    ReasonCode = 3
	ReasonDepletedStorage       ReasonCode = 4
	ReasonEndpointIDUnintell    ReasonCode = 5
	ReasonNoRouteToDest         ReasonCode = 6
	ReasonNoTimelyContact       ReasonCode = 7
	ReasonBlockUnintell         ReasonCode = 8
)

func (r ReasonCode) String() string {
	switch r {
	case ReasonNoAddtlInfo:
		return "no additional information"
	case ReasonLifetimeExpired:
		return "lifetime expired"
	case ReasonForwardedOverUnidir:
		return "forwarded over unidirectional link"
	case ReasonRedundantReception:
		return "redundant reception"
	case ReasonDepletedStorage:
		return "depleted storage"
	case ReasonEndpointIDUnintell:
		return "endpoint id unintelligible"
	case ReasonNoRouteToDest:
		return "no route to destination"
	case ReasonNoTimelyContact:
		return "no timely contact"
	case ReasonBlockUnintell:
		return "block unintelligible"
	default:
		return "reserved"
	}
}

var (
	// ErrMalformed indicates an admin payload that cannot be decoded.
	ErrMalformed = errors.New("admin: malformed payload")

	// ErrWrongType indicates a payload whose admin type does not match the
	// decoder invoked on it.
	ErrWrongType = errors.New("admin: wrong record type")
)

// RecordType returns the admin type code and flags from the first byte of a
// BPv6 admin payload.
func RecordType(payload []byte) (typ, flags uint8, err error) {
	if len(payload) < 1 {
		return 0, 0, ErrMalformed
	}
	return payload[0] >> 4, payload[0] & 0x0f, nil
}
