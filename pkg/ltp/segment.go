package ltp

import (
	"errors"
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/sdnv"
)

// LTP protocol version carried in the header high nibble.
const protocolVersion = 0

// SegType is the segment type code: the low nibble of the header byte,
// encoding (control, exception, flag1, flag0).
type SegType uint8

const (
	SegRedData             SegType = 0 // red DS
	SegRedDataCP           SegType = 1 // red DS, checkpoint
	SegRedDataCPEORP       SegType = 2 // red DS, checkpoint + EORP
	SegRedDataCPEORPEOB    SegType = 3 // red DS, checkpoint + EORP + EOB
	SegGreenData           SegType = 4 // green DS
	SegGreenDataEOB        SegType = 7 // green DS, EOB
	SegReport              SegType = 8
	SegReportAck           SegType = 9
	SegCancelBySender      SegType = 10
	SegCancelAckToSender   SegType = 11
	SegCancelByReceiver    SegType = 12
	SegCancelAckToReceiver SegType = 13
)

func (t SegType) String() string {
	switch t {
	case SegRedData:
		return "RED_DS"
	case SegRedDataCP:
		return "RED_DS_CP"
	case SegRedDataCPEORP:
		return "RED_DS_CP_EORP"
	case SegRedDataCPEORPEOB:
		return "RED_DS_CP_EORP_EOB"
	case SegGreenData, 5, 6:
		return "GREEN_DS"
	case SegGreenDataEOB:
		return "GREEN_DS_EOB"
	case SegReport:
		return "RS"
	case SegReportAck:
		return "RA"
	case SegCancelBySender:
		return "CS_BY_SENDER"
	case SegCancelAckToSender:
		return "CAS"
	case SegCancelByReceiver:
		return "CS_BY_RECEIVER"
	case SegCancelAckToReceiver:
		return "CAR"
	default:
		return "UNKNOWN"
	}
}

// IsData reports whether the type carries session data.
func (t SegType) IsData() bool { return t <= SegGreenDataEOB }

// IsRed reports whether the type is red (reliable) data.
func (t SegType) IsRed() bool { return t <= SegRedDataCPEORPEOB }

// IsGreen reports whether the type is green (best-effort) data.
func (t SegType) IsGreen() bool { return t >= SegGreenData && t <= SegGreenDataEOB }

// IsCheckpoint reports whether a red DS solicits a report.
func (t SegType) IsCheckpoint() bool {
	return t == SegRedDataCP || t == SegRedDataCPEORP || t == SegRedDataCPEORPEOB
}

// IsEORP reports end-of-red-part.
func (t SegType) IsEORP() bool {
	return t == SegRedDataCPEORP || t == SegRedDataCPEORPEOB
}

// IsEOB reports end-of-block.
func (t SegType) IsEOB() bool {
	return t == SegRedDataCPEORPEOB || t == SegGreenDataEOB
}

// CancelReason codes.
type CancelReason uint8

const (
	// CancelUserCancelled is a client-requested cancel.
	CancelUserCancelled CancelReason = 0
	// CancelUnreachable means the destination is unreachable.
	CancelUnreachable CancelReason = 1
	// CancelRLEXC means the retransmission limit was exceeded.
	CancelRLEXC CancelReason = 2
	// CancelMiscolored means a session mixed red and green data.
	CancelMiscolored CancelReason = 3
	// CancelSysCancelled is a system error (storage depletion, quota).
	CancelSysCancelled CancelReason = 4
	// CancelRxmtCycleExceeded (RXMTCYCEX) closes inactive sessions.
	CancelRxmtCycleExceeded CancelReason = 5
)

func (r CancelReason) String() string {
	switch r {
	case CancelUserCancelled:
		return "USR_CNCLD"
	case CancelUnreachable:
		return "UNREACHABLE"
	case CancelRLEXC:
		return "RLEXC"
	case CancelMiscolored:
		return "MISCOLORED"
	case CancelSysCancelled:
		return "SYSTEM_CANCELLED"
	case CancelRxmtCycleExceeded:
		return "RXMTCYCEX"
	default:
		return "RESERVED"
	}
}

// ReportClaim is one contiguous reception claim, offset relative to the
// report's lower bound.
type ReportClaim struct {
	Offset uint64
	Length uint64
}

// Segment is one decoded LTP segment.
type Segment struct {
	Type      SegType
	EngineID  uint64
	SessionID uint64

	// Cipher suite trailer; nil when suite none is in force.
	Trailer []byte

	// Data segment fields.
	ClientService uint64
	Offset        uint64
	Length        uint64
	CheckpointID  uint64
	ReportSerial  uint64 // serial being answered by a resend checkpoint
	Data          []byte

	// Report segment fields.
	RSSerial     uint64
	RSCheckpoint uint64
	UpperBound   uint64
	LowerBound   uint64
	Claims       []ReportClaim

	// Report-ack field.
	RASerial uint64

	// Cancel field.
	Reason CancelReason
}

var errShortSegment = errors.New("ltp: truncated segment")

// Key returns the session key the segment belongs to.
func (s *Segment) Key() SessionKey {
	return SessionKey{EngineID: s.EngineID, SessionID: s.SessionID}
}

// SessionKey identifies a session: the originating engine and its session
// number.
type SessionKey struct {
	EngineID  uint64
	SessionID uint64
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%d-%d", k.EngineID, k.SessionID)
}

// Encode renders the segment, appending the cipher trailer when one is
// supplied by the signer.
func (s *Segment) Encode(signer Cipher) []byte {
	buf := make([]byte, 0, 32+len(s.Data))
	buf = append(buf, byte(protocolVersion<<4)|byte(s.Type))
	buf = sdnv.Append(buf, s.EngineID)
	buf = sdnv.Append(buf, s.SessionID)
	// header/trailer extension counts: one trailer slot when signing
	if signer != nil && signer.Suite() >= 0 {
		buf = append(buf, 0x01)
	} else {
		buf = append(buf, 0x00)
	}

	switch {
	case s.Type.IsData():
		buf = sdnv.Append(buf, s.ClientService)
		buf = sdnv.Append(buf, s.Offset)
		buf = sdnv.Append(buf, uint64(len(s.Data)))
		if s.Type.IsCheckpoint() {
			buf = sdnv.Append(buf, s.CheckpointID)
			buf = sdnv.Append(buf, s.ReportSerial)
		}
		buf = append(buf, s.Data...)
	case s.Type == SegReport:
		buf = sdnv.Append(buf, s.RSSerial)
		buf = sdnv.Append(buf, s.RSCheckpoint)
		buf = sdnv.Append(buf, s.UpperBound)
		buf = sdnv.Append(buf, s.LowerBound)
		buf = sdnv.Append(buf, uint64(len(s.Claims)))
		for _, c := range s.Claims {
			buf = sdnv.Append(buf, c.Offset)
			buf = sdnv.Append(buf, c.Length)
		}
	case s.Type == SegReportAck:
		buf = sdnv.Append(buf, s.RASerial)
	case s.Type == SegCancelBySender || s.Type == SegCancelByReceiver:
		buf = append(buf, byte(s.Reason))
	case s.Type == SegCancelAckToSender || s.Type == SegCancelAckToReceiver:
		// no body
	}

	if signer != nil && signer.Suite() >= 0 {
		buf = append(buf, signer.Sign(buf)...)
	}
	return buf
}

// DecodeHeader parses only (engine_id, session_id, segment_type) without
// trusting the body. The datagram dispatcher uses it to route segments to
// the owning node.
func DecodeHeader(raw []byte) (SegType, SessionKey, error) {
	if len(raw) < 4 {
		return 0, SessionKey{}, errShortSegment
	}
	if raw[0]>>4 != protocolVersion {
		return 0, SessionKey{}, fmt.Errorf("ltp: unknown protocol version %d", raw[0]>>4)
	}
	typ := SegType(raw[0] & 0x0f)
	rest := raw[1:]
	engine, n, err := sdnv.Decode(rest)
	if err != nil {
		return 0, SessionKey{}, err
	}
	rest = rest[n:]
	session, _, err := sdnv.Decode(rest)
	if err != nil {
		return 0, SessionKey{}, err
	}
	return typ, SessionKey{EngineID: engine, SessionID: session}, nil
}

// Decode parses a full segment, verifying the cipher trailer when one is
// in force.
func Decode(raw []byte, verifier Cipher) (*Segment, error) {
	if len(raw) < 4 {
		return nil, errShortSegment
	}
	if raw[0]>>4 != protocolVersion {
		return nil, fmt.Errorf("ltp: unknown protocol version %d", raw[0]>>4)
	}
	s := &Segment{Type: SegType(raw[0] & 0x0f)}
	rest := raw[1:]

	var err error
	var n int
	if s.EngineID, n, err = sdnv.Decode(rest); err != nil {
		return nil, err
	}
	rest = rest[n:]
	if s.SessionID, n, err = sdnv.Decode(rest); err != nil {
		return nil, err
	}
	rest = rest[n:]
	if len(rest) < 1 {
		return nil, errShortSegment
	}
	extCount := rest[0]
	rest = rest[1:]

	trailerLen := 0
	if extCount&0x0f != 0 {
		if verifier == nil || verifier.Suite() < 0 {
			return nil, fmt.Errorf("ltp: unexpected security trailer")
		}
		trailerLen = verifier.TrailerLen()
		if len(rest) < trailerLen {
			return nil, errShortSegment
		}
		body := raw[:len(raw)-trailerLen]
		s.Trailer = rest[len(rest)-trailerLen:]
		if !verifier.Verify(body, s.Trailer) {
			return nil, fmt.Errorf("ltp: security trailer verification failed")
		}
		rest = rest[:len(rest)-trailerLen]
	} else if verifier != nil && verifier.Suite() >= 0 {
		return nil, fmt.Errorf("ltp: missing required security trailer")
	}

	decode := func(dst *uint64) error {
		v, n, err := sdnv.Decode(rest)
		if err != nil {
			return err
		}
		*dst = v
		rest = rest[n:]
		return nil
	}

	switch {
	case s.Type.IsData():
		if err := decode(&s.ClientService); err != nil {
			return nil, err
		}
		if err := decode(&s.Offset); err != nil {
			return nil, err
		}
		if err := decode(&s.Length); err != nil {
			return nil, err
		}
		if s.Type.IsCheckpoint() {
			if err := decode(&s.CheckpointID); err != nil {
				return nil, err
			}
			if err := decode(&s.ReportSerial); err != nil {
				return nil, err
			}
		}
		if uint64(len(rest)) < s.Length {
			return nil, errShortSegment
		}
		s.Data = rest[:s.Length]
	case s.Type == SegReport:
		if err := decode(&s.RSSerial); err != nil {
			return nil, err
		}
		if err := decode(&s.RSCheckpoint); err != nil {
			return nil, err
		}
		if err := decode(&s.UpperBound); err != nil {
			return nil, err
		}
		if err := decode(&s.LowerBound); err != nil {
			return nil, err
		}
		var count uint64
		if err := decode(&count); err != nil {
			return nil, err
		}
		if count > 4096 {
			return nil, fmt.Errorf("ltp: implausible claim count %d", count)
		}
		for i := uint64(0); i < count; i++ {
			var c ReportClaim
			if err := decode(&c.Offset); err != nil {
				return nil, err
			}
			if err := decode(&c.Length); err != nil {
				return nil, err
			}
			s.Claims = append(s.Claims, c)
		}
	case s.Type == SegReportAck:
		if err := decode(&s.RASerial); err != nil {
			return nil, err
		}
	case s.Type == SegCancelBySender || s.Type == SegCancelByReceiver:
		if len(rest) < 1 {
			return nil, errShortSegment
		}
		s.Reason = CancelReason(rest[0])
	case s.Type == SegCancelAckToSender || s.Type == SegCancelAckToReceiver:
		// no body
	default:
		return nil, fmt.Errorf("ltp: unknown segment type %d", s.Type)
	}
	return s, nil
}
