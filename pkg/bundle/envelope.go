package bundle

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelworks/dtnd/pkg/sdnv"
)

// An envelope frames one bundle for transport or restaging: the bundle's
// metadata record followed by its payload bytes, each length-prefixed so
// multiple bundles can be concatenated into one block.
//
//	SDNV(record len) | record JSON | SDNV(payload len) | payload

// EncodeEnvelope frames one bundle and its payload under the bundle lock.
func EncodeEnvelope(b *Bundle, payload []byte) ([]byte, error) {
	b.Lock()
	record, err := json.Marshal(b)
	b.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bundle: envelope encode: %w", err)
	}
	out := make([]byte, 0, len(record)+len(payload)+2*sdnv.MaxLen)
	out = sdnv.Append(out, uint64(len(record)))
	out = append(out, record...)
	out = sdnv.Append(out, uint64(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// Decoded is one bundle extracted from an envelope block.
type Decoded struct {
	Bundle  *Bundle
	Payload []byte
}

// DecodeEnvelopes splits a block into its framed bundles.
func DecodeEnvelopes(block []byte) ([]Decoded, error) {
	var out []Decoded
	rest := block
	for len(rest) > 0 {
		recLen, n, err := sdnv.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("bundle: envelope decode: %w", err)
		}
		rest = rest[n:]
		if uint64(len(rest)) < recLen {
			return nil, fmt.Errorf("bundle: envelope record truncated")
		}
		var b Bundle
		if err := json.Unmarshal(rest[:recLen], &b); err != nil {
			return nil, fmt.Errorf("bundle: envelope record: %w", err)
		}
		rest = rest[recLen:]

		payLen, n, err := sdnv.Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("bundle: envelope decode: %w", err)
		}
		rest = rest[n:]
		if uint64(len(rest)) < payLen {
			return nil, fmt.Errorf("bundle: envelope payload truncated")
		}
		payload := make([]byte, payLen)
		copy(payload, rest[:payLen])
		rest = rest[payLen:]

		out = append(out, Decoded{Bundle: &b, Payload: payload})
	}
	return out, nil
}
