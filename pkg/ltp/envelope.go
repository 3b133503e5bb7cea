package ltp

import (
	"github.com/kestrelworks/dtnd/pkg/bundle"
)

// Blocks carry bundles in the shared envelope framing; see
// bundle.EncodeEnvelope.

// EncodeEnvelope frames one bundle and its payload for a session block.
func EncodeEnvelope(b *bundle.Bundle, payload []byte) ([]byte, error) {
	return bundle.EncodeEnvelope(b, payload)
}

// DecodeEnvelopes splits a received block into its bundles.
func DecodeEnvelopes(block []byte) ([]bundle.Decoded, error) {
	return bundle.DecodeEnvelopes(block)
}
