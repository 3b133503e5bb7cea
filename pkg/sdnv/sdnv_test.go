package sdnv

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDecode(t *testing.T) {
	tests := []struct {
		name    string
		value   uint64
		encoded []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"one byte max", 127, []byte{0x7f}},
		{"two bytes min", 128, []byte{0x81, 0x00}},
		{"rfc example 0xabc", 0xabc, []byte{0x95, 0x3c}},
		{"rfc example 0x1234", 0x1234, []byte{0xa4, 0x34}},
		{"max uint64", ^uint64(0), []byte{0x81, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := Append(nil, tt.value)
			assert.True(t, bytes.Equal(tt.encoded, enc), "encoded % x", enc)
			assert.Equal(t, len(enc), EncodedLen(tt.value))

			v, n, err := Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
			assert.Equal(t, len(enc), n)
		})
	}
}

func TestDecodeConsumesPrefix(t *testing.T) {
	buf := Append(nil, 300)
	buf = append(buf, 0xde, 0xad)

	v, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	assert.Equal(t, 2, n)
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x81})
	assert.ErrorIs(t, err, ErrTruncated)

	_, _, err = Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeOverflow(t *testing.T) {
	// 11 continuation bytes cannot fit in 64 bits.
	buf := bytes.Repeat([]byte{0xff}, 11)
	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, ErrOverflow)
}
