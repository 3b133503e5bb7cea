package ltp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
)

// Cipher is the opaque sign/verify contract over LTP header and trailer
// bytes. Each direction of a link carries its own (suite, key id, engine
// name) triple; suite -1 disables the trailer entirely.
type Cipher interface {
	// Suite returns the cipher suite number, or -1 for none.
	Suite() int
	// TrailerLen returns the trailer size in bytes.
	TrailerLen() int
	// Sign computes the trailer over the encoded segment body.
	Sign(body []byte) []byte
	// Verify checks a received trailer.
	Verify(body, trailer []byte) bool
}

// NullCipher is suite -1: no header or trailer enforcement.
type NullCipher struct{}

func (NullCipher) Suite() int                 { return -1 }
func (NullCipher) TrailerLen() int            { return 0 }
func (NullCipher) Sign([]byte) []byte         { return nil }
func (NullCipher) Verify([]byte, []byte) bool { return true }

// HMACCipher implements the recognized suites: 0 (HMAC-SHA1), 1
// (HMAC-SHA256), and 255 (null-keyed HMAC-SHA1 for interop testing).
type HMACCipher struct {
	suite int
	keyID uint64
	key   []byte
}

// NewHMACCipher builds a cipher for a recognized suite. Suite 255 ignores
// the supplied key and signs with a zero key.
func NewHMACCipher(suite int, keyID uint64, key []byte) *HMACCipher {
	if suite == 255 {
		key = make([]byte, 20)
	}
	return &HMACCipher{suite: suite, keyID: keyID, key: key}
}

func (c *HMACCipher) Suite() int { return c.suite }

func (c *HMACCipher) TrailerLen() int {
	if c.suite == 1 {
		return sha256.Size
	}
	return sha1.Size
}

func (c *HMACCipher) Sign(body []byte) []byte {
	m := c.newMAC()
	m.Write(body)
	return m.Sum(nil)
}

func (c *HMACCipher) Verify(body, trailer []byte) bool {
	return hmac.Equal(c.Sign(body), trailer)
}

func (c *HMACCipher) newMAC() hash.Hash {
	if c.suite == 1 {
		return hmac.New(sha256.New, c.key)
	}
	return hmac.New(sha1.New, c.key)
}
