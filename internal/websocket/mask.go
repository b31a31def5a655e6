package websocket

import (
	"crypto/rand"
	"encoding/binary"
)

// Mask XORs payload in place with key, repeating the key every 4 bytes.
// Applying it twice with the same key restores the original payload.
func Mask(payload []byte, key [4]byte) {
	k := binary.BigEndian.Uint32(key[:])
	i := 0
	for ; i+4 <= len(payload); i += 4 {
		v := binary.BigEndian.Uint32(payload[i:])
		binary.BigEndian.PutUint32(payload[i:], v^k)
	}
	for ; i < len(payload); i++ {
		payload[i] ^= key[i%4]
	}
}

// NewMaskKey returns a random masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(key[:])
	return key
}
