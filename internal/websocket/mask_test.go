package websocket

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"
)

func maskBytewise(payload []byte, key [4]byte) []byte {
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ key[i%4]
	}
	return out
}

func TestMaskMatchesBytewise(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	keys := [][4]byte{{0, 0, 0, 0}, {0xFF, 0xFF, 0xFF, 0xFF}, {0x12, 0x34, 0x56, 0x78}}
	for i := 0; i < 20; i++ {
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], rng.Uint32())
		keys = append(keys, key)
	}

	for _, key := range keys {
		for n := 0; n <= 17; n++ {
			payload := make([]byte, n)
			rng.Read(payload)

			got := bytes.Clone(payload)
			Mask(got, key)
			if want := maskBytewise(payload, key); !bytes.Equal(got, want) {
				t.Fatalf("Mask(key=%x, n=%d) = %x, want %x", key, n, got, want)
			}

			Mask(got, key)
			if !bytes.Equal(got, payload) {
				t.Fatalf("double Mask(key=%x, n=%d) = %x, want %x", key, n, got, payload)
			}
		}
	}
}

func TestMaskZeroKeyIsIdentity(t *testing.T) {
	payload := []byte("no change expected")
	got := bytes.Clone(payload)
	Mask(got, [4]byte{})
	if !bytes.Equal(got, payload) {
		t.Errorf("Mask(zero key) = %q, want %q", got, payload)
	}
}
