package radio

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// DefaultPSKBase64 is the sentinel for the well-known unencrypted key.
const DefaultPSKBase64 = "AQ=="

// defaultPSK is the key every stock Meshtastic channel derives from.
var defaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// ExpandPSK turns a stored channel PSK into a usable AES key. A single-byte
// PSK of value n selects the default key with its last byte advanced by n-1;
// 16 and 32 byte keys are used as-is. An empty PSK means no encryption.
func ExpandPSK(psk []byte) ([]byte, error) {
	switch len(psk) {
	case 0:
		return nil, nil
	case 1:
		if psk[0] == 0 {
			return nil, nil
		}
		key := make([]byte, len(defaultPSK))
		copy(key, defaultPSK)
		key[len(key)-1] += psk[0] - 1
		return key, nil
	case 16, 32:
		key := make([]byte, len(psk))
		copy(key, psk)
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported psk length: %d", len(psk))
	}
}

// ExpandPSKBase64 decodes and expands a base64 PSK as stored in channels.
func ExpandPSKBase64(psk string) ([]byte, error) {
	if psk == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(psk)
	if err != nil {
		return nil, fmt.Errorf("decode psk base64: %w", err)
	}
	return ExpandPSK(raw)
}

// DecryptChannelPayload reverses the radio's channel encryption: AES-CTR
// with a nonce of packetId (8 bytes LE) followed by fromNodeNum (8 bytes LE).
func DecryptChannelPayload(key []byte, packetID, fromNodeNum uint32, encrypted []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	var nonce [16]byte
	binary.LittleEndian.PutUint64(nonce[0:8], uint64(packetID))
	binary.LittleEndian.PutUint64(nonce[8:16], uint64(fromNodeNum))

	out := make([]byte, len(encrypted))
	cipher.NewCTR(block, nonce[:]).XORKeyStream(out, encrypted)

	return out, nil
}
