package txcrypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// UncompressedPubKeyLen is the length of the uncompressed public keys
// the device reports for its derivation paths.
const UncompressedPubKeyLen = 65

// ParseUncompressedPubKey parses a 65-byte uncompressed secp256k1
// public key and verifies it lies on the curve.
func ParseUncompressedPubKey(b []byte) (*secp256k1.PublicKey, error) {
	if len(b) != UncompressedPubKeyLen {
		return nil, fmt.Errorf("uncompressed public key must be %d bytes, got %d",
			UncompressedPubKeyLen, len(b))
	}
	if b[0] != 0x04 {
		return nil, fmt.Errorf("invalid uncompressed public key prefix: %#02x", b[0])
	}

	key, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
