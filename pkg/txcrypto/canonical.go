// Package txcrypto implements signature canonicalization and the small
// amount of public key handling the signing pipeline needs.
//
// The hardware device returns raw ECDSA signatures that are almost, but
// not quite, canonical DER: some firmware revisions set spare bits in
// the leading sequence tag, and the S value may be in the upper half of
// the curve order. Canonical signatures (strict low-S DER with the
// sighash byte appended) are what the network's standardness rules
// accept, so every device signature passes through Canonicalize before
// it is placed in a script.
package txcrypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SigHashAll is the sighash type appended to every canonical signature.
// The device always commits to the entire transaction.
const SigHashAll = 0x01

// Canonicalize normalizes a raw device signature into strict low-S DER
// form with the SigHashAll byte appended.
//
// The operation is idempotent on the DER portion: a signature that is
// already canonical is returned unchanged (plus the suffix). A
// signature that cannot be parsed is a protocol violation by the
// device and is reported as an error.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("device signature too short: %d bytes", len(raw))
	}

	der := make([]byte, len(raw))
	copy(der, raw)
	// Some firmware revisions set spare bits in the sequence tag.
	der[0] = 0x30

	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return nil, fmt.Errorf("malformed device signature: %w", err)
	}

	// Serialize emits strict DER and flips S into the lower half of the
	// curve order when needed.
	return append(sig.Serialize(), SigHashAll), nil
}
