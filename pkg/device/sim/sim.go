// Package sim implements the device signing port in software.
//
// The simulator behaves like the hardware for the purposes of the
// signing pipeline: it mints HMAC-authenticated trusted-input
// attestations, rebuilds the SIGHASH_ALL preimage from the protocol
// traffic it receives, optionally withholds signatures until a
// second-factor code is presented, and returns real DER ECDSA
// signatures made with keys imported per derivation path. It exists so
// the pipeline can be exercised end to end without hardware, both in
// tests and from the CLI.
package sim

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/isabella232/ledger-btc-signer/pkg/device"
	"github.com/isabella232/ledger-btc-signer/pkg/txwire"
)

const (
	txVersion     = 1
	sequenceFinal = 0xffffffff
	sigHashAll    = 0x01

	// Trusted input layout: magic(1) zero(1) nonce(2) txid(32)
	// index(4) value(8) mac(8).
	trustedInputLen   = 56
	trustedInputMagic = 0x32
)

// Device is a software implementation of device.Signer. All methods
// are safe for sequential use from a single pipeline; wrap in
// device.Exclusive when shared.
type Device struct {
	mu         sync.Mutex
	keys       map[string]*btcec.PrivateKey
	sessionKey [32]byte

	secondFactor []byte
	validated    bool
	pending      device.ValidationRequest

	// Hash state for the pass in progress.
	inputs    []device.PrevOutput
	curIndex  int
	curScript []byte
	outputs   []byte
}

// New returns a simulator with a fresh attestation session key and no
// imported keys.
func New() (*Device, error) {
	d := &Device{keys: make(map[string]*btcec.PrivateKey)}
	if _, err := rand.Read(d.sessionKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return d, nil
}

// ImportKey registers the private key the simulator will sign with for
// a derivation path.
func (d *Device) ImportKey(path device.Path, key *btcec.PrivateKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[path.String()] = key
}

// RequireSecondFactor arms output validation: finalize responses will
// demand a second factor until a sign request carries code.
func (d *Device) RequireSecondFactor(code []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secondFactor = append([]byte(nil), code...)
	d.validated = false
}

// GetTrustedInput implements device.Signer.
func (d *Device) GetTrustedInput(ctx context.Context, prev device.PrevOutput) (device.TrustedInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, &device.IOError{Op: "getTrustedInput", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var nonce [2]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, &device.IOError{Op: "getTrustedInput", Cause: err}
	}

	w := txwire.NewWriter()
	w.WriteUint8(trustedInputMagic)
	w.WriteUint8(0x00)
	w.WriteBytes(nonce[:])
	w.WriteBytes(prev.TxID[:])
	w.WriteUint32(prev.Index)
	w.WriteUint64(uint64(prev.Value))

	mac := d.attest(w.Bytes())
	w.WriteBytes(mac)

	return device.TrustedInput(w.Bytes()), nil
}

// attest computes the 8-byte attestation MAC over blob.
func (d *Device) attest(blob []byte) []byte {
	h := hmac.New(sha256.New, d.sessionKey[:])
	h.Write(blob)
	return h.Sum(nil)[:8]
}

// parseTrustedInput validates an attestation and recovers the previous
// output it binds.
func (d *Device) parseTrustedInput(ti device.TrustedInput) (device.PrevOutput, error) {
	var prev device.PrevOutput

	if len(ti) != trustedInputLen {
		return prev, fmt.Errorf("trusted input length %d, want %d", len(ti), trustedInputLen)
	}
	if ti[0] != trustedInputMagic {
		return prev, fmt.Errorf("trusted input magic %#02x", ti[0])
	}
	if !hmac.Equal(d.attest(ti[:trustedInputLen-8]), []byte(ti[trustedInputLen-8:])) {
		return prev, fmt.Errorf("trusted input attestation mismatch")
	}

	r := txwire.NewReader(ti[4:])
	txid, _ := r.ReadBytes(32)
	copy(prev.TxID[:], txid)
	index, _ := r.ReadUint32()
	value, _ := r.ReadUint64()
	prev.Index = index
	prev.Value = btcutil.Amount(value)
	return prev, nil
}

// StartUntrustedTransaction implements device.Signer.
func (d *Device) StartUntrustedTransaction(ctx context.Context, newTransaction bool,
	inputIndex int, trusted []device.TrustedInput, redeemScript []byte) error {

	if err := ctx.Err(); err != nil {
		return &device.IOError{Op: "startUntrustedTransaction", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if inputIndex < 0 || inputIndex >= len(trusted) {
		return &device.ProtocolError{
			Op:      "startUntrustedTransaction",
			Message: fmt.Sprintf("input index %d out of bounds (have %d trusted inputs)", inputIndex, len(trusted)),
		}
	}

	inputs := make([]device.PrevOutput, len(trusted))
	for i, ti := range trusted {
		prev, err := d.parseTrustedInput(ti)
		if err != nil {
			return &device.ProtocolError{
				Op:      "startUntrustedTransaction",
				Message: fmt.Sprintf("trusted input %d rejected", i),
				Cause:   err,
			}
		}
		inputs[i] = prev
	}

	if newTransaction {
		// A fresh pass drops any authorization earned earlier.
		d.validated = false
		d.pending = nil
	}

	d.inputs = inputs
	d.curIndex = inputIndex
	d.curScript = append([]byte(nil), redeemScript...)
	return nil
}

// FinalizeInput implements device.Signer.
func (d *Device) FinalizeInput(ctx context.Context, outputs []byte, address string,
	amount, fee btcutil.Amount, changePath device.Path, hasChange bool) (*device.FinalizeResult, error) {

	if err := ctx.Err(); err != nil {
		return nil, &device.IOError{Op: "finalizeInput", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inputs == nil {
		return nil, &device.ProtocolError{
			Op:      "finalizeInput",
			Message: "no transaction hash in progress",
		}
	}

	d.outputs = append([]byte(nil), outputs...)

	if d.secondFactor != nil && !d.validated {
		if d.pending == nil {
			token := make([]byte, 16)
			if _, err := rand.Read(token); err != nil {
				return nil, &device.IOError{Op: "finalizeInput", Cause: err}
			}
			d.pending = token
		}
		return &device.FinalizeResult{
			NeedsValidation: true,
			Request:         d.pending,
		}, nil
	}

	return &device.FinalizeResult{}, nil
}

// UntrustedHashSign implements device.Signer.
func (d *Device) UntrustedHashSign(ctx context.Context, path device.Path, answer []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &device.IOError{Op: "untrustedHashSign", Cause: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inputs == nil || d.outputs == nil {
		return nil, &device.ProtocolError{
			Op:      "untrustedHashSign",
			Message: "transaction not finalized",
		}
	}

	if d.secondFactor != nil && !d.validated {
		if !bytes.Equal(answer, d.secondFactor) {
			return nil, &device.ProtocolError{
				Op:      "untrustedHashSign",
				Message: "second factor answer rejected",
			}
		}
		d.validated = true
	}

	key, ok := d.keys[path.String()]
	if !ok {
		return nil, &device.ProtocolError{
			Op:      "untrustedHashSign",
			Message: fmt.Sprintf("no key for path %s", path),
		}
	}

	hash := d.sigHash()
	return ecdsa.Sign(key, hash[:]).Serialize(), nil
}

// sigHash computes the legacy SIGHASH_ALL digest for the input the
// device is currently positioned on.
func (d *Device) sigHash() chainhash.Hash {
	w := txwire.NewWriter()
	w.WriteUint32(txVersion)
	w.WriteVarInt(uint64(len(d.inputs)))
	for i, prev := range d.inputs {
		w.WriteBytesReversed(prev.TxID[:])
		w.WriteUint32(prev.Index)
		if i == d.curIndex {
			w.WriteVarInt(uint64(len(d.curScript)))
			w.WriteBytes(d.curScript)
		} else {
			w.WriteVarInt(0)
		}
		w.WriteUint32(sequenceFinal)
	}
	w.WriteBytes(d.outputs)
	w.WriteUint32(0) // lock time
	w.WriteUint32(sigHashAll)
	return chainhash.DoubleHashH(w.Bytes())
}
