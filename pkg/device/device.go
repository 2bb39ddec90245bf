// Package device defines the signing port to the hardware wallet.
//
// The signing pipeline never talks to the transport directly; it drives
// a Signer, four stateful operations the device exposes for building
// and authorizing a transaction. The device is a single-threaded
// resource: the four operations must be invoked strictly sequentially,
// never concurrently, and in protocol order. Wrap a transport-backed
// implementation in Exclusive when more than one pipeline can reach the
// same physical device.
package device

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
)

// TrustedInput is an opaque device attestation binding a previous
// output to the transaction being built. The device mints one per
// spent output and consumes them when hashing inputs; the host never
// interprets the contents.
type TrustedInput []byte

// ValidationRequest is the opaque token the device hands out when it
// demands out-of-band confirmation of an output. The host forwards it
// to whatever channel delivers the second factor to the user.
type ValidationRequest []byte

// PrevOutput identifies the unspent output a trusted input attests to.
type PrevOutput struct {
	// TxID is the funding transaction id in display order.
	TxID [32]byte

	// Index is the output's position within the funding transaction.
	Index uint32

	// Value is the amount held by the output.
	Value btcutil.Amount
}

// FinalizeResult is the device's response to finalizing the outputs of
// a signing pass.
type FinalizeResult struct {
	// NeedsValidation reports whether the device refuses to sign until
	// the user confirms the outputs out-of-band.
	NeedsValidation bool

	// Request carries the validation token when NeedsValidation is set.
	Request ValidationRequest
}

// Signer is the set of device operations the signing pipeline depends
// on. All four may suspend on device I/O and honor context
// cancellation, with the caveat that a command already submitted to the
// hardware runs to completion regardless.
type Signer interface {
	// GetTrustedInput asks the device to attest to a previous output.
	// Fails if the device rejects the output reference.
	GetTrustedInput(ctx context.Context, prev PrevOutput) (TrustedInput, error)

	// StartUntrustedTransaction begins (or continues) the device's
	// transaction hash over the full input set. newTransaction is true
	// only for the first input of a fresh pass; a pass resumed after a
	// second-factor answer, and every later input, continue the
	// device-side state with newTransaction false. redeemScript is the
	// script of the output being spent by the input at inputIndex.
	StartUntrustedTransaction(ctx context.Context, newTransaction bool,
		inputIndex int, trusted []TrustedInput, redeemScript []byte) error

	// FinalizeInput hands the device the serialized output section
	// together with the summary it may show the user: the first
	// destination address and amount, the fee, and the change path if a
	// change output is present.
	FinalizeInput(ctx context.Context, outputs []byte, address string,
		amount, fee btcutil.Amount, changePath Path,
		hasChange bool) (*FinalizeResult, error)

	// UntrustedHashSign signs the device's current transaction hash
	// with the key at path. answer carries the second-factor response,
	// or is empty when none was demanded.
	UntrustedHashSign(ctx context.Context, path Path, answer []byte) ([]byte, error)
}
