package device

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
)

// Exclusive wraps a Signer so that at most one device operation is in
// flight at a time. The hardware cannot multiplex commands; callers
// that share one physical device between pipelines wrap its transport
// once and hand the same Exclusive to each of them.
//
// Exclusive serializes individual operations only. Interleaving whole
// signing passes from different pipelines is still the caller's
// responsibility.
type Exclusive struct {
	mu  sync.Mutex
	dev Signer
}

// NewExclusive returns dev wrapped with a single-slot in-flight guard.
func NewExclusive(dev Signer) *Exclusive {
	return &Exclusive{dev: dev}
}

// GetTrustedInput implements Signer.
func (e *Exclusive) GetTrustedInput(ctx context.Context, prev PrevOutput) (TrustedInput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.GetTrustedInput(ctx, prev)
}

// StartUntrustedTransaction implements Signer.
func (e *Exclusive) StartUntrustedTransaction(ctx context.Context, newTransaction bool,
	inputIndex int, trusted []TrustedInput, redeemScript []byte) error {

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.StartUntrustedTransaction(ctx, newTransaction, inputIndex,
		trusted, redeemScript)
}

// FinalizeInput implements Signer.
func (e *Exclusive) FinalizeInput(ctx context.Context, outputs []byte, address string,
	amount, fee btcutil.Amount, changePath Path, hasChange bool) (*FinalizeResult, error) {

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.FinalizeInput(ctx, outputs, address, amount, fee, changePath,
		hasChange)
}

// UntrustedHashSign implements Signer.
func (e *Exclusive) UntrustedHashSign(ctx context.Context, path Path, answer []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.UntrustedHashSign(ctx, path, answer)
}
