// Package builder drives the transaction signing pipeline against a
// hardware signing device.
//
// A Builder is configured with the UTXOs to spend, the destinations to
// pay, a fee, and a change target, then Sign is called until it either
// returns the raw transaction or fails. Signing proceeds through five
// phases: change computation, output serialization, trusted input
// acquisition, per-input signing, and final assembly. Each phase's
// artifact is produced once and cached, so the pipeline resumes from
// where it stopped.
//
// When the device requires a second-factor confirmation for an output,
// Sign fails with a ValidationRequiredError carrying the device's
// validation request. The caller obtains the answer out of band,
// supplies it with CompleteSecondFactor, and calls Sign again; the
// cached outputs and trusted inputs are reused and only the signing
// phase repeats.
package builder

import (
	"context"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/isabella232/ledger-btc-signer/pkg/device"
	"github.com/isabella232/ledger-btc-signer/pkg/txcrypto"
	"github.com/isabella232/ledger-btc-signer/pkg/txwire"
)

const (
	// TxVersion is the transaction version the builder emits.
	TxVersion = 1

	// SequenceFinal disables relative locktime for an input.
	SequenceFinal = 0xffffffff

	// totalSteps is the number of pipeline phases reported to the
	// progress callback.
	totalSteps = 5
)

// UTXO is a previous output the transaction will spend. TxID is in
// display order (as block explorers print it); the builder reverses it
// on the wire.
type UTXO struct {
	TxID   [32]byte
	Index  uint32
	Value  btcutil.Amount
	Path   device.Path
	PubKey []byte // 65-byte uncompressed public key for Path
	Script []byte // previous output's script, satisfied by the new input
}

// Destination is a payment target.
type Destination struct {
	Address string
	Amount  btcutil.Amount
}

// Builder owns all state for one transaction attempt. It is not safe
// for concurrent use; create one Builder per transaction.
type Builder struct {
	dev    device.Signer
	params *chaincfg.Params

	utxos         []UTXO
	dests         []Destination
	fee           btcutil.Amount
	feeSet        bool
	changePath    device.Path
	changeAddress string
	secondFactor  []byte
	progress      func(step, total int)

	// Phase artifacts, populated monotonically.
	changeValue    btcutil.Amount
	changeComputed bool
	outputs        []byte
	trustedInputs  []device.TrustedInput
	signatures     [][]byte
}

// New returns a Builder targeting dev on the main Bitcoin network.
func New(dev device.Signer) *Builder {
	return &Builder{
		dev:    dev,
		params: &chaincfg.MainNetParams,
	}
}

// SetNetwork selects the network whose address encodings the builder
// accepts. Chainable.
func (b *Builder) SetNetwork(params *chaincfg.Params) *Builder {
	b.params = params
	return b
}

// AddUTXO appends a previous output to the spend set. Chainable.
func (b *Builder) AddUTXO(utxo UTXO) *Builder {
	b.utxos = append(b.utxos, utxo)
	return b
}

// AddDestination appends a payment target. Destinations serialize in
// insertion order. Chainable.
func (b *Builder) AddDestination(address string, amount btcutil.Amount) *Builder {
	b.dests = append(b.dests, Destination{Address: address, Amount: amount})
	return b
}

// SetFee sets the miner fee. Chainable.
func (b *Builder) SetFee(fee btcutil.Amount) *Builder {
	b.fee = fee
	b.feeSet = true
	return b
}

// SetChange sets the derivation path and address that receive any
// leftover value. Chainable.
func (b *Builder) SetChange(path device.Path, address string) *Builder {
	b.changePath = path
	b.changeAddress = address
	return b
}

// OnProgress registers a callback invoked on the Sign goroutine after
// each completed phase, with the phase number and total phase count.
// Chainable.
func (b *Builder) OnProgress(fn func(step, total int)) *Builder {
	b.progress = fn
	return b
}

// CompleteSecondFactor supplies the answer to a pending validation
// request. The next Sign call resumes the signing phase with the
// answer attached.
func (b *Builder) CompleteSecondFactor(answer []byte) {
	b.secondFactor = append([]byte(nil), answer...)
}

// ChangeValue reports the computed change amount. Valid only after
// Sign has passed the change computation phase.
func (b *Builder) ChangeValue() btcutil.Amount {
	return b.changeValue
}

// Sign advances the pipeline and returns the serialized transaction
// once every phase has run. Each call performs the first phase whose
// artifact is missing, then continues with the next; on failure the
// artifacts produced so far are kept, so a ValidationRequiredError
// retry does not repeat device round-trips already made.
func (b *Builder) Sign(ctx context.Context) ([]byte, error) {
	if !b.changeComputed {
		if err := b.computeChange(); err != nil {
			return nil, err
		}
		b.notify(1)
		return b.Sign(ctx)
	}
	if b.outputs == nil {
		if err := b.prepareOutputs(); err != nil {
			return nil, err
		}
		b.notify(2)
		return b.Sign(ctx)
	}
	if b.trustedInputs == nil {
		if err := b.fetchTrustedInputs(ctx); err != nil {
			return nil, err
		}
		b.notify(3)
		return b.Sign(ctx)
	}
	if b.signatures == nil {
		if err := b.signInputs(ctx); err != nil {
			return nil, err
		}
		b.notify(4)
		return b.Sign(ctx)
	}

	tx := b.assemble()
	b.notify(5)
	return tx, nil
}

func (b *Builder) notify(step int) {
	if b.progress != nil {
		b.progress(step, totalSteps)
	}
}

// computeChange validates the configuration and computes the change
// value. Exactly zero change is valid and simply emits no change
// output; only a negative balance fails.
func (b *Builder) computeChange() error {
	switch {
	case len(b.utxos) == 0:
		return &ConfigError{Field: "utxo set"}
	case len(b.dests) == 0:
		return &ConfigError{Field: "destination set"}
	case !b.feeSet:
		return &ConfigError{Field: "fee"}
	case len(b.changePath) == 0 || b.changeAddress == "":
		return &ConfigError{Field: "change target"}
	}

	var in btcutil.Amount
	for i, utxo := range b.utxos {
		if utxo.Value <= 0 {
			return &ConfigError{
				Field:  "utxo set",
				Reason: "utxo value must be positive",
			}
		}
		if _, err := txcrypto.ParseUncompressedPubKey(utxo.PubKey); err != nil {
			return &ConfigError{
				Field:  "utxo set",
				Reason: "utxo " + strconv.Itoa(i) + ": " + err.Error(),
			}
		}
		in += utxo.Value
	}

	var out btcutil.Amount
	for _, dest := range b.dests {
		if dest.Amount <= 0 {
			return &ConfigError{
				Field:  "destination set",
				Reason: "destination amount must be positive",
			}
		}
		out += dest.Amount
	}

	if in < out+b.fee {
		return &InsufficientFundsError{In: in, Out: out, Fee: b.fee}
	}

	b.changeValue = in - out - b.fee
	b.changeComputed = true
	log.Debugf("Change value computed: %v from %d inputs, %d destinations, fee %v",
		b.changeValue, len(b.utxos), len(b.dests), b.fee)
	return nil
}

// prepareOutputs serializes the output section: each destination in
// insertion order, then the change output last when change is nonzero.
func (b *Builder) prepareOutputs() error {
	hasChange := b.changeValue != 0

	w := txwire.NewWriter()
	count := uint64(len(b.dests))
	if hasChange {
		count++
	}
	w.WriteVarInt(count)

	for _, dest := range b.dests {
		script, err := b.outputScript(dest.Address)
		if err != nil {
			return &ConfigError{
				Field:  "destination set",
				Reason: "address " + dest.Address + ": " + err.Error(),
			}
		}
		w.WriteUint64(uint64(dest.Amount))
		w.WriteVarInt(uint64(len(script)))
		w.WriteBytes(script)
	}

	if hasChange {
		script, err := b.outputScript(b.changeAddress)
		if err != nil {
			return &ConfigError{
				Field:  "change target",
				Reason: "address " + b.changeAddress + ": " + err.Error(),
			}
		}
		w.WriteUint64(uint64(b.changeValue))
		w.WriteVarInt(uint64(len(script)))
		w.WriteBytes(script)
	}

	b.outputs = w.Bytes()
	log.Debugf("Serialized %d outputs (%d bytes)", count, len(b.outputs))
	return nil
}

// outputScript derives the output script for an address on the
// configured network.
func (b *Builder) outputScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// fetchTrustedInputs asks the device to attest each UTXO, strictly in
// order. The device binds trusted input requests to its internal hash
// state, so the calls must not overlap.
func (b *Builder) fetchTrustedInputs(ctx context.Context) error {
	trusted := make([]device.TrustedInput, 0, len(b.utxos))
	for i, utxo := range b.utxos {
		prev := device.PrevOutput{
			TxID:  utxo.TxID,
			Index: utxo.Index,
			Value: utxo.Value,
		}
		ti, err := b.dev.GetTrustedInput(ctx, prev)
		if err != nil {
			return err
		}
		log.Tracef("Trusted input %d/%d acquired (%d bytes)",
			i+1, len(b.utxos), len(ti))
		trusted = append(trusted, ti)
	}
	b.trustedInputs = trusted
	return nil
}

// signInputs runs one full signing pass over the inputs. The device
// aggregates output validation state across the pass, so only the
// first input's finalize response decides whether a second factor is
// required; later responses are not consulted.
func (b *Builder) signInputs(ctx context.Context) error {
	resumed := len(b.secondFactor) > 0
	first := b.dests[0]
	hasChange := b.changeValue != 0

	sigs := make([][]byte, 0, len(b.utxos))
	var finalize *device.FinalizeResult
	for i, utxo := range b.utxos {
		newTransaction := i == 0 && !resumed
		err := b.dev.StartUntrustedTransaction(ctx, newTransaction, i,
			b.trustedInputs, utxo.Script)
		if err != nil {
			return err
		}

		res, err := b.dev.FinalizeInput(ctx, b.outputs, first.Address,
			first.Amount, b.fee, b.changePath, hasChange)
		if err != nil {
			return err
		}
		if finalize == nil {
			finalize = res
		}

		if finalize.NeedsValidation && !resumed {
			log.Infof("Device requires second factor validation")
			return &ValidationRequiredError{Request: finalize.Request}
		}

		raw, err := b.dev.UntrustedHashSign(ctx, utxo.Path, b.secondFactor)
		if err != nil {
			return err
		}
		sig, err := txcrypto.Canonicalize(raw)
		if err != nil {
			return err
		}
		log.Tracef("Input %d/%d signed (%d byte signature)",
			i+1, len(b.utxos), len(sig))
		sigs = append(sigs, sig)
	}

	b.signatures = sigs
	return nil
}

// assemble serializes the final transaction. Pure; every artifact it
// consumes was produced by an earlier phase.
func (b *Builder) assemble() []byte {
	w := txwire.NewWriter()
	w.WriteUint32(TxVersion)

	w.WriteVarInt(uint64(len(b.utxos)))
	for i, utxo := range b.utxos {
		sig := b.signatures[i]

		w.WriteBytesReversed(utxo.TxID[:])
		w.WriteUint32(utxo.Index)
		w.WriteVarInt(uint64(2 + len(sig) + len(utxo.PubKey)))
		w.WriteUint8(uint8(len(sig)))
		w.WriteBytes(sig)
		w.WriteUint8(uint8(len(utxo.PubKey)))
		w.WriteBytes(utxo.PubKey)
		w.WriteUint32(SequenceFinal)
	}

	w.WriteBytes(b.outputs)
	w.WriteUint32(0) // lock time

	tx := w.Bytes()
	log.Infof("Assembled transaction: %d inputs, %d bytes", len(b.utxos), len(tx))
	return tx
}
