package builder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/isabella232/ledger-btc-signer/pkg/txwire"
)

// TxID returns the transaction id of a serialized transaction as the
// display-order hex string block explorers print.
func TxID(raw []byte) string {
	return chainhash.DoubleHashH(raw).String()
}

// DecodedInput is one input of a decoded transaction. TxID is in
// display order.
type DecodedInput struct {
	TxID      [32]byte
	Index     uint32
	ScriptSig []byte
	Sequence  uint32
}

// DecodedOutput is one output of a decoded transaction.
type DecodedOutput struct {
	Value  btcutil.Amount
	Script []byte
}

// DecodedTx is the structured form of a serialized transaction.
type DecodedTx struct {
	Version  uint32
	Inputs   []DecodedInput
	Outputs  []DecodedOutput
	LockTime uint32
}

// Decode parses a serialized transaction. It accepts any legacy
// transaction, not only ones this package assembled.
func Decode(raw []byte) (*DecodedTx, error) {
	r := txwire.NewReader(raw)
	tx := &DecodedTx{}

	version, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	tx.Version = version

	inputCount, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read input count: %w", err)
	}
	for i := uint64(0); i < inputCount; i++ {
		var in DecodedInput

		txid, err := r.ReadBytesReversed(32)
		if err != nil {
			return nil, fmt.Errorf("failed to read input %d txid: %w", i, err)
		}
		copy(in.TxID[:], txid)

		if in.Index, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read input %d index: %w", i, err)
		}

		scriptLen, err := r.ReadVarInt()
		if err != nil {
			return nil, fmt.Errorf("failed to read input %d script length: %w", i, err)
		}
		if in.ScriptSig, err = r.ReadBytes(int(scriptLen)); err != nil {
			return nil, fmt.Errorf("failed to read input %d script: %w", i, err)
		}

		if in.Sequence, err = r.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read input %d sequence: %w", i, err)
		}
		tx.Inputs = append(tx.Inputs, in)
	}

	outputCount, err := r.ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read output count: %w", err)
	}
	for i := uint64(0); i < outputCount; i++ {
		var out DecodedOutput

		value, err := r.ReadUint64()
		if err != nil {
			return nil, fmt.Errorf("failed to read output %d value: %w", i, err)
		}
		out.Value = btcutil.Amount(value)

		scriptLen, err := r.ReadVarInt()
		if err != nil {
			return nil, fmt.Errorf("failed to read output %d script length: %w", i, err)
		}
		if out.Script, err = r.ReadBytes(int(scriptLen)); err != nil {
			return nil, fmt.Errorf("failed to read output %d script: %w", i, err)
		}
		tx.Outputs = append(tx.Outputs, out)
	}

	if tx.LockTime, err = r.ReadUint32(); err != nil {
		return nil, fmt.Errorf("failed to read lock time: %w", err)
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after transaction", r.Remaining())
	}
	return tx, nil
}
