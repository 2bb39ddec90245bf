package builder

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/isabella232/ledger-btc-signer/pkg/device"
	"github.com/isabella232/ledger-btc-signer/pkg/device/sim"
	"github.com/isabella232/ledger-btc-signer/pkg/txcrypto"
	"github.com/isabella232/ledger-btc-signer/pkg/txwire"
)

var testKeyBytes = []byte{
	0x8f, 0x1c, 0x52, 0xe3, 0x07, 0xad, 0x60, 0x9b,
	0x44, 0x29, 0xf1, 0x7a, 0x0d, 0xce, 0x3b, 0x92,
	0x65, 0x50, 0x1e, 0xd4, 0x8c, 0x23, 0xb7, 0x0f,
	0xaa, 0x16, 0x78, 0x31, 0xc9, 0x5d, 0x04, 0x6e,
}

func testKey() *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(testKeyBytes)
	return key
}

// testRawSig is a deterministic DER signature the mock device hands
// back; it only has to parse as strict DER.
func testRawSig() []byte {
	var hash [32]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	return ecdsa.Sign(testKey(), hash[:]).Serialize()
}

func testAddress(t *testing.T, fill byte) string {
	t.Helper()
	hash160 := make([]byte, 20)
	for i := range hash160 {
		hash160[i] = fill
	}
	addr, err := btcutil.NewAddressPubKeyHash(hash160, &chaincfg.MainNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func testUTXO(seed byte, value btcutil.Amount) UTXO {
	utxo := UTXO{
		Index:  uint32(seed),
		Value:  value,
		Path:   device.Path{44 | device.HardenedKeyStart, device.HardenedKeyStart, device.HardenedKeyStart, 0, uint32(seed)},
		PubKey: testKey().PubKey().SerializeUncompressed(),
		Script: []byte{0x76, 0xa9, 0x14, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, seed, 0x88, 0xac},
	}
	for i := range utxo.TxID {
		utxo.TxID[i] = seed ^ byte(i)
	}
	return utxo
}

type startCall struct {
	newTransaction bool
	inputIndex     int
	trustedCount   int
	script         []byte
}

type signCall struct {
	path   device.Path
	answer []byte
}

// mockDevice records every port operation and answers from a script.
type mockDevice struct {
	trustedCalls    int
	startCalls      []startCall
	finalizeCalls   int
	finalizeOutputs [][]byte
	signCalls       []signCall

	// needsValidation[i] scripts the i-th finalize response; missing
	// entries mean no validation needed.
	needsValidation map[int]bool
	rawSig          []byte
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		needsValidation: make(map[int]bool),
		rawSig:          testRawSig(),
	}
}

func (m *mockDevice) GetTrustedInput(_ context.Context, prev device.PrevOutput) (device.TrustedInput, error) {
	m.trustedCalls++
	// Encode the call order so tests can assert sequencing.
	return device.TrustedInput{byte(m.trustedCalls), prev.TxID[0]}, nil
}

func (m *mockDevice) StartUntrustedTransaction(_ context.Context, newTransaction bool,
	inputIndex int, trusted []device.TrustedInput, redeemScript []byte) error {

	m.startCalls = append(m.startCalls, startCall{
		newTransaction: newTransaction,
		inputIndex:     inputIndex,
		trustedCount:   len(trusted),
		script:         redeemScript,
	})
	return nil
}

func (m *mockDevice) FinalizeInput(_ context.Context, outputs []byte, _ string,
	_, _ btcutil.Amount, _ device.Path, _ bool) (*device.FinalizeResult, error) {

	call := m.finalizeCalls
	m.finalizeCalls++
	m.finalizeOutputs = append(m.finalizeOutputs, outputs)

	if m.needsValidation[call] {
		return &device.FinalizeResult{
			NeedsValidation: true,
			Request:         device.ValidationRequest{0xde, 0xad},
		}, nil
	}
	return &device.FinalizeResult{}, nil
}

func (m *mockDevice) UntrustedHashSign(_ context.Context, path device.Path, answer []byte) ([]byte, error) {
	m.signCalls = append(m.signCalls, signCall{path: path, answer: answer})
	return m.rawSig, nil
}

func newTestBuilder(t *testing.T, dev device.Signer) *Builder {
	t.Helper()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	return New(dev).
		AddUTXO(testUTXO(1, 100000)).
		AddDestination(testAddress(t, 0x11), 50000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))
}

func TestConfigErrorsBeforeDeviceCalls(t *testing.T) {
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	tests := []struct {
		name  string
		setup func(dev device.Signer) *Builder
		field string
	}{
		{
			name: "no utxos",
			setup: func(dev device.Signer) *Builder {
				return New(dev).
					AddDestination(testAddress(t, 0x11), 50000).
					SetFee(1000).
					SetChange(changePath, testAddress(t, 0x22))
			},
			field: "utxo set",
		},
		{
			name: "no destinations",
			setup: func(dev device.Signer) *Builder {
				return New(dev).
					AddUTXO(testUTXO(1, 100000)).
					SetFee(1000).
					SetChange(changePath, testAddress(t, 0x22))
			},
			field: "destination set",
		},
		{
			name: "no fee",
			setup: func(dev device.Signer) *Builder {
				return New(dev).
					AddUTXO(testUTXO(1, 100000)).
					AddDestination(testAddress(t, 0x11), 50000).
					SetChange(changePath, testAddress(t, 0x22))
			},
			field: "fee",
		},
		{
			name: "no change target",
			setup: func(dev device.Signer) *Builder {
				return New(dev).
					AddUTXO(testUTXO(1, 100000)).
					AddDestination(testAddress(t, 0x11), 50000).
					SetFee(1000)
			},
			field: "change target",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dev := newMockDevice()
			_, err := test.setup(dev).Sign(context.Background())

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, test.field, cfgErr.Field)

			require.Zero(t, dev.trustedCalls)
			require.Empty(t, dev.startCalls)
			require.Zero(t, dev.finalizeCalls)
			require.Empty(t, dev.signCalls)
		})
	}
}

func TestInsufficientFunds(t *testing.T) {
	dev := newMockDevice()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 40000)).
		AddDestination(testAddress(t, 0x11), 50000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	_, err = b.Sign(context.Background())

	var fundsErr *InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
	require.Equal(t, btcutil.Amount(40000), fundsErr.In)
	require.Equal(t, btcutil.Amount(50000), fundsErr.Out)
	require.Equal(t, btcutil.Amount(1000), fundsErr.Fee)
	require.Zero(t, dev.trustedCalls)
}

func TestZeroChangeOmitsChangeOutput(t *testing.T) {
	dev := newMockDevice()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 51000)).
		AddDestination(testAddress(t, 0x11), 50000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	raw, err := b.Sign(context.Background())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(0), b.ChangeValue())

	tx, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 1)
}

func TestOutputOrderStable(t *testing.T) {
	dev := newMockDevice()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 200000)).
		AddDestination(testAddress(t, 0x11), 50000).
		AddDestination(testAddress(t, 0x33), 60000).
		AddDestination(testAddress(t, 0x44), 70000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	raw, err := b.Sign(context.Background())
	require.NoError(t, err)

	tx, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 4)

	// Destinations in insertion order, change last.
	wantFills := []byte{0x11, 0x33, 0x44, 0x22}
	wantValues := []btcutil.Amount{50000, 60000, 70000, 19000}
	for i, out := range tx.Outputs {
		require.Len(t, out.Script, 25)
		require.Equal(t, wantFills[i], out.Script[3], "output %d", i)
		require.Equal(t, wantValues[i], out.Value, "output %d", i)
	}
}

func TestTrustedInputsFetchedInOrder(t *testing.T) {
	dev := newMockDevice()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 50000)).
		AddUTXO(testUTXO(2, 50000)).
		AddUTXO(testUTXO(3, 50000)).
		AddDestination(testAddress(t, 0x11), 100000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	_, err = b.Sign(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, dev.trustedCalls)

	// Each trusted input carries its fetch sequence number and the
	// first txid byte of the UTXO it was requested for.
	require.Len(t, b.trustedInputs, 3)
	for i, ti := range b.trustedInputs {
		require.Equal(t, byte(i+1), ti[0])
		require.Equal(t, testUTXO(byte(i+1), 0).TxID[0], ti[1])
	}
}

func TestIsNewTransactionFlag(t *testing.T) {
	dev := newMockDevice()
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 50000)).
		AddUTXO(testUTXO(2, 50000)).
		AddDestination(testAddress(t, 0x11), 80000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	_, err = b.Sign(context.Background())
	require.NoError(t, err)

	require.Len(t, dev.startCalls, 2)
	require.True(t, dev.startCalls[0].newTransaction)
	require.Equal(t, 0, dev.startCalls[0].inputIndex)
	require.False(t, dev.startCalls[1].newTransaction)
	require.Equal(t, 1, dev.startCalls[1].inputIndex)

	// Every start call carries the full trusted input list and the
	// redeem script of the input being signed.
	require.Equal(t, 2, dev.startCalls[0].trustedCount)
	require.Equal(t, 2, dev.startCalls[1].trustedCount)
	require.Equal(t, testUTXO(1, 0).Script, dev.startCalls[0].script)
	require.Equal(t, testUTXO(2, 0).Script, dev.startCalls[1].script)
}

func TestSecondFactorInterruptAndResume(t *testing.T) {
	dev := newMockDevice()
	dev.needsValidation[0] = true
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 50000)).
		AddUTXO(testUTXO(2, 50000)).
		AddDestination(testAddress(t, 0x11), 80000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	_, err = b.Sign(context.Background())

	var valErr *ValidationRequiredError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, device.ValidationRequest{0xde, 0xad}, valErr.Request)

	// The interruption happened at input 0: one start, one finalize,
	// no signatures.
	require.Equal(t, 2, dev.trustedCalls)
	require.Len(t, dev.startCalls, 1)
	require.Equal(t, 1, dev.finalizeCalls)
	require.Empty(t, dev.signCalls)

	b.CompleteSecondFactor([]byte("4271"))
	raw, err := b.Sign(context.Background())
	require.NoError(t, err)

	// The resumed pass reused the cached outputs and trusted inputs:
	// no additional trusted input fetches, identical output bytes.
	require.Equal(t, 2, dev.trustedCalls)
	require.Equal(t, 3, dev.finalizeCalls)
	require.Equal(t, dev.finalizeOutputs[0], dev.finalizeOutputs[1])

	// The resumed pass restarts signing at input 0 with the new
	// transaction flag cleared, and every sign request carries the
	// answer.
	require.Len(t, dev.startCalls, 3)
	require.False(t, dev.startCalls[1].newTransaction)
	require.Equal(t, 0, dev.startCalls[1].inputIndex)
	require.False(t, dev.startCalls[2].newTransaction)
	require.Equal(t, 1, dev.startCalls[2].inputIndex)

	require.Len(t, dev.signCalls, 2)
	for _, call := range dev.signCalls {
		require.Equal(t, []byte("4271"), call.answer)
	}

	tx, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, tx.Inputs, 2)
}

func TestOnlyFirstFinalizeResponseConsulted(t *testing.T) {
	dev := newMockDevice()
	// Input 0 needs no validation; input 1's response claims it does
	// and must be ignored.
	dev.needsValidation[1] = true
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(dev).
		AddUTXO(testUTXO(1, 50000)).
		AddUTXO(testUTXO(2, 50000)).
		AddDestination(testAddress(t, 0x11), 80000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	_, err = b.Sign(context.Background())
	require.NoError(t, err)
	require.Len(t, dev.signCalls, 2)
}

func TestProgressNotifications(t *testing.T) {
	dev := newMockDevice()
	var steps []int
	b := newTestBuilder(t, dev).OnProgress(func(step, total int) {
		require.Equal(t, 5, total)
		steps = append(steps, step)
	})

	_, err := b.Sign(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5}, steps)
}

// TestAssembledTransactionLayout pins the exact byte layout of a one
// input, two output transaction: 100000 in, 50000 paid, 1000 fee,
// 49000 change.
func TestAssembledTransactionLayout(t *testing.T) {
	dev := newMockDevice()
	b := newTestBuilder(t, dev)

	raw, err := b.Sign(context.Background())
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(49000), b.ChangeValue())

	sig, err := txcrypto.Canonicalize(testRawSig())
	require.NoError(t, err)
	pubKey := testKey().PubKey().SerializeUncompressed()
	utxo := testUTXO(1, 100000)

	// Version.
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, raw[0:4])

	// Input count, then the input: reversed txid, index, scriptSig,
	// sequence.
	require.Equal(t, byte(0x01), raw[4])
	for i := 0; i < 32; i++ {
		require.Equal(t, utxo.TxID[31-i], raw[5+i])
	}
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[37:41]))

	scriptSigLen := 2 + len(sig) + len(pubKey)
	require.Equal(t, byte(scriptSigLen), raw[41])
	require.Equal(t, byte(len(sig)), raw[42])
	require.Equal(t, sig, raw[43:43+len(sig)])

	off := 43 + len(sig)
	require.Equal(t, byte(65), raw[off])
	require.Equal(t, pubKey, raw[off+1:off+66])
	off += 66
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, raw[off:off+4])
	off += 4

	// Output section: count, then amount/script pairs with the change
	// output last.
	require.Equal(t, byte(0x02), raw[off])
	off++
	require.Equal(t, uint64(50000), binary.LittleEndian.Uint64(raw[off:off+8]))
	off += 8
	require.Equal(t, byte(25), raw[off])
	off++
	wantDest := append([]byte{0x76, 0xa9, 0x14}, make([]byte, 20)...)
	for i := 0; i < 20; i++ {
		wantDest[3+i] = 0x11
	}
	wantDest = append(wantDest, 0x88, 0xac)
	require.Equal(t, wantDest, raw[off:off+25])
	off += 25

	require.Equal(t, uint64(49000), binary.LittleEndian.Uint64(raw[off:off+8]))
	off += 8
	require.Equal(t, byte(25), raw[off])
	off++
	require.Equal(t, byte(0x22), raw[off+3])
	off += 25

	// Locktime, and nothing after it.
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, raw[off:off+4])
	require.Len(t, raw, off+4)
}

// TestEndToEndWithSimulator runs the full pipeline, including the
// second factor round trip, against the software device and verifies
// the resulting signature cryptographically.
func TestEndToEndWithSimulator(t *testing.T) {
	dev, err := sim.New()
	require.NoError(t, err)
	dev.RequireSecondFactor([]byte("4271"))

	key := testKey()
	path, err := device.ParsePath("44'/0'/0'/0/0")
	require.NoError(t, err)
	dev.ImportKey(path, key)

	utxo := testUTXO(1, 100000)
	utxo.Path = path
	changePath, err := device.ParsePath("44'/0'/0'/1/0")
	require.NoError(t, err)

	b := New(device.NewExclusive(dev)).
		AddUTXO(utxo).
		AddDestination(testAddress(t, 0x11), 50000).
		SetFee(1000).
		SetChange(changePath, testAddress(t, 0x22))

	ctx := context.Background()
	_, err = b.Sign(ctx)

	var valErr *ValidationRequiredError
	require.ErrorAs(t, err, &valErr)
	require.NotEmpty(t, valErr.Request)

	b.CompleteSecondFactor([]byte("4271"))
	raw, err := b.Sign(ctx)
	require.NoError(t, err)

	tx, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, tx.Inputs, 1)
	require.Len(t, tx.Outputs, 2)

	// Pull the DER signature out of the scriptSig, dropping the
	// sighash suffix.
	scriptSig := tx.Inputs[0].ScriptSig
	sigLen := int(scriptSig[0])
	der := scriptSig[1:sigLen] // without the trailing sighash byte
	require.Equal(t, byte(txcrypto.SigHashAll), scriptSig[sigLen])

	sig, err := ecdsa.ParseDERSignature(der)
	require.NoError(t, err)

	// Recompute the digest the device signed.
	w := txwire.NewWriter()
	w.WriteUint32(TxVersion)
	w.WriteVarInt(1)
	w.WriteBytesReversed(utxo.TxID[:])
	w.WriteUint32(utxo.Index)
	w.WriteVarInt(uint64(len(utxo.Script)))
	w.WriteBytes(utxo.Script)
	w.WriteUint32(SequenceFinal)
	ow := txwire.NewWriter()
	ow.WriteVarInt(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		ow.WriteUint64(uint64(out.Value))
		ow.WriteVarInt(uint64(len(out.Script)))
		ow.WriteBytes(out.Script)
	}
	w.WriteBytes(ow.Bytes())
	w.WriteUint32(0)
	w.WriteUint32(uint32(txcrypto.SigHashAll))
	hash := chainhash.DoubleHashH(w.Bytes())

	require.True(t, sig.Verify(hash[:], key.PubKey()))
}
