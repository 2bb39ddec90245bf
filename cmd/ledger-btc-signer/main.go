// ledger-btc-signer CLI - hardware wallet transaction signing demo
//
// This CLI demonstrates the ledger-btc-signer library: building a
// Bitcoin transaction, walking it through the device signing protocol
// (trusted inputs, untrusted hash, second factor validation), and
// assembling the final raw transaction. The "sign" command runs the
// full pipeline against the built-in software device simulator.
//
// Example usage:
//
//	# Run the signing pipeline against the simulator
//	ledger-btc-signer sign
//
//	# Decode a raw transaction
//	ledger-btc-signer decode 0100000001...
//
//	# Parse a BIP 21 payment request
//	ledger-btc-signer parse-uri "bitcoin:addr?amount=0.0005&label=coffee"
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"

	"github.com/isabella232/ledger-btc-signer/pkg/bip21"
	"github.com/isabella232/ledger-btc-signer/pkg/builder"
	"github.com/isabella232/ledger-btc-signer/pkg/device"
	"github.com/isabella232/ledger-btc-signer/pkg/device/sim"
)

// demoSecondFactor is the validation code the simulator demands during
// the sign command.
const demoSecondFactor = "4271"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "sign":
		cmdSign(os.Args[2:])
	case "decode":
		cmdDecode()
	case "parse-uri":
		cmdParseURI()
	case "version":
		cmdVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`ledger-btc-signer - hardware wallet transaction signing

Usage:
  ledger-btc-signer <command> [options]

Commands:
  sign [--debug] [--no-2fa]    Run the signing pipeline against the simulator
  decode <hex>                 Decode a raw transaction
  parse-uri <uri>              Parse a BIP 21 payment request URI
  version                      Show version information
  help                         Show this help message

Examples:
  # Full pipeline with a second factor round trip
  ledger-btc-signer sign

  # Same, with package debug logging
  ledger-btc-signer sign --debug

  # Decode the transaction the sign command printed
  ledger-btc-signer decode 0100000001...

  # Parse a payment request
  ledger-btc-signer parse-uri "bitcoin:1BitcoinEater...?amount=0.0005"`)
}

func cmdVersion() {
	fmt.Println("ledger-btc-signer v0.1.0")
	fmt.Println("Bitcoin transaction builder for hardware signing devices")
}

func cmdSign(args []string) {
	debug := false
	useSecondFactor := true
	for _, arg := range args {
		switch arg {
		case "--debug":
			debug = true
		case "--no-2fa":
			useSecondFactor = false
		default:
			fmt.Fprintf(os.Stderr, "Unknown option: %s\n", arg)
			os.Exit(1)
		}
	}

	if debug {
		backend := btclog.NewBackend(os.Stderr)
		logger := backend.Logger("BLDR")
		logger.SetLevel(btclog.LevelTrace)
		builder.UseLogger(logger)
	}

	dev, err := sim.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create simulator: %v\n", err)
		os.Exit(1)
	}
	if useSecondFactor {
		dev.RequireSecondFactor([]byte(demoSecondFactor))
	}

	// A throwaway signing key, imported at the path the demo UTXO
	// claims to be controlled by.
	key, err := btcec.NewPrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}
	path, _ := device.ParsePath("44'/0'/0'/0/0")
	changePath, _ := device.ParsePath("44'/0'/0'/1/0")
	dev.ImportKey(path, key)

	pubKey := key.PubKey().SerializeUncompressed()
	ownAddr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey), &chaincfg.MainNetParams)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to derive address: %v\n", err)
		os.Exit(1)
	}

	// One fabricated 100000 satoshi UTXO paying our own key.
	utxo := builder.UTXO{
		Index:  0,
		Value:  100000,
		Path:   path,
		PubKey: pubKey,
	}
	for i := range utxo.TxID {
		utxo.TxID[i] = byte(i + 1)
	}
	script := append([]byte{0x76, 0xa9, 0x14}, btcutil.Hash160(pubKey)...)
	utxo.Script = append(script, 0x88, 0xac)

	b := builder.New(device.NewExclusive(dev)).
		AddUTXO(utxo).
		AddDestination("1BitcoinEaterAddressDontSendf59kuE", 50000).
		SetFee(1000).
		SetChange(changePath, ownAddr.EncodeAddress()).
		OnProgress(func(step, total int) {
			fmt.Printf("  phase %d/%d complete\n", step, total)
		})

	ctx := context.Background()

	fmt.Println("Signing transaction...")
	raw, err := b.Sign(ctx)

	var valErr *builder.ValidationRequiredError
	if errors.As(err, &valErr) {
		fmt.Printf("\nDevice requires second factor validation\n")
		fmt.Printf("  Validation request: %x\n", []byte(valErr.Request))
		fmt.Printf("  Supplying answer %q and resuming...\n\n", demoSecondFactor)

		b.CompleteSecondFactor([]byte(demoSecondFactor))
		raw, err = b.Sign(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Signing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nChange value: %v\n", b.ChangeValue())
	fmt.Printf("Transaction id: %s\n", builder.TxID(raw))
	fmt.Printf("Raw transaction (%d bytes):\n%s\n", len(raw), hex.EncodeToString(raw))
}

func cmdDecode() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Error: transaction hex argument required")
		fmt.Fprintln(os.Stderr, "Usage: ledger-btc-signer decode <hex>")
		os.Exit(1)
	}

	raw, err := hex.DecodeString(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid hex: %v\n", err)
		os.Exit(1)
	}

	tx, err := builder.Decode(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to decode transaction: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Version:  %d\n", tx.Version)
	fmt.Printf("Locktime: %d\n\n", tx.LockTime)

	fmt.Printf("Inputs: %d\n", len(tx.Inputs))
	for i, in := range tx.Inputs {
		fmt.Printf("  Input %d:\n", i)
		fmt.Printf("    Previous: %x:%d\n", in.TxID, in.Index)
		fmt.Printf("    ScriptSig: %x\n", in.ScriptSig)
		fmt.Printf("    Sequence: %#08x\n", in.Sequence)
	}

	fmt.Printf("\nOutputs: %d\n", len(tx.Outputs))
	for i, out := range tx.Outputs {
		fmt.Printf("  Output %d:\n", i)
		fmt.Printf("    Value:  %v\n", out.Value)
		fmt.Printf("    Script: %x\n", out.Script)
	}
}

func cmdParseURI() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Error: URI argument required")
		fmt.Fprintln(os.Stderr, "Usage: ledger-btc-signer parse-uri <uri>")
		os.Exit(1)
	}

	req, err := bip21.Parse(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse URI: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Payment Request:")
	fmt.Printf("  Address: %s\n", req.Address)

	if req.Amount != nil {
		fmt.Printf("  Amount:  %v\n", *req.Amount)
	} else {
		fmt.Println("  Amount:  (payer specified)")
	}

	if req.Label != nil {
		fmt.Printf("  Label:   %s\n", *req.Label)
	}

	if req.Message != nil {
		fmt.Printf("  Message: %s\n", *req.Message)
	}

	fmt.Printf("\nRe-encoded URI:\n%s\n", req.Encode())
}
