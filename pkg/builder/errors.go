package builder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/isabella232/ledger-btc-signer/pkg/device"
)

// ConfigError reports a required builder field that was missing or
// invalid when signing started. The attempt cannot proceed until the
// caller fixes the configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration: %s is required", e.Field)
}

// InsufficientFundsError is returned when the configured inputs cannot
// cover the destinations plus the fee.
type InsufficientFundsError struct {
	In  btcutil.Amount
	Out btcutil.Amount
	Fee btcutil.Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: inputs %v < outputs %v + fee %v (short %v)",
		e.In, e.Out, e.Fee, e.Out+e.Fee-e.In)
}

// ValidationRequiredError interrupts signing when the device demands a
// second-factor confirmation for an output. It is the only retriable
// failure: the caller relays the request to the user, supplies the
// answer with CompleteSecondFactor, and calls Sign again. Outputs and
// trusted inputs already produced are kept for the retry.
type ValidationRequiredError struct {
	Request device.ValidationRequest
}

func (e *ValidationRequiredError) Error() string {
	return "transaction requires second factor validation"
}
