package bip21

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestParse(t *testing.T) {
	const addr = "1BitcoinEaterAddressDontSendf59kuE"

	req, err := Parse("bitcoin:" + addr + "?amount=0.0005&label=coffee")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Address != addr {
		t.Errorf("address = %q, want %q", req.Address, addr)
	}
	if req.Amount == nil || *req.Amount != btcutil.Amount(50000) {
		t.Errorf("amount = %v, want 50000 satoshi", req.Amount)
	}
	if req.Label == nil || *req.Label != "coffee" {
		t.Errorf("label = %v, want coffee", req.Label)
	}
}

func TestParseBareAddress(t *testing.T) {
	req, err := Parse("1BitcoinEaterAddressDontSendf59kuE")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if req.Amount != nil {
		t.Errorf("amount = %v, want nil", req.Amount)
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{
		"bitcoin:",
		"bitcoin:addr?amount=-1",
		"bitcoin:addr?amount=notanumber",
		"bitcoin:addr?req-fancyfeature=1",
	}
	for _, uri := range bad {
		if _, err := Parse(uri); err == nil {
			t.Errorf("Parse(%q): expected error", uri)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	amount := btcutil.Amount(150000000)
	label := "donation"
	req := &PaymentRequest{
		Address: "1BitcoinEaterAddressDontSendf59kuE",
		Amount:  &amount,
		Label:   &label,
	}

	parsed, err := Parse(req.Encode())
	if err != nil {
		t.Fatalf("Parse(Encode()): %v", err)
	}
	if parsed.Address != req.Address {
		t.Errorf("address = %q, want %q", parsed.Address, req.Address)
	}
	if parsed.Amount == nil || *parsed.Amount != amount {
		t.Errorf("amount = %v, want %v", parsed.Amount, amount)
	}
	if parsed.Label == nil || *parsed.Label != label {
		t.Errorf("label = %v, want %v", parsed.Label, label)
	}
}
