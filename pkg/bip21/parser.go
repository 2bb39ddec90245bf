// Package bip21 implements the BIP 21 payment URI format.
//
// BIP 21 defines the standard URI scheme for Bitcoin payment requests,
// used in QR codes, links, and NFC payloads:
//
//	bitcoin:<address>?amount=<amount>&label=<label>&message=<message>
//
// Unlike later multi-recipient schemes, a BIP 21 URI names exactly one
// recipient. Parameters prefixed with "req-" are mandatory: a wallet
// that does not understand one must refuse the whole URI.
//
// See: https://github.com/bitcoin/bips/blob/master/bip-0021.mediawiki
package bip21

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// PaymentRequest represents a parsed BIP 21 payment request.
type PaymentRequest struct {
	Address string          // Bitcoin address of the recipient
	Amount  *btcutil.Amount // Requested amount (nil = payer decides)
	Label   *string         // Optional label for the recipient
	Message *string         // Optional message to display to the payer
}

// Parse parses a BIP 21 payment URI.
//
// The "bitcoin:" scheme prefix is accepted case-insensitively and may
// be omitted. Unknown parameters are ignored unless they carry the
// "req-" prefix, in which case the URI is rejected.
//
// Example:
//
//	req, err := bip21.Parse("bitcoin:1BitcoinEater...?amount=0.0005&label=coffee")
func Parse(uri string) (*PaymentRequest, error) {
	rest := uri
	if i := strings.Index(rest, ":"); i >= 0 && strings.EqualFold(rest[:i], "bitcoin") {
		rest = rest[i+1:]
	}

	address := rest
	var query string
	if i := strings.Index(rest, "?"); i >= 0 {
		address = rest[:i]
		query = rest[i+1:]
	}

	if address == "" {
		return nil, fmt.Errorf("payment URI has no address")
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query: %w", err)
	}

	req := &PaymentRequest{Address: address}

	for key := range params {
		if strings.HasPrefix(key, "req-") {
			return nil, fmt.Errorf("unsupported required parameter %q", key)
		}
	}

	if amountStr := params.Get("amount"); amountStr != "" {
		amount, err := parseAmount(amountStr)
		if err != nil {
			return nil, fmt.Errorf("invalid amount: %w", err)
		}
		req.Amount = &amount
	}

	if label := params.Get("label"); label != "" {
		req.Label = &label
	}

	if message := params.Get("message"); message != "" {
		req.Message = &message
	}

	return req, nil
}

// parseAmount parses a decimal BTC amount. BIP 21 amounts are always
// denominated in whole bitcoins, never satoshis.
func parseAmount(amountStr string) (btcutil.Amount, error) {
	value, err := strconv.ParseFloat(amountStr, 64)
	if err != nil {
		return 0, fmt.Errorf("not a valid number: %w", err)
	}
	if value < 0 {
		return 0, fmt.Errorf("amount cannot be negative")
	}
	return btcutil.NewAmount(value)
}

// Encode creates a BIP 21 URI from a PaymentRequest. It is the inverse
// of Parse.
func (req *PaymentRequest) Encode() string {
	uri := "bitcoin:" + req.Address

	params := url.Values{}
	if req.Amount != nil {
		params.Add("amount", formatAmount(*req.Amount))
	}
	if req.Label != nil {
		params.Add("label", *req.Label)
	}
	if req.Message != nil {
		params.Add("message", *req.Message)
	}

	if len(params) > 0 {
		uri += "?" + params.Encode()
	}
	return uri
}

// formatAmount renders an amount in BTC without trailing zeros.
func formatAmount(amount btcutil.Amount) string {
	str := strconv.FormatFloat(amount.ToBTC(), 'f', 8, 64)
	str = strings.TrimRight(str, "0")
	str = strings.TrimRight(str, ".")
	return str
}
