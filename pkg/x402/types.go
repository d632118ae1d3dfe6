// Package x402 turns HTTP 402 Payment Required responses into payment terms
// and drives the pay-then-retry flow for a single user action.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Header names.
const (
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Version is the protocol version this package speaks.
const Version = 2

// Defaults applied when a challenge leaves a field out or cannot be read.
const (
	DefaultAmount  = "1000000"
	DefaultAsset   = "USDC"
	DefaultChain   = "unspecified"
	DefaultScheme  = "exact"
	DefaultTimeout = 300 * time.Second
)

// PaymentChallenge is the machine-readable body of a 402.
type PaymentChallenge struct {
	X402Version int             `json:"x402Version"`
	Error       string          `json:"error,omitempty"`
	Resource    *Resource       `json:"resource,omitempty"`
	Accepts     []PaymentOption `json:"accepts"`
}

// Resource describes what is being paid for.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentOption is one way of paying that the server accepts.
type PaymentOption struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	Asset             string         `json:"asset"`
	Amount            string         `json:"amount"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// TermsSource records where PaymentTerms came from.
type TermsSource string

const (
	SourceHeader    TermsSource = "header"
	SourceBody      TermsSource = "body"
	SourceChallenge TermsSource = "body_challenge"
	SourceLegacy    TermsSource = "legacy"
	SourceDefaults  TermsSource = "defaults"
)

// PaymentTerms is the normalized, display-ready description of what to pay.
type PaymentTerms struct {
	// Amount in the asset's base units, decimal string.
	Amount string `json:"amount"`
	// Asset is the symbol when known, otherwise the raw asset identifier.
	Asset        string `json:"asset"`
	AssetAddress string `json:"assetAddress,omitempty"`
	// Chain is a slug such as "base-sepolia"; ChainName is its label.
	Chain     string `json:"chain"`
	ChainName string `json:"chainName,omitempty"`
	ChainID   int64  `json:"chainId,omitempty"`
	Recipient string `json:"recipient"`
	// Spender receives the approval when it differs from Recipient.
	Spender   string      `json:"spender,omitempty"`
	Memo      string      `json:"memo,omitempty"`
	Nonce     string      `json:"nonce,omitempty"`
	Scheme    string      `json:"scheme"`
	Resource  string      `json:"resource,omitempty"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Source    TermsSource `json:"source"`
}

// Expired reports whether the terms are past their expiry at now.
func (t PaymentTerms) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ApprovalSpender returns the address that must be approved to move funds.
func (t PaymentTerms) ApprovalSpender() string {
	if t.Spender != "" {
		return t.Spender
	}
	return t.Recipient
}

// SettlementStatus is the final state of a settlement attempt.
type SettlementStatus string

const (
	SettlementSucceeded SettlementStatus = "SUCCESS"
	SettlementFailed    SettlementStatus = "FAILED"
)

// SettlementResult is what a settler reports back.
type SettlementResult struct {
	TransactionReference string           `json:"transactionReference"`
	Status               SettlementStatus `json:"status"`
	Payer                string           `json:"payer"`
	Batched              bool             `json:"batched,omitempty"`
}

// PaymentProof is sent in the X-PAYMENT header on the retried request.
type PaymentProof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ProofPayload `json:"payload"`
}

// ProofPayload carries the settled transaction.
type ProofPayload struct {
	Transaction string `json:"transaction"`
	From        string `json:"from"`
	Nonce       string `json:"nonce,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// NewProof builds the proof for a settled payment.
func NewProof(terms PaymentTerms, res SettlementResult, now time.Time) *PaymentProof {
	network := terms.Chain
	if terms.ChainID != 0 {
		network = fmt.Sprintf("eip155:%d", terms.ChainID)
	}
	return &PaymentProof{
		X402Version: Version,
		Scheme:      terms.Scheme,
		Network:     network,
		Payload: ProofPayload{
			Transaction: res.TransactionReference,
			From:        res.Payer,
			Nonce:       terms.Nonce,
			Timestamp:   now.Unix(),
		},
	}
}

// Encode returns the base64 JSON header value.
func (p *PaymentProof) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("x402: encode proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof parses an X-PAYMENT header value. Plain JSON is accepted as
// well as base64.
func DecodeProof(header string) (*PaymentProof, error) {
	raw := []byte(header)
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil {
		raw = decoded
	}
	var p PaymentProof
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("x402: decode proof: %w", err)
	}
	if p.Payload.Transaction == "" {
		return nil, fmt.Errorf("x402: decode proof: missing transaction")
	}
	return &p, nil
}

// EncodeChallenge returns the base64 JSON value for the PAYMENT-REQUIRED
// header.
func EncodeChallenge(c PaymentChallenge) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("x402: encode challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
