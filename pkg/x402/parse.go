package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/usdc"
)

// nestedKeys are the body keys that may hold a payment payload.
var nestedKeys = []string{"x402", "payment"}

// ParseResponse extracts payment terms from a 402 response. The body is read
// and replaced so callers can still inspect it. It never fails: unreadable
// challenges produce default terms.
func ParseResponse(resp *http.Response, now time.Time) PaymentTerms {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}
	terms := ParseTerms(resp.Header.Get(HeaderPaymentRequired), body, now)
	if terms.Resource == "" && resp.Request != nil && resp.Request.URL != nil {
		terms.Resource = resp.Request.URL.String()
	}
	metrics.PaymentChallengesTotal.WithLabelValues(string(terms.Source)).Inc()
	return terms
}

// ParseTerms resolves payment terms from the PAYMENT-REQUIRED header value
// and the response body, in that order of precedence. It performs no I/O and
// always returns usable terms.
func ParseTerms(header string, body []byte, now time.Time) PaymentTerms {
	if t, ok := fromHeader(header, now); ok {
		return t
	}
	if t, ok := fromBody(body, now); ok {
		return t
	}
	return Defaults(now)
}

// Defaults are the terms shown when a 402 carries nothing usable.
func Defaults(now time.Time) PaymentTerms {
	return PaymentTerms{
		Amount:    DefaultAmount,
		Asset:     DefaultAsset,
		Chain:     DefaultChain,
		Scheme:    DefaultScheme,
		ExpiresAt: now.Add(DefaultTimeout),
		Source:    SourceDefaults,
	}
}

func fromHeader(header string, now time.Time) (PaymentTerms, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return PaymentTerms{}, false
	}
	raw, ok := decodeBase64(header)
	if !ok {
		return PaymentTerms{}, false
	}
	var c PaymentChallenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return PaymentTerms{}, false
	}
	return fromChallenge(c, SourceHeader, now)
}

func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}

func fromChallenge(c PaymentChallenge, src TermsSource, now time.Time) (PaymentTerms, bool) {
	opt, ok := pickOption(c.Accepts)
	if !ok {
		return PaymentTerms{}, false
	}
	t := Defaults(now)
	t.Source = src
	t.Amount = opt.Amount
	t.Recipient = opt.PayTo
	if opt.Scheme != "" {
		t.Scheme = opt.Scheme
	}
	applyNetwork(&t, opt.Network)
	applyAsset(&t, opt.Asset)
	if opt.MaxTimeoutSeconds > 0 {
		t.ExpiresAt = now.Add(time.Duration(opt.MaxTimeoutSeconds) * time.Second)
	}
	if c.Resource != nil {
		t.Resource = c.Resource.URL
	}
	if s, ok := opt.Extra["spender"].(string); ok {
		t.Spender = s
	}
	if s, ok := opt.Extra["memo"].(string); ok {
		t.Memo = s
	}
	if s, ok := opt.Extra["nonce"].(string); ok {
		t.Nonce = s
	}
	return t, true
}

// pickOption prefers the first option this client can settle: an EVM
// network it recognizes. Otherwise the first option with an amount wins.
func pickOption(opts []PaymentOption) (PaymentOption, bool) {
	var first *PaymentOption
	for i := range opts {
		o := opts[i]
		if o.Amount == "" {
			continue
		}
		if first == nil {
			first = &opts[i]
		}
		if _, ok := LookupNetwork(o.Network); ok {
			return o, true
		}
	}
	if first == nil {
		return PaymentOption{}, false
	}
	return *first, true
}

// bodyPayload is the loose shape accepted under a nested key.
type bodyPayload struct {
	Amount            flexString `json:"amount"`
	PayTo             string     `json:"payTo"`
	Recipient         string     `json:"recipient"`
	Spender           string     `json:"spender"`
	Asset             string     `json:"asset"`
	Network           flexString `json:"network"`
	ChainID           flexString `json:"chainId"`
	Memo              string     `json:"memo"`
	Nonce             string     `json:"nonce"`
	Scheme            string     `json:"scheme"`
	MaxTimeoutSeconds flexString `json:"maxTimeoutSeconds"`
	ExpiresAt         flexString `json:"expiresAt"`
}

// legacyBody is the price-in-dollars body older servers send.
type legacyBody struct {
	Price     string     `json:"price"`
	Currency  string     `json:"currency"`
	Chain     string     `json:"chain"`
	ChainID   int64      `json:"chainId"`
	Recipient string     `json:"recipient"`
	Contract  string     `json:"contract"`
	ValidFor  int64      `json:"validFor"`
	Nonce     string     `json:"nonce"`
	ExpiresAt flexString `json:"expiresAt"`
}

func fromBody(body []byte, now time.Time) (PaymentTerms, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return PaymentTerms{}, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return PaymentTerms{}, false
	}

	for _, key := range nestedKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if t, ok := fromNested(raw, now); ok {
			return t, true
		}
	}

	if _, ok := obj["accepts"]; ok {
		var c PaymentChallenge
		if err := json.Unmarshal(body, &c); err == nil {
			if t, ok := fromChallenge(c, SourceChallenge, now); ok {
				return t, true
			}
		}
	}

	if _, ok := obj["price"]; ok {
		var l legacyBody
		if err := json.Unmarshal(body, &l); err == nil {
			if t, ok := fromLegacy(l, now); ok {
				return t, true
			}
		}
	}
	return PaymentTerms{}, false
}

func fromNested(raw json.RawMessage, now time.Time) (PaymentTerms, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return PaymentTerms{}, false
	}
	if _, ok := probe["accepts"]; ok {
		var c PaymentChallenge
		if err := json.Unmarshal(raw, &c); err == nil {
			if t, ok := fromChallenge(c, SourceBody, now); ok {
				return t, true
			}
		}
	}

	var p bodyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentTerms{}, false
	}
	recipient := p.PayTo
	if recipient == "" {
		recipient = p.Recipient
	}
	if p.Amount == "" && recipient == "" {
		return PaymentTerms{}, false
	}

	t := Defaults(now)
	t.Source = SourceBody
	if p.Amount != "" {
		t.Amount = string(p.Amount)
	}
	t.Recipient = recipient
	t.Spender = p.Spender
	t.Memo = p.Memo
	t.Nonce = p.Nonce
	if p.Scheme != "" {
		t.Scheme = p.Scheme
	}
	network := string(p.Network)
	if network == "" {
		network = string(p.ChainID)
	}
	applyNetwork(&t, network)
	applyAsset(&t, p.Asset)
	if secs, err := strconv.ParseInt(string(p.MaxTimeoutSeconds), 10, 64); err == nil && secs > 0 {
		t.ExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	if at, ok := parseTimestamp(string(p.ExpiresAt)); ok {
		t.ExpiresAt = at
	}
	return t, true
}

func fromLegacy(l legacyBody, now time.Time) (PaymentTerms, bool) {
	units, ok := usdc.Parse(strings.TrimSpace(l.Price))
	if !ok || units.Sign() <= 0 {
		return PaymentTerms{}, false
	}
	t := Defaults(now)
	t.Source = SourceLegacy
	t.Amount = units.String()
	t.Recipient = l.Recipient
	t.Nonce = l.Nonce
	switch {
	case l.ChainID != 0:
		applyNetwork(&t, strconv.FormatInt(l.ChainID, 10))
	case l.Chain != "":
		applyNetwork(&t, l.Chain)
	}
	switch {
	case l.Contract != "":
		applyAsset(&t, l.Contract)
	case l.Currency != "":
		t.Asset = l.Currency
	}
	if l.ValidFor > 0 {
		t.ExpiresAt = now.Add(time.Duration(l.ValidFor) * time.Second)
	}
	if at, ok := parseTimestamp(string(l.ExpiresAt)); ok {
		t.ExpiresAt = at
	}
	return t, true
}

func applyNetwork(t *PaymentTerms, id string) {
	if n, ok := LookupNetwork(id); ok {
		t.Chain = n.Slug
		t.ChainName = n.Name
		t.ChainID = n.ChainID
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	t.Chain = id
	if n, ok := parseChainID(id); ok {
		t.ChainID = n
	}
}

func applyAsset(t *PaymentTerms, asset string) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return
	}
	if sym, ok := AssetSymbol(asset); ok {
		t.Asset = sym
		t.AssetAddress = asset
		return
	}
	if strings.HasPrefix(asset, "0x") {
		t.AssetAddress = asset
	}
	t.Asset = asset
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if at, err := time.Parse(time.RFC3339, s); err == nil {
		return at, true
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), true
	}
	return time.Time{}, false
}

// flexString decodes a JSON string or number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
