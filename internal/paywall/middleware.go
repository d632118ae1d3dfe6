// Package paywall is gin middleware that answers unpaid requests with an
// HTTP 402 challenge and admits requests carrying a verified X-PAYMENT proof.
//
// A transaction reference pays for exactly one resource. Presenting it again
// gets 409 Conflict pointing at the resource it already paid for.
package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyhub/internal/idgen"
	"github.com/mbd888/bountyhub/pkg/x402"
)

const (
	proofKey    = "payment_proof"
	resourceKey = "payment_resource"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Verifier checks on-chain that a payment happened.
type Verifier interface {
	VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error)
}

// FormatOnly accepts any well-formed proof without touching a chain. The
// dev API uses it when no RPC endpoint is configured.
type FormatOnly struct{}

func (FormatOnly) VerifyPayment(context.Context, string, string, string) (bool, error) {
	return true, nil
}

// Config for the paywall.
type Config struct {
	Verifier Verifier
	PayTo    string
	Network  x402.Network
	// Price in token base units.
	Price    string
	ValidFor time.Duration
	Logger   *slog.Logger
	Now      func() time.Time

	OnPaymentReceived func(proof *x402.PaymentProof, route string)
	OnPaymentFailed   func(proof *x402.PaymentProof, err error)
}

// Resource is what a paid request created.
type Resource struct {
	ID       string `json:"resourceId"`
	Location string `json:"location,omitempty"`
}

// Paywall issues challenges and remembers which transaction paid for what.
type Paywall struct {
	cfg    Config
	nonces *nonceStore

	mu    sync.Mutex
	spent map[string]*Resource // tx hash -> resource (nil while in flight)
}

// New creates a Paywall.
func New(cfg Config) *Paywall {
	if cfg.Verifier == nil {
		cfg.Verifier = FormatOnly{}
	}
	if cfg.Price == "" {
		cfg.Price = x402.DefaultAmount
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = x402.DefaultTimeout
	}
	if cfg.Network.ChainID == 0 {
		cfg.Network = x402.BaseSepolia
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Paywall{
		cfg:    cfg,
		nonces: &nonceStore{nonces: make(map[string]time.Time), now: cfg.Now},
		spent:  make(map[string]*Resource),
	}
}

// Middleware charges the configured price.
func (p *Paywall) Middleware(description string) gin.HandlerFunc {
	return p.MiddlewareWithPrice(p.cfg.Price, description)
}

// MiddlewareWithPrice charges price base units for the route.
func (p *Paywall) MiddlewareWithPrice(price, description string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(x402.HeaderPayment)
		if header == "" {
			p.challenge(c, price, description)
			return
		}

		proof, err := x402.DecodeProof(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_proof",
				"message": "Could not decode X-PAYMENT header",
			})
			return
		}

		tx := normalizeTx(proof.Payload.Transaction)
		if res, used := p.claim(tx); used {
			p.conflict(c, res)
			return
		}

		if err := p.verify(c.Request.Context(), proof, tx, price); err != nil {
			p.release(tx)
			if p.cfg.OnPaymentFailed != nil {
				p.cfg.OnPaymentFailed(proof, err)
			}
			p.cfg.Logger.Warn("payment verification failed", "tx", tx, "error", err)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "payment_verification_failed",
				"message": err.Error(),
			})
			return
		}

		if p.cfg.OnPaymentReceived != nil {
			p.cfg.OnPaymentReceived(proof, c.FullPath())
		}
		c.Set(proofKey, proof)
		c.Header(x402.HeaderPaymentResponse, encodeResponse(tx, p.cfg.Network.CAIP2(), proof.Payload.From))

		c.Next()

		p.settle(c, tx)
	}
}

func (p *Paywall) challenge(c *gin.Context, price, description string) {
	nonce := idgen.Nonce()
	p.nonces.issue(nonce)

	timeout := int(p.cfg.ValidFor.Seconds())
	ch := x402.PaymentChallenge{
		X402Version: x402.Version,
		Error:       "payment required",
		Resource: &x402.Resource{
			URL:         c.Request.URL.Path,
			Description: description,
			MimeType:    "application/json",
		},
		Accepts: []x402.PaymentOption{{
			Scheme:            x402.DefaultScheme,
			Network:           p.cfg.Network.CAIP2(),
			Asset:             p.cfg.Network.USDC.Hex(),
			Amount:            price,
			PayTo:             p.cfg.PayTo,
			MaxTimeoutSeconds: timeout,
			Extra:             map[string]any{"name": "USDC", "nonce": nonce},
		}},
	}
	encoded, err := x402.EncodeChallenge(ch)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to encode payment challenge",
		})
		return
	}

	c.Header(x402.HeaderPaymentRequired, encoded)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":   "payment_required",
		"message": description,
		"x402": gin.H{
			"amount":            price,
			"payTo":             p.cfg.PayTo,
			"asset":             p.cfg.Network.USDC.Hex(),
			"network":           p.cfg.Network.CAIP2(),
			"maxTimeoutSeconds": timeout,
			"nonce":             nonce,
		},
	})
}

func (p *Paywall) verify(ctx context.Context, proof *x402.PaymentProof, tx, price string) error {
	if !txHashRe.MatchString(tx) {
		return errors.New("invalid transaction hash format")
	}
	if proof.Payload.Nonce == "" {
		return errors.New("missing nonce")
	}
	if !p.nonces.consume(proof.Payload.Nonce, p.cfg.ValidFor) {
		return errors.New("invalid or expired nonce")
	}
	if ts := proof.Payload.Timestamp; ts > 0 {
		age := p.cfg.Now().Sub(time.Unix(ts, 0))
		if age > p.cfg.ValidFor || age < -30*time.Second {
			return errors.New("payment proof expired or has future timestamp")
		}
	}
	if from := proof.Payload.From; from != "" && (!strings.HasPrefix(from, "0x") || len(from) != 42) {
		return errors.New("invalid sender address format")
	}

	ok, err := p.cfg.Verifier.VerifyPayment(ctx, proof.Payload.From, price, tx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if !ok {
		return errors.New("payment not found or amount insufficient")
	}
	return nil
}

// claim marks tx as in use. It reports the resource already paid for when
// tx was used before.
func (p *Paywall) claim(tx string) (*Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.spent[tx]; ok {
		return res, true
	}
	p.spent[tx] = nil
	return nil, false
}

func (p *Paywall) release(tx string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spent[tx] == nil {
		delete(p.spent, tx)
	}
}

// settle records what the handler created. A handler that failed releases
// the transaction so the client can retry with the same proof.
func (p *Paywall) settle(c *gin.Context, tx string) {
	if c.Writer.Status() >= http.StatusBadRequest {
		p.release(tx)
		return
	}
	res := &Resource{}
	if v, ok := c.Get(resourceKey); ok {
		res = v.(*Resource)
	}
	p.mu.Lock()
	p.spent[tx] = res
	p.mu.Unlock()
}

func (p *Paywall) conflict(c *gin.Context, res *Resource) {
	body := gin.H{
		"error":   "already_exists",
		"message": "This payment was already used",
	}
	if res != nil {
		if res.Location != "" {
			c.Header("Location", res.Location)
		}
		body["resourceId"] = res.ID
		body["location"] = res.Location
	}
	c.AbortWithStatusJSON(http.StatusConflict, body)
}

// SetResource tells the paywall which resource this paid request created.
func SetResource(c *gin.Context, id, location string) {
	c.Set(resourceKey, &Resource{ID: id, Location: location})
}

// GetPaymentProof retrieves the verified proof from the gin context.
func GetPaymentProof(c *gin.Context) *x402.PaymentProof {
	if proof, exists := c.Get(proofKey); exists {
		return proof.(*x402.PaymentProof)
	}
	return nil
}

func normalizeTx(tx string) string {
	tx = strings.TrimSpace(tx)
	if !strings.HasPrefix(tx, "0x") {
		tx = "0x" + tx
	}
	return strings.ToLower(tx)
}

func encodeResponse(tx, network, payer string) string {
	data, _ := json.Marshal(struct {
		Success     bool   `json:"success"`
		Transaction string `json:"transaction"`
		Network     string `json:"network"`
		Payer       string `json:"payer,omitempty"`
	}{true, tx, network, payer})
	return base64.StdEncoding.EncodeToString(data)
}

// nonceStore tracks issued nonces to prevent replay.
type nonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> issued at
	now    func() time.Time
}

func (ns *nonceStore) issue(nonce string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	now := ns.now()
	ns.nonces[nonce] = now
	cutoff := now.Add(-10 * time.Minute)
	for k, t := range ns.nonces {
		if t.Before(cutoff) {
			delete(ns.nonces, k)
		}
	}
}

func (ns *nonceStore) consume(nonce string, maxAge time.Duration) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	issued, ok := ns.nonces[nonce]
	if !ok {
		return false
	}
	delete(ns.nonces, nonce)
	return ns.now().Sub(issued) <= maxAge
}
