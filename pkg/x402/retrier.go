package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/bountyhub/internal/logging"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/traces"
)

// State is where a user action is in the paid request flow.
type State string

const (
	StateIdle                State = "IDLE"
	StateAwaitingResponse    State = "AWAITING_RESPONSE"
	StateAwaitingPayment     State = "AWAITING_PAYMENT"
	StateRetrying            State = "RETRYING"
	StateDone                State = "DONE"
	StateAlreadyCompleted    State = "ALREADY_COMPLETED"
	StateFailedBeforePayment State = "FAILED_BEFORE_PAYMENT"
	StateFailedAfterPayment  State = "FAILED_AFTER_PAYMENT"
)

// Terminal reports whether the flow has finished.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateAlreadyCompleted, StateFailedBeforePayment, StateFailedAfterPayment:
		return true
	}
	return false
}

// Outcome is how a successful flow ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
)

var (
	// ErrPaymentDeclined is returned by a Settler when the user refuses to pay.
	ErrPaymentDeclined = errors.New("x402: payment declined")
	// ErrRepeatedChallenge means the server asked for payment again after
	// the proof was sent.
	ErrRepeatedChallenge = errors.New("x402: payment required again after settlement")
	// ErrSuperseded means a newer challenge for the same action replaced
	// this flow.
	ErrSuperseded = errors.New("x402: superseded by a newer payment challenge")
	// ErrAmountExceedsLimit means the challenge asked for more than MaxAmount.
	ErrAmountExceedsLimit = errors.New("x402: amount exceeds configured limit")
	// ErrChallengeExpired means the terms expired before settlement started.
	ErrChallengeExpired = errors.New("x402: payment challenge expired")
	// ErrSettlementFailed wraps settlements that reported a FAILED status.
	ErrSettlementFailed = errors.New("x402: settlement failed")
)

// Phase tells whether funds may have moved when a flow failed.
type Phase string

const (
	PhaseBeforePayment Phase = "before_payment"
	PhaseAfterPayment  Phase = "after_payment"
)

// Error is the typed failure of a paid request flow.
type Error struct {
	ActionID   string
	Phase      Phase
	StatusCode int
	// TxRef is the settled transaction when Phase is PhaseAfterPayment.
	TxRef string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "x402: action %s failed %s", e.ActionID, strings.ReplaceAll(string(e.Phase), "_", " "))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.TxRef != "" {
		fmt.Fprintf(&b, " (tx %s)", e.TxRef)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ManualFollowUp reports whether funds moved without the action completing.
// Such failures must not prompt for another payment.
func (e *Error) ManualFollowUp() bool {
	return e.Phase == PhaseAfterPayment
}

// Request is a replayable HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

func (r Request) build(ctx context.Context, proof string) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if proof != "" {
		req.Header.Set(HeaderPayment, proof)
	}
	return req, nil
}

// Result is a completed flow.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Header     http.Header
	Body       []byte
	Terms      *PaymentTerms
	Settlement *SettlementResult
	// ResourceID and Location point at the existing resource when the
	// outcome is OutcomeAlreadyCompleted.
	ResourceID string
	Location   string
}

// Paid reports whether a settlement happened during the flow.
func (r *Result) Paid() bool { return r.Settlement != nil }

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Settler pays the terms and reports the transaction. It is where the user
// approves the payment; return ErrPaymentDeclined when they do not.
type Settler func(ctx context.Context, actionID string, terms PaymentTerms) (SettlementResult, error)

// RetrierConfig configures a Retrier.
type RetrierConfig struct {
	Client Doer
	Settle Settler
	// MaxAmount caps what will be paid, in base units. Empty means no cap.
	MaxAmount     string
	OnStateChange func(actionID string, state State)
	Logger        *slog.Logger
	Now           func() time.Time
}

// Retrier makes 402 responses transparent: it pays and retries exactly once.
type Retrier struct {
	client    Doer
	settle    Settler
	maxAmount *big.Int
	onState   func(actionID string, state State)
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRetry
}

// pendingRetry is the state held between a 402 and its retry. done closes
// once the flow has either settled or given up on settling; paid, paidTerms
// and settled are only read after done.
type pendingRetry struct {
	terms  PaymentTerms
	cancel context.CancelCauseFunc

	done      chan struct{}
	once      sync.Once
	paid      bool
	paidTerms PaymentTerms
	settled   SettlementResult
}

// finish publishes the settlement outcome to a flow superseding this one.
// A nil settled means nothing was paid.
func (p *pendingRetry) finish(terms PaymentTerms, settled *SettlementResult) {
	p.once.Do(func() {
		if settled != nil {
			p.paid, p.paidTerms, p.settled = true, terms, *settled
		}
		close(p.done)
	})
}

// NewRetrier creates a Retrier. A nil Client uses an instrumented
// http.Client.
func NewRetrier(cfg RetrierConfig) (*Retrier, error) {
	if cfg.Settle == nil {
		return nil, errors.New("x402: settler is required")
	}
	r := &Retrier{
		client:  cfg.Client,
		settle:  cfg.Settle,
		onState: cfg.OnStateChange,
		logger:  cfg.Logger,
		now:     cfg.Now,
		pending: make(map[string]*pendingRetry),
	}
	if r.client == nil {
		r.client = &http.Client{
			Timeout:   60 * time.Second,
			Transport: metrics.InstrumentTransport(nil),
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.MaxAmount != "" {
		limit, ok := new(big.Int).SetString(cfg.MaxAmount, 10)
		if !ok || limit.Sign() < 0 {
			return nil, fmt.Errorf("x402: invalid max amount %q", cfg.MaxAmount)
		}
		r.maxAmount = limit
	}
	return r, nil
}

// Pending returns the terms awaiting settlement for actionID.
func (r *Retrier) Pending(actionID string) (PaymentTerms, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[actionID]
	if !ok {
		return PaymentTerms{}, false
	}
	return p.terms, true
}

// DoHTTP runs req through the paid flow. The body is buffered so the request
// can be sent twice.
func (r *Retrier) DoHTTP(ctx context.Context, actionID string, req *http.Request) (*Result, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
		_ = req.Body.Close()
	}
	return r.Do(ctx, actionID, Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})
}

// Do sends req and, on a 402, settles the challenge and retries once with
// the payment proof. Failures are *Error.
func (r *Retrier) Do(ctx context.Context, actionID string, req Request) (*Result, error) {
	ctx = logging.WithActionID(logging.WithLogger(ctx, r.logger), actionID)
	ctx, span := traces.StartSpan(ctx, "x402.request", traces.ActionID(actionID))
	defer span.End()

	res, state, err := r.run(ctx, actionID, req)
	r.setState(ctx, actionID, state)
	metrics.PaymentsTotal.WithLabelValues(strings.ToLower(string(state))).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(state))
		return nil, err
	}
	span.SetAttributes(traces.StatusCode(res.StatusCode))
	return res, nil
}

func (r *Retrier) run(ctx context.Context, actionID string, req Request) (*Result, State, error) {
	log := logging.L(ctx)
	before := func(status int, err error) (*Result, State, error) {
		return nil, StateFailedBeforePayment, &Error{ActionID: actionID, Phase: PhaseBeforePayment, StatusCode: status, Err: err}
	}

	r.setState(ctx, actionID, StateAwaitingResponse)
	resp, body, err := r.send(ctx, req, "")
	if err != nil {
		return before(0, err)
	}

	switch {
	case isSuccess(resp.StatusCode):
		return completed(resp, body), StateDone, nil
	case resp.StatusCode != http.StatusPaymentRequired:
		return before(resp.StatusCode, responseError(resp.StatusCode, body))
	}

	r.setState(ctx, actionID, StateAwaitingPayment)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	terms := ParseResponse(resp, r.now())
	log.Info("payment required",
		"amount", terms.Amount, "asset", terms.Asset, "chain", terms.Chain,
		"recipient", terms.Recipient, "source", terms.Source)

	if err := r.checkTerms(terms); err != nil {
		return before(resp.StatusCode, err)
	}

	pctx, p, prev, release := r.hold(ctx, actionID, terms)
	defer release()

	// A replaced flow may already have paid. Wait for it to settle or give
	// up, and reuse its payment instead of paying twice.
	var settled SettlementResult
	reused := false
	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return before(http.StatusPaymentRequired, context.Cause(ctx))
		}
		if prev.paid {
			terms, settled, reused = prev.paidTerms, prev.settled, true
			p.finish(terms, &settled)
			log.Info("reusing settlement of replaced challenge", "tx", settled.TransactionReference)
		}
	}

	if !reused {
		if errors.Is(context.Cause(pctx), ErrSuperseded) {
			return before(http.StatusPaymentRequired, ErrSuperseded)
		}
		sctx, span := traces.StartSpan(pctx, "x402.settle",
			traces.Amount(terms.Amount), traces.Chain(terms.Chain), traces.Recipient(terms.Recipient))
		var err error
		settled, err = r.settle(sctx, actionID, terms)
		span.End()
		if err != nil && errors.Is(context.Cause(pctx), ErrSuperseded) {
			err = ErrSuperseded
		}
		if err != nil {
			log.Warn("settlement did not complete", "error", err)
			return before(http.StatusPaymentRequired, err)
		}
		if settled.Status != SettlementSucceeded {
			return before(http.StatusPaymentRequired, ErrSettlementFailed)
		}
		// Funds moved. From here on a newer challenge cannot abort this
		// flow; it reuses the settlement and this flow still retries.
		p.finish(terms, &settled)
	}

	after := func(status int, err error) (*Result, State, error) {
		log.Error("payment settled but action did not complete",
			"tx", settled.TransactionReference, "status", status, "error", err)
		return nil, StateFailedAfterPayment, &Error{
			ActionID:   actionID,
			Phase:      PhaseAfterPayment,
			StatusCode: status,
			TxRef:      settled.TransactionReference,
			Err:        err,
		}
	}

	proof, err := NewProof(terms, settled, r.now()).Encode()
	if err != nil {
		return after(0, err)
	}

	r.setState(ctx, actionID, StateRetrying)
	resp, body, err = r.send(ctx, req, proof)
	if err != nil {
		return after(0, err)
	}

	switch {
	case isSuccess(resp.StatusCode):
		res := completed(resp, body)
		res.Terms, res.Settlement = &terms, &settled
		log.Info("paid request completed", "tx", settled.TransactionReference)
		return res, StateDone, nil
	case isAlreadyDone(resp.StatusCode, body):
		res := alreadyDone(resp, body)
		res.Terms, res.Settlement = &terms, &settled
		log.Info("paid request already completed", "resource", res.ResourceID, "location", res.Location)
		return res, StateAlreadyCompleted, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return after(resp.StatusCode, ErrRepeatedChallenge)
	default:
		return after(resp.StatusCode, responseError(resp.StatusCode, body))
	}
}

func (r *Retrier) checkTerms(terms PaymentTerms) error {
	if terms.Expired(r.now()) {
		return ErrChallengeExpired
	}
	if r.maxAmount == nil {
		return nil
	}
	amount, ok := new(big.Int).SetString(terms.Amount, 10)
	if !ok {
		return fmt.Errorf("x402: invalid amount %q", terms.Amount)
	}
	if amount.Cmp(r.maxAmount) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAmountExceedsLimit, amount, r.maxAmount)
	}
	return nil
}

// hold registers the pending retry for actionID, cancelling any older one.
// The older entry is returned so the caller can wait for its settlement.
func (r *Retrier) hold(ctx context.Context, actionID string, terms PaymentTerms) (context.Context, *pendingRetry, *pendingRetry, func()) {
	pctx, cancel := context.WithCancelCause(ctx)
	p := &pendingRetry{terms: terms, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	prev := r.pending[actionID]
	if prev != nil {
		prev.cancel(ErrSuperseded)
	}
	r.pending[actionID] = p
	r.mu.Unlock()

	return pctx, p, prev, func() {
		r.mu.Lock()
		if r.pending[actionID] == p {
			delete(r.pending, actionID)
		}
		r.mu.Unlock()
		cancel(nil)
		p.finish(PaymentTerms{}, nil)
	}
}

func (r *Retrier) send(ctx context.Context, req Request, proof string) (*http.Response, []byte, error) {
	hreq, err := req.build(ctx, proof)
	if err != nil {
		return nil, nil, fmt.Errorf("x402: build request: %w", err)
	}
	resp, err := r.client.Do(hreq)
	if err != nil {
		return nil, nil, fmt.Errorf("x402: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("x402: read response: %w", err)
	}
	return resp, body, nil
}

func (r *Retrier) setState(ctx context.Context, actionID string, s State) {
	logging.L(ctx).Debug("payment flow state", "state", s)
	if r.onState != nil {
		r.onState(actionID, s)
	}
}

func isSuccess(code int) bool { return code >= 200 && code < 300 }

// duplicateMarkers are body fragments servers use to say the resource exists.
var duplicateMarkers = []string{"already exists", "already_exists", "duplicate", "already completed", "already_completed"}

// isAlreadyDone classifies the response to a paid retry. Only a 409 or a
// client error naming a duplicate counts; a 5xx never does.
func isAlreadyDone(code int, body []byte) bool {
	if code == http.StatusConflict {
		return true
	}
	if code < 400 || code >= 500 || code == http.StatusPaymentRequired {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, m := range duplicateMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func completed(resp *http.Response, body []byte) *Result {
	return &Result{
		Outcome:    OutcomeCompleted,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
}

func alreadyDone(resp *http.Response, body []byte) *Result {
	res := completed(resp, body)
	res.Outcome = OutcomeAlreadyCompleted
	res.Location = resp.Header.Get("Location")
	var ref struct {
		ResourceID string `json:"resourceId"`
		ExistingID string `json:"existingId"`
		ID         string `json:"id"`
	}
	if json.Unmarshal(body, &ref) == nil {
		for _, id := range []string{ref.ResourceID, ref.ExistingID, ref.ID} {
			if id != "" {
				res.ResourceID = id
				break
			}
		}
	}
	return res
}

// responseError turns a non-success body into an error carrying the
// server's message when it has one.
func responseError(code int, body []byte) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := http.StatusText(code)
	if json.Unmarshal(body, &e) == nil {
		switch {
		case e.Message != "":
			msg = e.Message
		case e.Error != "":
			msg = e.Error
		}
	}
	return errors.New(msg)
}
