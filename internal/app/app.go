// Package app is the composition root of the bountyhub client core. It owns
// the single event channel, progress client and payment retrier of a
// process and wires them to configuration, logging and tracing.
package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/mbd888/bountyhub/internal/circuitbreaker"
	"github.com/mbd888/bountyhub/internal/config"
	"github.com/mbd888/bountyhub/internal/health"
	"github.com/mbd888/bountyhub/internal/idgen"
	"github.com/mbd888/bountyhub/internal/liveness"
	"github.com/mbd888/bountyhub/internal/logging"
	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/progress"
	"github.com/mbd888/bountyhub/internal/realtime"
	"github.com/mbd888/bountyhub/internal/retry"
	"github.com/mbd888/bountyhub/internal/settlement"
	"github.com/mbd888/bountyhub/internal/traces"
	"github.com/mbd888/bountyhub/internal/wallet"
	"github.com/mbd888/bountyhub/pkg/x402"
)

// ErrNoWallet is returned when a payment is needed but no key is configured.
var ErrNoWallet = errors.New("app: no PRIVATE_KEY configured, cannot pay")

// Approver asks the user to confirm a payment. Returning
// x402.ErrPaymentDeclined aborts the action before anything is paid.
type Approver func(ctx context.Context, actionID string, terms x402.PaymentTerms) error

// App holds the process-wide services.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Channel  *realtime.Manager
	Progress *progress.Client
	Retrier  *x402.Retrier
	Health   *health.Registry
	HTTP     *http.Client

	wallet  settlement.Wallet
	closer  io.Closer
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker

	shutdownTracing func(context.Context) error
}

type options struct {
	logger   *slog.Logger
	approve  Approver
	onStep   func(settlement.Update)
	onState  func(actionID string, state x402.State)
	http     *http.Client
	dialer   realtime.Dialer
	wallet   settlement.Wallet
	noTraces bool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger instead of building one from config.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithApprover sets the payment confirmation prompt. Without one every
// payment within MAX_PAYMENT is approved.
func WithApprover(a Approver) Option { return func(o *options) { o.approve = a } }

// WithStepObserver receives settlement step updates.
func WithStepObserver(fn func(settlement.Update)) Option { return func(o *options) { o.onStep = fn } }

// WithStateObserver receives paid request state changes.
func WithStateObserver(fn func(actionID string, state x402.State)) Option {
	return func(o *options) { o.onState = fn }
}

// WithHTTPClient replaces the API client.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.http = c } }

// WithDialer replaces the websocket dialer.
func WithDialer(d realtime.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithWallet uses w for settlement instead of a key-backed wallet.
func WithWallet(w settlement.Wallet) Option { return func(o *options) { o.wallet = w } }

// WithoutTracing skips tracer provider setup.
func WithoutTracing() Option { return func(o *options) { o.noTraces = true } }

// New builds the services described by cfg. Nothing connects until the
// caller asks: Channel.Connect opens the event channel, Progress.Observe
// opens streams.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{
		Config:          cfg,
		Logger:          o.logger,
		Health:          health.NewRegistry(),
		shutdownTracing: func(context.Context) error { return nil },
		limiter:         rate.NewLimiter(rate.Every(time.Second), 3),
		breaker: circuitbreaker.New(3, 30*time.Second, circuitbreaker.WithTransitionHook(
			func(key string, from, to circuitbreaker.State) {
				o.logger.Warn("poll circuit changed", "key", key, "from", from.String(), "to", to.String())
			})),
	}

	if !o.noTraces {
		shutdown, err := traces.Init(ctx, "bountyhub", cfg.OTLPEndpoint, o.logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.shutdownTracing = shutdown
	}

	a.HTTP = o.http
	if a.HTTP == nil {
		a.HTTP = &http.Client{Timeout: 60 * time.Second, Transport: metrics.InstrumentTransport(nil)}
	}

	var token realtime.TokenSource
	if cfg.AuthToken != "" {
		token = realtime.StaticToken(cfg.AuthToken)
	}
	a.Channel = realtime.NewManager(realtime.Config{
		URL:         cfg.SocketOrigin,
		Token:       token,
		Policy:      retry.Linear{Base: cfg.ReconnectInterval, Max: cfg.ReconnectMaxInterval},
		MaxAttempts: cfg.MaxReconnectAttempts,
		Heartbeat:   cfg.HeartbeatInterval,
		Dialer:      o.dialer,
		Logger:      o.logger,
	})
	a.Health.Register("channel", health.Channel("channel", a.Channel))

	// Streams are long-lived; they must not inherit the API client timeout.
	streamClient := &http.Client{Transport: a.HTTP.Transport}
	a.Progress = progress.NewClient(progress.Config{
		Origin:      cfg.APIOrigin,
		Source:      progress.SSESource{Client: streamClient, Token: cfg.AuthToken},
		Policy:      retry.Exponential{Base: cfg.StreamBackoffBase, Max: cfg.StreamBackoffMax},
		MaxAttempts: cfg.StreamMaxAttempts,
		Logger:      o.logger,
	})

	settle, err := a.settler(cfg, o)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Retrier, err = x402.NewRetrier(x402.RetrierConfig{
		Client:        a.HTTP,
		Settle:        settle,
		MaxAmount:     cfg.MaxPayment,
		OnStateChange: o.onState,
		Logger:        o.logger,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) settler(cfg *config.Config, o *options) (x402.Settler, error) {
	w := o.wallet
	if w == nil && cfg.CanPay() {
		kw, err := wallet.New(wallet.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Token:      cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("init wallet: %w", err)
		}
		a.closer = kw
		a.Health.Register("rpc", health.RPC("rpc", kw))
		w = kw
	}
	if w == nil {
		return func(context.Context, string, x402.PaymentTerms) (x402.SettlementResult, error) {
			return x402.SettlementResult{Status: x402.SettlementFailed}, ErrNoWallet
		}, nil
	}
	a.wallet = w

	driver, err := settlement.New(settlement.Config{
		Wallet:         w,
		DefaultToken:   common.HexToAddress(cfg.USDCContract),
		ConfirmTimeout: cfg.ConfirmTimeout,
		OnStep:         o.onStep,
		Logger:         o.logger,
	})
	if err != nil {
		return nil, err
	}
	return driver.Settler(o.approve), nil
}

// Payer returns the paying address, or "" when the app cannot pay.
func (a *App) Payer() string {
	if a.wallet == nil {
		return ""
	}
	return a.wallet.Address()
}

// URL resolves an API path against API_ORIGIN.
func (a *App) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(a.Config.APIOrigin, "/") + "/" + strings.TrimLeft(path, "/")
}

func (a *App) header(hasBody bool) http.Header {
	h := http.Header{"Accept": []string{"application/json"}}
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if a.Config.AuthToken != "" {
		h.Set("Authorization", "Bearer "+a.Config.AuthToken)
	}
	return h
}

// Request runs one paid action: the request is sent, a 402 is settled after
// approval and the request retried once. It returns the action id with the
// result so failures after payment can be followed up.
func (a *App) Request(ctx context.Context, method, path string, body []byte) (string, *x402.Result, error) {
	actionID := idgen.ActionID()
	res, err := a.Retrier.Do(ctx, actionID, x402.Request{
		Method: strings.ToUpper(method),
		URL:    a.URL(path),
		Header: a.header(len(body) > 0),
		Body:   body,
	})
	return actionID, res, err
}

// Terms fetches path without paying. It returns the parsed terms when the
// server asks for payment, or ok=false with the status it answered instead.
func (a *App) Terms(ctx context.Context, method, path string, body []byte) (terms x402.PaymentTerms, status int, ok bool, err error) {
	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), a.URL(path), rdr)
	if err != nil {
		return x402.PaymentTerms{}, 0, false, err
	}
	req.Header = a.header(len(body) > 0)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return x402.PaymentTerms{}, 0, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		_, _ = io.Copy(io.Discard, resp.Body)
		return x402.PaymentTerms{}, resp.StatusCode, false, nil
	}
	return x402.ParseResponse(resp, time.Now()), resp.StatusCode, true, nil
}

// Close disconnects the channel, closes the wallet and flushes traces.
func (a *App) Close(ctx context.Context) error {
	if a.Channel != nil {
		a.Channel.Disconnect()
	}
	var errs []error
	if a.closer != nil {
		errs = append(errs, a.closer.Close())
	}
	errs = append(errs, a.shutdownTracing(ctx))
	return errors.Join(errs...)
}

// NewTracker builds a liveness tracker that shares the app's poll limiter and
// circuit breaker.
func NewTracker[T any](a *App, key string, fetch liveness.Fetcher[T]) *liveness.Tracker[T] {
	return liveness.New(fetch, liveness.Config{
		Key:        key,
		StaleAfter: a.Config.PollInterval,
		Limiter:    a.limiter,
		Breaker:    a.breaker,
		Logger:     a.Logger,
	})
}
