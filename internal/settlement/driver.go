// Package settlement moves funds on-chain for a set of payment terms.
//
// Wallets that can execute several calls atomically get one batch holding
// [approve, transfer]. Other wallets run approve and transfer as separate
// transactions, each confirmed before the next is sent. Every step reports
// its own progress through OnStep. Failures are never retried here.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/bountyhub/internal/metrics"
	"github.com/mbd888/bountyhub/internal/traces"
	"github.com/mbd888/bountyhub/pkg/x402"
)

// DefaultConfirmTimeout bounds each confirmation wait.
const DefaultConfirmTimeout = 60 * time.Second

// Call is one contract call.
type Call struct {
	// Method names the call for display ("approve", "transfer").
	Method string
	To     common.Address
	Data   []byte
	Value  *big.Int
}

// Receipt is a mined transaction or batch.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	// Success is false when the transaction reverted.
	Success bool
}

// Wallet submits contract calls one at a time.
type Wallet interface {
	Address() string
	WriteContract(ctx context.Context, call Call) (txHash string, err error)
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// BatchWallet can execute several calls under one signature.
type BatchWallet interface {
	Wallet
	SupportsBatch(ctx context.Context) bool
	SendCalls(ctx context.Context, calls []Call) (batchID string, err error)
	// WaitForCalls returns the receipt of the transaction carrying the batch.
	WaitForCalls(ctx context.Context, batchID string) (*Receipt, error)
}

// AllowanceReader lets the sequential path skip an approval that is
// already in place.
type AllowanceReader interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Step names a settlement step.
type Step string

const (
	StepPrepare  Step = "prepare"
	StepApprove  Step = "approve"
	StepTransfer Step = "transfer"
	StepBatch    Step = "batch"
)

// StepState is the progress of one step.
type StepState string

const (
	StatePending    StepState = "pending"
	StateConfirming StepState = "confirming"
	StateConfirmed  StepState = "confirmed"
	StateSkipped    StepState = "skipped"
	StateFailed     StepState = "failed"
)

// Update reports a step transition.
type Update struct {
	Step    Step
	State   StepState
	TxHash  string
	Message string
	At      time.Time
}

// Error is a failed settlement. Message is the first line of the cause.
type Error struct {
	Step    Step
	Message string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("settlement: %s failed (tx: %s): %s", e.Step, e.TxHash, e.Message)
	}
	return fmt.Sprintf("settlement: %s failed: %s", e.Step, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrUnknownAsset     = errors.New("no token contract for asset")
	ErrReverted         = errors.New("transaction reverted")
)

// Config configures a Driver.
type Config struct {
	Wallet Wallet
	// DefaultToken is used when the terms name an asset symbol without a
	// contract address.
	DefaultToken   common.Address
	ConfirmTimeout time.Duration
	OnStep         func(Update)
	Logger         *slog.Logger
	Now            func() time.Time
}

// Driver settles payment terms with a wallet.
type Driver struct {
	wallet         Wallet
	defaultToken   common.Address
	confirmTimeout time.Duration
	onStep         func(Update)
	logger         *slog.Logger
	now            func() time.Time
}

// New creates a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("settlement: wallet is required")
	}
	d := &Driver{
		wallet:         cfg.Wallet,
		defaultToken:   cfg.DefaultToken,
		confirmTimeout: cfg.ConfirmTimeout,
		onStep:         cfg.OnStep,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if d.confirmTimeout <= 0 {
		d.confirmTimeout = DefaultConfirmTimeout
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "settlement")
	if d.now == nil {
		d.now = time.Now
	}
	return d, nil
}

// plan is the validated input of one settlement.
type plan struct {
	token     common.Address
	spender   common.Address
	recipient common.Address
	amount    *big.Int
}

// Settle pays terms and returns the reference of the transaction that moved
// the funds. A failure is returned as *Error and also reflected in the
// result's status.
func (d *Driver) Settle(ctx context.Context, terms x402.PaymentTerms) (x402.SettlementResult, error) {
	start := d.now()
	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.Amount(terms.Amount), traces.Chain(terms.Chain), traces.Recipient(terms.Recipient))
	defer span.End()

	res := x402.SettlementResult{Status: x402.SettlementFailed, Payer: d.wallet.Address()}
	mode := "sequential"

	p, err := d.prepare(terms)
	if err == nil {
		if bw, ok := d.wallet.(BatchWallet); ok && bw.SupportsBatch(ctx) {
			mode = "batched"
			res.Batched = true
			res.TransactionReference, err = d.batched(ctx, bw, p)
		} else {
			res.TransactionReference, err = d.sequential(ctx, p)
		}
	}

	status := "success"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		d.logger.Warn("settlement failed", "mode", mode, "error", err)
	} else {
		res.Status = x402.SettlementSucceeded
		span.SetAttributes(traces.TxHash(res.TransactionReference))
		d.logger.Info("settlement confirmed", "mode", mode, "tx", res.TransactionReference,
			"amount", terms.Amount, "recipient", terms.Recipient)
	}
	metrics.SettlementDuration.WithLabelValues(mode, status).Observe(d.now().Sub(start).Seconds())
	return res, err
}

func (d *Driver) prepare(terms x402.PaymentTerms) (plan, error) {
	fail := func(err error) (plan, error) {
		d.emit(StepPrepare, StateFailed, "", err.Error())
		return plan{}, &Error{Step: StepPrepare, Message: err.Error(), Err: err}
	}
	if !common.IsHexAddress(terms.Recipient) {
		return fail(ErrInvalidRecipient)
	}
	spender := terms.ApprovalSpender()
	if !common.IsHexAddress(spender) {
		return fail(ErrInvalidRecipient)
	}
	amount, ok := new(big.Int).SetString(terms.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fail(ErrInvalidAmount)
	}
	token := d.defaultToken
	if common.IsHexAddress(terms.AssetAddress) {
		token = common.HexToAddress(terms.AssetAddress)
	}
	if token == (common.Address{}) {
		return fail(fmt.Errorf("%w %s", ErrUnknownAsset, terms.Asset))
	}
	return plan{
		token:     token,
		spender:   common.HexToAddress(spender),
		recipient: common.HexToAddress(terms.Recipient),
		amount:    amount,
	}, nil
}

func (d *Driver) sequential(ctx context.Context, p plan) (string, error) {
	if d.allowanceCovers(ctx, p) {
		d.emit(StepApprove, StateSkipped, "", "existing allowance covers amount")
	} else {
		approve, err := ApproveCall(p.token, p.spender, p.amount)
		if err != nil {
			return "", d.failed(StepApprove, "", err)
		}
		if _, err := d.submit(ctx, StepApprove, approve); err != nil {
			return "", err
		}
	}

	transfer, err := TransferCall(p.token, p.recipient, p.amount)
	if err != nil {
		return "", d.failed(StepTransfer, "", err)
	}
	return d.submit(ctx, StepTransfer, transfer)
}

// submit sends one call and waits for it to confirm.
func (d *Driver) submit(ctx context.Context, step Step, call Call) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement."+string(step), traces.Step(string(step)))
	defer span.End()

	d.emit(step, StatePending, "", "")
	hash, err := d.wallet.WriteContract(ctx, call)
	if err != nil {
		return "", d.failed(step, hash, err)
	}
	span.SetAttributes(traces.TxHash(hash))
	d.emit(step, StateConfirming, hash, "")

	wctx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	receipt, err := d.wallet.WaitForReceipt(wctx, hash)
	if err == nil && !receipt.Success {
		err = ErrReverted
	}
	if err != nil {
		return "", d.failed(step, hash, err)
	}
	d.emit(step, StateConfirmed, hash, "")
	return hash, nil
}

func (d *Driver) batched(ctx context.Context, bw BatchWallet, p plan) (string, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.batch", traces.Step(string(StepBatch)))
	defer span.End()

	approve, err := ApproveCall(p.token, p.spender, p.amount)
	if err != nil {
		return "", d.failed(StepBatch, "", err)
	}
	transfer, err := TransferCall(p.token, p.recipient, p.amount)
	if err != nil {
		return "", d.failed(StepBatch, "", err)
	}

	d.emit(StepBatch, StatePending, "", "")
	id, err := bw.SendCalls(ctx, []Call{approve, transfer})
	if err != nil {
		return "", d.failed(StepBatch, "", err)
	}
	d.emit(StepBatch, StateConfirming, id, "")

	wctx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	receipt, err := bw.WaitForCalls(wctx, id)
	if err == nil && !receipt.Success {
		err = ErrReverted
	}
	if err != nil {
		return "", d.failed(StepBatch, id, err)
	}
	ref := receipt.TxHash
	if ref == "" {
		ref = id
	}
	span.SetAttributes(traces.TxHash(ref))
	d.emit(StepBatch, StateConfirmed, ref, "")
	return ref, nil
}

func (d *Driver) allowanceCovers(ctx context.Context, p plan) bool {
	ar, ok := d.wallet.(AllowanceReader)
	if !ok {
		return false
	}
	owner := common.HexToAddress(d.wallet.Address())
	allowance, err := ar.Allowance(ctx, p.token, owner, p.spender)
	if err != nil {
		d.logger.Debug("allowance check failed, approving", "error", err)
		return false
	}
	return allowance.Cmp(p.amount) >= 0
}

func (d *Driver) failed(step Step, hash string, err error) error {
	msg := FirstLine(err)
	d.emit(step, StateFailed, hash, msg)
	return &Error{Step: step, Message: msg, TxHash: hash, Err: err}
}

func (d *Driver) emit(step Step, state StepState, hash, msg string) {
	metrics.SettlementStepsTotal.WithLabelValues(string(step), string(state)).Inc()
	if d.onStep != nil {
		d.onStep(Update{Step: step, State: state, TxHash: hash, Message: msg, At: d.now()})
	}
}

// FirstLine returns the first non-empty line of err's message.
func FirstLine(err error) string {
	if err == nil {
		return ""
	}
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "unknown error"
}

// Settler adapts the driver to the retrier. approve is asked first and may
// return x402.ErrPaymentDeclined; nil approves every payment.
func (d *Driver) Settler(approve func(ctx context.Context, actionID string, terms x402.PaymentTerms) error) x402.Settler {
	return func(ctx context.Context, actionID string, terms x402.PaymentTerms) (x402.SettlementResult, error) {
		if approve != nil {
			if err := approve(ctx, actionID, terms); err != nil {
				return x402.SettlementResult{Status: x402.SettlementFailed}, err
			}
		}
		return d.Settle(ctx, terms)
	}
}
