// Package wallet is a private-key EOA wallet that pays with ERC-20 calls.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/bountyhub/internal/settlement"
	"github.com/mbd888/bountyhub/internal/usdc"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError wraps a failed operation with the transaction it concerns.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const (
	// DefaultGasLimit is used when gas estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for creating a new wallet.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	ChainID    int64
	// Token is the ERC-20 contract BalanceOf and VerifyPayment read.
	Token string
}

// Option configures the wallet.
type Option func(*Wallet)

// WithClient sets a custom Ethereum client.
func WithClient(client EthClient) Option {
	return func(w *Wallet) { w.client = client }
}

// WithPollInterval overrides how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(w *Wallet) { w.pollInterval = d }
}

// Wallet signs legacy EIP-155 transactions with a local key.
type Wallet struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	token        common.Address
	pollInterval time.Duration
}

var (
	_ settlement.Wallet          = (*Wallet)(nil)
	_ settlement.AllowanceReader = (*Wallet)(nil)
)

// New creates a Wallet, dialing RPCURL unless WithClient is given.
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	w := &Wallet{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID:      big.NewInt(cfg.ChainID),
		token:        common.HexToAddress(cfg.Token),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}
	return w, nil
}

// ValidateKey checks that key is 64 hex characters, with or without 0x.
func ValidateKey(key string) error {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if _, err := crypto.HexToECDSA(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if err := ValidateKey(cfg.PrivateKey); err != nil {
		return err
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Token) {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// Address returns the wallet's checksummed address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// WriteContract signs and sends call, returning the transaction hash.
func (w *Wallet) WriteContract(ctx context.Context, call settlement.Call) (string, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	to := call.To
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  call.Data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, call.Data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	hash := signedTx.Hash().Hex()
	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: call.Method, TxHash: hash, Err: err}
	}
	return hash, nil
}

// WaitForReceipt polls until txHash is mined or ctx is done.
func (w *Wallet) WaitForReceipt(ctx context.Context, txHash string) (*settlement.Receipt, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			out := &settlement.Receipt{
				TxHash:  txHash,
				GasUsed: receipt.GasUsed,
				Success: receipt.Status == types.ReceiptStatusSuccessful,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		}
		// Not mined yet.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Allowance reads token.allowance(owner, spender).
func (w *Wallet) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return w.callUint(ctx, token, "allowance", owner, spender)
}

// BalanceOf returns the token balance of addr in base units.
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	return w.callUint(ctx, w.token, "balanceOf", addr)
}

// Balance returns the wallet's own balance formatted with six decimals.
func (w *Wallet) Balance(ctx context.Context) (string, error) {
	raw, err := w.BalanceOf(ctx, w.address)
	if err != nil {
		return "", err
	}
	return usdc.Format(raw), nil
}

func (w *Wallet) callUint(ctx context.Context, to common.Address, method string, args ...any) (*big.Int, error) {
	data, err := settlement.ERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("wallet: pack %s: %w", method, err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("wallet: call %s: %w", method, err)
	}
	return new(big.Int).SetBytes(result), nil
}

// VerifyPayment reports whether txHash moved at least minAmount base units
// of the token from `from` to this wallet.
func (w *Wallet) VerifyPayment(ctx context.Context, from string, minAmount string, txHash string) (bool, error) {
	floor, ok := new(big.Int).SetString(minAmount, 10)
	if !ok || floor.Sign() < 0 {
		return false, fmt.Errorf("%w: %q", ErrInvalidAmount, minAmount)
	}
	return VerifyTransfer(ctx, w.client, w.token, common.HexToAddress(from), w.address, floor, txHash)
}

// ReceiptReader is the part of EthClient VerifyTransfer needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// VerifyTransfer checks the receipt of txHash for a token Transfer log from
// `from` to `to` of at least floor. A zero `from` matches any sender.
func VerifyTransfer(ctx context.Context, client ReceiptReader, token, from, to common.Address, floor *big.Int, txHash string) (bool, error) {
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("wallet: get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) < 3 || log.Topics[0] != settlement.TransferTopic {
			continue
		}
		eventFrom := common.BytesToAddress(log.Topics[1].Bytes())
		eventTo := common.BytesToAddress(log.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(log.Data)
		if (from == common.Address{} || eventFrom == from) && eventTo == to && amount.Cmp(floor) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

// Ping checks that the RPC endpoint answers.
func (w *Wallet) Ping(ctx context.Context) error {
	if _, err := w.client.SuggestGasPrice(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// Close closes the client connection.
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
