package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountyhub/internal/settlement"
	"github.com/mbd888/bountyhub/pkg/x402"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

var (
	token     = x402.BaseSepolia.USDC
	recipient = common.HexToAddress("0xAbCd000000000000000000000000000000001234")
)

// fakeClient is an in-memory chain: sent transactions are mined after
// pendingPolls receipt lookups.
type fakeClient struct {
	mu           sync.Mutex
	nonce        uint64
	sent         []*types.Transaction
	polls        map[common.Hash]int
	pendingPolls int
	reverted     bool
	sendErr      error
	estimateErr  error
	gasErr       error
	callResult   []byte
	calls        []ethereum.CallMsg
	receipts     map[common.Hash]*types.Receipt
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		polls:    make(map[common.Hash]int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (c *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	if c.gasErr != nil {
		return nil, c.gasErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if c.estimateErr != nil {
		return 0, c.estimateErr
	}
	return 50_000, nil
}

func (c *fakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.nonce++
	return nil
}

func (c *fakeClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	c.polls[hash]++
	if c.polls[hash] <= c.pendingPolls {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if c.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(42), GasUsed: 48_000}, nil
}

func (c *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.callResult, nil
}

func (c *fakeClient) Close() {}

func newTestWallet(t *testing.T, c *fakeClient) *Wallet {
	t.Helper()
	w, err := New(Config{
		RPCURL:     "http://unused",
		PrivateKey: testKey,
		ChainID:    84532,
		Token:      token.Hex(),
	}, WithClient(c), WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return w
}

func TestWriteContract_SignsForChain(t *testing.T) {
	c := newFakeClient()
	w := newTestWallet(t, c)

	call, err := settlement.TransferCall(token, recipient, big.NewInt(1_000_000))
	require.NoError(t, err)

	hash, err := w.WriteContract(context.Background(), call)
	require.NoError(t, err)

	require.Len(t, c.sent, 1)
	tx := c.sent[0]
	assert.Equal(t, hash, tx.Hash().Hex())
	assert.Equal(t, token, *tx.To())
	assert.Equal(t, call.Data, tx.Data())
	assert.Equal(t, uint64(50_000), tx.Gas())
	assert.Equal(t, int64(84532), tx.ChainId().Int64())

	from, err := types.Sender(types.NewEIP155Signer(big.NewInt(84532)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from.Hex())
}

func TestWriteContract_GasEstimateFallback(t *testing.T) {
	c := newFakeClient()
	c.estimateErr = errors.New("execution reverted")
	w := newTestWallet(t, c)

	_, err := w.WriteContract(context.Background(), settlement.Call{Method: "approve", To: token})
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, c.sent[0].Gas())
}

func TestWriteContract_SendError(t *testing.T) {
	c := newFakeClient()
	c.sendErr = errors.New("insufficient funds for gas * price + value")
	w := newTestWallet(t, c)

	_, err := w.WriteContract(context.Background(), settlement.Call{Method: "transfer", To: token})
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "transfer", te.Op)
	assert.NotEmpty(t, te.TxHash)
	assert.ErrorIs(t, err, c.sendErr)
}

func TestWaitForReceipt_PollsUntilMined(t *testing.T) {
	c := newFakeClient()
	c.pendingPolls = 3
	w := newTestWallet(t, c)

	r, err := w.WaitForReceipt(context.Background(), "0x01")
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(42), r.BlockNumber)
	assert.Equal(t, 4, c.polls[common.HexToHash("0x01")])
}

func TestWaitForReceipt_Reverted(t *testing.T) {
	c := newFakeClient()
	c.reverted = true
	w := newTestWallet(t, c)

	r, err := w.WaitForReceipt(context.Background(), "0x02")
	require.NoError(t, err)
	assert.False(t, r.Success)
}

func TestWaitForReceipt_Timeout(t *testing.T) {
	c := newFakeClient()
	c.pendingPolls = 1 << 30
	w := newTestWallet(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.WaitForReceipt(ctx, "0x03")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAllowanceAndBalance(t *testing.T) {
	c := newFakeClient()
	c.callResult = common.LeftPadBytes(big.NewInt(2_500_000).Bytes(), 32)
	w := newTestWallet(t, c)
	owner := common.HexToAddress(w.Address())

	a, err := w.Allowance(context.Background(), token, owner, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), a.Int64())

	bal, err := w.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.500000", bal)

	require.Len(t, c.calls, 2)
	m, err := settlement.ERC20.MethodById(c.calls[0].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "allowance", m.Name)
	assert.Equal(t, token, *c.calls[1].To)
}

func transferLog(from, to common.Address, amount int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			settlement.TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
	}
}

func TestVerifyPayment(t *testing.T) {
	c := newFakeClient()
	w := newTestWallet(t, c)
	me := common.HexToAddress(w.Address())
	payer := common.HexToAddress("0x2222222222222222222222222222222222222222")

	good := common.HexToHash("0xaa")
	c.receipts[good] = &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{transferLog(payer, me, 1_000_000)}}
	short := common.HexToHash("0xbb")
	c.receipts[short] = &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{transferLog(payer, me, 10)}}
	failed := common.HexToHash("0xcc")
	c.receipts[failed] = &types.Receipt{Status: types.ReceiptStatusFailed, Logs: []*types.Log{transferLog(payer, me, 1_000_000)}}

	ok, err := w.VerifyPayment(context.Background(), payer.Hex(), "1000000", good.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.VerifyPayment(context.Background(), "", "1000000", good.Hex())
	require.NoError(t, err)
	assert.True(t, ok, "empty sender matches any payer")

	ok, err = w.VerifyPayment(context.Background(), recipient.Hex(), "1000000", good.Hex())
	require.NoError(t, err)
	assert.False(t, ok, "wrong sender")

	ok, err = w.VerifyPayment(context.Background(), payer.Hex(), "1000000", short.Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = w.VerifyPayment(context.Background(), payer.Hex(), "1000000", failed.Hex())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = w.VerifyPayment(context.Background(), payer.Hex(), "1.5", good.Hex())
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestWallet_DrivesSequentialSettlement(t *testing.T) {
	c := newFakeClient()
	c.pendingPolls = 1
	w := newTestWallet(t, c)
	d, err := settlement.New(settlement.Config{Wallet: w, ConfirmTimeout: time.Second})
	require.NoError(t, err)

	// No allowance yet.
	c.callResult = common.LeftPadBytes(big.NewInt(0).Bytes(), 32)

	res, err := d.Settle(context.Background(), x402.PaymentTerms{
		Amount:       "1000000",
		AssetAddress: token.Hex(),
		Recipient:    recipient.Hex(),
	})
	require.NoError(t, err)
	require.Len(t, c.sent, 2)
	assert.Equal(t, c.sent[1].Hash().Hex(), res.TransactionReference)
	assert.Equal(t, uint64(0), c.sent[0].Nonce())
	assert.Equal(t, uint64(1), c.sent[1].Nonce())
}

func TestTransferError(t *testing.T) {
	withHash := &TransferError{Op: "send", TxHash: "0xabc123", Err: errors.New("network error")}
	assert.Contains(t, withHash.Error(), "0xabc123")
	assert.ErrorIs(t, withHash, withHash.Err)

	noHash := &TransferError{Op: "nonce", Err: errors.New("failed to get nonce")}
	assert.Contains(t, noHash.Error(), "nonce failed")
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		RPCURL:     "https://sepolia.base.org",
		PrivateKey: testKey,
		ChainID:    84532,
		Token:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"0x prefix", func(c *Config) { c.PrivateKey = "0x" + testKey }, false},
		{"missing RPC URL", func(c *Config) { c.RPCURL = "" }, true},
		{"missing private key", func(c *Config) { c.PrivateKey = "" }, true},
		{"short private key", func(c *Config) { c.PrivateKey = "tooshort" }, true},
		{"non-hex private key", func(c *Config) { c.PrivateKey = "zz" + testKey[2:] }, true},
		{"missing chain ID", func(c *Config) { c.ChainID = 0 }, true},
		{"missing token", func(c *Config) { c.Token = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_DerivesAddress(t *testing.T) {
	w := newTestWallet(t, newFakeClient())
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), w.Address())
}

func TestPing(t *testing.T) {
	c := newFakeClient()
	w := newTestWallet(t, c)
	require.NoError(t, w.Ping(context.Background()))

	c.gasErr = errors.New("503 service unavailable")
	err := w.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRPCConnection)
}
