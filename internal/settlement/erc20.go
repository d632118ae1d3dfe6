package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc20JSON is the subset of the ERC-20 ABI settlement and the wallet use.
const erc20JSON = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20 is the parsed token ABI.
var ERC20 = mustParseABI(erc20JSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("settlement: parse erc20 abi: %v", err))
	}
	return parsed
}

// ApproveCall builds token.approve(spender, amount).
func ApproveCall(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := ERC20.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, fmt.Errorf("settlement: pack approve: %w", err)
	}
	return Call{Method: "approve", To: token, Data: data}, nil
}

// TransferCall builds token.transfer(to, amount).
func TransferCall(token, to common.Address, amount *big.Int) (Call, error) {
	data, err := ERC20.Pack("transfer", to, amount)
	if err != nil {
		return Call{}, fmt.Errorf("settlement: pack transfer: %w", err)
	}
	return Call{Method: "transfer", To: token, Data: data}, nil
}

// TransferTopic is the log topic of the Transfer event.
var TransferTopic = ERC20.Events["Transfer"].ID
