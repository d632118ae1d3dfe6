package x402

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Network describes a chain the dashboard knows how to label.
type Network struct {
	ChainID int64
	Slug    string
	Name    string
	USDC    common.Address
}

// CAIP2 returns the "eip155:<id>" identifier.
func (n Network) CAIP2() string { return fmt.Sprintf("eip155:%d", n.ChainID) }

var (
	BaseSepolia = Network{
		ChainID: 84532,
		Slug:    "base-sepolia",
		Name:    "Base Sepolia",
		USDC:    common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	}
	BaseMainnet = Network{
		ChainID: 8453,
		Slug:    "base",
		Name:    "Base",
		USDC:    common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	}
)

var knownNetworks = []Network{BaseSepolia, BaseMainnet}

// LookupNetwork resolves a numeric chain id, a CAIP-2 identifier or a slug.
func LookupNetwork(id string) (Network, bool) {
	id = strings.TrimSpace(strings.ToLower(id))
	if id == "" {
		return Network{}, false
	}
	if n, ok := parseChainID(id); ok {
		return NetworkByChainID(n)
	}
	for _, n := range knownNetworks {
		if n.Slug == id {
			return n, true
		}
	}
	return Network{}, false
}

// NetworkByChainID returns the network for a numeric chain id.
func NetworkByChainID(id int64) (Network, bool) {
	for _, n := range knownNetworks {
		if n.ChainID == id {
			return n, true
		}
	}
	return Network{}, false
}

// AssetSymbol maps a known token contract address to its symbol.
func AssetSymbol(addr string) (string, bool) {
	if !common.IsHexAddress(addr) {
		return "", false
	}
	a := common.HexToAddress(addr)
	for _, n := range knownNetworks {
		if n.USDC == a {
			return "USDC", true
		}
	}
	return "", false
}

func parseChainID(s string) (int64, bool) {
	s = strings.TrimPrefix(s, "eip155:")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
