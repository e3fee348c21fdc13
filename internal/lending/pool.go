// Package lending reads utilization from on-chain lending pool contracts.
package lending

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// UtilizationScale is the fixed-point scale lending pools report in.
const UtilizationScale = 1_000_000

const poolABIJSON = `[
	{"name":"utilization","type":"function","stateMutability":"view",
	 "inputs":[{"name":"tokenId","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// PoolReader reports the outstanding debt a protocol holds against a token.
type PoolReader interface {
	// Utilization returns the raw 1e6-scaled utilization for the token on
	// the given protocol contract.
	Utilization(ctx context.Context, protocol string, tokenID *big.Int) (*big.Int, error)
}

// Client calls utilization(uint256) on protocol contracts over one RPC
// endpoint per chain.
type Client struct {
	clients map[uint64]*ethclient.Client
	poolABI abi.ABI
	// protocols maps a protocol contract address to its home chain
	protocols map[string]uint64
}

// New prepares a reader. protocolChains maps lowercased protocol addresses
// to the chain their pool lives on.
func New(clients map[uint64]*ethclient.Client, protocolChains map[string]uint64) (*Client, error) {
	poolABI, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("lending: parse ABI: %w", err)
	}
	return &Client{
		clients:   clients,
		poolABI:   poolABI,
		protocols: protocolChains,
	}, nil
}

func (c *Client) Utilization(ctx context.Context, protocol string, tokenID *big.Int) (*big.Int, error) {
	protocol = strings.ToLower(protocol)
	chainID, ok := c.protocols[protocol]
	if !ok {
		return nil, fmt.Errorf("lending: unknown protocol %s", protocol)
	}
	client, ok := c.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("lending: no client for chain %d", chainID)
	}

	input, err := c.poolABI.Pack("utilization", tokenID)
	if err != nil {
		return nil, fmt.Errorf("lending: pack utilization: %w", err)
	}
	addr := common.HexToAddress(protocol)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("lending: call utilization: %w", err)
	}
	vals, err := c.poolABI.Unpack("utilization", out)
	if err != nil {
		return nil, fmt.Errorf("lending: unpack utilization: %w", err)
	}
	return vals[0].(*big.Int), nil
}
