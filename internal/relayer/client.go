// Package relayer performs the pipeline's signed on-chain writes: ownership
// root updates, collateral request resolutions, and withdrawal completion.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainTarget holds the contracts and endpoint for one chain.
type ChainTarget struct {
	ChainID uint64
	RPCURL  string
	Relayer string
	Vault   string
}

const relayerABIJSON = `[
	{"name":"updateNFTOwnershipRoot","type":"function","inputs":[{"name":"root","type":"bytes32"}],"outputs":[]},
	{"name":"processRequest","type":"function","inputs":[{"name":"requestId","type":"bytes32"},{"name":"approved","type":"bool"}],"outputs":[]},
	{"name":"completeWithdraw","type":"function","inputs":[{"name":"handler","type":"address"},{"name":"requestId","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"additionalData","type":"bytes"}],"outputs":[]}
]`

var addressArg = func() abi.Arguments {
	t, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}()

// EncodeAsset abi-encodes an asset address for completeWithdraw's
// additionalData parameter.
func EncodeAsset(asset string) ([]byte, error) {
	return addressArg.Pack(common.HexToAddress(asset))
}

type chainBackend struct {
	target  ChainTarget
	client  *ethclient.Client
	relayer common.Address
	vault   common.Address

	// serializes writes per chain to keep nonces ordered
	mu sync.Mutex
}

// Client signs and submits relayer transactions across the configured
// chains with one key.
type Client struct {
	key      *ecdsa.PrivateKey
	sender   common.Address
	contract abi.ABI
	logger   *slog.Logger

	backends map[uint64]*chainBackend
}

// New dials every target chain and prepares the signer. An empty private
// key is a fatal configuration error.
func New(ctx context.Context, privateKeyHex string, targets []ChainTarget, logger *slog.Logger) (*Client, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("relayer: private key is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("relayer: parse private key: %w", err)
	}
	contract, err := abi.JSON(strings.NewReader(relayerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("relayer: parse ABI: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		contract: contract,
		logger:   logger.With("component", "relayer-client"),
		backends: make(map[uint64]*chainBackend, len(targets)),
	}
	for _, t := range targets {
		client, err := ethclient.DialContext(ctx, t.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("relayer: dial chain %d: %w", t.ChainID, err)
		}
		c.backends[t.ChainID] = &chainBackend{
			target:  t,
			client:  client,
			relayer: common.HexToAddress(t.Relayer),
			vault:   common.HexToAddress(t.Vault),
		}
	}
	return c, nil
}

// Close disconnects every chain.
func (c *Client) Close() {
	for _, b := range c.backends {
		b.client.Close()
	}
}

// Chains lists the configured chain IDs.
func (c *Client) Chains() []uint64 {
	out := make([]uint64, 0, len(c.backends))
	for id := range c.backends {
		out = append(out, id)
	}
	return out
}

// SubmitRoot calls updateNFTOwnershipRoot on the chain's relayer contract.
func (c *Client) SubmitRoot(ctx context.Context, chainID uint64, root [32]byte) error {
	input, err := c.contract.Pack("updateNFTOwnershipRoot", root)
	if err != nil {
		return fmt.Errorf("relayer: pack updateNFTOwnershipRoot: %w", err)
	}
	return c.send(ctx, chainID, func(b *chainBackend) common.Address { return b.relayer }, input)
}

// ProcessRequest resolves a collateral request on-chain.
func (c *Client) ProcessRequest(ctx context.Context, chainID uint64, requestID [32]byte, approved bool) error {
	input, err := c.contract.Pack("processRequest", requestID, approved)
	if err != nil {
		return fmt.Errorf("relayer: pack processRequest: %w", err)
	}
	return c.send(ctx, chainID, func(b *chainBackend) common.Address { return b.relayer }, input)
}

// CompleteWithdraw submits the withdrawal completion on the vault entry
// point. additionalData is abi.encode(asset).
func (c *Client) CompleteWithdraw(ctx context.Context, chainID uint64, handler common.Address, requestID [32]byte, proof [][32]byte, additionalData []byte) error {
	input, err := c.contract.Pack("completeWithdraw", handler, requestID, proof, additionalData)
	if err != nil {
		return fmt.Errorf("relayer: pack completeWithdraw: %w", err)
	}
	return c.send(ctx, chainID, func(b *chainBackend) common.Address { return b.vault }, input)
}

// send builds, signs, submits, and waits for one transaction. Writes on the
// same chain serialize behind the backend mutex to avoid nonce races; the
// receipt wait is unbounded but observes ctx.
func (c *Client) send(ctx context.Context, chainID uint64, to func(*chainBackend) common.Address, input []byte) error {
	b, ok := c.backends[chainID]
	if !ok {
		return fmt.Errorf("relayer: no backend for chain %d", chainID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nonce, err := b.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return fmt.Errorf("relayer: nonce: %w", err)
	}
	gasPrice, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("relayer: gas price: %w", err)
	}
	target := to(b)
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.sender,
		To:   &target,
		Data: input,
	})
	if err != nil {
		return fmt.Errorf("relayer: estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, target, big.NewInt(0), gas, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)), c.key)
	if err != nil {
		return fmt.Errorf("relayer: sign: %w", err)
	}
	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("relayer: send: %w", err)
	}

	c.logger.Info("submitted relayer tx",
		"chain_id", chainID,
		"tx", signed.Hash().Hex(),
		"to", target.Hex(),
	)

	receipt, err := waitMined(ctx, b.client, signed.Hash())
	if err != nil {
		return fmt.Errorf("relayer: wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("relayer: tx %s reverted", signed.Hash().Hex())
	}
	return nil
}

func waitMined(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		// 1s between polls matches block cadence on the fast chains
		timer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
