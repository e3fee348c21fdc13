// Package oracle converts token amounts to USD via the Alchemy prices API.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlasvault/chainflow/internal/money"
)

// PriceOracle values a token amount in USD.
type PriceOracle interface {
	// Value converts amount (raw token units) to USD at the current price.
	Value(ctx context.Context, chainID uint64, tokenAddress string, amount *big.Int, decimals int) (decimal.Decimal, error)
}

const (
	defaultTTL     = time.Minute
	requestTimeout = 10 * time.Second
)

// networkNames maps chain IDs to Alchemy network identifiers.
var networkNames = map[uint64]string{
	1:     "eth-mainnet",
	137:   "polygon-mainnet",
	8453:  "base-mainnet",
	42161: "arb-mainnet",
	80094: "berachain-mainnet",
}

type cachedPrice struct {
	price   decimal.Decimal
	fetched time.Time
}

// AlchemyOracle fetches spot prices by token address, with a short cache so
// bursts of events on the same asset cost one request.
type AlchemyOracle struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedPrice
}

// NewAlchemyOracle creates the oracle.
func NewAlchemyOracle(apiKey string, logger *slog.Logger) *AlchemyOracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlchemyOracle{
		apiKey:  apiKey,
		baseURL: "https://api.g.alchemy.com/prices/v1",
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger.With("component", "price-oracle"),
		ttl:     defaultTTL,
		cache:   make(map[string]cachedPrice),
	}
}

func (o *AlchemyOracle) Value(ctx context.Context, chainID uint64, tokenAddress string, amount *big.Int, decimals int) (decimal.Decimal, error) {
	price, err := o.price(ctx, chainID, strings.ToLower(tokenAddress))
	if err != nil {
		return decimal.Zero, err
	}
	units := decimal.NewFromBigInt(amount, 0).
		Div(decimal.New(1, int32(decimals)))
	return money.Format(units.Mul(price)), nil
}

func (o *AlchemyOracle) price(ctx context.Context, chainID uint64, addr string) (decimal.Decimal, error) {
	key := fmt.Sprintf("%d:%s", chainID, addr)

	o.mu.Lock()
	if c, ok := o.cache[key]; ok && time.Since(c.fetched) < o.ttl {
		o.mu.Unlock()
		return c.price, nil
	}
	o.mu.Unlock()

	network, ok := networkNames[chainID]
	if !ok {
		return decimal.Zero, fmt.Errorf("oracle: no network mapping for chain %d", chainID)
	}

	reqBody, err := json.Marshal(map[string]any{
		"addresses": []map[string]string{
			{"network": network, "address": addr},
		},
	})
	if err != nil {
		return decimal.Zero, err
	}

	url := fmt.Sprintf("%s/%s/tokens/by-address", o.baseURL, o.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle: status %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Address string `json:"address"`
			Prices  []struct {
				Currency string `json:"currency"`
				Value    string `json:"value"`
			} `json:"prices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode response: %w", err)
	}

	for _, d := range body.Data {
		if d.Error != nil {
			return decimal.Zero, fmt.Errorf("oracle: %s", d.Error.Message)
		}
		for _, p := range d.Prices {
			if p.Currency != "usd" {
				continue
			}
			price, err := decimal.NewFromString(p.Value)
			if err != nil {
				return decimal.Zero, fmt.Errorf("oracle: bad price %q: %w", p.Value, err)
			}
			o.mu.Lock()
			o.cache[key] = cachedPrice{price: price, fetched: time.Now()}
			o.mu.Unlock()
			return price, nil
		}
	}
	return decimal.Zero, fmt.Errorf("oracle: no usd price for %s on chain %d", addr, chainID)
}
