package merkle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/atlasvault/chainflow/internal/metrics"
	"github.com/atlasvault/chainflow/internal/storage"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// TransferStore is the durable Transfer history the engine derives
// ownership from.
type TransferStore interface {
	AllOrdered(ctx context.Context) ([]*storage.NftTransfer, error)
	OrderedUpTo(ctx context.Context, blockNumber uint64) ([]*storage.NftTransfer, error)
	NotIncluded(ctx context.Context) ([]*storage.NftTransfer, error)
	MarkIncluded(ctx context.Context, ids []int64, root string) error
	LatestRooted(ctx context.Context) (*storage.NftTransfer, error)
}

// RootSubmitter pushes a new ownership root to one chain's relayer.
type RootSubmitter interface {
	SubmitRoot(ctx context.Context, chainID uint64, root Hash) error
}

// DepositChecker is the escape hatch consulted by VerifyOwnership when no
// Merkle root exists yet.
type DepositChecker interface {
	HasDepositFor(ctx context.Context, wallet, tokenID string) (bool, error)
}

// ProofResult is the answer to a proof query.
type ProofResult struct {
	Proof    []string
	Root     string
	Verified bool
}

// Engine maintains the current ownership map incrementally and rebuilds the
// tree (never re-scanning the store) when a new root is needed.
type Engine struct {
	store     TransferStore
	submitter RootSubmitter
	deposits  DepositChecker
	chains    []uint64
	logger    *slog.Logger

	mu        sync.Mutex
	ownership map[string]string // tokenId -> lowercased owner
	root      string
}

// NewEngine wires the engine. chains lists every chain with a configured
// relayer to receive root updates.
func NewEngine(store TransferStore, submitter RootSubmitter, deposits DepositChecker, chains []uint64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		submitter: submitter,
		deposits:  deposits,
		chains:    chains,
		logger:    logger.With("component", "merkle-engine"),
		ownership: make(map[string]string),
	}
}

// Snapshot folds a transfer sequence into the ownership map: for each
// tokenId, the `to` of the transfer with greatest block number (ties broken
// by log index, then insertion order — the input is already so ordered).
// Transfers to the zero address burn the token out of the map.
func Snapshot(transfers []*storage.NftTransfer) map[string]string {
	owners := make(map[string]string)
	for _, t := range transfers {
		applyTransfer(owners, t)
	}
	return owners
}

func applyTransfer(owners map[string]string, t *storage.NftTransfer) {
	to := strings.ToLower(t.ToAddress)
	if to == zeroAddress {
		delete(owners, t.TokenID)
		return
	}
	owners[t.TokenID] = to
}

// Bootstrap loads the full transfer history into the in-memory ownership
// map and restores the last committed root.
func (e *Engine) Bootstrap(ctx context.Context) error {
	transfers, err := e.store.AllOrdered(ctx)
	if err != nil {
		return fmt.Errorf("load transfers: %w", err)
	}

	e.mu.Lock()
	e.ownership = Snapshot(transfers)
	e.mu.Unlock()

	last, err := e.store.LatestRooted(ctx)
	if err != nil {
		return fmt.Errorf("load latest root: %w", err)
	}
	if last != nil && last.MerkleRoot != nil {
		e.mu.Lock()
		e.root = *last.MerkleRoot
		e.mu.Unlock()
	}

	e.logger.Info("bootstrapped ownership map",
		"transfers", len(transfers),
		"live_tokens", len(e.ownership),
	)
	return nil
}

// Update folds every not-yet-included transfer into the ownership map,
// rebuilds the tree, stamps the included rows with the new root, and pushes
// the root to every configured chain. Per-chain submission failures are
// logged and do not block other chains or future updates.
func (e *Engine) Update(ctx context.Context) error {
	pending, err := e.store.NotIncluded(ctx)
	if err != nil {
		return fmt.Errorf("load pending transfers: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	e.mu.Lock()
	for _, t := range pending {
		applyTransfer(e.ownership, t)
	}
	tree, err := e.buildTreeLocked()
	if err != nil {
		// no live tokens: nothing to commit, prior root stands
		e.mu.Unlock()
		e.logger.Warn("tree build skipped", "error", err)
		return nil
	}
	root := tree.RootHex()
	e.root = root
	e.mu.Unlock()

	ids := make([]int64, len(pending))
	for i, t := range pending {
		ids[i] = t.ID
	}
	if err := e.store.MarkIncluded(ctx, ids, root); err != nil {
		return fmt.Errorf("mark included: %w", err)
	}

	e.logger.Info("committed ownership root",
		"root", root,
		"new_transfers", len(pending),
	)

	var rootBytes Hash
	copy(rootBytes[:], mustHexBytes(root))
	for _, chainID := range e.chains {
		if e.submitter == nil {
			break
		}
		chainLabel := fmt.Sprintf("%d", chainID)
		if err := e.submitter.SubmitRoot(ctx, chainID, rootBytes); err != nil {
			metrics.RootSubmissions.WithLabelValues(chainLabel, "error").Inc()
			e.logger.Error("root submission failed",
				"chain_id", chainID,
				"root", root,
				"error", err,
			)
			continue
		}
		metrics.RootSubmissions.WithLabelValues(chainLabel, "ok").Inc()
	}
	return nil
}

// Root returns the last committed root, or empty when none exists.
func (e *Engine) Root() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root
}

// buildTreeLocked constructs the tree from the current ownership map with a
// deterministic leaf order. Caller holds mu.
func (e *Engine) buildTreeLocked() (*Tree, error) {
	return treeFromSnapshot(e.ownership)
}

// GetProof answers a proof query against the last committed root. It
// reconstructs the snapshot from all transfers at or below the root's block
// so the proof matches what relayers hold, and self-verifies before
// returning. Returns nil when the owner does not hold the token.
func (e *Engine) GetProof(ctx context.Context, owner, tokenID string) (*ProofResult, error) {
	last, err := e.store.LatestRooted(ctx)
	if err != nil {
		return nil, fmt.Errorf("load latest root: %w", err)
	}
	if last == nil || last.MerkleRoot == nil {
		return nil, nil
	}

	transfers, err := e.store.OrderedUpTo(ctx, last.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}
	owners := Snapshot(transfers)

	owner = strings.ToLower(owner)
	if owners[tokenID] != owner {
		return nil, nil
	}

	tree, err := treeFromSnapshot(owners)
	if err != nil {
		return nil, err
	}

	n, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("merkle: invalid token id %q", tokenID)
	}
	leaf, err := LeafHash(owner, n)
	if err != nil {
		return nil, err
	}
	proof, ok := tree.Proof(leaf)
	if !ok {
		return nil, nil
	}
	if !VerifyProof(leaf, proof, tree.Root()) {
		return nil, fmt.Errorf("merkle: proof failed self-verification for token %s", tokenID)
	}

	return &ProofResult{
		Proof:    HashesToHex(proof),
		Root:     tree.RootHex(),
		Verified: true,
	}, nil
}

// VerifyOwnership reports whether a proof query would succeed. When no root
// has ever been committed and allowDepositFallback is set, a prior deposit
// against the token stands in for Merkle verification.
func (e *Engine) VerifyOwnership(ctx context.Context, owner, tokenID string, allowDepositFallback bool) (bool, error) {
	last, err := e.store.LatestRooted(ctx)
	if err != nil {
		return false, err
	}
	if last == nil || last.MerkleRoot == nil {
		if allowDepositFallback && e.deposits != nil {
			ok, err := e.deposits.HasDepositFor(ctx, strings.ToLower(owner), tokenID)
			if err != nil {
				return false, err
			}
			if ok {
				e.logger.Warn("ownership verified via deposit fallback",
					"owner", owner,
					"token_id", tokenID,
				)
			}
			return ok, nil
		}
		return false, nil
	}

	proof, err := e.GetProof(ctx, owner, tokenID)
	if err != nil {
		return false, err
	}
	return proof != nil && proof.Verified, nil
}

func treeFromSnapshot(owners map[string]string) (*Tree, error) {
	tokenIDs := make([]string, 0, len(owners))
	for id := range owners {
		tokenIDs = append(tokenIDs, id)
	}
	sort.Slice(tokenIDs, func(i, j int) bool {
		return compareTokenIDs(tokenIDs[i], tokenIDs[j]) < 0
	})

	leaves := make([]Hash, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		n, ok := new(big.Int).SetString(id, 10)
		if !ok {
			return nil, fmt.Errorf("merkle: invalid token id %q", id)
		}
		leaf, err := LeafHash(owners[id], n)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return NewTree(leaves)
}

// compareTokenIDs orders decimal token ids numerically.
func compareTokenIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func mustHexBytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		out[i] = hexNibble(s[2*i])<<4 | hexNibble(s[2*i+1])
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
