package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TransferRepo is the durable sequence of NFT Transfer records backing the
// ownership Merkle tree.
type TransferRepo struct {
	db *DB
}

// NewTransferRepo creates the repository.
func NewTransferRepo(db *DB) *TransferRepo {
	return &TransferRepo{db: db}
}

const transferCols = `id, chain_id, tx_hash, block_number, block_hash, log_index, token_address, token_id, from_address, to_address, timestamp, included_in_merkle, merkle_root`

func scanTransfer(row pgx.Row) (*NftTransfer, error) {
	var t NftTransfer
	err := row.Scan(&t.ID, &t.ChainID, &t.TxHash, &t.BlockNumber, &t.BlockHash,
		&t.LogIndex, &t.TokenAddress, &t.TokenID, &t.FromAddress, &t.ToAddress,
		&t.Timestamp, &t.IncludedInMerkle, &t.MerkleRoot)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert records a transfer. Replays of the same tx hash are ignored; the
// return reports whether a new row landed.
func (r *TransferRepo) Insert(ctx context.Context, t *NftTransfer) (bool, error) {
	tag, err := r.db.pool.Exec(ctx,
		`INSERT INTO nft_transfers
		 (chain_id, tx_hash, block_number, block_hash, log_index, token_address, token_id, from_address, to_address, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		t.ChainID, t.TxHash, t.BlockNumber, t.BlockHash, t.LogIndex,
		t.TokenAddress, t.TokenID, t.FromAddress, t.ToAddress, t.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert transfer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TransferRepo) queryOrdered(ctx context.Context, sql string, args ...any) ([]*NftTransfer, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NftTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AllOrdered returns every transfer in canonical fold order: block number,
// then log index, then insertion order.
func (r *TransferRepo) AllOrdered(ctx context.Context) ([]*NftTransfer, error) {
	return r.queryOrdered(ctx,
		`SELECT `+transferCols+` FROM nft_transfers
		 ORDER BY block_number ASC, log_index ASC, id ASC`)
}

// OrderedUpTo returns transfers with block_number <= n in fold order.
func (r *TransferRepo) OrderedUpTo(ctx context.Context, blockNumber uint64) ([]*NftTransfer, error) {
	return r.queryOrdered(ctx,
		`SELECT `+transferCols+` FROM nft_transfers
		 WHERE block_number <= $1
		 ORDER BY block_number ASC, log_index ASC, id ASC`, blockNumber)
}

// NotIncluded returns transfers awaiting Merkle inclusion, in fold order.
func (r *TransferRepo) NotIncluded(ctx context.Context) ([]*NftTransfer, error) {
	return r.queryOrdered(ctx,
		`SELECT `+transferCols+` FROM nft_transfers
		 WHERE NOT included_in_merkle
		 ORDER BY block_number ASC, log_index ASC, id ASC`)
}

// MarkIncluded stamps not-yet-included rows with the root. Rows already
// included keep their original root: merkle_root is immutable once set.
func (r *TransferRepo) MarkIncluded(ctx context.Context, ids []int64, root string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.pool.Exec(ctx,
		`UPDATE nft_transfers
		 SET included_in_merkle = TRUE, merkle_root = $2
		 WHERE id = ANY($1) AND NOT included_in_merkle`,
		ids, root)
	if err != nil {
		return fmt.Errorf("mark included: %w", err)
	}
	return nil
}

// LatestRooted returns the most recent transfer carrying a Merkle root, or
// nil when no root has ever been committed.
func (r *TransferRepo) LatestRooted(ctx context.Context) (*NftTransfer, error) {
	t, err := scanTransfer(r.db.pool.QueryRow(ctx,
		`SELECT `+transferCols+` FROM nft_transfers
		 WHERE merkle_root IS NOT NULL
		 ORDER BY block_number DESC, log_index DESC, id DESC
		 LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}
