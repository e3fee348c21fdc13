package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MaxBlockRetries caps how often a failed block is handed back out for
// processing before requiring external reset.
const MaxBlockRetries = 5

// BlockRepo is the durable per-chain record of processed blocks and the
// unprocessed-block work queue.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates the repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

const unprocessedCols = `id, chain_id, number, hash, parent_hash, status, retry_count, error_message, block_data, created_at, updated_at`

func scanUnprocessed(row pgx.Row) (*UnprocessedBlock, error) {
	var b UnprocessedBlock
	err := row.Scan(&b.ID, &b.ChainID, &b.Number, &b.Hash, &b.ParentHash,
		&b.Status, &b.RetryCount, &b.ErrorMessage, &b.BlockData,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// AddUnprocessed inserts a PENDING row for the block. If a live row already
// exists with the same hash it is returned as-is; with a different hash the
// old row is marked REORGED and a fresh PENDING row replaces it.
func (r *BlockRepo) AddUnprocessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) (*UnprocessedBlock, error) {
	var out *UnprocessedBlock
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanUnprocessed(tx.QueryRow(ctx,
			`SELECT `+unprocessedCols+` FROM unprocessed_blocks
			 WHERE chain_id = $1 AND number = $2 AND status <> 'REORGED'
			 FOR UPDATE`, chainID, number))
		switch {
		case err == nil:
			if existing.Hash == hash {
				out = existing
				return nil
			}
			_, err = tx.Exec(ctx,
				`UPDATE unprocessed_blocks SET status = 'REORGED', updated_at = now() WHERE id = $1`,
				existing.ID)
			if err != nil {
				return fmt.Errorf("mark reorged: %w", err)
			}
		case errors.Is(err, pgx.ErrNoRows):
			// fresh height
		default:
			return fmt.Errorf("lookup unprocessed: %w", err)
		}

		out, err = scanUnprocessed(tx.QueryRow(ctx,
			`INSERT INTO unprocessed_blocks (chain_id, number, hash, parent_hash, block_data)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING `+unprocessedCols, chainID, number, hash, parentHash, blockData))
		if err != nil {
			return fmt.Errorf("insert unprocessed: %w", err)
		}
		return nil
	})
	return out, err
}

// MarkProcessing transitions the row to PROCESSING.
func (r *BlockRepo) MarkProcessing(ctx context.Context, id int64) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE unprocessed_blocks SET status = 'PROCESSING', updated_at = now() WHERE id = $1`, id)
	return err
}

// MarkCompleted transitions the row to COMPLETED.
func (r *BlockRepo) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE unprocessed_blocks SET status = 'COMPLETED', error_message = NULL, updated_at = now() WHERE id = $1`, id)
	return err
}

// MarkFailed transitions the row to FAILED and bumps the retry counter.
func (r *BlockRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE unprocessed_blocks
		 SET status = 'FAILED', retry_count = retry_count + 1, error_message = $2, updated_at = now()
		 WHERE id = $1`, id, errMsg)
	return err
}

// MarkReorged flags the given heights as reorged in both the work queue and
// the processed record.
func (r *BlockRepo) MarkReorged(ctx context.Context, chainID uint64, numbers []uint64) error {
	if len(numbers) == 0 {
		return nil
	}
	nums := make([]int64, len(numbers))
	for i, n := range numbers {
		nums[i] = int64(n)
	}
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE unprocessed_blocks SET status = 'REORGED', updated_at = now()
			 WHERE chain_id = $1 AND number = ANY($2) AND status <> 'REORGED'`,
			chainID, nums); err != nil {
			return fmt.Errorf("reorg unprocessed: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE processed_blocks SET is_reorged = TRUE
			 WHERE chain_id = $1 AND number = ANY($2) AND NOT is_reorged`,
			chainID, nums); err != nil {
			return fmt.Errorf("reorg processed: %w", err)
		}
		return nil
	})
}

// AddProcessed records the block as fully indexed.
func (r *BlockRepo) AddProcessed(ctx context.Context, chainID, number uint64, hash, parentHash string, blockData []byte) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO processed_blocks (chain_id, number, hash, parent_hash, block_data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chain_id, number) WHERE NOT is_reorged DO NOTHING`,
		chainID, number, hash, parentHash, blockData)
	if err != nil {
		return fmt.Errorf("insert processed: %w", err)
	}
	return nil
}

const processedCols = `id, chain_id, number, hash, parent_hash, block_data, is_reorged, created_at`

func scanProcessed(row pgx.Row) (*ProcessedBlock, error) {
	var b ProcessedBlock
	err := row.Scan(&b.ID, &b.ChainID, &b.Number, &b.Hash, &b.ParentHash,
		&b.BlockData, &b.IsReorged, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LatestProcessed returns the highest non-reorged processed block, or nil
// when the chain has no history yet.
func (r *BlockRepo) LatestProcessed(ctx context.Context, chainID uint64) (*ProcessedBlock, error) {
	b, err := scanProcessed(r.db.pool.QueryRow(ctx,
		`SELECT `+processedCols+` FROM processed_blocks
		 WHERE chain_id = $1 AND NOT is_reorged
		 ORDER BY number DESC LIMIT 1`, chainID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// GetProcessed returns the live processed row at a height, or nil.
func (r *BlockRepo) GetProcessed(ctx context.Context, chainID, number uint64) (*ProcessedBlock, error) {
	b, err := scanProcessed(r.db.pool.QueryRow(ctx,
		`SELECT `+processedCols+` FROM processed_blocks
		 WHERE chain_id = $1 AND number = $2 AND NOT is_reorged`, chainID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// IsProcessed reports whether the height has a live processed row.
func (r *BlockRepo) IsProcessed(ctx context.Context, chainID, number uint64) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM processed_blocks
			WHERE chain_id = $1 AND number = $2 AND NOT is_reorged)`,
		chainID, number).Scan(&exists)
	return exists, err
}

// BlocksToProcess returns PENDING and retryable FAILED rows, oldest first.
// Rows past MaxBlockRetries stay parked until externally reset.
func (r *BlockRepo) BlocksToProcess(ctx context.Context, chainID uint64, limit int) ([]*UnprocessedBlock, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT `+unprocessedCols+` FROM unprocessed_blocks
		 WHERE chain_id = $1
		   AND (status = 'PENDING' OR (status = 'FAILED' AND retry_count < $2))
		 ORDER BY number ASC LIMIT $3`,
		chainID, MaxBlockRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UnprocessedBlock
	for rows.Next() {
		b, err := scanUnprocessed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BlockStats summarizes the work queue for one chain.
type BlockStats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Reorged    int64
}

// Stats counts queue rows per status.
func (r *BlockRepo) Stats(ctx context.Context, chainID uint64) (*BlockStats, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT status, count(*) FROM unprocessed_blocks WHERE chain_id = $1 GROUP BY status`,
		chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &BlockStats{}
	for rows.Next() {
		var status BlockStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case BlockPending:
			stats.Pending = count
		case BlockProcessing:
			stats.Processing = count
		case BlockCompleted:
			stats.Completed = count
		case BlockFailed:
			stats.Failed = count
		case BlockReorged:
			stats.Reorged = count
		}
	}
	return stats, rows.Err()
}
