package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/curvescan/curvescan/internal/model"
)

// SnapshotRepo stores holder-analysis snapshots. It satisfies the snapshot
// store interface the holder orchestrator expects.
type SnapshotRepo struct {
	db *sql.DB
}

// NewSnapshotRepo creates a SnapshotRepo for the given database connection.
func NewSnapshotRepo(db *sql.DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// LatestSnapshot returns the most recent snapshot for a mint, if any.
func (r *SnapshotRepo) LatestSnapshot(ctx context.Context, mint string) (model.HolderSnapshot, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT mint, taken_at_ns, total_holders, top10_pct, top25_pct,
		top100_pct, gini, hhi, median_holding_sec, mean_holding_sec, score, score_breakdown, content_hash
		FROM holder_snapshots WHERE mint = ? ORDER BY taken_at_ns DESC LIMIT 1`, mint)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HolderSnapshot{}, false, nil
	}
	if err != nil {
		return model.HolderSnapshot{}, false, fmt.Errorf("latest snapshot %s: %w", mint, err)
	}
	return snap, true, nil
}

// SaveSnapshot appends a snapshot row.
func (r *SnapshotRepo) SaveSnapshot(ctx context.Context, snap model.HolderSnapshot) error {
	// content_hash is an unsigned 64-bit digest; SQLite stores it as the
	// bit-identical signed integer.
	_, err := r.db.ExecContext(ctx, `INSERT INTO holder_snapshots (mint, taken_at_ns, total_holders,
		top10_pct, top25_pct, top100_pct, gini, hhi, median_holding_sec, mean_holding_sec,
		score, score_breakdown, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Mint, snap.TakenAtNs, snap.TotalHolders,
		snap.Top10Pct, snap.Top25Pct, snap.Top100Pct, snap.Gini, snap.HHI,
		snap.MedianHoldingSec, snap.MeanHoldingSec,
		snap.Score, snap.ScoreBreakdown, int64(snap.ContentHash))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.Mint, err)
	}
	return nil
}

// SnapshotHistory returns up to limit snapshots for a mint, newest first.
func (r *SnapshotRepo) SnapshotHistory(ctx context.Context, mint string, limit int) ([]model.HolderSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT mint, taken_at_ns, total_holders, top10_pct, top25_pct,
		top100_pct, gini, hhi, median_holding_sec, mean_holding_sec, score, score_breakdown, content_hash
		FROM holder_snapshots WHERE mint = ? ORDER BY taken_at_ns DESC LIMIT ?`, mint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.HolderSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (model.HolderSnapshot, error) {
	var snap model.HolderSnapshot
	var hash int64
	err := row.Scan(&snap.Mint, &snap.TakenAtNs, &snap.TotalHolders, &snap.Top10Pct, &snap.Top25Pct,
		&snap.Top100Pct, &snap.Gini, &snap.HHI, &snap.MedianHoldingSec, &snap.MeanHoldingSec,
		&snap.Score, &snap.ScoreBreakdown, &hash)
	if err != nil {
		return model.HolderSnapshot{}, err
	}
	snap.ContentHash = uint64(hash)
	return snap, nil
}
