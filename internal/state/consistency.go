package state

import (
	"database/sql"
	"fmt"
	"log"
)

// RepairConsistency backfills placeholder token rows for trades whose mint
// has no tokens row. This happens when a trade flush lands but the process
// dies before the token upsert, or when a pool trade arrives for a token
// created before the stream was opened. Placeholder rows carry empty
// metadata until the next token update fills them in.
func RepairConsistency(db *sql.DB, nowNs int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO tokens (mint, first_seen_ns, created_at_ns, updated_at_ns)
		SELECT tr.mint, MIN(tr.block_time_ns), ?, ?
		FROM trades tr
		LEFT JOIN tokens t ON t.mint = tr.mint
		WHERE t.mint IS NULL
		GROUP BY tr.mint`, nowNs, nowNs)
	if err != nil {
		return fmt.Errorf("backfill orphan trade mints: %w", err)
	}
	backfilled, _ := res.RowsAffected()

	// Malformed gap rows cannot be interpreted; drop them.
	res, err = tx.Exec("DELETE FROM slot_gaps WHERE start_slot > end_slot")
	if err != nil {
		return fmt.Errorf("drop malformed gaps: %w", err)
	}
	droppedGaps, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit repair tx: %w", err)
	}

	if backfilled > 0 || droppedGaps > 0 {
		log.Printf("[state] consistency repair: backfilled_tokens=%d, dropped_gaps=%d", backfilled, droppedGaps)
	}
	return nil
}
