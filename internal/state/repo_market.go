package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/curvescan/curvescan/internal/model"
)

// Repo wraps the database and provides batch writes plus read queries for
// market data (tokens, trades, slots, gaps).
type Repo struct {
	db *sql.DB
}

// NewRepo creates a Repo for the given database connection.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// DB exposes the underlying handle for repair and bootstrap helpers.
func (r *Repo) DB() *sql.DB { return r.db }

// FlushOps holds all writes for a single-transaction flush.
type FlushOps struct {
	UpsertTokens []model.Token
	DeleteTokens []string
	UpsertSlots  []model.SlotRecord
	InsertTrades []model.Trade
	AppendGaps   []model.SlotGap
}

// FlushTx executes all writes in a single transaction. Trade inserts are
// idempotent on (signature, slot), so replays after a crash are harmless.
func (r *Repo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_tokens", upsertTokenSQL, len(ops.UpsertTokens), func(s *sql.Stmt, i int) error {
			t := ops.UpsertTokens[i]
			_, err := s.Exec(t.Mint, t.Symbol, t.Name, t.Creator, t.FirstSeenNs,
				t.MarketCapUSD, t.GraduatedToPool, t.GraduationAtNs, t.CreatedAtNs, t.UpdatedAtNs)
			return err
		}},
		{"upsert_slots", upsertSlotSQL, len(ops.UpsertSlots), func(s *sql.Stmt, i int) error {
			sr := ops.UpsertSlots[i]
			_, err := s.Exec(sr.Slot, sr.ParentSlot, sr.BlockHeight, sr.BlockTimeNs, string(sr.Status),
				sr.TxCount, sr.SuccessCount, sr.FailCount, int64(sr.FeeRewards), sr.Leader, sr.Hash, sr.ForkDetected)
			return err
		}},
		{"insert_trades", insertTradeSQL, len(ops.InsertTrades), func(s *sql.Stmt, i int) error {
			t := ops.InsertTrades[i]
			_, err := s.Exec(t.Signature, t.Slot, t.Mint, t.Trader, string(t.Venue), string(t.Side),
				t.TokenAmount, t.QuoteAmount, t.PriceQuote, t.BlockTimeNs)
			return err
		}},
		{"append_gaps", appendGapSQL, len(ops.AppendGaps), func(s *sql.Stmt, i int) error {
			g := ops.AppendGaps[i]
			_, err := s.Exec(g.StartSlot, g.EndSlot, g.DurationNs, g.MissedSlots, string(g.Reason), g.DetectedNs)
			return err
		}},
		{"delete_tokens", deleteTokenSQL, len(ops.DeleteTokens), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteTokens[i])
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}

// bulkExecTx runs a prepared statement within an existing transaction.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

// --- tokens ---

// GetToken loads a single token. Returns ErrNotFound for unknown mints.
func (r *Repo) GetToken(mint string) (model.Token, error) {
	row := r.db.QueryRow(`SELECT mint, symbol, name, creator, first_seen_ns, market_cap_usd,
		graduated_to_pool, graduation_at_ns, created_at_ns, updated_at_ns
		FROM tokens WHERE mint = ?`, mint)
	var t model.Token
	err := row.Scan(&t.Mint, &t.Symbol, &t.Name, &t.Creator, &t.FirstSeenNs, &t.MarketCapUSD,
		&t.GraduatedToPool, &t.GraduationAtNs, &t.CreatedAtNs, &t.UpdatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Token{}, ErrNotFound
	}
	if err != nil {
		return model.Token{}, fmt.Errorf("scan token %s: %w", mint, err)
	}
	return t, nil
}

// ListTokens returns up to limit tokens, newest first.
func (r *Repo) ListTokens(limit int) ([]model.Token, error) {
	rows, err := r.db.Query(`SELECT mint, symbol, name, creator, first_seen_ns, market_cap_usd,
		graduated_to_pool, graduation_at_ns, created_at_ns, updated_at_ns
		FROM tokens ORDER BY first_seen_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

// TokensInCapRange returns tokens whose market cap falls in [minCap, maxCap)
// and whose last update is older than updatedBefore. maxCap < 0 means
// unbounded above. Drives the staleness detector, one cap tier per call.
func (r *Repo) TokensInCapRange(minCap, maxCap float64, updatedBefore int64, limit int) ([]model.Token, error) {
	const selectCols = `SELECT mint, symbol, name, creator, first_seen_ns, market_cap_usd,
		graduated_to_pool, graduation_at_ns, created_at_ns, updated_at_ns FROM tokens `

	var query string
	var args []any
	if maxCap >= 0 {
		query = selectCols + `WHERE market_cap_usd >= ? AND market_cap_usd < ? AND updated_at_ns < ?
			ORDER BY updated_at_ns ASC LIMIT ?`
		args = []any{minCap, maxCap, updatedBefore, limit}
	} else {
		query = selectCols + `WHERE market_cap_usd >= ? AND updated_at_ns < ?
			ORDER BY updated_at_ns ASC LIMIT ?`
		args = []any{minCap, updatedBefore, limit}
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokens(rows)
}

// MarkTokenGraduated flips the graduation flag and records when the first
// pool trade was seen.
func (r *Repo) MarkTokenGraduated(mint string, graduationAtNs, updatedAtNs int64) error {
	_, err := r.db.Exec(`UPDATE tokens SET graduated_to_pool = 1, graduation_at_ns = ?, updated_at_ns = ?
		WHERE mint = ? AND graduated_to_pool = 0`, graduationAtNs, updatedAtNs, mint)
	return err
}

// GraduationCandidate is an ungraduated token that already has pool trades.
type GraduationCandidate struct {
	Mint             string
	PoolTrades       int
	FirstPoolTradeNs int64
}

// GraduationCandidates finds tokens still flagged as on the bonding curve
// that have trades on a pool venue.
func (r *Repo) GraduationCandidates(limit int) ([]GraduationCandidate, error) {
	rows, err := r.db.Query(`
		SELECT t.mint, COUNT(*), MIN(tr.block_time_ns)
		FROM tokens t
		JOIN trades tr ON tr.mint = t.mint AND tr.venue IN (?, ?)
		WHERE t.graduated_to_pool = 0
		GROUP BY t.mint
		ORDER BY t.mint
		LIMIT ?`, string(model.VenueAmmPool), string(model.VenueExternalAmm), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []GraduationCandidate
	for rows.Next() {
		var c GraduationCandidate
		if err := rows.Scan(&c.Mint, &c.PoolTrades, &c.FirstPoolTradeNs); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanTokens(rows *sql.Rows) ([]model.Token, error) {
	var result []model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.Mint, &t.Symbol, &t.Name, &t.Creator, &t.FirstSeenNs, &t.MarketCapUSD,
			&t.GraduatedToPool, &t.GraduationAtNs, &t.CreatedAtNs, &t.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- trades ---

// TradesForMint returns up to limit trades for a mint, newest first.
func (r *Repo) TradesForMint(mint string, limit int) ([]model.Trade, error) {
	rows, err := r.db.Query(`SELECT signature, slot, mint, trader, venue, side,
		token_amount, quote_amount, price_quote, block_time_ns
		FROM trades WHERE mint = ? ORDER BY block_time_ns DESC LIMIT ?`, mint, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Trade
	for rows.Next() {
		var t model.Trade
		var venue, side string
		if err := rows.Scan(&t.Signature, &t.Slot, &t.Mint, &t.Trader, &venue, &side,
			&t.TokenAmount, &t.QuoteAmount, &t.PriceQuote, &t.BlockTimeNs); err != nil {
			return nil, err
		}
		t.Venue = model.TradeVenue(venue)
		t.Side = model.TradeSide(side)
		result = append(result, t)
	}
	return result, rows.Err()
}

// TradeCount returns the total number of stored trades.
func (r *Repo) TradeCount() (int64, error) {
	var n int64
	err := r.db.QueryRow("SELECT COUNT(*) FROM trades").Scan(&n)
	return n, err
}

// --- slots ---

// GetSlotRecord loads one slot record. Returns ErrNotFound for unseen slots.
func (r *Repo) GetSlotRecord(slot uint64) (model.SlotRecord, error) {
	row := r.db.QueryRow(`SELECT slot, parent_slot, block_height, block_time_ns, status,
		tx_count, success_count, fail_count, fee_rewards, leader, hash, fork_detected
		FROM slot_records WHERE slot = ?`, slot)
	var sr model.SlotRecord
	var status string
	var fees int64
	err := row.Scan(&sr.Slot, &sr.ParentSlot, &sr.BlockHeight, &sr.BlockTimeNs, &status,
		&sr.TxCount, &sr.SuccessCount, &sr.FailCount, &fees, &sr.Leader, &sr.Hash, &sr.ForkDetected)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SlotRecord{}, ErrNotFound
	}
	if err != nil {
		return model.SlotRecord{}, fmt.Errorf("scan slot %d: %w", slot, err)
	}
	sr.Status = model.SlotStatus(status)
	sr.FeeRewards = uint64(fees)
	return sr, nil
}

// ListGaps returns the most recently detected slot gaps.
func (r *Repo) ListGaps(limit int) ([]model.SlotGap, error) {
	rows, err := r.db.Query(`SELECT start_slot, end_slot, duration_ns, missed_slots, reason, detected_ns
		FROM slot_gaps ORDER BY detected_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.SlotGap
	for rows.Next() {
		var g model.SlotGap
		var reason string
		if err := rows.Scan(&g.StartSlot, &g.EndSlot, &g.DurationNs, &g.MissedSlots, &reason, &g.DetectedNs); err != nil {
			return nil, err
		}
		g.Reason = model.GapReason(reason)
		result = append(result, g)
	}
	return result, rows.Err()
}

// SQL constants for FlushTx. Extracted to avoid string duplication.
const (
	upsertTokenSQL = `INSERT INTO tokens (mint, symbol, name, creator, first_seen_ns, market_cap_usd,
			graduated_to_pool, graduation_at_ns, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(mint) DO UPDATE SET
			symbol            = excluded.symbol,
			name              = excluded.name,
			creator           = excluded.creator,
			market_cap_usd    = excluded.market_cap_usd,
			graduated_to_pool = excluded.graduated_to_pool,
			graduation_at_ns  = excluded.graduation_at_ns,
			updated_at_ns     = excluded.updated_at_ns`

	upsertSlotSQL = `INSERT INTO slot_records (slot, parent_slot, block_height, block_time_ns, status,
			tx_count, success_count, fail_count, fee_rewards, leader, hash, fork_detected)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
			parent_slot   = excluded.parent_slot,
			block_height  = excluded.block_height,
			block_time_ns = excluded.block_time_ns,
			status        = excluded.status,
			tx_count      = excluded.tx_count,
			success_count = excluded.success_count,
			fail_count    = excluded.fail_count,
			fee_rewards   = excluded.fee_rewards,
			leader        = excluded.leader,
			hash          = excluded.hash,
			fork_detected = excluded.fork_detected`

	insertTradeSQL = `INSERT INTO trades (signature, slot, mint, trader, venue, side,
			token_amount, quote_amount, price_quote, block_time_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(signature, slot) DO NOTHING`

	appendGapSQL = `INSERT INTO slot_gaps (start_slot, end_slot, duration_ns, missed_slots, reason, detected_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`

	deleteTokenSQL = "DELETE FROM tokens WHERE mint = ?"
)
