// Package model defines domain structs shared across the persistence layer.
package model

// TradeVenue identifies which market a trade executed on.
type TradeVenue string

const (
	VenueBondingCurve TradeVenue = "bonding_curve"
	VenueAmmPool      TradeVenue = "amm_pool"
	VenueExternalAmm  TradeVenue = "external_amm"
)

// TradeSide is the direction of a trade from the trader's perspective.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Token represents a launched token and its derived lifecycle state.
type Token struct {
	Mint            string  `json:"mint"`
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name"`
	Creator         string  `json:"creator"`
	FirstSeenNs     int64   `json:"first_seen_ns"`
	MarketCapUSD    float64 `json:"market_cap_usd"`
	GraduatedToPool bool    `json:"graduated_to_pool"`
	GraduationAtNs  int64   `json:"graduation_at_ns"`
	CreatedAtNs     int64   `json:"created_at_ns"`
	UpdatedAtNs     int64   `json:"updated_at_ns"`
}

// Trade is a normalized trade event parsed from an upstream transaction.
// (Signature, Slot) is the uniqueness key across all venues.
type Trade struct {
	Signature   string     `json:"signature"`
	Slot        uint64     `json:"slot"`
	Mint        string     `json:"mint"`
	Trader      string     `json:"trader"`
	Venue       TradeVenue `json:"venue"`
	Side        TradeSide  `json:"side"`
	TokenAmount float64    `json:"token_amount"`
	QuoteAmount float64    `json:"quote_amount"`
	PriceQuote  float64    `json:"price_quote"`
	BlockTimeNs int64      `json:"block_time_ns"`
}

// TradeKey is the composite uniqueness key for trades.
type TradeKey struct {
	Signature string
	Slot      uint64
}

// TokenCreation is emitted when a token-mint instruction is observed.
type TokenCreation struct {
	Mint        string `json:"mint"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Creator     string `json:"creator"`
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot"`
	BlockTimeNs int64  `json:"block_time_ns"`
}

// SlotStatus is the commitment level of a slot record.
// Status is monotonic: processed < confirmed < finalized.
type SlotStatus string

const (
	SlotProcessed SlotStatus = "processed"
	SlotConfirmed SlotStatus = "confirmed"
	SlotFinalized SlotStatus = "finalized"
)

// Rank orders slot statuses along the promotion lattice.
func (s SlotStatus) Rank() int {
	switch s {
	case SlotConfirmed:
		return 1
	case SlotFinalized:
		return 2
	default:
		return 0
	}
}

// SlotRecord tracks one observed slot and its block-level aggregates.
type SlotRecord struct {
	Slot         uint64     `json:"slot"`
	ParentSlot   uint64     `json:"parent_slot"`
	BlockHeight  uint64     `json:"block_height"`
	BlockTimeNs  int64      `json:"block_time_ns"`
	Status       SlotStatus `json:"status"`
	TxCount      int        `json:"tx_count"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	FeeRewards   uint64     `json:"fee_rewards"`
	Leader       string     `json:"leader"`
	Hash         string     `json:"hash"`
	ForkDetected bool       `json:"fork_detected"`
}

// GapReason classifies why a slot gap was observed.
type GapReason string

const (
	GapFork         GapReason = "fork"
	GapLeaderSkip   GapReason = "leader_skip"
	GapNetworkIssue GapReason = "network_issue"
)

// SlotGap is an append-only record of a discontinuity in the slot stream.
type SlotGap struct {
	StartSlot   uint64    `json:"start_slot"`
	EndSlot     uint64    `json:"end_slot"`
	DurationNs  int64     `json:"duration_ns"`
	MissedSlots uint64    `json:"missed_slots"`
	Reason      GapReason `json:"reason"`
	DetectedNs  int64     `json:"detected_ns"`
}

// HolderSnapshot is one holder-analysis result for a mint.
type HolderSnapshot struct {
	Mint             string  `json:"mint"`
	TakenAtNs        int64   `json:"taken_at_ns"`
	TotalHolders     int     `json:"total_holders"`
	Top10Pct         float64 `json:"top10_pct"`
	Top25Pct         float64 `json:"top25_pct"`
	Top100Pct        float64 `json:"top100_pct"`
	Gini             float64 `json:"gini"`
	HHI              float64 `json:"hhi"`
	MedianHoldingSec float64 `json:"median_holding_sec"`
	MeanHoldingSec   float64 `json:"mean_holding_sec"`
	Score            float64 `json:"score"`
	ScoreBreakdown   string  `json:"score_breakdown"` // JSON, owned by the score calculator
	ContentHash      uint64  `json:"content_hash"`
}

// JobRecord is the durable form of a queued job.
type JobRecord struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DataJSON    string `json:"data_json"`
	Priority    string `json:"priority"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	DedupKey    string `json:"dedup_key"`
	CreatedAtNs int64  `json:"created_at_ns"`
	DelayUntil  int64  `json:"delay_until_ns"`
	LastError   string `json:"last_error"`
}
