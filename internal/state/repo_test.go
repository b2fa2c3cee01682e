package state

import (
	"context"
	"testing"
	"time"

	"github.com/curvescan/curvescan/internal/model"
)

func seedTokensAndTrades(t *testing.T, repo *Repo) {
	t.Helper()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	hour := time.Hour.Nanoseconds()

	tokens := []model.Token{
		{Mint: "big", MarketCapUSD: 250_000, FirstSeenNs: base, CreatedAtNs: base, UpdatedAtNs: base},
		{Mint: "mid", MarketCapUSD: 50_000, FirstSeenNs: base, CreatedAtNs: base, UpdatedAtNs: base + hour},
		{Mint: "small", MarketCapUSD: 500, FirstSeenNs: base, CreatedAtNs: base, UpdatedAtNs: base + 2*hour},
	}
	trades := []model.Trade{
		{Signature: "s1", Slot: 1, Mint: "big", Venue: model.VenueBondingCurve, Side: model.SideBuy, BlockTimeNs: base},
		{Signature: "s2", Slot: 2, Mint: "big", Venue: model.VenueAmmPool, Side: model.SideBuy, BlockTimeNs: base + hour},
		{Signature: "s3", Slot: 3, Mint: "big", Venue: model.VenueAmmPool, Side: model.SideSell, BlockTimeNs: base + 2*hour},
		{Signature: "s4", Slot: 4, Mint: "mid", Venue: model.VenueBondingCurve, Side: model.SideBuy, BlockTimeNs: base},
	}
	if err := repo.FlushTx(FlushOps{UpsertTokens: tokens, InsertTrades: trades}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestGraduationCandidates(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	seedTokensAndTrades(t, repo)

	cands, err := repo.GraduationCandidates(10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	// Only "big" has pool-venue trades while still ungraduated.
	if len(cands) != 1 || cands[0].Mint != "big" {
		t.Fatalf("candidates = %+v", cands)
	}
	if cands[0].PoolTrades != 2 {
		t.Errorf("pool trades = %d, want 2", cands[0].PoolTrades)
	}

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	wantFirst := base + time.Hour.Nanoseconds()
	if cands[0].FirstPoolTradeNs != wantFirst {
		t.Errorf("first pool trade = %d, want %d", cands[0].FirstPoolTradeNs, wantFirst)
	}

	now := time.Now().UnixNano()
	if err := repo.MarkTokenGraduated("big", cands[0].FirstPoolTradeNs, now); err != nil {
		t.Fatalf("mark graduated: %v", err)
	}
	tok, err := repo.GetToken("big")
	if err != nil {
		t.Fatal(err)
	}
	if !tok.GraduatedToPool || tok.GraduationAtNs != wantFirst {
		t.Errorf("token after graduation = %+v", tok)
	}

	cands, err = repo.GraduationCandidates(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates after fix = %+v", cands)
	}
}

func TestTokensInCapRange(t *testing.T) {
	repo := NewRepo(openTestDB(t))
	seedTokensAndTrades(t, repo)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	future := base + 10*time.Hour.Nanoseconds()

	big, err := repo.TokensInCapRange(100_000, -1, future, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(big) != 1 || big[0].Mint != "big" {
		t.Errorf("high tier = %+v", big)
	}

	mid, err := repo.TokensInCapRange(10_000, 100_000, future, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mid) != 1 || mid[0].Mint != "mid" {
		t.Errorf("mid tier = %+v", mid)
	}

	// Cutoff before any update: nothing is stale.
	none, err := repo.TokensInCapRange(0, -1, base, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("stale before cutoff = %+v", none)
	}
}

func TestSnapshotRepoLatestAndHistory(t *testing.T) {
	db := openTestDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()

	_, ok, err := repo.LatestSnapshot(ctx, "m")
	if err != nil || ok {
		t.Fatalf("empty latest: ok=%v err=%v", ok, err)
	}

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for i := 0; i < 3; i++ {
		snap := model.HolderSnapshot{
			Mint:         "m",
			TakenAtNs:    base + int64(i)*time.Hour.Nanoseconds(),
			TotalHolders: 100 + i,
			Gini:         0.5,
			Score:        float64(50 + i),
			// High bit set: exercises the signed round-trip.
			ContentHash: 0x9000_0000_0000_0000 + uint64(i),
		}
		if err := repo.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	latest, ok, err := repo.LatestSnapshot(ctx, "m")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.TotalHolders != 102 {
		t.Errorf("latest holders = %d, want 102", latest.TotalHolders)
	}
	if latest.ContentHash != 0x9000_0000_0000_0002 {
		t.Errorf("content hash = %x", latest.ContentHash)
	}

	hist, err := repo.SnapshotHistory(ctx, "m", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].TotalHolders != 102 || hist[1].TotalHolders != 101 {
		t.Errorf("history = %+v", hist)
	}
}

func TestJobRepoRoundTrip(t *testing.T) {
	repo := NewJobRepo(openTestDB(t))

	records := []model.JobRecord{
		{ID: "j1", Type: "single_analysis", DataJSON: `{"mint":"m"}`, Priority: "high", State: "waiting", MaxAttempts: 3, CreatedAtNs: 1},
		{ID: "j2", Type: "batch_analysis", DataJSON: `{"mints":["a","b"]}`, Priority: "normal", State: "delayed", Attempts: 1, MaxAttempts: 3, DedupKey: "batch:x", CreatedAtNs: 2, DelayUntil: 99, LastError: "boom"},
	}
	if err := repo.SaveJobs(records); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := repo.LoadJobs()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded = %d", len(loaded))
	}
	if loaded[0].ID != "j1" || loaded[1].DedupKey != "batch:x" || loaded[1].LastError != "boom" {
		t.Errorf("loaded = %+v", loaded)
	}

	// SaveJobs replaces, not appends.
	if err := repo.SaveJobs(records[:1]); err != nil {
		t.Fatal(err)
	}
	loaded, err = repo.LoadJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Errorf("loaded after replace = %d, want 1", len(loaded))
	}
}

func TestRepairConsistencyBackfillsOrphans(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	trades := []model.Trade{
		{Signature: "s1", Slot: 1, Mint: "orphan", Venue: model.VenueBondingCurve, Side: model.SideBuy, BlockTimeNs: 500},
		{Signature: "s2", Slot: 2, Mint: "orphan", Venue: model.VenueBondingCurve, Side: model.SideSell, BlockTimeNs: 300},
	}
	if err := repo.FlushTx(FlushOps{
		InsertTrades: trades,
		AppendGaps:   []model.SlotGap{{StartSlot: 10, EndSlot: 5, MissedSlots: 0, Reason: model.GapFork, DetectedNs: 1}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := RepairConsistency(db, 1000); err != nil {
		t.Fatalf("repair: %v", err)
	}

	tok, err := repo.GetToken("orphan")
	if err != nil {
		t.Fatalf("get backfilled token: %v", err)
	}
	if tok.FirstSeenNs != 300 {
		t.Errorf("first seen = %d, want earliest trade time 300", tok.FirstSeenNs)
	}

	gaps, err := repo.ListGaps(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(gaps) != 0 {
		t.Errorf("malformed gap survived: %+v", gaps)
	}

	// Idempotent.
	if err := RepairConsistency(db, 2000); err != nil {
		t.Fatalf("second repair: %v", err)
	}
}

func TestFlushWorkerThresholdAndFinalFlush(t *testing.T) {
	db := openTestDB(t)
	e := NewEngine(NewRepo(db))

	tok := testToken("mint1")
	readers := Readers{ReadToken: func(string) *model.Token { return &tok }}

	w := NewFlushWorker(e, readers,
		func() int { return 1 },
		func() time.Duration { return time.Hour },
		5*time.Millisecond)
	w.Start()

	e.MarkToken("mint1")
	deadline := time.Now().Add(2 * time.Second)
	for e.DirtyCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.DirtyCount() != 0 {
		t.Fatal("threshold flush did not run")
	}

	// A mark right before Stop lands via the final flush.
	e.EnqueueTrade(testTrade("sig1", 1, "mint1"))
	w.Stop()
	n, err := e.TradeCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("trade count = %d, want 1 after final flush", n)
	}
}
