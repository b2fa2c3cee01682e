package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/model"
	"github.com/curvescan/curvescan/internal/service"
	"github.com/curvescan/curvescan/internal/state"
)

const testToken = "test-admin-token"

type testEnv struct {
	server *Server
	repo   *state.Repo
	snaps  *state.SnapshotRepo
	queue  *jobs.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateDB(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := state.NewRepo(db)
	snaps := state.NewSnapshotRepo(db)
	queue := jobs.NewQueue()
	status := service.NewStatusService(nil, nil, queue, nil, repo)

	srv := NewServer(0, testToken, 1<<20, status, repo, snaps, queue)
	return &testEnv{server: srv, repo: repo, snaps: snaps, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodePage[T any](t *testing.T, rec *httptest.ResponseRecorder) PageResponse[T] {
	t.Helper()
	var page PageResponse[T]
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	return page
}

func (e *testEnv) seedTokens(t *testing.T) {
	t.Helper()
	err := e.repo.FlushTx(state.FlushOps{
		UpsertTokens: []model.Token{
			{Mint: "mint-a", Symbol: "AAA", MarketCapUSD: 10_000, FirstSeenNs: 100, CreatedAtNs: 100, UpdatedAtNs: 100},
			{Mint: "mint-b", Symbol: "BBB", MarketCapUSD: 250_000, GraduatedToPool: true, GraduationAtNs: 150, FirstSeenNs: 90, CreatedAtNs: 90, UpdatedAtNs: 200},
			{Mint: "mint-c", Symbol: "CCC", MarketCapUSD: 500, FirstSeenNs: 80, CreatedAtNs: 80, UpdatedAtNs: 300},
		},
		InsertTrades: []model.Trade{
			{Signature: "s1", Slot: 10, Mint: "mint-a", Venue: model.VenueBondingCurve, Side: model.SideBuy, BlockTimeNs: 100},
			{Signature: "s2", Slot: 11, Mint: "mint-a", Venue: model.VenueBondingCurve, Side: model.SideSell, BlockTimeNs: 200},
			{Signature: "s3", Slot: 12, Mint: "mint-b", Venue: model.VenueAmmPool, Side: model.SideBuy, BlockTimeNs: 300},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Token abc"},
		{"wrong", "Bearer nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("authed status = %d", rec.Code)
	}
	var st service.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.StartedAt == "" {
		t.Error("started_at empty")
	}
}

func TestListTokens(t *testing.T) {
	env := newTestEnv(t)
	env.seedTokens(t)

	page := decodePage[model.Token](t, env.do(t, http.MethodGet, "/api/v1/tokens", ""))
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3", page.Total)
	}
	// Newest update first.
	if page.Items[0].Mint != "mint-c" {
		t.Errorf("first item = %s", page.Items[0].Mint)
	}

	page = decodePage[model.Token](t, env.do(t, http.MethodGet, "/api/v1/tokens?graduated=true", ""))
	if page.Total != 1 || page.Items[0].Mint != "mint-b" {
		t.Errorf("graduated page = %+v", page)
	}

	page = decodePage[model.Token](t, env.do(t, http.MethodGet, "/api/v1/tokens?limit=2&offset=2", ""))
	if page.Total != 3 || len(page.Items) != 1 {
		t.Errorf("paged = total %d, items %d", page.Total, len(page.Items))
	}

	rec := env.do(t, http.MethodGet, "/api/v1/tokens?limit=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestGetToken(t *testing.T) {
	env := newTestEnv(t)
	env.seedTokens(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tokens/mint-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tok model.Token
	if err := json.NewDecoder(rec.Body).Decode(&tok); err != nil {
		t.Fatal(err)
	}
	if tok.Symbol != "AAA" {
		t.Errorf("token = %+v", tok)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/tokens/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing token status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NOT_FOUND") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestTokenTrades(t *testing.T) {
	env := newTestEnv(t)
	env.seedTokens(t)

	page := decodePage[model.Trade](t, env.do(t, http.MethodGet, "/api/v1/tokens/mint-a/trades", ""))
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2", page.Total)
	}
	if page.Items[0].Signature != "s2" {
		t.Errorf("first trade = %s, want newest", page.Items[0].Signature)
	}
}

func TestTokenSnapshots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i, taken := range []int64{100, 200} {
		err := env.snaps.SaveSnapshot(ctx, model.HolderSnapshot{
			Mint: "mint-a", TakenAtNs: taken, TotalHolders: 10 + i, Score: 50,
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	page := decodePage[model.HolderSnapshot](t, env.do(t, http.MethodGet, "/api/v1/tokens/mint-a/snapshots", ""))
	if page.Total != 2 || page.Items[0].TakenAtNs != 200 {
		t.Fatalf("page = %+v", page)
	}

	page = decodePage[model.HolderSnapshot](t, env.do(t, http.MethodGet, "/api/v1/tokens/none/snapshots", ""))
	if page.Total != 0 {
		t.Errorf("empty history total = %d", page.Total)
	}
}

func TestAnalyzeTokenAction(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tokens/mint-a/actions/analyze", `{"force_refresh":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var job jobs.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if job.Data.Mint != "mint-a" || !job.Data.ForceRefresh || job.Priority != jobs.PriorityHigh {
		t.Errorf("job = %+v", job)
	}
	if env.queue.Len() != 1 {
		t.Fatalf("queue len = %d", env.queue.Len())
	}

	// A second request while the job is live dedups onto the same job.
	rec = env.do(t, http.MethodPost, "/api/v1/tokens/mint-a/actions/analyze", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("dedup status = %d", rec.Code)
	}
	var again jobs.Job
	if err := json.NewDecoder(rec.Body).Decode(&again); err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID || env.queue.Len() != 1 {
		t.Errorf("dedup: id %s vs %s, len %d", again.ID, job.ID, env.queue.Len())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/tokens/mint-a/actions/analyze", `{"bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d", rec.Code)
	}
}

func TestChainEndpoints(t *testing.T) {
	env := newTestEnv(t)
	err := env.repo.FlushTx(state.FlushOps{
		UpsertSlots: []model.SlotRecord{{Slot: 5000, Status: model.SlotFinalized, TxCount: 12, Hash: "h"}},
		AppendGaps: []model.SlotGap{
			{StartSlot: 1001, EndSlot: 1004, MissedSlots: 4, Reason: model.GapFork, DetectedNs: 1},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/chain/slots/5000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("slot status = %d", rec.Code)
	}
	var slot model.SlotRecord
	if err := json.NewDecoder(rec.Body).Decode(&slot); err != nil {
		t.Fatal(err)
	}
	if slot.Status != model.SlotFinalized || slot.TxCount != 12 {
		t.Errorf("slot = %+v", slot)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/chain/slots/4999", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing slot status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/chain/slots/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad slot status = %d", rec.Code)
	}

	page := decodePage[model.SlotGap](t, env.do(t, http.MethodGet, "/api/v1/chain/gaps", ""))
	if page.Total != 1 || page.Items[0].StartSlot != 1001 {
		t.Errorf("gaps = %+v", page)
	}
}

func TestJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	job := env.queue.Add(jobs.TypeSingleAnalysis, jobs.AnalysisData{Mint: "m"}, jobs.Options{})

	page := decodePage[model.JobRecord](t, env.do(t, http.MethodGet, "/api/v1/jobs", ""))
	if page.Total != 1 {
		t.Fatalf("jobs total = %d", page.Total)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/stats", "")
	var stats jobs.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get job status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rec.Code)
	}
}
