package holders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/curvescan/curvescan/internal/ratelimit"
)

func testLimiter() *ratelimit.Window {
	// Generous cap so tests never block on the limiter.
	return ratelimit.NewWindow(1_000_000, time.Second)
}

func rpcReply(w http.ResponseWriter, result any) {
	raw, _ := json.Marshal(result)
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": json.RawMessage(raw)})
}

func decodeRPC(t *testing.T, r *http.Request) (method string, params []json.RawMessage) {
	t.Helper()
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode rpc request: %v", err)
	}
	return req.Method, []json.RawMessage{req.Params}
}

func TestRPCSourceLargestAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, _ := decodeRPC(t, r)
		if method != "getTokenLargestAccounts" {
			t.Errorf("method = %s", method)
		}
		value := []map[string]any{
			{"address": "acct1", "uiAmount": 500.0},
			{"address": "acct2", "uiAmount": 300.0},
			{"address": "acct3", "uiAmount": 0.0}, // dust account dropped
			{"address": "acct4", "uiAmount": 200.0},
		}
		rpcReply(w, map[string]any{"value": value})
	}))
	defer srv.Close()

	src := NewRPCSource(srv.URL, srv.Client(), testLimiter())
	hs, err := src.Fetch(context.Background(), "M", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hs) != 3 {
		t.Fatalf("holders = %d, want 3", len(hs))
	}
	if hs[0].Address != "acct1" || hs[0].Balance != 500 {
		t.Errorf("top holder = %+v", hs[0])
	}
}

func TestRPCSourceEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rpcReply(w, map[string]any{"value": []any{}})
	}))
	defer srv.Close()

	src := NewRPCSource(srv.URL, srv.Client(), testLimiter())
	hs, err := src.Fetch(context.Background(), "M", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if hs != nil {
		t.Errorf("holders = %v, want nil for no data", hs)
	}
}

func TestRPCSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32602, "message": "invalid mint"},
		})
	}))
	defer srv.Close()

	src := NewRPCSource(srv.URL, srv.Client(), testLimiter())
	_, err := src.Fetch(context.Background(), "bad", 0)
	if err == nil {
		t.Fatal("expected rpc error")
	}
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Errorf("err = %v, want rpc error -32602", err)
	}
}

func TestEnhancedSourceAggregatesOwners(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, _ := decodeRPC(t, r)
		if method != "getTokenAccounts" {
			t.Errorf("method = %s", method)
		}
		accounts := []map[string]any{
			{"owner": "alice", "amount": 100.0},
			{"owner": "bob", "amount": 40.0},
			{"owner": "alice", "amount": 25.0}, // second token account, same owner
		}
		rpcReply(w, map[string]any{"token_accounts": accounts})
	}))
	defer srv.Close()

	src := NewEnhancedSource(srv.URL, srv.Client(), testLimiter())
	hs, err := src.Fetch(context.Background(), "M", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hs) != 2 {
		t.Fatalf("holders = %d, want 2 distinct owners", len(hs))
	}
	if hs[0].Address != "alice" || hs[0].Balance != 125 {
		t.Errorf("aggregated holder = %+v, want alice with 125", hs[0])
	}
}

func TestCompleteSourcePagination(t *testing.T) {
	// 12 full pages plus a short final page: 12,345 owners total.
	const total = 12_345
	var pagesServed int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params := decodeRPC(t, r)
		var p struct {
			Page  int `json:"page"`
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(params[0], &p); err != nil {
			t.Errorf("params: %v", err)
		}
		if p.Limit != completePageSize {
			t.Errorf("limit = %d, want %d", p.Limit, completePageSize)
		}
		pagesServed++

		start := (p.Page - 1) * completePageSize
		end := start + completePageSize
		if end > total {
			end = total
		}
		accounts := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			accounts = append(accounts, map[string]any{
				"owner":  fmt.Sprintf("owner-%05d", i),
				"amount": float64(i + 1),
			})
		}
		rpcReply(w, map[string]any{"token_accounts": accounts})
	}))
	defer srv.Close()

	src := NewCompleteSource(srv.URL, srv.Client(), testLimiter(), 0)
	hs, err := src.Fetch(context.Background(), "M", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(hs) != total {
		t.Fatalf("holders = %d, want %d", len(hs), total)
	}
	if pagesServed != 13 {
		t.Errorf("pages served = %d, want 13", pagesServed)
	}
	// Sorted descending: the last-indexed owner has the largest balance.
	if hs[0].Address != fmt.Sprintf("owner-%05d", total-1) {
		t.Errorf("top holder = %s", hs[0].Address)
	}
}

func TestCompleteSourceMaxPages(t *testing.T) {
	var pagesServed int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params := decodeRPC(t, r)
		var p struct {
			Page int `json:"page"`
		}
		json.Unmarshal(params[0], &p)
		pagesServed++
		// Always a full page: only maxPages stops the walk.
		accounts := make([]map[string]any, completePageSize)
		for i := range accounts {
			accounts[i] = map[string]any{
				"owner":  fmt.Sprintf("p%d-owner-%d", p.Page, i),
				"amount": 1.0,
			}
		}
		rpcReply(w, map[string]any{"token_accounts": accounts})
	}))
	defer srv.Close()

	src := NewCompleteSource(srv.URL, srv.Client(), testLimiter(), 3)
	hs, err := src.Fetch(context.Background(), "M", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if pagesServed != 3 {
		t.Errorf("pages served = %d, want 3", pagesServed)
	}
	if len(hs) != 3*completePageSize {
		t.Errorf("holders = %d, want %d", len(hs), 3*completePageSize)
	}
}

func TestHTTPClassifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/wallets/whale1/class":
			json.NewEncoder(w).Encode(map[string]string{"class": "whale"})
		case "/v1/wallets/unknown1/class":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/wallets/weird1/class":
			json.NewEncoder(w).Encode(map[string]string{"class": "martian"})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, srv.Client(), testLimiter())

	cases := []struct {
		wallet  string
		want    WalletClass
		wantErr bool
	}{
		{"whale1", ClassWhale, false},
		{"unknown1", ClassNormal, false}, // 404 means unlabeled
		{"weird1", ClassNormal, false},   // unrecognized label degrades to normal
		{"boom", "", true},
	}
	for _, tc := range cases {
		class, err := c.Classify(context.Background(), tc.wallet)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.wallet)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.wallet, err)
			continue
		}
		if class != tc.want {
			t.Errorf("%s: class = %s, want %s", tc.wallet, class, tc.want)
		}
	}
}
