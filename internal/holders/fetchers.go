package holders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/curvescan/curvescan/internal/ratelimit"
)

const (
	completePageSize   = 1000
	defaultMaxPages    = 100
	rpcLargestAccounts = 20 // upstream caps getTokenLargestAccounts at 20
)

// rpcClient is a small JSON-RPC 2.0 caller shared by the HTTP sources. Every
// call acquires the per-endpoint sliding-window limiter first.
type rpcClient struct {
	url     string
	httpc   *http.Client
	limiter *ratelimit.Window
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *rpcClient) call(ctx context.Context, method string, params, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("%s: limiter: %w", method, err)
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: result: %w", method, err)
		}
	}
	return nil
}

// RPCSource is the first tier: the plain largest-accounts call. Cheap and
// always available, but capped at 20 accounts, so it only suits a quick
// concentration read.
type RPCSource struct {
	rpc *rpcClient
}

// NewRPCSource creates the basic RPC tier.
func NewRPCSource(url string, httpc *http.Client, limiter *ratelimit.Window) *RPCSource {
	return &RPCSource{rpc: &rpcClient{url: url, httpc: httpc, limiter: limiter}}
}

func (s *RPCSource) Name() string { return "rpc" }

func (s *RPCSource) Fetch(ctx context.Context, mint string, maxHolders int) ([]Holder, error) {
	var result struct {
		Value []struct {
			Address  string  `json:"address"`
			UiAmount float64 `json:"uiAmount"`
		} `json:"value"`
	}
	err := s.rpc.call(ctx, "getTokenLargestAccounts", []any{mint}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.Value) == 0 {
		return nil, nil
	}

	limit := maxHolders
	if limit <= 0 || limit > rpcLargestAccounts {
		limit = rpcLargestAccounts
	}
	out := make([]Holder, 0, limit)
	for _, v := range result.Value {
		if v.UiAmount <= 0 {
			continue
		}
		out = append(out, Holder{Address: v.Address, Balance: v.UiAmount})
		if len(out) == limit {
			break
		}
	}
	return sortHolders(out), nil
}

// EnhancedSource is the second tier: largest accounts joined with asset
// metadata, resolving token-account addresses to owner wallets.
type EnhancedSource struct {
	rpc *rpcClient
}

// NewEnhancedSource creates the metadata + largest-accounts tier.
func NewEnhancedSource(url string, httpc *http.Client, limiter *ratelimit.Window) *EnhancedSource {
	return &EnhancedSource{rpc: &rpcClient{url: url, httpc: httpc, limiter: limiter}}
}

func (s *EnhancedSource) Name() string { return "enhanced" }

func (s *EnhancedSource) Fetch(ctx context.Context, mint string, maxHolders int) ([]Holder, error) {
	var page struct {
		TokenAccounts []struct {
			Owner  string  `json:"owner"`
			Amount float64 `json:"amount"`
		} `json:"token_accounts"`
	}
	params := map[string]any{"mint": mint, "page": 1, "limit": completePageSize}
	if err := s.rpc.call(ctx, "getTokenAccounts", params, &page); err != nil {
		return nil, err
	}
	if len(page.TokenAccounts) == 0 {
		return nil, nil
	}

	// One owner can hold through several token accounts.
	byOwner := make(map[string]float64)
	for _, a := range page.TokenAccounts {
		if a.Amount > 0 {
			byOwner[a.Owner] += a.Amount
		}
	}
	return capHolders(collect(byOwner), maxHolders), nil
}

// CompleteSource is the last tier: full paged enumeration of token accounts.
// Expensive; used when the cheaper tiers come back empty or when the caller
// needs the full holder count.
type CompleteSource struct {
	rpc      *rpcClient
	maxPages int
}

// NewCompleteSource creates the paged-enumeration tier.
func NewCompleteSource(url string, httpc *http.Client, limiter *ratelimit.Window, maxPages int) *CompleteSource {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &CompleteSource{rpc: &rpcClient{url: url, httpc: httpc, limiter: limiter}, maxPages: maxPages}
}

func (s *CompleteSource) Name() string { return "complete" }

func (s *CompleteSource) Fetch(ctx context.Context, mint string, maxHolders int) ([]Holder, error) {
	byOwner := make(map[string]float64)
	for pageNum := 1; pageNum <= s.maxPages; pageNum++ {
		var page struct {
			TokenAccounts []struct {
				Owner  string  `json:"owner"`
				Amount float64 `json:"amount"`
			} `json:"token_accounts"`
		}
		params := map[string]any{"mint": mint, "page": pageNum, "limit": completePageSize}
		if err := s.rpc.call(ctx, "getTokenAccounts", params, &page); err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNum, err)
		}
		for _, a := range page.TokenAccounts {
			if a.Amount > 0 {
				byOwner[a.Owner] += a.Amount
			}
		}
		if len(page.TokenAccounts) < completePageSize {
			break
		}
	}
	if len(byOwner) == 0 {
		return nil, nil
	}
	return capHolders(collect(byOwner), maxHolders), nil
}

func collect(byOwner map[string]float64) []Holder {
	out := make([]Holder, 0, len(byOwner))
	for owner, bal := range byOwner {
		out = append(out, Holder{Address: owner, Balance: bal})
	}
	return sortHolders(out)
}

// sortHolders orders by balance descending, address ascending for ties.
func sortHolders(hs []Holder) []Holder {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Balance != hs[j].Balance {
			return hs[i].Balance > hs[j].Balance
		}
		return hs[i].Address < hs[j].Address
	})
	return hs
}

func capHolders(hs []Holder, maxHolders int) []Holder {
	if maxHolders > 0 && len(hs) > maxHolders {
		return hs[:maxHolders]
	}
	return hs
}
