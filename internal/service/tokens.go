// Package service wires the ingest plane together: stream consumption,
// token bookkeeping, graduation repair, staleness scheduling, gap backfill,
// and job durability.
package service

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/curvescan/curvescan/internal/model"
)

// launchSupply is the fixed token supply minted at launch. Market cap is
// derived from it and the latest trade price.
const launchSupply = 1_000_000_000

// TokenCache is the in-memory token table. The persistence engine reads
// current values from here at flush time.
type TokenCache struct {
	tokens *xsync.Map[string, model.Token]

	// quoteUSD converts the quote currency (SOL) to USD for market cap.
	quoteUSD float64
}

// NewTokenCache creates an empty cache using the given quote-to-USD rate.
func NewTokenCache(quoteUSD float64) *TokenCache {
	return &TokenCache{
		tokens:   xsync.NewMap[string, model.Token](),
		quoteUSD: quoteUSD,
	}
}

// Get returns a copy of a cached token.
func (c *TokenCache) Get(mint string) (model.Token, bool) {
	return c.tokens.Load(mint)
}

// Read is the flush-time reader. Nil means the token is gone from memory.
func (c *TokenCache) Read(mint string) *model.Token {
	t, ok := c.tokens.Load(mint)
	if !ok {
		return nil
	}
	return &t
}

// Len returns the number of cached tokens.
func (c *TokenCache) Len() int { return c.tokens.Size() }

// Seed loads tokens from persistence at startup without touching timestamps.
func (c *TokenCache) Seed(tokens []model.Token) {
	for _, t := range tokens {
		c.tokens.Store(t.Mint, t)
	}
}

// ApplyCreation records a newly launched token. A placeholder row created by
// an earlier trade keeps its trade-derived fields and gains the metadata.
func (c *TokenCache) ApplyCreation(tc model.TokenCreation, nowNs int64) {
	c.tokens.Compute(tc.Mint, func(cur model.Token, loaded bool) (model.Token, xsync.ComputeOp) {
		if !loaded {
			cur = model.Token{
				Mint:        tc.Mint,
				FirstSeenNs: tc.BlockTimeNs,
				CreatedAtNs: nowNs,
			}
		}
		cur.Symbol = tc.Symbol
		cur.Name = tc.Name
		cur.Creator = tc.Creator
		if cur.FirstSeenNs == 0 || (tc.BlockTimeNs > 0 && tc.BlockTimeNs < cur.FirstSeenNs) {
			cur.FirstSeenNs = tc.BlockTimeNs
		}
		cur.UpdatedAtNs = nowNs
		return cur, xsync.UpdateOp
	})
}

// ApplyTrade folds a trade into the token: last price drives market cap, and
// a pool-venue trade on an ungraduated token flips the graduation flag.
func (c *TokenCache) ApplyTrade(t model.Trade, nowNs int64) {
	c.tokens.Compute(t.Mint, func(cur model.Token, loaded bool) (model.Token, xsync.ComputeOp) {
		if !loaded {
			// Trade seen before the creation event: placeholder until the
			// metadata arrives.
			cur = model.Token{
				Mint:        t.Mint,
				FirstSeenNs: t.BlockTimeNs,
				CreatedAtNs: nowNs,
			}
		}
		if t.PriceQuote > 0 {
			cur.MarketCapUSD = t.PriceQuote * launchSupply * c.quoteUSD
		}
		if !cur.GraduatedToPool && (t.Venue == model.VenueAmmPool || t.Venue == model.VenueExternalAmm) {
			cur.GraduatedToPool = true
			cur.GraduationAtNs = t.BlockTimeNs
		}
		cur.UpdatedAtNs = nowNs
		return cur, xsync.UpdateOp
	})
}

// MarkGraduated flips the graduation flag, keeping the earliest known
// graduation time.
func (c *TokenCache) MarkGraduated(mint string, atNs, nowNs int64) {
	c.tokens.Compute(mint, func(cur model.Token, loaded bool) (model.Token, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		if cur.GraduatedToPool && cur.GraduationAtNs > 0 && cur.GraduationAtNs <= atNs {
			return cur, xsync.CancelOp
		}
		cur.GraduatedToPool = true
		cur.GraduationAtNs = atNs
		cur.UpdatedAtNs = nowNs
		return cur, xsync.UpdateOp
	})
}
