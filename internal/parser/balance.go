package parser

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/curvescan/curvescan/internal/geyser"
)

// wsolMint is the wrapped-SOL mint; the quote leg of every venue here.
const wsolMint = "So11111111111111111111111111111111111111112"

var (
	errNoTokenMovement = errors.New("no token balance movement")
	errNoTradedMint    = errors.New("no traded mint in balance deltas")
)

type balanceDelta struct {
	Owner string
	Mint  string
	UI    float64
}

// tokenDeltas computes the per-(owner, mint) UI-amount change between pre and
// post token balances, sorted for determinism. Zero deltas are dropped.
func tokenDeltas(tx *geyser.TxMessage) []balanceDelta {
	type key struct{ owner, mint string }
	acc := make(map[key]float64)
	for _, b := range tx.PreTokenBalances {
		acc[key{b.Owner, b.Mint}] -= b.UiAmount
	}
	for _, b := range tx.PostTokenBalances {
		acc[key{b.Owner, b.Mint}] += b.UiAmount
	}

	out := make([]balanceDelta, 0, len(acc))
	for k, ui := range acc {
		if ui == 0 {
			continue
		}
		out = append(out, balanceDelta{Owner: k.owner, Mint: k.mint, UI: ui})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Mint < out[j].Mint
	})
	return out
}

// tradedMint picks the non-quote mint with the largest absolute movement.
func tradedMint(deltas []balanceDelta) (string, bool) {
	best := ""
	bestAbs := 0.0
	for _, d := range deltas {
		if d.Mint == wsolMint {
			continue
		}
		if abs := math.Abs(d.UI); abs > bestAbs {
			best = d.Mint
			bestAbs = abs
		}
	}
	return best, best != ""
}

// traderDelta resolves the trader's movement on the traded mint. The fee
// payer (first account key) wins when it moved; otherwise the owner with the
// largest absolute movement stands in. The quote leg of a bonding-curve swap
// settles in native lamports, which token balances do not show, so the
// quote amount is the sum of positive wrapped-SOL movements and may be zero.
func traderDelta(tx *geyser.TxMessage, deltas []balanceDelta, mint string) (owner string, ui float64) {
	feePayer := ""
	if len(tx.AccountKeys) > 0 {
		feePayer = tx.AccountKeys[0]
	}

	var bestOwner string
	var bestUI float64
	for _, d := range deltas {
		if d.Mint != mint {
			continue
		}
		if d.Owner == feePayer {
			return d.Owner, d.UI
		}
		if math.Abs(d.UI) > math.Abs(bestUI) {
			bestOwner = d.Owner
			bestUI = d.UI
		}
	}
	return bestOwner, bestUI
}

func quoteAmount(deltas []balanceDelta) float64 {
	total := 0.0
	for _, d := range deltas {
		if d.Mint == wsolMint && d.UI > 0 {
			total += d.UI
		}
	}
	return total
}

// invokesProgram reports whether any top-level instruction targets the
// program.
func invokesProgram(tx *geyser.TxMessage, program string) bool {
	for _, ins := range tx.Instructions {
		if ins.ProgramID == program {
			return true
		}
	}
	return false
}

// logContains reports whether any log message contains the needle.
func logContains(tx *geyser.TxMessage, needle string) bool {
	for _, l := range tx.LogMessages {
		if strings.Contains(l, needle) {
			return true
		}
	}
	return false
}
