package holders

import (
	"encoding/json"
	"io"
	"sort"
)

// Distribution holds the computed concentration metrics for a holder set.
// Percentages are in [0,100]; Gini and HHI in [0,1].
type Distribution struct {
	TotalHolders int     `json:"total_holders"`
	TotalSupply  float64 `json:"total_supply"`
	Top10Pct     float64 `json:"top10_pct"`
	Top25Pct     float64 `json:"top25_pct"`
	Top100Pct    float64 `json:"top100_pct"`
	Gini         float64 `json:"gini"`
	HHI          float64 `json:"hhi"`
}

// ComputeDistribution derives concentration metrics from a holder list.
// Zero and negative balances are ignored.
func ComputeDistribution(hs []Holder) Distribution {
	balances := make([]float64, 0, len(hs))
	total := 0.0
	for _, h := range hs {
		if h.Balance > 0 {
			balances = append(balances, h.Balance)
			total += h.Balance
		}
	}
	d := Distribution{TotalHolders: len(balances), TotalSupply: total}
	if len(balances) == 0 || total == 0 {
		return d
	}

	sort.Float64s(balances) // ascending for Gini

	d.Top10Pct = topShare(balances, total, 10)
	d.Top25Pct = topShare(balances, total, 25)
	d.Top100Pct = topShare(balances, total, 100)
	d.Gini = gini(balances, total)
	d.HHI = hhi(balances, total)
	return d
}

// topShare returns the percentage of supply held by the k largest balances.
// balances must be sorted ascending.
func topShare(balances []float64, total float64, k int) float64 {
	if k > len(balances) {
		k = len(balances)
	}
	sum := 0.0
	for i := len(balances) - k; i < len(balances); i++ {
		sum += balances[i]
	}
	return sum / total * 100
}

// gini computes the Gini coefficient over ascending balances using the
// standard rank formula: G = (2*sum(i*x_i)/(n*sum(x)) - (n+1)/n).
func gini(ascending []float64, total float64) float64 {
	n := float64(len(ascending))
	if n <= 1 {
		return 0
	}
	weighted := 0.0
	for i, x := range ascending {
		weighted += float64(i+1) * x
	}
	g := 2*weighted/(n*total) - (n+1)/n
	if g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}

// hhi computes the Herfindahl-Hirschman index: the sum of squared supply
// shares, in (0,1].
func hhi(balances []float64, total float64) float64 {
	sum := 0.0
	for _, x := range balances {
		share := x / total
		sum += share * share
	}
	if sum > 1 {
		return 1
	}
	return sum
}

func decodeJSON(r io.Reader, out any) error {
	return json.NewDecoder(r).Decode(out)
}
