package holders

import "encoding/json"

// ScoreInput is what the calculator sees: the distribution plus the class
// census of the classified top wallets.
type ScoreInput struct {
	Distribution Distribution
	ClassCounts  map[WalletClass]int
	Classified   int
}

// ScoreResult is the total plus its component breakdown.
type ScoreResult struct {
	Total     float64            `json:"total"`
	Breakdown map[string]float64 `json:"breakdown"`
}

// BreakdownJSON serializes the breakdown for snapshot storage.
func (r ScoreResult) BreakdownJSON() string {
	b, err := json.Marshal(r.Breakdown)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ScoreCalculator turns a score input into a 0-100 health score. The
// orchestrator treats it as an opaque collaborator.
type ScoreCalculator interface {
	Score(in ScoreInput) ScoreResult
}

// WeightedCalculator is the default calculator: dispersion and holder-count
// components minus penalties for concentration and hostile wallet classes.
type WeightedCalculator struct{}

func (WeightedCalculator) Score(in ScoreInput) ScoreResult {
	d := in.Distribution
	breakdown := make(map[string]float64)

	// Dispersion: low Gini and low HHI are healthy.
	breakdown["dispersion"] = (1 - d.Gini) * 30
	breakdown["fragmentation"] = (1 - d.HHI) * 20

	// Breadth: log-ish ramp that saturates at 10k holders.
	holders := float64(d.TotalHolders)
	if holders > 10_000 {
		holders = 10_000
	}
	breakdown["breadth"] = holders / 10_000 * 30

	// Concentration penalty: top-10 above half the supply burns points.
	if d.Top10Pct > 50 {
		breakdown["concentration_penalty"] = -(d.Top10Pct - 50) * 0.4
	}

	// Hostile classes among the classified top wallets.
	if in.Classified > 0 {
		hostile := in.ClassCounts[ClassSniper] + in.ClassCounts[ClassBot] + in.ClassCounts[ClassInsider]
		breakdown["class_penalty"] = -float64(hostile) / float64(in.Classified) * 20
	}

	breakdown["base"] = 20

	total := 0.0
	for _, v := range breakdown {
		total += v
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return ScoreResult{Total: total, Breakdown: breakdown}
}
