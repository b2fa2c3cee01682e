package holders

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/curvescan/curvescan/internal/model"
)

const (
	// snapshotFreshness is how long a stored snapshot satisfies a
	// non-forced analysis.
	snapshotFreshness = 60 * time.Minute

	// classifyTopN bounds classifier traffic to the largest wallets.
	classifyTopN = 100

	defaultMaxHolders = 250_000
)

// ErrNoHolderData is returned when every source tier comes back empty.
var ErrNoHolderData = errors.New("holders: no source returned data")

// OrchestratorConfig wires the analysis pipeline.
type OrchestratorConfig struct {
	Sources    []Source // tier order; first non-empty result wins
	Classifier Classifier
	Calculator ScoreCalculator
	Store      SnapshotStore

	EnableFallback bool
	MaxHolders     int
}

// Orchestrator runs the holder-analysis pipeline for one mint at a time.
type Orchestrator struct {
	cfg OrchestratorConfig
	now func() time.Time
}

// NewOrchestrator creates an orchestrator with defaulted config.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Calculator == nil {
		cfg.Calculator = WeightedCalculator{}
	}
	if cfg.MaxHolders <= 0 {
		cfg.MaxHolders = defaultMaxHolders
	}
	return &Orchestrator{cfg: cfg, now: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (o *Orchestrator) SetNowFunc(now func() time.Time) { o.now = now }

// Analyze runs the pipeline: freshness check, tiered fetch, classification,
// metrics, scoring, and hash-deduplicated snapshot persistence.
func (o *Orchestrator) Analyze(ctx context.Context, req Request) (model.HolderSnapshot, error) {
	if req.Mint == "" {
		return model.HolderSnapshot{}, fmt.Errorf("holders: empty mint")
	}

	if !req.ForceRefresh && o.cfg.Store != nil {
		prev, ok, err := o.cfg.Store.LatestSnapshot(ctx, req.Mint)
		if err != nil {
			log.Printf("[holders] latest snapshot %s: %v", req.Mint, err)
		} else if ok && o.now().Sub(time.Unix(0, prev.TakenAtNs)) < snapshotFreshness {
			return prev, nil
		}
	}

	hs, err := o.fetch(ctx, req)
	if err != nil {
		return model.HolderSnapshot{}, err
	}

	dist := ComputeDistribution(hs)

	classCounts := make(map[WalletClass]int)
	classified := 0
	if !req.SkipClassification && o.cfg.Classifier != nil {
		topN := classifyTopN
		if topN > len(hs) {
			topN = len(hs)
		}
		for _, h := range hs[:topN] {
			class, err := o.cfg.Classifier.Classify(ctx, h.Address)
			if err != nil {
				// One wallet failing does not sink the run.
				log.Printf("[holders] classify %s: %v", h.Address, err)
				continue
			}
			classCounts[class]++
			classified++
		}
	}

	score := o.cfg.Calculator.Score(ScoreInput{
		Distribution: dist,
		ClassCounts:  classCounts,
		Classified:   classified,
	})

	snap := model.HolderSnapshot{
		Mint:           req.Mint,
		TakenAtNs:      o.now().UnixNano(),
		TotalHolders:   dist.TotalHolders,
		Top10Pct:       dist.Top10Pct,
		Top25Pct:       dist.Top25Pct,
		Top100Pct:      dist.Top100Pct,
		Gini:           dist.Gini,
		HHI:            dist.HHI,
		Score:          score.Total,
		ScoreBreakdown: score.BreakdownJSON(),
		ContentHash:    hashHolders(hs),
	}

	if req.SaveSnapshot && o.cfg.Store != nil {
		if prev, ok, err := o.cfg.Store.LatestSnapshot(ctx, req.Mint); err == nil && ok && prev.ContentHash == snap.ContentHash {
			// Identical holder set: keep the existing row.
			return prev, nil
		}
		if err := o.cfg.Store.SaveSnapshot(ctx, snap); err != nil {
			return model.HolderSnapshot{}, fmt.Errorf("holders: save snapshot %s: %w", req.Mint, err)
		}
	}
	return snap, nil
}

// fetch walks the source tiers. The preferred source is tried first; with
// fallback enabled, empty or failing tiers hand over to the next.
func (o *Orchestrator) fetch(ctx context.Context, req Request) ([]Holder, error) {
	maxHolders := req.MaxHolders
	if maxHolders <= 0 {
		maxHolders = o.cfg.MaxHolders
	}

	sources := o.orderedSources(req.PreferredSource)
	var lastErr error
	for _, src := range sources {
		hs, err := src.Fetch(ctx, req.Mint, maxHolders)
		if err != nil {
			lastErr = err
			log.Printf("[holders] source %s for %s: %v", src.Name(), req.Mint, err)
		} else if len(hs) > 0 {
			return hs, nil
		}
		if !o.cfg.EnableFallback {
			break
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w (last: %v)", ErrNoHolderData, lastErr)
	}
	return nil, ErrNoHolderData
}

func (o *Orchestrator) orderedSources(preferred string) []Source {
	if preferred == "" {
		return o.cfg.Sources
	}
	out := make([]Source, 0, len(o.cfg.Sources))
	for _, s := range o.cfg.Sources {
		if s.Name() == preferred {
			out = append(out, s)
		}
	}
	for _, s := range o.cfg.Sources {
		if s.Name() != preferred {
			out = append(out, s)
		}
	}
	return out
}

// hashHolders digests the holder set for snapshot dedup. Order-insensitive
// input is first sorted, so identical sets hash identically.
func hashHolders(hs []Holder) uint64 {
	sorted := make([]Holder, len(hs))
	copy(sorted, hs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	h := xxh3.New()
	var buf [8]byte
	for _, holder := range sorted {
		_, _ = h.WriteString(holder.Address)
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(holder.Balance))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}
