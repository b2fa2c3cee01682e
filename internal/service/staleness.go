package service

import (
	"log"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/scanloop"
	"github.com/curvescan/curvescan/internal/state"
)

const (
	stalenessScanInterval = 5 * time.Minute
	stalenessScanJitter   = time.Minute
	stalenessBatchLimit   = 200
)

// capTier maps a market-cap band to a refresh deadline. Bigger tokens go
// stale faster because their holder sets move more.
type capTier struct {
	minCap   float64
	maxCap   float64 // < 0 means unbounded
	maxAge   time.Duration
	priority jobs.Priority
}

var defaultTiers = []capTier{
	{minCap: 100_000, maxCap: -1, maxAge: 30 * time.Minute, priority: jobs.PriorityHigh},
	{minCap: 10_000, maxCap: 100_000, maxAge: 2 * time.Hour, priority: jobs.PriorityNormal},
	{minCap: 0, maxCap: 10_000, maxAge: 12 * time.Hour, priority: jobs.PriorityLow},
}

// Alert reports a token crossing its staleness deadline. Published on
// TopicAlertCreated when a token goes stale and TopicAlertResolved when a
// later scan finds it fresh again.
type Alert struct {
	Mint         string        `json:"mint"`
	MarketCapUSD float64       `json:"market_cap_usd"`
	StaleFor     time.Duration `json:"stale_for"`
}

// StalenessDetector walks the token table by market-cap tier and enqueues
// holder re-analysis for tokens whose last update exceeds the tier deadline.
type StalenessDetector struct {
	repo  *state.Repo
	queue *jobs.Queue
	bus   *events.Bus
	tiers []capTier
	now   func() time.Time

	// stale tracks mints with an open alert. Touched only from ScanOnce.
	stale map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewStalenessDetector creates a detector with the default tiers. bus may be
// nil; alerts are then suppressed.
func NewStalenessDetector(repo *state.Repo, queue *jobs.Queue, bus *events.Bus) *StalenessDetector {
	return &StalenessDetector{
		repo:   repo,
		queue:  queue,
		bus:    bus,
		tiers:  defaultTiers,
		now:    time.Now,
		stale:  make(map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (d *StalenessDetector) SetNowFunc(now func() time.Time) { d.now = now }

// Start launches the periodic scan.
func (d *StalenessDetector) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		scanloop.Run(d.stopCh, stalenessScanInterval, stalenessScanJitter, func() {
			if n, err := d.ScanOnce(); err != nil {
				log.Printf("[staleness] scan: %v", err)
			} else if n > 0 {
				log.Printf("[staleness] enqueued %d refresh jobs", n)
			}
		})
	}()
}

// Stop terminates the scan loop.
func (d *StalenessDetector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// ScanOnce runs one pass over all tiers and returns the number of jobs
// enqueued. Dedup keys keep a token from queueing twice while a previous
// refresh is still live.
func (d *StalenessDetector) ScanOnce() (int, error) {
	now := d.now()
	before := d.queue.Len()
	seen := make(map[string]bool)
	for _, tier := range d.tiers {
		cutoff := now.Add(-tier.maxAge).UnixNano()
		stale, err := d.repo.TokensInCapRange(tier.minCap, tier.maxCap, cutoff, stalenessBatchLimit)
		if err != nil {
			return d.queue.Len() - before, err
		}
		for _, tok := range stale {
			seen[tok.Mint] = true
			d.queue.Add(jobs.TypeRecurringAnalysis,
				jobs.AnalysisData{Mint: tok.Mint},
				jobs.Options{Priority: tier.priority, DedupKey: "stale:" + tok.Mint})
			if d.bus != nil && !d.stale[tok.Mint] {
				d.bus.Publish(events.TopicAlertCreated, Alert{
					Mint:         tok.Mint,
					MarketCapUSD: tok.MarketCapUSD,
					StaleFor:     time.Duration(now.UnixNano() - tok.UpdatedAtNs),
				})
			}
			d.stale[tok.Mint] = true
		}
	}
	// Tokens with an open alert that no tier flagged have been updated
	// since the last pass.
	for mint := range d.stale {
		if seen[mint] {
			continue
		}
		delete(d.stale, mint)
		if d.bus != nil {
			d.bus.Publish(events.TopicAlertResolved, Alert{Mint: mint})
		}
	}
	return d.queue.Len() - before, nil
}
