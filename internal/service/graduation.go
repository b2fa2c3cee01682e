package service

import (
	"log"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/scanloop"
	"github.com/curvescan/curvescan/internal/state"
)

const (
	graduationScanInterval = 2 * time.Minute
	graduationScanJitter   = 30 * time.Second
	graduationBatchLimit   = 100
)

// GraduationFixer repairs tokens that migrated to a pool while the creation
// or migration event was missed: a token still flagged as on the bonding
// curve but with recorded pool trades is flipped, dated to its first pool
// trade.
type GraduationFixer struct {
	engine *state.Engine
	tokens *TokenCache
	now    func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGraduationFixer creates the fixer.
func NewGraduationFixer(engine *state.Engine, tokens *TokenCache) *GraduationFixer {
	return &GraduationFixer{
		engine: engine,
		tokens: tokens,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic scan.
func (f *GraduationFixer) Start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		scanloop.Run(f.stopCh, graduationScanInterval, graduationScanJitter, func() {
			if n, err := f.FixOnce(); err != nil {
				log.Printf("[graduation] scan: %v", err)
			} else if n > 0 {
				log.Printf("[graduation] repaired %d tokens", n)
			}
		})
	}()
}

// Stop terminates the scan loop.
func (f *GraduationFixer) Stop() {
	close(f.stopCh)
	f.wg.Wait()
}

// FixOnce runs a single repair pass and returns how many tokens it flipped.
func (f *GraduationFixer) FixOnce() (int, error) {
	cands, err := f.engine.GraduationCandidates(graduationBatchLimit)
	if err != nil {
		return 0, err
	}

	nowNs := f.now().UnixNano()
	fixed := 0
	for _, c := range cands {
		if err := f.engine.MarkTokenGraduated(c.Mint, c.FirstPoolTradeNs, nowNs); err != nil {
			log.Printf("[graduation] mark %s: %v", c.Mint, err)
			continue
		}
		f.tokens.MarkGraduated(c.Mint, c.FirstPoolTradeNs, nowNs)
		log.Printf("[graduation] %s graduated at %s (%d pool trades)",
			c.Mint, time.Unix(0, c.FirstPoolTradeNs).UTC().Format(time.RFC3339), c.PoolTrades)
		fixed++
	}
	return fixed, nil
}
