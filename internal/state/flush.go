package state

import (
	"log"
	"sync"
	"time"
)

// FlushWorker periodically flushes pending writes to the database.
// It triggers a flush when:
//   - DirtyCount() >= threshold, OR
//   - time.Since(lastFlush) >= interval (and dirty count > 0)
//
// On Stop(), a final flush is performed before returning.
type FlushWorker struct {
	engine      *Engine
	readers     Readers
	thresholdFn func() int
	intervalFn  func() time.Duration
	checkTick   time.Duration // how often to check conditions

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFlushWorker creates a flush worker that pulls threshold/interval from
// callbacks on each check cycle. checkTick controls how often flush
// conditions are evaluated (e.g. 5s).
func NewFlushWorker(
	engine *Engine,
	readers Readers,
	thresholdFn func() int,
	intervalFn func() time.Duration,
	checkTick time.Duration,
) *FlushWorker {
	if thresholdFn == nil {
		panic("state: NewFlushWorker requires non-nil thresholdFn")
	}
	if intervalFn == nil {
		panic("state: NewFlushWorker requires non-nil intervalFn")
	}
	if checkTick <= 0 {
		panic("state: NewFlushWorker requires positive checkTick")
	}

	return &FlushWorker{
		engine:      engine,
		readers:     readers,
		thresholdFn: thresholdFn,
		intervalFn:  intervalFn,
		checkTick:   checkTick,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *FlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and performs a final flush.
// Blocks until the goroutine exits.
func (w *FlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *FlushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			// Final flush before exit.
			w.doFlush()
			return
		case <-ticker.C:
			dirty := w.engine.DirtyCount()
			if dirty == 0 {
				continue // Skip empty flush.
			}

			threshold := w.thresholdFn()
			interval := w.intervalFn()
			if dirty >= threshold || time.Since(lastFlush) >= interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *FlushWorker) doFlush() {
	if err := w.engine.FlushDirty(w.readers); err != nil {
		log.Printf("[state] flush error (entries re-merged): %v", err)
	}
}
