// Package chain tracks slot progression: gaps, forks, status promotion, and
// rolling block statistics.
package chain

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/model"
)

const (
	recordRetention = time.Hour
	statsWindow     = 100
	statsInterval   = 30 * time.Second
	evictInterval   = time.Minute

	// successRateWarn is the slot success rate below which the stats loop
	// logs a warning.
	successRateWarn = 0.95
)

// Stats is the rolling view over the most recent records.
type Stats struct {
	CurrentSlot         uint64  `json:"current_slot"`
	LastConfirmed       uint64  `json:"last_confirmed"`
	LastFinalized       uint64  `json:"last_finalized"`
	TrackedSlots        int     `json:"tracked_slots"`
	GapCount            int     `json:"gap_count"`
	AvgBlockTimeMs      float64 `json:"avg_block_time_ms"`
	AvgTxPerBlock       float64 `json:"avg_tx_per_block"`
	SlotSuccessRate     float64 `json:"slot_success_rate"`
	ForkCount           int     `json:"fork_count"`
	LastBlockTimeNs     int64   `json:"last_block_time_ns"`
	ObservedSlotsPerSec float64 `json:"observed_slots_per_sec"`
}

// ForkAlert is published on the bus when the parent chain diverges.
type ForkAlert struct {
	Slot       uint64 `json:"slot"`
	ParentSlot uint64 `json:"parent_slot"`
	ForkPoint  uint64 `json:"fork_point"`
}

type trackedSlot struct {
	rec        model.SlotRecord
	observedAt time.Time
}

// Tracker maintains the slot map. All methods are safe for concurrent use.
type Tracker struct {
	bus *events.Bus

	mu            sync.Mutex
	slots         map[uint64]*trackedSlot
	order         []uint64 // ascending observation order, pruned with slots
	gaps          []model.SlotGap
	currentSlot   uint64
	lastProcessed uint64
	lastConfirmed uint64
	lastFinalized uint64
	forkCount     int

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTracker creates a tracker publishing to the given bus.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{
		bus:    bus,
		slots:  make(map[uint64]*trackedSlot),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Start launches the stats emitter and the eviction loop.
func (t *Tracker) Start() {
	t.wg.Add(2)
	go t.statsLoop()
	go t.evictLoop()
}

// Stop terminates the background loops.
func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// OnSlot folds one slot update into the map: gap detection, fork detection,
// and monotonic status promotion.
func (t *Tracker) OnSlot(msg geyser.SlotMessage) {
	t.mu.Lock()

	var gap *model.SlotGap
	var fork *ForkAlert
	var finalized bool

	now := t.now()
	ts, exists := t.slots[msg.Slot]
	if !exists {
		ts = &trackedSlot{
			rec: model.SlotRecord{
				Slot:       msg.Slot,
				ParentSlot: msg.ParentSlot,
				Status:     msg.Status,
			},
			observedAt: now,
		}
		t.slots[msg.Slot] = ts
		t.order = append(t.order, msg.Slot)
	} else if msg.Status.Rank() > ts.rec.Status.Rank() {
		// Promotion only; a downgrade from upstream is dropped.
		ts.rec.Status = msg.Status
	}
	if msg.HasParent && ts.rec.ParentSlot == 0 {
		ts.rec.ParentSlot = msg.ParentSlot
	}

	if msg.Slot > t.currentSlot {
		t.currentSlot = msg.Slot
	}
	if msg.Status == model.SlotConfirmed && msg.Slot > t.lastConfirmed {
		t.lastConfirmed = msg.Slot
	}
	if msg.Status == model.SlotFinalized && msg.Slot > t.lastFinalized {
		t.lastFinalized = msg.Slot
		finalized = true
	}

	// Progression checks apply to newly observed processed slots only.
	if !exists && t.lastProcessed > 0 && msg.Slot > t.lastProcessed {
		if msg.Slot > t.lastProcessed+1 {
			reason := model.GapLeaderSkip
			if msg.HasParent && msg.ParentSlot != t.lastProcessed {
				reason = model.GapFork
			}
			g := model.SlotGap{
				StartSlot:   t.lastProcessed + 1,
				EndSlot:     msg.Slot - 1,
				MissedSlots: msg.Slot - 1 - t.lastProcessed,
				Reason:      reason,
				DetectedNs:  now.UnixNano(),
			}
			t.gaps = append(t.gaps, g)
			gap = &g
		}
		if msg.HasParent && msg.ParentSlot != t.lastProcessed && msg.ParentSlot < msg.Slot {
			fork = &ForkAlert{Slot: msg.Slot, ParentSlot: msg.ParentSlot, ForkPoint: msg.ParentSlot}
			t.forkCount++
			// Fork flag persists once set.
			for s := msg.ParentSlot + 1; s < msg.Slot; s++ {
				if affected, ok := t.slots[s]; ok {
					affected.rec.ForkDetected = true
				}
			}
		}
	}
	if !exists && msg.Slot > t.lastProcessed {
		t.lastProcessed = msg.Slot
	}
	t.mu.Unlock()

	if gap != nil {
		log.Printf("[chain] slot gap %d-%d (%d missed, %s)", gap.StartSlot, gap.EndSlot, gap.MissedSlots, gap.Reason)
		if t.bus != nil {
			t.bus.Publish(events.TopicSlotGap, *gap)
		}
	}
	if fork != nil {
		log.Printf("[chain] fork detected at slot %d: parent %d, fork point %d", fork.Slot, fork.ParentSlot, fork.ForkPoint)
		if t.bus != nil {
			t.bus.Publish(events.TopicForkAlert, *fork)
		}
	}
	if finalized && t.bus != nil {
		t.bus.Publish(events.TopicBlockFinalized, msg.Slot)
	}
}

// OnBlockMeta fills block-level aggregates for a slot.
func (t *Tracker) OnBlockMeta(msg geyser.BlockMetaMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.slots[msg.Slot]
	if !ok {
		ts = &trackedSlot{
			rec: model.SlotRecord{
				Slot:       msg.Slot,
				ParentSlot: msg.ParentSlot,
				Status:     model.SlotProcessed,
			},
			observedAt: t.now(),
		}
		t.slots[msg.Slot] = ts
		t.order = append(t.order, msg.Slot)
	}
	ts.rec.BlockHeight = msg.BlockHeight
	ts.rec.BlockTimeNs = msg.BlockTimeNs
	ts.rec.TxCount = int(msg.TxCount)
	ts.rec.Hash = msg.Blockhash
	if ts.rec.ParentSlot == 0 && msg.ParentSlot > 0 {
		ts.rec.ParentSlot = msg.ParentSlot
	}
}

// OnTransaction counts one transaction outcome against its slot.
func (t *Tracker) OnTransaction(slot uint64, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.slots[slot]
	if !ok {
		return
	}
	if failed {
		ts.rec.FailCount++
	} else {
		ts.rec.SuccessCount++
	}
}

// Record returns a copy of one slot record.
func (t *Tracker) Record(slot uint64) (model.SlotRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.slots[slot]
	if !ok {
		return model.SlotRecord{}, false
	}
	return ts.rec, true
}

// Gaps returns a copy of the recorded gaps.
func (t *Tracker) Gaps() []model.SlotGap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.SlotGap(nil), t.gaps...)
}

// CurrentSlot returns the highest slot seen.
func (t *Tracker) CurrentSlot() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentSlot
}

// Stats computes the rolling statistics over the most recent records.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	recent := t.recentLocked(statsWindow)
	s := Stats{
		CurrentSlot:   t.currentSlot,
		LastConfirmed: t.lastConfirmed,
		LastFinalized: t.lastFinalized,
		TrackedSlots:  len(t.slots),
		GapCount:      len(t.gaps),
		ForkCount:     t.forkCount,
	}
	if len(recent) == 0 {
		s.SlotSuccessRate = 1
		return s
	}

	// Success rate: observed slots over the covered slot range. Skipped
	// slots in gaps lower it.
	span := recent[len(recent)-1].Slot - recent[0].Slot + 1
	s.SlotSuccessRate = float64(len(recent)) / float64(span)

	var timeDeltas, txTotal, txBlocks float64
	var timePairs int
	for i, r := range recent {
		if r.TxCount > 0 {
			txTotal += float64(r.TxCount)
			txBlocks++
		}
		if i > 0 && r.BlockTimeNs > 0 && recent[i-1].BlockTimeNs > 0 {
			timeDeltas += float64(r.BlockTimeNs-recent[i-1].BlockTimeNs) / float64(time.Millisecond)
			timePairs++
		}
		if r.BlockTimeNs > s.LastBlockTimeNs {
			s.LastBlockTimeNs = r.BlockTimeNs
		}
	}
	if timePairs > 0 {
		s.AvgBlockTimeMs = timeDeltas / float64(timePairs)
	}
	if txBlocks > 0 {
		s.AvgTxPerBlock = txTotal / txBlocks
	}
	return s
}

// recentLocked returns up to n most recent records in ascending slot order.
func (t *Tracker) recentLocked(n int) []model.SlotRecord {
	slots := make([]uint64, 0, len(t.slots))
	for s := range t.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	if len(slots) > n {
		slots = slots[len(slots)-n:]
	}
	out := make([]model.SlotRecord, 0, len(slots))
	for _, s := range slots {
		out = append(out, t.slots[s].rec)
	}
	return out
}

// Evict drops records observed more than the retention period ago.
func (t *Tracker) Evict() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-recordRetention)
	evicted := 0
	kept := t.order[:0]
	for _, s := range t.order {
		ts, ok := t.slots[s]
		if !ok {
			continue
		}
		if ts.observedAt.Before(cutoff) {
			delete(t.slots, s)
			evicted++
			continue
		}
		kept = append(kept, s)
	}
	t.order = kept
	return evicted
}

func (t *Tracker) statsLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			s := t.Stats()
			if t.bus != nil {
				t.bus.Publish(events.TopicChainStats, s)
			}
			if s.TrackedSlots > 0 && s.SlotSuccessRate < successRateWarn {
				log.Printf("[chain] slot success rate %.3f below %.2f", s.SlotSuccessRate, successRateWarn)
			}
		}
	}
}

func (t *Tracker) evictLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if n := t.Evict(); n > 0 {
				log.Printf("[chain] evicted %d slot records", n)
			}
		}
	}
}
