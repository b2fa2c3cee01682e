package state

import (
	"fmt"
	"log"
	"sync"

	"github.com/curvescan/curvescan/internal/model"
)

// Readers provides callbacks for reading current in-memory values at flush
// time. If a reader returns nil for a key marked OpUpsert, the key is treated
// as a delete (the object was removed between mark and flush).
type Readers struct {
	ReadToken func(mint string) *model.Token
	ReadSlot  func(slot uint64) *model.SlotRecord
}

// Engine is the single write entry point for market-data persistence.
// Mutable rows (tokens, slot records) are marked dirty and read back from
// memory at flush time; immutable rows (trades, gaps) are buffered and
// inserted once. Everything lands in one batch transaction.
type Engine struct {
	*Repo

	dirtyTokens *DirtySet[string]
	dirtySlots  *DirtySet[uint64]

	mu            sync.Mutex
	pendingTrades map[model.TradeKey]model.Trade
	pendingGaps   []model.SlotGap
}

// NewEngine creates an Engine over the given repo.
func NewEngine(repo *Repo) *Engine {
	return &Engine{
		Repo:          repo,
		dirtyTokens:   NewDirtySet[string](),
		dirtySlots:    NewDirtySet[uint64](),
		pendingTrades: make(map[model.TradeKey]model.Trade),
	}
}

// --- dirty marks and buffers ---

func (e *Engine) MarkToken(mint string)       { e.dirtyTokens.MarkUpsert(mint) }
func (e *Engine) MarkTokenDelete(mint string) { e.dirtyTokens.MarkDelete(mint) }
func (e *Engine) MarkSlot(slot uint64)        { e.dirtySlots.MarkUpsert(slot) }

// EnqueueTrade buffers a trade for the next flush. Duplicate (signature,
// slot) keys collapse in memory; the insert is also idempotent at the DB.
func (e *Engine) EnqueueTrade(t model.Trade) {
	key := model.TradeKey{Signature: t.Signature, Slot: t.Slot}
	e.mu.Lock()
	if _, seen := e.pendingTrades[key]; !seen {
		e.pendingTrades[key] = t
	}
	e.mu.Unlock()
}

// EnqueueGap buffers a slot gap for the next flush.
func (e *Engine) EnqueueGap(g model.SlotGap) {
	e.mu.Lock()
	e.pendingGaps = append(e.pendingGaps, g)
	e.mu.Unlock()
}

// DirtyCount returns the total number of pending writes.
func (e *Engine) DirtyCount() int {
	e.mu.Lock()
	buffered := len(e.pendingTrades) + len(e.pendingGaps)
	e.mu.Unlock()
	return e.dirtyTokens.Len() + e.dirtySlots.Len() + buffered
}

// classifyDirtySet splits a drained dirty-set snapshot into upsert values and
// delete keys. For OpUpsert entries, the reader is called to fetch the current
// in-memory value; a nil return is treated as a delete.
func classifyDirtySet[K comparable, V any](
	drained map[K]DirtyOp,
	reader func(K) *V,
) (upserts []V, deletes []K) {
	for key, op := range drained {
		if op == OpDelete {
			deletes = append(deletes, key)
			continue
		}
		v := reader(key)
		if v == nil {
			deletes = append(deletes, key)
		} else {
			upserts = append(upserts, *v)
		}
	}
	return
}

// FlushDirty drains all pending writes, reads current values via readers,
// and batch-writes them in a single transaction. On failure, undrained
// entries are merged back so nothing is lost.
func (e *Engine) FlushDirty(readers Readers) error {
	drainedTokens := e.dirtyTokens.Drain()
	drainedSlots := e.dirtySlots.Drain()

	e.mu.Lock()
	trades := e.pendingTrades
	gaps := e.pendingGaps
	e.pendingTrades = make(map[model.TradeKey]model.Trade, len(trades)/2)
	e.pendingGaps = nil
	e.mu.Unlock()

	remerge := func() {
		e.dirtyTokens.Merge(drainedTokens)
		e.dirtySlots.Merge(drainedSlots)
		e.mu.Lock()
		for key, t := range trades {
			if _, seen := e.pendingTrades[key]; !seen {
				e.pendingTrades[key] = t
			}
		}
		e.pendingGaps = append(gaps, e.pendingGaps...)
		e.mu.Unlock()
	}

	upsertTokens, deleteTokens := classifyDirtySet(drainedTokens, readers.ReadToken)
	upsertSlots, _ := classifyDirtySet(drainedSlots, readers.ReadSlot)

	insertTrades := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		insertTrades = append(insertTrades, t)
	}

	if err := e.Repo.FlushTx(FlushOps{
		UpsertTokens: upsertTokens,
		DeleteTokens: deleteTokens,
		UpsertSlots:  upsertSlots,
		InsertTrades: insertTrades,
		AppendGaps:   gaps,
	}); err != nil {
		remerge()
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed: tokens=%d, slots=%d, trades=%d, gaps=%d",
		len(drainedTokens), len(drainedSlots), len(insertTrades), len(gaps))
	return nil
}
