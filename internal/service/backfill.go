package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/model"
	"github.com/curvescan/curvescan/internal/ratelimit"
	"github.com/curvescan/curvescan/internal/state"
)

const (
	// maxBackfillSlots caps how much of a gap is recovered. Wider gaps are
	// recorded but not replayed; they indicate an outage, not a skip.
	maxBackfillSlots = 100

	backfillQueueDepth = 64
	backfillTimeout    = 30 * time.Second
)

// BlockFetcher retrieves block metadata for a slot. A false return without
// error means the slot was skipped on chain.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, slot uint64) (model.SlotRecord, bool, error)
}

// BackfillService listens for slot gaps and recovers the missed slot records
// through the RPC endpoint, writing them straight to persistence.
type BackfillService struct {
	fetcher BlockFetcher
	repo    *state.Repo

	gapCh chan model.SlotGap
	unsub func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackfillService creates the service and subscribes to gap events.
func NewBackfillService(bus *events.Bus, fetcher BlockFetcher, repo *state.Repo) *BackfillService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &BackfillService{
		fetcher: fetcher,
		repo:    repo,
		gapCh:   make(chan model.SlotGap, backfillQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.unsub = bus.Subscribe(events.TopicSlotGap, func(ev any) {
		gap, ok := ev.(model.SlotGap)
		if !ok {
			return
		}
		select {
		case s.gapCh <- gap:
		default:
			log.Printf("[backfill] queue full, dropping gap %d-%d", gap.StartSlot, gap.EndSlot)
		}
	})
	return s
}

// Start launches the backfill worker.
func (s *BackfillService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case gap := <-s.gapCh:
				s.processGap(gap)
			}
		}
	}()
}

// Stop unsubscribes and terminates the worker.
func (s *BackfillService) Stop() {
	s.unsub()
	s.cancel()
	s.wg.Wait()
}

func (s *BackfillService) processGap(gap model.SlotGap) {
	if gap.MissedSlots > maxBackfillSlots {
		log.Printf("[backfill] gap %d-%d spans %d slots, over the %d-slot cap; skipping",
			gap.StartSlot, gap.EndSlot, gap.MissedSlots, maxBackfillSlots)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, backfillTimeout)
	defer cancel()

	var recovered []model.SlotRecord
	skipped := 0
	for slot := gap.StartSlot; slot <= gap.EndSlot; slot++ {
		rec, ok, err := s.fetcher.FetchBlock(ctx, slot)
		if err != nil {
			log.Printf("[backfill] fetch slot %d: %v", slot, err)
			continue
		}
		if !ok {
			skipped++
			continue
		}
		recovered = append(recovered, rec)
	}

	if len(recovered) > 0 {
		if err := s.repo.FlushTx(state.FlushOps{UpsertSlots: recovered}); err != nil {
			log.Printf("[backfill] persist gap %d-%d: %v", gap.StartSlot, gap.EndSlot, err)
			return
		}
	}
	log.Printf("[backfill] gap %d-%d: recovered %d blocks, %d skipped slots",
		gap.StartSlot, gap.EndSlot, len(recovered), skipped)
}

// RPCBlockFetcher fetches blocks over Solana JSON-RPC.
type RPCBlockFetcher struct {
	url     string
	httpc   *http.Client
	limiter *ratelimit.Window
}

// NewRPCBlockFetcher creates a fetcher against the given RPC endpoint.
func NewRPCBlockFetcher(url string, httpc *http.Client, limiter *ratelimit.Window) *RPCBlockFetcher {
	return &RPCBlockFetcher{url: url, httpc: httpc, limiter: limiter}
}

// slotSkippedCodes are JSON-RPC errors meaning the slot holds no block.
var slotSkippedCodes = map[int]bool{
	-32007: true, // slot skipped
	-32009: true, // slot skipped (long-term storage)
}

// FetchBlock retrieves block metadata without transaction bodies.
func (f *RPCBlockFetcher) FetchBlock(ctx context.Context, slot uint64) (model.SlotRecord, bool, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return model.SlotRecord{}, false, fmt.Errorf("getBlock: limiter: %w", err)
	}

	params := []any{slot, map[string]any{
		"transactionDetails":             "none",
		"rewards":                        false,
		"maxSupportedTransactionVersion": 0,
	}}
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "getBlock", "params": params})
	if err != nil {
		return model.SlotRecord{}, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return model.SlotRecord{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return model.SlotRecord{}, false, fmt.Errorf("getBlock %d: %w", slot, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return model.SlotRecord{}, false, fmt.Errorf("getBlock %d: status %d", slot, resp.StatusCode)
	}

	var envelope struct {
		Result *struct {
			Blockhash         string `json:"blockhash"`
			ParentSlot        uint64 `json:"parentSlot"`
			BlockHeight       uint64 `json:"blockHeight"`
			BlockTime         int64  `json:"blockTime"` // unix seconds
			PreviousBlockhash string `json:"previousBlockhash"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return model.SlotRecord{}, false, fmt.Errorf("getBlock %d: decode: %w", slot, err)
	}
	if envelope.Error != nil {
		if slotSkippedCodes[envelope.Error.Code] {
			return model.SlotRecord{}, false, nil
		}
		return model.SlotRecord{}, false, fmt.Errorf("getBlock %d: rpc error %d: %s", slot, envelope.Error.Code, envelope.Error.Message)
	}
	if envelope.Result == nil {
		return model.SlotRecord{}, false, nil
	}

	r := envelope.Result
	return model.SlotRecord{
		Slot:        slot,
		ParentSlot:  r.ParentSlot,
		BlockHeight: r.BlockHeight,
		BlockTimeNs: r.BlockTime * int64(time.Second),
		Status:      model.SlotConfirmed,
		Hash:        r.Blockhash,
	}, true, nil
}
