package service

import (
	"log"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/chain"
	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/model"
	"github.com/curvescan/curvescan/internal/parser"
	"github.com/curvescan/curvescan/internal/state"
)

// IngestConfig wires the ingest service.
type IngestConfig struct {
	Dispatcher *parser.Dispatcher
	Tracker    *chain.Tracker
	Tokens     *TokenCache
	Engine     *state.Engine
	Bus        *events.Bus
}

// IngestService consumes decoded stream messages, routes them through the
// parser and the slot tracker, and marks the resulting state dirty for the
// flush worker.
type IngestService struct {
	cfg IngestConfig
	now func() time.Time

	unsubGap func()
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewIngestService creates the ingest service and hooks gap persistence.
func NewIngestService(cfg IngestConfig) *IngestService {
	s := &IngestService{
		cfg:    cfg,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	if cfg.Bus != nil && cfg.Engine != nil {
		s.unsubGap = cfg.Bus.Subscribe(events.TopicSlotGap, func(ev any) {
			if gap, ok := ev.(model.SlotGap); ok {
				cfg.Engine.EnqueueGap(gap)
			}
		})
	}
	return s
}

// SetNowFunc overrides the clock. Test hook.
func (s *IngestService) SetNowFunc(now func() time.Time) { s.now = now }

// Consume drains one message channel until it is closed or the service
// stops. Call once per subscribed group.
func (s *IngestService) Consume(group string, ch <-chan geyser.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					log.Printf("[ingest] channel for %s closed", group)
					return
				}
				s.Handle(msg)
			}
		}
	}()
}

// Stop terminates the consumer goroutines.
func (s *IngestService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.unsubGap != nil {
			s.unsubGap()
		}
	})
	s.wg.Wait()
}

// Handle routes one decoded message.
func (s *IngestService) Handle(msg geyser.Message) {
	switch m := msg.(type) {
	case *geyser.TxMessage:
		s.handleTx(m)
	case geyser.SlotMessage:
		s.cfg.Tracker.OnSlot(m)
		s.cfg.Engine.MarkSlot(m.Slot)
	case geyser.BlockMetaMessage:
		s.cfg.Tracker.OnBlockMeta(m)
		s.cfg.Engine.MarkSlot(m.Slot)
	case geyser.PingMessage:
		// Liveness only.
	}
}

func (s *IngestService) handleTx(tx *geyser.TxMessage) {
	s.cfg.Tracker.OnTransaction(tx.Slot, tx.Failed)

	nowNs := s.now().UnixNano()
	for _, ev := range s.cfg.Dispatcher.Dispatch(tx) {
		switch e := ev.(type) {
		case parser.TradeEvent:
			s.cfg.Tokens.ApplyTrade(e.Trade, nowNs)
			s.cfg.Engine.EnqueueTrade(e.Trade)
			s.cfg.Engine.MarkToken(e.Trade.Mint)
			s.publishTrade(e.Trade)
		case parser.TokenCreatedEvent:
			s.cfg.Tokens.ApplyCreation(e.Creation, nowNs)
			s.cfg.Engine.MarkToken(e.Creation.Mint)
			if s.cfg.Bus != nil {
				s.cfg.Bus.Publish(events.TopicTokenCreated, e.Creation)
			}
		}
	}
}

func (s *IngestService) publishTrade(t model.Trade) {
	if s.cfg.Bus == nil {
		return
	}
	if t.Venue == model.VenueBondingCurve {
		s.cfg.Bus.Publish(events.TopicBcTrade, t)
	} else {
		s.cfg.Bus.Publish(events.TopicAmmTrade, t)
	}
}

// Readers builds the flush-time readers over the live caches.
func (s *IngestService) Readers() state.Readers {
	return state.Readers{
		ReadToken: s.cfg.Tokens.Read,
		ReadSlot: func(slot uint64) *model.SlotRecord {
			rec, ok := s.cfg.Tracker.Record(slot)
			if !ok {
				return nil
			}
			return &rec
		},
	}
}
