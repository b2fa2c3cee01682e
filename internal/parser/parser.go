// Package parser turns raw transaction messages into domain events. Each
// venue has its own strategy; a dispatcher tries strategies in registration
// order and stops at the first that claims the transaction.
package parser

import (
	"log"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/model"
)

// Event is a tagged variant of parser output. Concrete types: TradeEvent,
// TokenCreatedEvent.
type Event interface {
	isEvent()
}

// TradeEvent wraps one extracted trade.
type TradeEvent struct {
	Trade model.Trade
}

func (TradeEvent) isEvent() {}

// TokenCreatedEvent wraps one token creation.
type TokenCreatedEvent struct {
	Creation model.TokenCreation
}

func (TokenCreatedEvent) isEvent() {}

// Strategy is one venue-specific parser. Implementations are pure: no I/O
// beyond logging, deterministic for identical input.
type Strategy interface {
	Name() string
	CanParse(tx *geyser.TxMessage) bool
	Parse(tx *geyser.TxMessage) ([]Event, error)
}

// Dispatcher routes transactions to the first matching strategy. Parse
// failures are counted and swallowed; a bad transaction never stops the
// stream.
type Dispatcher struct {
	strategies []Strategy
	errors     *xsync.Map[string, int64]
	parsed     *xsync.Map[string, int64]
}

// NewDispatcher builds a dispatcher over the given strategies, tried in
// order.
func NewDispatcher(strategies ...Strategy) *Dispatcher {
	return &Dispatcher{
		strategies: strategies,
		errors:     xsync.NewMap[string, int64](),
		parsed:     xsync.NewMap[string, int64](),
	}
}

// NewDefaultDispatcher wires the standard strategy chain. Token creation is
// tried before the bonding-curve trade parser: creation transactions touch
// the same program and must not be misread as trades.
func NewDefaultDispatcher() *Dispatcher {
	return NewDispatcher(
		NewTokenCreationStrategy(),
		NewBondingCurveStrategy(),
		NewAmmPoolStrategy(),
		NewExternalAmmStrategy(),
	)
}

// Dispatch parses one transaction. Returns zero events when no strategy
// claims it or the claiming strategy fails.
func (d *Dispatcher) Dispatch(tx *geyser.TxMessage) []Event {
	for _, s := range d.strategies {
		if !s.CanParse(tx) {
			continue
		}
		events, err := s.Parse(tx)
		if err != nil {
			d.bump(d.errors, s.Name())
			log.Printf("[parser] %s failed on %s: %v", s.Name(), tx.Signature, err)
			return nil
		}
		d.bump(d.parsed, s.Name())
		return events
	}
	return nil
}

func (d *Dispatcher) bump(m *xsync.Map[string, int64], name string) {
	m.Compute(name, func(cur int64, _ bool) (int64, xsync.ComputeOp) {
		return cur + 1, xsync.UpdateOp
	})
}

// ErrorCount returns the failure count for one strategy.
func (d *Dispatcher) ErrorCount(name string) int64 {
	v, _ := d.errors.Load(name)
	return v
}

// ParsedCount returns the success count for one strategy.
func (d *Dispatcher) ParsedCount(name string) int64 {
	v, _ := d.parsed.Load(name)
	return v
}
