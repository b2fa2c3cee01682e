// Package events provides the in-process pub/sub bus connecting the stream
// ingest plane to parsers, state writers, and the block tracker.
package events

import (
	"log"
	"sync"
)

// Topic names a logical event channel on the bus.
type Topic string

// Bus topics. Payload types are documented next to each topic; subscribers
// assert to the documented type.
const (
	TopicStreamData     Topic = "stream:data"          // geyser.TxMessage
	TopicAmmTrade       Topic = "amm:trade"            // model.Trade
	TopicBcTrade        Topic = "bc:trade"             // model.Trade
	TopicTokenCreated   Topic = "token:created"        // model.TokenCreation
	TopicChainStats     Topic = "chain:stats_updated"  // chain.Stats
	TopicForkAlert      Topic = "chain:fork_alert"     // chain.ForkAlert
	TopicSlotGap        Topic = "chain:slot_gap"       // model.SlotGap
	TopicBlockFinalized Topic = "block:finalized"      // model.SlotRecord
	TopicAlertCreated   Topic = "alert:created"        // service.Alert
	TopicAlertResolved  Topic = "alert:resolved"       // service.Alert
	TopicMigration      Topic = "migrationRequired"    // stream.MigrationRequest
	TopicConnUnhealthy  Topic = "connectionUnhealthy"  // string (connection ID)
	TopicConnRecovered  Topic = "connectionRecovered"  // string (connection ID)
	TopicConnFailed     Topic = "connectionFailed"     // string (connection ID)
	TopicStreamError    Topic = "stream:error"         // stream.StreamError
	TopicJobCompleted   Topic = "job:completed"        // jobs.JobResult
	TopicJobFailed      Topic = "job:failed"           // jobs.JobResult
	TopicSignificant    Topic = "significant_changes"  // holders.ChangeReport
	TopicJobProgress    Topic = "job:progress"         // jobs.Progress
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine; keep them lightweight and push heavy work to queues.
type Handler func(ev any)

type registration struct {
	id int
	fn Handler
}

// Bus is a named-topic publish/subscribe hub. Handlers for a topic are
// invoked in registration order. A panicking handler is logged and does not
// stop delivery to the remaining handlers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Topic][]registration
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic][]registration)}
}

// Subscribe registers a handler for a topic and returns an unsubscribe func.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], registration{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.handlers[topic]
		for i, reg := range regs {
			if reg.id == id {
				b.handlers[topic] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every handler registered for topic, in registration
// order. Delivery is best-effort within the process; there is no durability.
func (b *Bus) Publish(topic Topic, ev any) {
	b.mu.RLock()
	regs := b.handlers[topic]
	b.mu.RUnlock()

	for _, reg := range regs {
		b.invoke(topic, reg.fn, ev)
	}
}

func (b *Bus) invoke(topic Topic, fn Handler, ev any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[events] handler panic on %s: %v", topic, r)
		}
	}()
	fn(ev)
}

// HandlerCount returns the number of handlers registered for a topic.
func (b *Bus) HandlerCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}
