package stream

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/geyser"
	"github.com/curvescan/curvescan/internal/netutil"
	"github.com/curvescan/curvescan/internal/ratelimit"
)

const (
	resubscribeBase = time.Second
	resubscribeCap  = 30 * time.Second

	// migrateFirstMessageTimeout bounds how long a migration waits for the
	// replacement stream to produce its first message before the old stream
	// is torn down anyway.
	migrateFirstMessageTimeout = 10 * time.Second

	defaultChannelBuffer = 1024

	// stallLogEvery rate-limits the back-pressure log when a group channel
	// fills and the stream's receive loop has to wait on the consumer.
	stallLogEvery = 10 * time.Second
)

// ManagerConfig wires the manager's collaborators.
type ManagerConfig struct {
	Pool     *ConnectionPool
	Builder  *Builder
	Limiter  *ratelimit.SubscriptionLimiter
	Balancer *LoadBalancer
	Bus      *events.Bus
}

type subscription struct {
	group     string
	spec      GroupSpec
	connID    string
	handle    StreamHandle
	ch        chan geyser.Message
	closed    chan struct{}
	msgSeq    atomic.Int64
	gotData   atomic.Bool
	lastStall atomic.Int64 // unix nanos of the last back-pressure log
}

// Manager owns subscription lifecycle: it acquires connections, opens
// filtered streams, demuxes messages onto per-group channels, resubscribes
// on stream failure, and executes migration requests from the balancer.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	unsubBus func()
	wg       sync.WaitGroup
}

// NewManager creates a manager and registers it for migration requests.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:  cfg,
		subs: make(map[string]*subscription),
	}
	if cfg.Bus != nil {
		m.unsubBus = cfg.Bus.Subscribe(events.TopicMigration, func(payload any) {
			req, ok := payload.(MigrationRequest)
			if !ok {
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := m.Migrate(ctx, req); err != nil {
					log.Printf("[manager] migration %s failed: %v", req.ID, err)
				}
			}()
		})
	}
	return m
}

// Subscribe opens a stream for the named group. Blocks on the subscription
// rate limiter when the sliding window is full.
func (m *Manager) Subscribe(ctx context.Context, group string) error {
	spec, ok := m.cfg.Builder.Lookup(group)
	if !ok {
		return fmt.Errorf("subscribe %s: %w", group, ErrUnknownGroup)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPoolClosed
	}
	if _, exists := m.subs[group]; exists {
		m.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", group, ErrAlreadySubscribed)
	}
	// Placeholder reserves the group name while the stream comes up.
	m.subs[group] = nil
	m.mu.Unlock()

	sub, err := m.openStream(ctx, group, spec, "", nil, nil)
	if err != nil {
		m.mu.Lock()
		delete(m.subs, group)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.subs[group] = sub
	m.mu.Unlock()
	m.syncBalancerCounts()

	log.Printf("[manager] subscribed %s on %s", group, sub.connID)
	return nil
}

// openStream waits for limiter capacity, acquires a connection (or uses
// connID when pinned by a migration), builds the filter, and starts the
// upstream stream. Every successful open consumes one limiter ticket.
// When ch/closed are non-nil the new stream adopts an existing consumer
// channel, preserving downstream readers across resubscribes and migrations.
func (m *Manager) openStream(ctx context.Context, group string, spec GroupSpec, connID string, ch chan geyser.Message, closed chan struct{}) (*subscription, error) {
	if err := m.cfg.Limiter.WaitForSlot(ctx); err != nil {
		return nil, fmt.Errorf("open %s: wait for slot: %w", group, err)
	}

	var conn *Connection
	acquired := false
	if connID != "" {
		c, ok := m.cfg.Pool.Get(connID)
		if !ok {
			return nil, fmt.Errorf("open %s: connection %s gone", group, connID)
		}
		conn = c
	} else {
		c, err := m.cfg.Pool.Acquire(ctx, spec.Priority)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", group, err)
		}
		conn = c
		// An acquired connection is active with no subscription yet; every
		// failure path below must hand it back or it sits active forever.
		acquired = true
	}

	req, err := m.cfg.Builder.BuildFilter(group)
	if err != nil {
		if acquired {
			m.cfg.Pool.Release(conn.ID)
		}
		return nil, err
	}

	if ch == nil {
		buf := spec.ChannelBuffer
		if buf <= 0 {
			buf = defaultChannelBuffer
		}
		ch = make(chan geyser.Message, buf)
		closed = make(chan struct{})
	}
	sub := &subscription{
		group:  group,
		spec:   spec,
		connID: conn.ID,
		ch:     ch,
		closed: closed,
	}

	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	if client == nil {
		if acquired {
			m.cfg.Pool.Release(conn.ID)
		}
		return nil, fmt.Errorf("open %s: connection %s has no client", group, conn.ID)
	}

	handle, err := client.OpenStream(ctx, req,
		func(msg geyser.Message) { m.onMessage(sub, msg) },
		func(streamErr error) { m.onStreamError(sub, streamErr) },
	)
	if err != nil {
		if acquired {
			m.cfg.Pool.Release(conn.ID)
		}
		return nil, fmt.Errorf("open %s: %w", group, err)
	}
	sub.handle = handle

	m.cfg.Limiter.Record(conn.ID)
	m.cfg.Pool.AddSubscription(conn.ID, 1)
	return sub, nil
}

// onMessage tags, measures, and delivers one upstream message. Delivery
// blocks when the group channel is full; that back-pressure pauses the
// stream's receive loop rather than dropping data.
func (m *Manager) onMessage(sub *subscription, msg geyser.Message) {
	start := time.Now()
	msgID := sub.group + "-" + strconv.FormatInt(sub.msgSeq.Add(1), 10)
	bytes := approxSize(msg)

	if m.cfg.Balancer != nil {
		m.cfg.Balancer.RecordMessageStart(sub.connID, msgID)
	}

	delivered := true
	select {
	case sub.ch <- msg:
	case <-sub.closed:
		delivered = false
	default:
		// Channel full: the receive loop pauses here until the consumer
		// drains. Log it, but no more than once per stallLogEvery per group.
		now := time.Now().UnixNano()
		if last := sub.lastStall.Load(); now-last >= int64(stallLogEvery) && sub.lastStall.CompareAndSwap(last, now) {
			log.Printf("[manager] group %s channel full on %s, pausing stream reads", sub.group, sub.connID)
		}
		select {
		case sub.ch <- msg:
		case <-sub.closed:
			delivered = false
		}
	}

	if conn, ok := m.cfg.Pool.Get(sub.connID); ok {
		wasUnhealthy := conn.Status() == ConnUnhealthy
		conn.RecordMessage(time.Now(), time.Since(start), delivered, bytes)
		if wasUnhealthy && delivered {
			m.cfg.Pool.MarkRecovered(sub.connID)
		}
	}
	if m.cfg.Balancer != nil {
		m.cfg.Balancer.RecordMessageComplete(sub.connID, msgID, delivered, int64(bytes))
	}
	sub.gotData.Store(true)

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.TopicStreamData, sub.group)
	}
}

// onStreamError handles upstream stream termination. A nil error means a
// local cancel; anything else triggers resubscription with exponential
// backoff on a fresh ticket.
func (m *Manager) onStreamError(sub *subscription, streamErr error) {
	if streamErr == nil {
		return
	}

	m.mu.Lock()
	current, active := m.subs[sub.group]
	stillCurrent := active && current == sub && !m.closed
	m.mu.Unlock()
	if !stillCurrent {
		return
	}

	if conn, ok := m.cfg.Pool.Get(sub.connID); ok {
		conn.RecordError(time.Now())
	}
	log.Printf("[manager] stream %s on %s failed: %v", sub.group, sub.connID, streamErr)
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(events.TopicStreamError, sub.group)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.resubscribe(sub)
	}()
}

func (m *Manager) resubscribe(old *subscription) {
	m.cfg.Pool.AddSubscription(old.connID, -1)
	m.cfg.Pool.Release(old.connID)

	for attempt := 1; ; attempt++ {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		wait := netutil.BackoffJitter(resubscribeBase, resubscribeCap, attempt)
		time.Sleep(wait)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		sub, err := m.openStream(ctx, old.group, old.spec, "", old.ch, old.closed)
		cancel()
		if err != nil {
			log.Printf("[manager] resubscribe %s attempt %d: %v", old.group, attempt, err)
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			sub.handle.Cancel()
			return
		}
		m.subs[old.group] = sub
		m.mu.Unlock()
		m.syncBalancerCounts()

		log.Printf("[manager] resubscribed %s on %s after %d attempts", old.group, sub.connID, attempt)
		return
	}
}

// Unsubscribe tears down the group's stream and releases its connection.
func (m *Manager) Unsubscribe(group string) error {
	m.mu.Lock()
	sub, ok := m.subs[group]
	if !ok || sub == nil {
		m.mu.Unlock()
		return fmt.Errorf("unsubscribe %s: %w", group, ErrNotSubscribed)
	}
	delete(m.subs, group)
	m.mu.Unlock()

	close(sub.closed)
	sub.handle.Cancel()
	m.cfg.Pool.AddSubscription(sub.connID, -1)
	m.cfg.Pool.Release(sub.connID)
	m.syncBalancerCounts()

	log.Printf("[manager] unsubscribed %s from %s", group, sub.connID)
	return nil
}

// Migrate moves a group to another connection with open-then-close ordering:
// the replacement stream comes up and proves liveness (first message or
// timeout) before the old stream is cancelled. No data gap, brief overlap
// with possible duplicates downstream.
func (m *Manager) Migrate(ctx context.Context, req MigrationRequest) error {
	m.mu.Lock()
	old, ok := m.subs[req.SubscriptionID]
	m.mu.Unlock()
	if !ok || old == nil {
		return fmt.Errorf("migrate %s: %w", req.SubscriptionID, ErrNotSubscribed)
	}
	if old.connID != req.FromConnectionID {
		return fmt.Errorf("migrate %s: subscription moved since plan (on %s, plan says %s)",
			req.SubscriptionID, old.connID, req.FromConnectionID)
	}

	// The replacement shares the consumer channel during the overlap window.
	next, err := m.openStream(ctx, old.group, old.spec, req.ToConnectionID, old.ch, old.closed)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", req.SubscriptionID, err)
	}

	deadline := time.NewTimer(migrateFirstMessageTimeout)
	defer deadline.Stop()
	probe := time.NewTicker(50 * time.Millisecond)
	defer probe.Stop()
waitFirst:
	for !next.gotData.Load() {
		select {
		case <-deadline.C:
			log.Printf("[manager] migration %s: no data within %s, proceeding", req.ID, migrateFirstMessageTimeout)
			break waitFirst
		case <-ctx.Done():
			next.handle.Cancel()
			m.cfg.Pool.AddSubscription(next.connID, -1)
			return ctx.Err()
		case <-probe.C:
		}
	}

	m.mu.Lock()
	m.subs[old.group] = next
	m.mu.Unlock()

	old.handle.Cancel()
	m.cfg.Pool.AddSubscription(old.connID, -1)
	m.cfg.Pool.Release(old.connID)
	m.syncBalancerCounts()

	log.Printf("[manager] migrated %s: %s -> %s", old.group, old.connID, next.connID)
	return nil
}

// Messages returns the group's delivery channel.
func (m *Manager) Messages(group string) (<-chan geyser.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[group]
	if !ok || sub == nil {
		return nil, fmt.Errorf("messages %s: %w", group, ErrNotSubscribed)
	}
	return sub.ch, nil
}

// Assignments reports connection ID -> subscribed group names. Feeds the
// balancer's migration planning.
func (m *Manager) Assignments() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string)
	for group, sub := range m.subs {
		if sub == nil {
			continue
		}
		out[sub.connID] = append(out[sub.connID], group)
	}
	return out
}

func (m *Manager) syncBalancerCounts() {
	if m.cfg.Balancer == nil {
		return
	}
	for connID, groups := range m.Assignments() {
		m.cfg.Balancer.UpdateSubscriptionCount(connID, len(groups))
	}
}

// Shutdown cancels every stream and waits for in-flight goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	if m.unsubBus != nil {
		m.unsubBus()
	}
	for _, sub := range subs {
		close(sub.closed)
		sub.handle.Cancel()
	}
	m.wg.Wait()
	log.Printf("[manager] shut down %d subscriptions", len(subs))
}

// approxSize estimates the wire size of a converted message for the byte
// component of load scoring. Exact proto sizes are gone after conversion.
func approxSize(msg geyser.Message) int {
	switch v := msg.(type) {
	case *geyser.TxMessage:
		n := len(v.Signature) + 64
		for _, k := range v.AccountKeys {
			n += len(k)
		}
		for _, ins := range v.Instructions {
			n += len(ins.ProgramID) + len(ins.Accounts)*4 + len(ins.Data)
		}
		for _, l := range v.LogMessages {
			n += len(l)
		}
		n += (len(v.PreTokenBalances) + len(v.PostTokenBalances)) * 96
		return n
	case geyser.SlotMessage:
		return 24
	case geyser.BlockMetaMessage:
		return 64
	default:
		return 16
	}
}
