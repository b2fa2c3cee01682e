package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curvescan/curvescan/internal/events"
)

const (
	// staleAfter marks an idle connection unhealthy when no traffic has
	// touched it for this long.
	staleAfter = 5 * time.Minute
	// unhealthyErrorRate marks a connection unhealthy when its rolling
	// error rate crosses this fraction.
	unhealthyErrorRate = 0.5
	// priorityPenalty is added to a connection's acquire score when its
	// priority class is lower than the requested monitor's class.
	priorityPenalty = 1000.0
)

// PoolConfig configures the ConnectionPool.
type PoolConfig struct {
	MaxConnections      int           // default 3
	MinConnections      int           // default 2
	HealthCheckInterval time.Duration // default 30s
	ConnectionTimeout   time.Duration // default 10s
	Dial                DialFunc
	Bus                 *events.Bus
}

// ConnectionPool owns the upstream connection clients. Mutations and reads
// are serialized by a single mutex; callers get use of a connection, never
// ownership.
type ConnectionPool struct {
	cfg PoolConfig

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConnectionPool creates a pool. Initialize must be called before acquire.
func NewConnectionPool(cfg PoolConfig) *ConnectionPool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 3
	}
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = 2
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	return &ConnectionPool{
		cfg:    cfg,
		conns:  make(map[string]*Connection),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (p *ConnectionPool) SetNowFunc(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Initialize dials minConnections upfront. The first connection gets high
// priority, the rest medium. Starts the passive health loop.
func (p *ConnectionPool) Initialize(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		prio := PriorityMedium
		if i == 0 {
			prio = PriorityHigh
		}
		if _, err := p.createConnection(ctx, prio); err != nil {
			return fmt.Errorf("initialize connection %d: %w", i, err)
		}
	}

	p.wg.Add(1)
	go p.healthLoop()
	return nil
}

func (p *ConnectionPool) createConnection(ctx context.Context, prio Priority) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	client, err := p.cfg.Dial(dialCtx)
	if err != nil {
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(events.TopicConnFailed, "")
		}
		return nil, err
	}

	now := p.now()
	conn := &Connection{
		ID:       "conn-" + uuid.NewString()[:8],
		Priority: prio,
	}
	conn.mu.Lock()
	conn.status = ConnIdle
	conn.client = client
	conn.createdAt = now
	conn.lastUsed = now
	conn.mu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = client.Close()
		return nil, ErrPoolClosed
	}
	p.conns[conn.ID] = conn
	p.mu.Unlock()

	log.Printf("[pool] created connection %s priority=%s", conn.ID, prio)
	return conn, nil
}

// Acquire picks the lowest-scored available connection for the given monitor
// priority, creating a new connection when allowed. Fails with
// ErrPoolExhausted when the pool is at capacity with nothing available.
func (p *ConnectionPool) Acquire(ctx context.Context, monitorPriority Priority) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var best *Connection
	bestScore := 0.0
	for _, conn := range p.conns {
		// Only idle and active connections can carry new work; unhealthy
		// ones wait for the recovery path and must not shadow usable
		// candidates with their near-zero scores.
		if st := conn.Status(); st != ConnIdle && st != ConnActive {
			continue
		}
		score := conn.loadScore()
		if conn.Priority.Rank() > monitorPriority.Rank() {
			score += priorityPenalty
		}
		if best == nil || score < bestScore {
			best = conn
			bestScore = score
		}
	}
	total := len(p.conns)
	p.mu.Unlock()

	if best != nil {
		best.mu.Lock()
		if best.status == ConnIdle || best.status == ConnActive {
			best.status = ConnActive
			best.lastUsed = p.now()
			best.mu.Unlock()
			return best, nil
		}
		best.mu.Unlock()
	}

	if total < p.cfg.MaxConnections {
		conn, err := p.createConnection(ctx, monitorPriority)
		if err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
		conn.mu.Lock()
		conn.status = ConnActive
		conn.mu.Unlock()
		return conn, nil
	}

	return nil, ErrPoolExhausted
}

// Release returns a connection to idle when it carries no subscriptions.
func (p *ConnectionPool) Release(connID string) {
	p.mu.Lock()
	conn, ok := p.conns[connID]
	p.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.status == ConnActive && conn.activeSubscriptions == 0 {
		conn.status = ConnIdle
	}
	conn.mu.Unlock()
}

// Get returns a connection by ID.
func (p *ConnectionPool) Get(connID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.conns[connID]
	return conn, ok
}

// AddSubscription adjusts a connection's subscription count by delta.
func (p *ConnectionPool) AddSubscription(connID string, delta int) {
	p.mu.Lock()
	conn, ok := p.conns[connID]
	p.mu.Unlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.activeSubscriptions += delta
	if conn.activeSubscriptions < 0 {
		conn.activeSubscriptions = 0
	}
	conn.mu.Unlock()
}

// Stats snapshots every connection.
func (p *ConnectionPool) Stats() []ConnectionStats {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	out := make([]ConnectionStats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// healthLoop runs the passive health check on a fixed cadence. Checks never
// create upstream subscriptions; they only inspect staleness and error-rate
// thresholds, so they cannot count against the subscription cap.
func (p *ConnectionPool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *ConnectionPool) checkHealth() {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	now := p.now()
	p.mu.Unlock()

	for _, conn := range conns {
		conn.mu.Lock()
		conn.lastHealthCheck = now
		stale := conn.status == ConnIdle && now.Sub(conn.lastUsed) > staleAfter
		erroring := conn.errorRateLocked() > unhealthyErrorRate && conn.totalMsgs >= 20
		becameUnhealthy := false
		if (stale || erroring) && conn.status != ConnUnhealthy && conn.status != ConnDisconnected {
			conn.status = ConnUnhealthy
			becameUnhealthy = true
		}
		conn.mu.Unlock()

		if becameUnhealthy {
			log.Printf("[pool] connection %s unhealthy (stale=%v erroring=%v)", conn.ID, stale, erroring)
			if p.cfg.Bus != nil {
				p.cfg.Bus.Publish(events.TopicConnUnhealthy, conn.ID)
			}
		}
	}
}

// MarkRecovered is called by the manager when real traffic succeeds on a
// previously unhealthy connection.
func (p *ConnectionPool) MarkRecovered(connID string) {
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(events.TopicConnRecovered, connID)
	}
	log.Printf("[pool] connection %s recovered", connID)
}

// Shutdown stops the health loop, closes every client handle, and clears
// the map. Connections transition to the terminal disconnected state.
func (p *ConnectionPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Connection)
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, conn := range conns {
		conn.mu.Lock()
		conn.status = ConnDisconnected
		client := conn.client
		conn.client = nil
		conn.mu.Unlock()
		if client != nil {
			if err := client.Close(); err != nil {
				log.Printf("[pool] close %s: %v", conn.ID, err)
			}
		}
	}
	log.Printf("[pool] shut down %d connections", len(conns))
}
