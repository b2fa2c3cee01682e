// Package stream implements the ingest plane: the upstream connection pool,
// the subscription filter builder, the load balancer, and the manager that
// composes them into subscribe/unsubscribe/migrate operations.
package stream

import (
	"context"
	"sync"
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/curvescan/curvescan/internal/geyser"
)

// Priority is the class of a connection or monitor group.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities; lower is more important.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// ConnStatus is the lifecycle state of a pooled connection.
type ConnStatus string

const (
	ConnIdle         ConnStatus = "idle"
	ConnActive       ConnStatus = "active"
	ConnUnhealthy    ConnStatus = "unhealthy"
	ConnDisconnected ConnStatus = "disconnected" // terminal
)

// StreamHandle controls one open upstream stream.
type StreamHandle interface {
	Cancel()
}

// StreamOpener is the client side of one upstream connection. Implemented by
// geyser.Client via the dialer adapter; faked in tests.
type StreamOpener interface {
	OpenStream(
		ctx context.Context,
		req *pb.SubscribeRequest,
		onMessage func(geyser.Message),
		onError func(error),
	) (StreamHandle, error)
	Close() error
}

// DialFunc establishes a new upstream connection client.
type DialFunc func(ctx context.Context) (StreamOpener, error)

// NewGeyserDialer adapts geyser.Dial into a DialFunc for the pool.
func NewGeyserDialer(cfg geyser.Config) DialFunc {
	return func(ctx context.Context) (StreamOpener, error) {
		client, err := geyser.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return geyserOpener{client: client}, nil
	}
}

type geyserOpener struct {
	client *geyser.Client
}

func (g geyserOpener) OpenStream(
	ctx context.Context,
	req *pb.SubscribeRequest,
	onMessage func(geyser.Message),
	onError func(error),
) (StreamHandle, error) {
	handle, err := g.client.OpenStream(ctx, req, onMessage, onError)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (g geyserOpener) Close() error { return g.client.Close() }

// Connection is one pooled upstream connection. The pool exclusively owns
// the client handle; acquire hands out use, never ownership.
type Connection struct {
	ID       string
	Priority Priority

	mu                  sync.Mutex
	status              ConnStatus
	client              StreamOpener
	activeSubscriptions int
	createdAt           time.Time
	lastUsed            time.Time
	lastHealthCheck     time.Time

	// Rolling counters for the pool-granularity load score.
	windowStart   time.Time
	windowMsgs    int64
	lastTPS       float64
	latencyEwmaMs float64
	totalMsgs     int64
	totalErrors   int64
	bytesTotal    int64
}

// ConnectionStats is a point-in-time snapshot of one connection.
type ConnectionStats struct {
	ID                  string     `json:"id"`
	Priority            Priority   `json:"priority"`
	Status              ConnStatus `json:"status"`
	ActiveSubscriptions int        `json:"active_subscriptions"`
	RequestsPerSecond   float64    `json:"requests_per_second"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	ErrorRate           float64    `json:"error_rate"`
	BytesProcessed      int64      `json:"bytes_processed"`
	CreatedAt           time.Time  `json:"created_at"`
	LastUsed            time.Time  `json:"last_used"`
	LastHealthCheck     time.Time  `json:"last_health_check"`
}

func (c *Connection) snapshot() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{
		ID:                  c.ID,
		Priority:            c.Priority,
		Status:              c.status,
		ActiveSubscriptions: c.activeSubscriptions,
		RequestsPerSecond:   c.lastTPS,
		AvgLatencyMs:        c.latencyEwmaMs,
		ErrorRate:           c.errorRateLocked(),
		BytesProcessed:      c.bytesTotal,
		CreatedAt:           c.createdAt,
		LastUsed:            c.lastUsed,
		LastHealthCheck:     c.lastHealthCheck,
	}
}

func (c *Connection) errorRateLocked() float64 {
	if c.totalMsgs == 0 {
		return 0
	}
	return float64(c.totalErrors) / float64(c.totalMsgs)
}

// Status returns the current lifecycle state.
func (c *Connection) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ActiveSubscriptions returns the current subscription count.
func (c *Connection) ActiveSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSubscriptions
}

// RecordMessage folds one inbound message into the rolling counters.
// latency is the handling latency observed by the manager; success=false
// counts toward the error rate.
func (c *Connection) RecordMessage(now time.Time, latency time.Duration, success bool, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalMsgs++
	if !success {
		c.totalErrors++
	}
	c.bytesTotal += int64(bytes)
	c.lastUsed = now

	// One-second tumbling window for the tps component.
	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= time.Second {
		elapsed := now.Sub(c.windowStart).Seconds()
		if elapsed > 0 && !c.windowStart.IsZero() {
			c.lastTPS = float64(c.windowMsgs) / elapsed
		}
		c.windowStart = now
		c.windowMsgs = 0
	}
	c.windowMsgs++

	const alpha = 0.1
	ms := float64(latency) / float64(time.Millisecond)
	if c.latencyEwmaMs == 0 {
		c.latencyEwmaMs = ms
	} else {
		c.latencyEwmaMs = c.latencyEwmaMs*(1-alpha) + ms*alpha
	}

	// Real traffic succeeding again recovers an unhealthy connection.
	if success && c.status == ConnUnhealthy {
		c.status = ConnIdle
	}
}

// RecordError counts a stream-level error against the connection.
func (c *Connection) RecordError(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalMsgs++
	c.totalErrors++
	c.lastUsed = now
}

// loadScore mirrors the balancer's load mix at connection granularity:
// normalized tps (40%), latency (30%), error rate (20%), bytes (10%).
func (c *Connection) loadScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return loadMix(c.lastTPS, c.latencyEwmaMs, c.errorRateLocked(), float64(c.bytesTotal))
}

// loadMix normalizes the four load components into [0,100].
func loadMix(tps, latencyMs, errorRate, bytes float64) float64 {
	tpsScore := clamp(tps/10, 0, 100)            // 1000 tps => saturated
	latScore := clamp(latencyMs/10, 0, 100)      // 1s EWMA => saturated
	errScore := clamp(errorRate*100, 0, 100)     // fraction => percent
	byteScore := clamp(bytes/(50*1024*1024), 0, 100) // 5 GB => saturated

	return tpsScore*0.4 + latScore*0.3 + errScore*0.2 + byteScore*0.1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
