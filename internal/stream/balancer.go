package stream

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curvescan/curvescan/internal/events"
)

// BalancerConfig tunes rebalancing behavior.
type BalancerConfig struct {
	RebalanceThreshold      float64       // default 30
	MinRebalanceInterval    time.Duration // default 60s
	LoadCalculationInterval time.Duration // default 5s
	MigrationBatchSize      int           // default 2
	TargetLoadRatio         float64       // default 0.7

	// Assignments reports the current group-to-connection mapping
	// (connection ID -> group names). Injected by the manager.
	Assignments func() map[string][]string
	Bus         *events.Bus
}

// MigrationRequest asks the manager to move one subscription group between
// connections. The balancer only emits requests; execution is the manager's.
type MigrationRequest struct {
	ID               string `json:"id"`
	SubscriptionID   string `json:"subscription_id"`
	FromConnectionID string `json:"from_connection_id"`
	ToConnectionID   string `json:"to_connection_id"`
	Reason           string `json:"reason"`
}

// LoadSample is one point in a connection's bounded load history.
type LoadSample struct {
	Timestamp time.Time `json:"timestamp"`
	TPS       float64   `json:"tps"`
	LatencyMs float64   `json:"latency_ms"`
	ParseRate float64   `json:"parse_rate"`
	Bytes     int64     `json:"bytes"`
	Load      float64   `json:"load"`
}

const (
	loadHistoryLen = 12 // 12 samples x 5s = 1 minute
	tpsWindow      = 5 * time.Second

	overloadedAbove  = 70.0
	underloadedBelow = 40.0
)

type connLoad struct {
	inflight      map[string]time.Time
	latencyEwmaMs float64
	msgTimes      []time.Time // pruned to tpsWindow
	successTotal  int64
	errorTotal    int64
	bytesTotal    int64
	subs          int
	history       []LoadSample
	lastLoad      float64
	lastTPS       float64
}

// LoadBalancer accumulates per-connection load metrics and periodically
// emits migration requests when the load spread crosses the threshold.
type LoadBalancer struct {
	cfg BalancerConfig

	mu    sync.Mutex
	conns map[string]*connLoad

	lastRebalance time.Time
	now           func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLoadBalancer creates a balancer with defaulted config.
func NewLoadBalancer(cfg BalancerConfig) *LoadBalancer {
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = 30
	}
	if cfg.MinRebalanceInterval <= 0 {
		cfg.MinRebalanceInterval = 60 * time.Second
	}
	if cfg.LoadCalculationInterval <= 0 {
		cfg.LoadCalculationInterval = 5 * time.Second
	}
	if cfg.MigrationBatchSize <= 0 {
		cfg.MigrationBatchSize = 2
	}
	if cfg.TargetLoadRatio <= 0 {
		cfg.TargetLoadRatio = 0.7
	}
	return &LoadBalancer{
		cfg:    cfg,
		conns:  make(map[string]*connLoad),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (b *LoadBalancer) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Start launches the load-calculation and rebalance loops.
func (b *LoadBalancer) Start() {
	b.wg.Add(2)
	go b.loadLoop()
	go b.rebalanceLoop()
}

// Stop terminates the background loops.
func (b *LoadBalancer) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *LoadBalancer) conn(id string) *connLoad {
	cl, ok := b.conns[id]
	if !ok {
		cl = &connLoad{inflight: make(map[string]time.Time)}
		b.conns[id] = cl
	}
	return cl
}

// RecordMessageStart marks the start of handling one inbound message.
func (b *LoadBalancer) RecordMessageStart(connID, msgID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cl := b.conn(connID)
	now := b.now()
	cl.inflight[msgID] = now
	cl.msgTimes = append(cl.msgTimes, now)
	b.pruneLocked(cl, now)
}

// RecordMessageComplete folds handling latency, success, and bytes into the
// connection's counters. Latency feeds the EMA with alpha 0.1.
func (b *LoadBalancer) RecordMessageComplete(connID, msgID string, success bool, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cl := b.conn(connID)

	if start, ok := cl.inflight[msgID]; ok {
		delete(cl.inflight, msgID)
		const alpha = 0.1
		ms := float64(b.now().Sub(start)) / float64(time.Millisecond)
		if cl.latencyEwmaMs == 0 {
			cl.latencyEwmaMs = ms
		} else {
			cl.latencyEwmaMs = cl.latencyEwmaMs*(1-alpha) + ms*alpha
		}
	}
	if success {
		cl.successTotal++
	} else {
		cl.errorTotal++
	}
	cl.bytesTotal += bytes
}

// UpdateSubscriptionCount records the number of groups on a connection.
func (b *LoadBalancer) UpdateSubscriptionCount(connID string, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn(connID).subs = count
}

// Forget drops all state for a connection (after disconnect).
func (b *LoadBalancer) Forget(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, connID)
}

func (b *LoadBalancer) pruneLocked(cl *connLoad, now time.Time) {
	cutoff := now.Add(-tpsWindow)
	idx := 0
	for idx < len(cl.msgTimes) && cl.msgTimes[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cl.msgTimes = append(cl.msgTimes[:0], cl.msgTimes[idx:]...)
	}
}

func (b *LoadBalancer) tpsLocked(cl *connLoad, now time.Time) float64 {
	b.pruneLocked(cl, now)
	return float64(len(cl.msgTimes)) / tpsWindow.Seconds()
}

func (b *LoadBalancer) errorRateLocked(cl *connLoad) float64 {
	total := cl.successTotal + cl.errorTotal
	if total == 0 {
		return 0
	}
	return float64(cl.errorTotal) / float64(total)
}

// CalculateLoads computes load for every connection and appends a sample to
// each bounded history. Called by the load loop; exposed for tests.
func (b *LoadBalancer) CalculateLoads() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]float64, len(b.conns))
	for id, cl := range b.conns {
		tps := b.tpsLocked(cl, now)
		load := loadMix(tps, cl.latencyEwmaMs, b.errorRateLocked(cl), float64(cl.bytesTotal))
		cl.lastLoad = load
		cl.lastTPS = tps
		cl.history = append(cl.history, LoadSample{
			Timestamp: now,
			TPS:       tps,
			LatencyMs: cl.latencyEwmaMs,
			Bytes:     cl.bytesTotal,
			Load:      load,
		})
		if len(cl.history) > loadHistoryLen {
			cl.history = cl.history[len(cl.history)-loadHistoryLen:]
		}
		out[id] = load
	}
	return out
}

// Metrics snapshots the per-connection load state.
func (b *LoadBalancer) Metrics() map[string]LoadSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]LoadSample, len(b.conns))
	for id, cl := range b.conns {
		out[id] = LoadSample{
			Timestamp: now,
			TPS:       b.tpsLocked(cl, now),
			LatencyMs: cl.latencyEwmaMs,
			Bytes:     cl.bytesTotal,
			Load:      cl.lastLoad,
		}
	}
	return out
}

// PredictLoad extrapolates a connection's load from its recent history slope.
func (b *LoadBalancer) PredictLoad(connID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	cl, ok := b.conns[connID]
	if !ok || len(cl.history) == 0 {
		return 0
	}
	if len(cl.history) < 2 {
		return cl.history[len(cl.history)-1].Load
	}
	last := cl.history[len(cl.history)-1]
	prev := cl.history[len(cl.history)-2]
	predicted := last.Load + (last.Load - prev.Load)
	return clamp(predicted, 0, 100)
}

// ForceRebalance runs one rebalance cycle immediately, ignoring the
// min-interval gate.
func (b *LoadBalancer) ForceRebalance() []MigrationRequest {
	plan := b.BuildPlan()
	b.emit(plan)
	return plan
}

// BuildPlan computes the migration plan for the current loads without
// emitting it. A plan is only produced when the load spread strictly
// exceeds the threshold.
func (b *LoadBalancer) BuildPlan() []MigrationRequest {
	loads := b.CalculateLoads()
	if len(loads) < 2 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var minLoad, maxLoad float64
	first := true
	for _, l := range loads {
		if first {
			minLoad, maxLoad = l, l
			first = false
			continue
		}
		if l < minLoad {
			minLoad = l
		}
		if l > maxLoad {
			maxLoad = l
		}
	}
	if maxLoad-minLoad <= b.cfg.RebalanceThreshold {
		return nil
	}

	var assignments map[string][]string
	if b.cfg.Assignments != nil {
		assignments = b.cfg.Assignments()
	}

	// Candidate sources sorted by tps descending: within equal spread the
	// group on the busier connection moves first.
	type source struct {
		connID string
		load   float64
		tps    float64
	}
	var overloaded []source
	var underloaded []source
	for id, l := range loads {
		cl := b.conns[id]
		switch {
		case l > overloadedAbove:
			overloaded = append(overloaded, source{connID: id, load: l, tps: cl.lastTPS})
		case l < underloadedBelow:
			underloaded = append(underloaded, source{connID: id, load: l, tps: cl.lastTPS})
		}
	}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return nil
	}
	sort.Slice(overloaded, func(i, j int) bool {
		if overloaded[i].load != overloaded[j].load {
			return overloaded[i].load > overloaded[j].load
		}
		return overloaded[i].tps > overloaded[j].tps
	})
	sort.Slice(underloaded, func(i, j int) bool { return underloaded[i].load < underloaded[j].load })

	var plan []MigrationRequest
	for _, src := range overloaded {
		groups := assignments[src.connID]
		if len(groups) == 0 {
			continue
		}
		for _, dst := range underloaded {
			if len(plan) >= b.cfg.MigrationBatchSize || len(groups) == 0 {
				break
			}
			group := groups[0]
			groups = groups[1:]
			plan = append(plan, MigrationRequest{
				ID:               uuid.NewString(),
				SubscriptionID:   group,
				FromConnectionID: src.connID,
				ToConnectionID:   dst.connID,
				Reason:           "load_spread",
			})
		}
		if len(plan) >= b.cfg.MigrationBatchSize {
			break
		}
	}
	return plan
}

func (b *LoadBalancer) emit(plan []MigrationRequest) {
	if len(plan) == 0 {
		return
	}
	b.mu.Lock()
	b.lastRebalance = b.now()
	b.mu.Unlock()

	for _, req := range plan {
		log.Printf("[balancer] migration required: %s %s -> %s (%s)",
			req.SubscriptionID, req.FromConnectionID, req.ToConnectionID, req.Reason)
		if b.cfg.Bus != nil {
			b.cfg.Bus.Publish(events.TopicMigration, req)
		}
	}
}

func (b *LoadBalancer) loadLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.LoadCalculationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.CalculateLoads()
		}
	}
}

func (b *LoadBalancer) rebalanceLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			tooSoon := !b.lastRebalance.IsZero() && b.now().Sub(b.lastRebalance) < b.cfg.MinRebalanceInterval
			b.mu.Unlock()
			if tooSoon {
				continue
			}
			b.emit(b.BuildPlan())
		}
	}
}
