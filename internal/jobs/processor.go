package jobs

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/model"
)

const (
	defaultMaxWorkers    = 3
	defaultPollInterval  = 100 * time.Millisecond
	defaultInterMintWait = 500 * time.Millisecond
	drainTimeout         = 30 * time.Second

	// Significance thresholds for recurring analysis.
	significantScoreDelta         = 20.0
	significantHolderDelta        = 50
	significantConcentrationDelta = 10.0
)

// AnalyzeRequest parameterizes one orchestrator run.
type AnalyzeRequest struct {
	Mint               string
	ForceRefresh       bool
	SkipClassification bool
	SaveSnapshot       bool
}

// Analyzer is the holder-analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (model.HolderSnapshot, error)
}

// SignificantChange is published when a recurring analysis moves a token's
// profile past the significance thresholds.
type SignificantChange struct {
	Mint               string  `json:"mint"`
	ScoreDelta         float64 `json:"score_delta"`
	HolderDelta        int     `json:"holder_delta"`
	ConcentrationDelta float64 `json:"concentration_delta"`
}

// Progress is published per step of a batch job.
type Progress struct {
	JobID string `json:"job_id"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
	Mint  string `json:"mint"`
}

// WorkerStats reports one worker's state.
type WorkerStats struct {
	ID            int           `json:"id"`
	Status        string        `json:"status"` // idle | busy
	CurrentJob    string        `json:"current_job,omitempty"`
	JobsProcessed int64         `json:"jobs_processed"`
	Errors        int64         `json:"errors"`
	AvgProcessing time.Duration `json:"avg_processing"`
}

// ProcessorConfig wires the worker pool.
type ProcessorConfig struct {
	MaxWorkers    int
	PollInterval  time.Duration
	InterMintWait time.Duration
	Queue         *Queue
	Analyzer      Analyzer
	Bus           *events.Bus
}

type worker struct {
	id int

	mu            sync.Mutex
	busy          bool
	currentJob    string
	jobsProcessed int64
	errors        int64
	totalTime     time.Duration
}

func (w *worker) stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := WorkerStats{
		ID:            w.id,
		Status:        "idle",
		CurrentJob:    w.currentJob,
		JobsProcessed: w.jobsProcessed,
		Errors:        w.errors,
	}
	if w.busy {
		s.Status = "busy"
	}
	if w.jobsProcessed > 0 {
		s.AvgProcessing = w.totalTime / time.Duration(w.jobsProcessed)
	}
	return s
}

// Processor runs up to maxWorkers loops of next -> process -> complete|fail.
type Processor struct {
	cfg     ProcessorConfig
	workers []*worker

	mu         sync.Mutex
	lastByMint map[string]model.HolderSnapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a processor with defaulted config.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.InterMintWait <= 0 {
		cfg.InterMintWait = defaultInterMintWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:        cfg,
		lastByMint: make(map[string]model.HolderSnapshot),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.workers = append(p.workers, &worker{id: i})
	}
	return p
}

// Start launches the worker loops.
func (p *Processor) Start() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go p.run(w)
	}
	log.Printf("[jobs] started %d workers", len(p.workers))
}

// Shutdown stops intake and waits up to 30s for busy workers to finish.
func (p *Processor) Shutdown() {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[jobs] workers drained")
	case <-time.After(drainTimeout):
		log.Printf("[jobs] drain timeout after %s", drainTimeout)
	}
}

// WorkerStats snapshots every worker.
func (p *Processor) WorkerStats() []WorkerStats {
	out := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.stats())
	}
	return out
}

func (p *Processor) run(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		job := p.cfg.Queue.Next()
		if job == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.processJob(w, job)
	}
}

func (p *Processor) processJob(w *worker, job *Job) {
	w.mu.Lock()
	w.busy = true
	w.currentJob = job.ID
	w.mu.Unlock()

	start := time.Now()
	err := p.dispatch(job)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.busy = false
	w.currentJob = ""
	w.jobsProcessed++
	w.totalTime += elapsed
	if err != nil {
		w.errors++
	}
	w.mu.Unlock()

	if err != nil {
		log.Printf("[jobs] %s %s attempt %d/%d failed: %v", job.Type, job.ID, job.Attempts, job.MaxAttempts, err)
		p.cfg.Queue.Fail(job.ID, err)
		if p.cfg.Bus != nil && job.Attempts >= job.MaxAttempts {
			p.cfg.Bus.Publish(events.TopicJobFailed, job.ID)
		}
		return
	}
	p.cfg.Queue.Complete(job.ID)
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(events.TopicJobCompleted, job.ID)
	}
}

func (p *Processor) dispatch(job *Job) error {
	switch job.Type {
	case TypeSingleAnalysis:
		return p.runSingle(job)
	case TypeBatchAnalysis:
		return p.runBatch(job)
	case TypeRecurringAnalysis:
		return p.runRecurring(job)
	case TypeTrendUpdate:
		return p.runTrend(job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (p *Processor) runSingle(job *Job) error {
	snap, err := p.cfg.Analyzer.Analyze(p.ctx, AnalyzeRequest{
		Mint:         job.Data.Mint,
		ForceRefresh: job.Data.ForceRefresh,
		SaveSnapshot: true,
	})
	if err != nil {
		return err
	}
	p.remember(snap)
	return nil
}

// runBatch walks the mint list sequentially with an inter-mint delay so the
// external holder APIs see a steady rate, emitting progress at each step.
// Per-mint failures are logged and skipped; the batch fails only when every
// mint fails.
func (p *Processor) runBatch(job *Job) error {
	total := len(job.Data.Mints)
	failures := 0
	for i, mint := range job.Data.Mints {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		default:
		}

		snap, err := p.cfg.Analyzer.Analyze(p.ctx, AnalyzeRequest{
			Mint:         mint,
			ForceRefresh: job.Data.ForceRefresh,
			SaveSnapshot: true,
		})
		if err != nil {
			failures++
			log.Printf("[jobs] batch %s: mint %s failed: %v", job.ID, mint, err)
		} else {
			p.remember(snap)
		}

		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(events.TopicJobProgress, Progress{
				JobID: job.ID, Done: i + 1, Total: total, Mint: mint,
			})
		}
		if i < total-1 {
			select {
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(p.cfg.InterMintWait):
			}
		}
	}
	if total > 0 && failures == total {
		return fmt.Errorf("batch: all %d mints failed", total)
	}
	return nil
}

func (p *Processor) runRecurring(job *Job) error {
	prev, hadPrev := p.lastFor(job.Data.Mint)

	snap, err := p.cfg.Analyzer.Analyze(p.ctx, AnalyzeRequest{
		Mint:         job.Data.Mint,
		ForceRefresh: true,
		SaveSnapshot: true,
	})
	if err != nil {
		return err
	}
	p.remember(snap)

	if !hadPrev {
		return nil
	}
	change := SignificantChange{
		Mint:               job.Data.Mint,
		ScoreDelta:         snap.Score - prev.Score,
		HolderDelta:        snap.TotalHolders - prev.TotalHolders,
		ConcentrationDelta: snap.Top10Pct - prev.Top10Pct,
	}
	if math.Abs(change.ScoreDelta) >= significantScoreDelta ||
		absInt(change.HolderDelta) >= significantHolderDelta ||
		math.Abs(change.ConcentrationDelta) >= significantConcentrationDelta {
		log.Printf("[jobs] significant change on %s: score %+.1f holders %+d top10 %+.1f",
			change.Mint, change.ScoreDelta, change.HolderDelta, change.ConcentrationDelta)
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(events.TopicSignificant, change)
		}
	}
	return nil
}

// runTrend is the lightweight path: no classification, no snapshot write.
func (p *Processor) runTrend(job *Job) error {
	snap, err := p.cfg.Analyzer.Analyze(p.ctx, AnalyzeRequest{
		Mint:               job.Data.Mint,
		SkipClassification: true,
		SaveSnapshot:       false,
	})
	if err != nil {
		return err
	}
	p.remember(snap)
	return nil
}

func (p *Processor) remember(snap model.HolderSnapshot) {
	p.mu.Lock()
	p.lastByMint[snap.Mint] = snap
	p.mu.Unlock()
}

func (p *Processor) lastFor(mint string) (model.HolderSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.lastByMint[mint]
	return snap, ok
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
