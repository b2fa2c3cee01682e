// Package jobs implements the analysis job system: a priority queue with
// delayed retry, a typed worker pool, and a scheduler for recurring work.
package jobs

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curvescan/curvescan/internal/model"
	"github.com/curvescan/curvescan/internal/netutil"
)

// Priority orders jobs; FIFO within a rank.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps priorities to comparable ranks; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// State is the lifecycle state of a job. Transitions follow
// waiting -> (delayed) -> active -> completed|failed; a failed job with
// remaining attempts re-enters waiting after backoff.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job types dispatched by the processor.
const (
	TypeSingleAnalysis    = "single_analysis"
	TypeBatchAnalysis     = "batch_analysis"
	TypeRecurringAnalysis = "recurring_analysis"
	TypeTrendUpdate       = "trend_update"
)

const (
	retryBase = time.Second
	retryCap  = 60 * time.Second

	defaultMaxAttempts = 3
)

// AnalysisData is the payload of every analysis job type.
type AnalysisData struct {
	Mint         string   `json:"mint,omitempty"`
	Mints        []string `json:"mints,omitempty"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
}

// Job is one unit of queued work. Fields are owned by the queue; callers
// receive copies.
type Job struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Data        AnalysisData `json:"data"`
	Priority    Priority     `json:"priority"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	State       State        `json:"state"`
	DedupKey    string       `json:"dedup_key,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at,omitzero"`
	FinishedAt  time.Time    `json:"finished_at,omitzero"`
	DelayUntil  time.Time    `json:"delay_until,omitzero"`
	LastError   string       `json:"last_error,omitempty"`

	seq uint64
}

// Options tunes job admission.
type Options struct {
	Priority    Priority
	MaxAttempts int
	Delay       time.Duration
	DedupKey    string
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`

	ByPriority map[Priority]int `json:"by_priority"`
}

// readyHeap orders waiting jobs by (priority rank, admission sequence).
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority.Rank() != h[j].Priority.Rank() {
		return h[i].Priority.Rank() < h[j].Priority.Rank()
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// delayedHeap orders delayed jobs by wake time.
type delayedHeap []*Job

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].DelayUntil.Before(h[j].DelayUntil) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Queue is the in-process priority queue. It is not concurrency-aware beyond
// locking; the processor caps in-flight work.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	byID    map[string]*Job
	byDedup map[string]*Job
	seq     uint64

	completed int
	failed    int

	now func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		byID:    make(map[string]*Job),
		byDedup: make(map[string]*Job),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (q *Queue) SetNowFunc(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Add admits a job. With a dedup key matching a live (non-terminal) job, the
// existing job is returned instead of admitting a duplicate.
func (q *Queue) Add(jobType string, data AnalysisData, opts Options) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.DedupKey != "" {
		if existing, ok := q.byDedup[opts.DedupKey]; ok {
			return copyJob(existing)
		}
	}

	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	now := q.now()
	q.seq++
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Data:        data,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		DedupKey:    opts.DedupKey,
		CreatedAt:   now,
		State:       StateWaiting,
		seq:         q.seq,
	}
	q.byID[job.ID] = job
	if opts.DedupKey != "" {
		q.byDedup[opts.DedupKey] = job
	}

	if opts.Delay > 0 {
		job.State = StateDelayed
		job.DelayUntil = now.Add(opts.Delay)
		heap.Push(&q.delayed, job)
	} else {
		heap.Push(&q.ready, job)
	}
	return copyJob(job)
}

// Next pops the highest-priority ready job and marks it active, or returns
// nil when nothing is ready. Expired delayed jobs are promoted first.
func (q *Queue) Next() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()
	if q.ready.Len() == 0 {
		return nil
	}
	job := heap.Pop(&q.ready).(*Job)
	job.State = StateActive
	job.Attempts++
	job.StartedAt = q.now()
	return copyJob(job)
}

// promoteLocked moves expired delayed jobs into the ready heap.
func (q *Queue) promoteLocked() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].DelayUntil.After(now) {
		job := heap.Pop(&q.delayed).(*Job)
		job.State = StateWaiting
		heap.Push(&q.ready, job)
	}
}

// Complete marks a job terminally completed.
func (q *Queue) Complete(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok || job.State != StateActive {
		return
	}
	job.State = StateCompleted
	job.FinishedAt = q.now()
	q.completed++
	q.forgetLocked(job)
}

// Fail records a failure. With attempts remaining the job re-enters the
// delayed set with exponential backoff; otherwise it fails terminally.
func (q *Queue) Fail(id string, jobErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok || job.State != StateActive {
		return
	}
	if jobErr != nil {
		job.LastError = jobErr.Error()
	}

	if job.Attempts < job.MaxAttempts {
		delay := netutil.Backoff(retryBase, retryCap, job.Attempts)
		job.State = StateDelayed
		job.DelayUntil = q.now().Add(delay)
		heap.Push(&q.delayed, job)
		return
	}

	job.State = StateFailed
	job.FinishedAt = q.now()
	q.failed++
	q.forgetLocked(job)
}

// forgetLocked drops terminal bookkeeping so the dedup key can be reused.
func (q *Queue) forgetLocked(job *Job) {
	delete(q.byID, job.ID)
	if job.DedupKey != "" {
		delete(q.byDedup, job.DedupKey)
	}
}

// Get returns a copy of one live job.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return copyJob(job), true
}

// Len returns the number of live (non-terminal) jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Stats counts jobs by state and priority.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Completed:  q.completed,
		Failed:     q.failed,
		ByPriority: make(map[Priority]int),
	}
	for _, job := range q.byID {
		switch job.State {
		case StateWaiting:
			s.Waiting++
		case StateDelayed:
			s.Delayed++
		case StateActive:
			s.Active++
		}
		s.ByPriority[job.Priority]++
	}
	s.Total = s.Waiting + s.Delayed + s.Active + s.Completed + s.Failed
	return s
}

// Records snapshots live jobs in durable form.
func (q *Queue) Records() []model.JobRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.JobRecord, 0, len(q.byID))
	for _, job := range q.byID {
		data, _ := json.Marshal(job.Data)
		rec := model.JobRecord{
			ID:          job.ID,
			Type:        job.Type,
			DataJSON:    string(data),
			Priority:    string(job.Priority),
			State:       string(job.State),
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			DedupKey:    job.DedupKey,
			CreatedAtNs: job.CreatedAt.UnixNano(),
			LastError:   job.LastError,
		}
		if !job.DelayUntil.IsZero() {
			rec.DelayUntil = job.DelayUntil.UnixNano()
		}
		out = append(out, rec)
	}
	return out
}

// Restore re-admits one durable record, used at startup. Active jobs restore
// as waiting: the process that ran them is gone.
func (q *Queue) Restore(rec model.JobRecord) {
	var data AnalysisData
	_ = json.Unmarshal([]byte(rec.DataJSON), &data)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[rec.ID]; exists {
		return
	}
	q.seq++
	job := &Job{
		ID:          rec.ID,
		Type:        rec.Type,
		Data:        data,
		Priority:    Priority(rec.Priority),
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		DedupKey:    rec.DedupKey,
		CreatedAt:   time.Unix(0, rec.CreatedAtNs),
		LastError:   rec.LastError,
		seq:         q.seq,
	}
	q.byID[job.ID] = job
	if job.DedupKey != "" {
		q.byDedup[job.DedupKey] = job
	}

	if State(rec.State) == StateDelayed && rec.DelayUntil > 0 {
		job.State = StateDelayed
		job.DelayUntil = time.Unix(0, rec.DelayUntil)
		heap.Push(&q.delayed, job)
		return
	}
	job.State = StateWaiting
	heap.Push(&q.ready, job)
}

func copyJob(j *Job) *Job {
	c := *j
	return &c
}
