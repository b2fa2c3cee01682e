package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner selects job payloads dynamically at tick time. Scheduled entries
// without a runner enqueue their static data instead.
type Runner func(ctx context.Context) []AnalysisData

// Schedule is one recurring entry. Exactly one of Every or Cron must be set;
// Cron uses the standard five-field syntax.
type Schedule struct {
	ID      string
	Every   time.Duration
	Cron    string
	Type    string
	Data    AnalysisData
	Options Options
	Enabled bool
	Runner  Runner
}

type scheduleState struct {
	spec     Schedule
	cronNext cron.Schedule

	mu      sync.Mutex
	lastRun time.Time
}

// Scheduler drives recurring enqueues. Entries are registered before Start.
type Scheduler struct {
	queue *Queue

	mu      sync.Mutex
	entries map[string]*scheduleState
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the queue.
func NewScheduler(queue *Queue) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:   queue,
		entries: make(map[string]*scheduleState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds one schedule. Fails on duplicate IDs or invalid specs.
func (s *Scheduler) Register(spec Schedule) error {
	if spec.ID == "" {
		return fmt.Errorf("schedule: empty id")
	}
	if (spec.Every <= 0) == (spec.Cron == "") {
		return fmt.Errorf("schedule %s: exactly one of Every or Cron required", spec.ID)
	}

	st := &scheduleState{spec: spec}
	if spec.Cron != "" {
		parsed, err := cron.ParseStandard(spec.Cron)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", spec.ID, err)
		}
		st.cronNext = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[spec.ID]; exists {
		return fmt.Errorf("schedule %s: already registered", spec.ID)
	}
	s.entries[spec.ID] = st
	if s.started && spec.Enabled {
		s.arm(st)
	}
	return nil
}

// Start arms every enabled schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, st := range s.entries {
		if st.spec.Enabled {
			s.arm(st)
		}
	}
	log.Printf("[scheduler] started with %d entries", len(s.entries))
}

// Stop cancels every armed schedule and waits for tick goroutines.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// LastRun reports when an entry last ticked.
func (s *Scheduler) LastRun(id string) (time.Time, bool) {
	s.mu.Lock()
	st, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastRun, true
}

func (s *Scheduler) arm(st *scheduleState) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := st.spec.Every
			if st.cronNext != nil {
				wait = time.Until(st.cronNext.Next(time.Now()))
				if wait < 0 {
					wait = 0
				}
			}
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.tick(st)
		}
	}()
}

func (s *Scheduler) tick(st *scheduleState) {
	st.mu.Lock()
	st.lastRun = time.Now()
	st.mu.Unlock()

	if st.spec.Runner != nil {
		for _, data := range st.spec.Runner(s.ctx) {
			s.enqueue(st, data)
		}
		return
	}
	s.enqueue(st, st.spec.Data)
}

func (s *Scheduler) enqueue(st *scheduleState, data AnalysisData) {
	opts := st.spec.Options
	if opts.DedupKey == "" && data.Mint != "" {
		// One live job per (schedule, mint).
		opts.DedupKey = st.spec.ID + ":" + data.Mint
	}
	job := s.queue.Add(st.spec.Type, data, opts)
	log.Printf("[scheduler] %s enqueued %s %s", st.spec.ID, job.Type, job.ID)
}
