package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/curvescan/curvescan/internal/events"
	"github.com/curvescan/curvescan/internal/model"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	calls    []AnalyzeRequest
	failures int // fail this many leading calls
	snaps    map[string][]model.HolderSnapshot
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req AnalyzeRequest) (model.HolderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failures > 0 {
		f.failures--
		return model.HolderSnapshot{}, errors.New("analyzer unavailable")
	}
	if queue := f.snaps[req.Mint]; len(queue) > 0 {
		snap := queue[0]
		if len(queue) > 1 {
			f.snaps[req.Mint] = queue[1:]
		}
		return snap, nil
	}
	return model.HolderSnapshot{Mint: req.Mint, TotalHolders: 10, Score: 50}, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAnalyzer) call(i int) AnalyzeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestProcessor(t *testing.T, analyzer Analyzer, bus *events.Bus) (*Processor, *Queue) {
	t.Helper()
	q := NewQueue()
	p := NewProcessor(ProcessorConfig{
		MaxWorkers:    2,
		PollInterval:  5 * time.Millisecond,
		InterMintWait: time.Millisecond,
		Queue:         q,
		Analyzer:      analyzer,
		Bus:           bus,
	})
	p.Start()
	t.Cleanup(p.Shutdown)
	return p, q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestProcessorSingleAnalysis(t *testing.T) {
	bus := events.NewBus()
	var completedMu sync.Mutex
	var completed []string
	bus.Subscribe(events.TopicJobCompleted, func(ev any) {
		completedMu.Lock()
		completed = append(completed, ev.(string))
		completedMu.Unlock()
	})

	fa := &fakeAnalyzer{}
	_, q := newTestProcessor(t, fa, bus)

	job := q.Add(TypeSingleAnalysis, AnalysisData{Mint: "mint-1"}, Options{})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == 1 })

	if fa.callCount() != 1 {
		t.Fatalf("analyzer calls = %d, want 1", fa.callCount())
	}
	req := fa.call(0)
	if req.Mint != "mint-1" || !req.SaveSnapshot {
		t.Errorf("request = %+v", req)
	}
	completedMu.Lock()
	defer completedMu.Unlock()
	if len(completed) != 1 || completed[0] != job.ID {
		t.Errorf("completed events = %v", completed)
	}
}

func TestProcessorRetriesToCompletion(t *testing.T) {
	fa := &fakeAnalyzer{failures: 2}
	_, q := newTestProcessor(t, fa, nil)

	q.Add(TypeSingleAnalysis, AnalysisData{Mint: "flaky"}, Options{MaxAttempts: 3})

	// Two backoffs of 1s and 2s precede the successful third attempt.
	waitFor(t, 10*time.Second, func() bool { return q.Stats().Completed == 1 })
	if fa.callCount() != 3 {
		t.Fatalf("analyzer calls = %d, want 3", fa.callCount())
	}
	if q.Stats().Failed != 0 {
		t.Error("job recorded as failed despite eventual success")
	}
}

func TestProcessorTerminalFailureEvent(t *testing.T) {
	bus := events.NewBus()
	var failedMu sync.Mutex
	failedCount := 0
	bus.Subscribe(events.TopicJobFailed, func(any) {
		failedMu.Lock()
		failedCount++
		failedMu.Unlock()
	})

	fa := &fakeAnalyzer{failures: 100}
	_, q := newTestProcessor(t, fa, bus)

	q.Add(TypeSingleAnalysis, AnalysisData{Mint: "doomed"}, Options{MaxAttempts: 2})
	waitFor(t, 10*time.Second, func() bool { return q.Stats().Failed == 1 })

	failedMu.Lock()
	defer failedMu.Unlock()
	if failedCount != 1 {
		t.Errorf("failed events = %d, want 1", failedCount)
	}
}

func TestProcessorBatchProgress(t *testing.T) {
	bus := events.NewBus()
	var progressMu sync.Mutex
	var progress []Progress
	bus.Subscribe(events.TopicJobProgress, func(ev any) {
		progressMu.Lock()
		progress = append(progress, ev.(Progress))
		progressMu.Unlock()
	})

	fa := &fakeAnalyzer{}
	_, q := newTestProcessor(t, fa, bus)

	q.Add(TypeBatchAnalysis, AnalysisData{Mints: []string{"a", "b", "c"}}, Options{})
	waitFor(t, 5*time.Second, func() bool { return q.Stats().Completed == 1 })

	if fa.callCount() != 3 {
		t.Fatalf("analyzer calls = %d, want 3", fa.callCount())
	}
	progressMu.Lock()
	defer progressMu.Unlock()
	if len(progress) != 3 {
		t.Fatalf("progress events = %d, want 3", len(progress))
	}
	last := progress[2]
	if last.Done != 3 || last.Total != 3 || last.Mint != "c" {
		t.Errorf("last progress = %+v", last)
	}
}

func TestProcessorRecurringSignificance(t *testing.T) {
	bus := events.NewBus()
	var sigMu sync.Mutex
	var changes []SignificantChange
	bus.Subscribe(events.TopicSignificant, func(ev any) {
		sigMu.Lock()
		changes = append(changes, ev.(SignificantChange))
		sigMu.Unlock()
	})

	fa := &fakeAnalyzer{snaps: map[string][]model.HolderSnapshot{
		"m": {
			{Mint: "m", TotalHolders: 100, Score: 50, Top10Pct: 30},
			{Mint: "m", TotalHolders: 110, Score: 75, Top10Pct: 32},
		},
	}}
	_, q := newTestProcessor(t, fa, bus)

	// Baseline run, then a recurring run with a score jump of 25.
	q.Add(TypeSingleAnalysis, AnalysisData{Mint: "m"}, Options{})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == 1 })

	q.Add(TypeRecurringAnalysis, AnalysisData{Mint: "m"}, Options{})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == 2 })

	sigMu.Lock()
	defer sigMu.Unlock()
	if len(changes) != 1 {
		t.Fatalf("significant changes = %d, want 1", len(changes))
	}
	if changes[0].ScoreDelta != 25 {
		t.Errorf("score delta = %v, want 25", changes[0].ScoreDelta)
	}

	// The recurring run forces a refresh.
	req := fa.call(1)
	if !req.ForceRefresh {
		t.Error("recurring analysis did not force refresh")
	}
}

func TestProcessorTrendSkipsHeavyWork(t *testing.T) {
	fa := &fakeAnalyzer{}
	_, q := newTestProcessor(t, fa, nil)

	q.Add(TypeTrendUpdate, AnalysisData{Mint: "m"}, Options{})
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Completed == 1 })

	req := fa.call(0)
	if !req.SkipClassification || req.SaveSnapshot {
		t.Errorf("trend request = %+v, want skip classification and no snapshot", req)
	}
}

func TestProcessorWorkerStats(t *testing.T) {
	fa := &fakeAnalyzer{}
	p, q := newTestProcessor(t, fa, nil)

	for i := 0; i < 5; i++ {
		q.Add(TypeSingleAnalysis, AnalysisData{Mint: "m"}, Options{})
	}
	waitFor(t, 5*time.Second, func() bool { return q.Stats().Completed == 5 })

	total := int64(0)
	for _, ws := range p.WorkerStats() {
		if ws.Status != "idle" && ws.Status != "busy" {
			t.Errorf("worker status = %s", ws.Status)
		}
		total += ws.JobsProcessed
	}
	if total != 5 {
		t.Errorf("jobs processed across workers = %d, want 5", total)
	}
}
