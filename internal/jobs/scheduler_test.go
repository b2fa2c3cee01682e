package jobs

import (
	"context"
	"testing"
	"time"
)

func TestSchedulerRegisterValidation(t *testing.T) {
	s := NewScheduler(NewQueue())
	defer s.Stop()

	if err := s.Register(Schedule{ID: ""}); err == nil {
		t.Error("empty id accepted")
	}
	if err := s.Register(Schedule{ID: "x"}); err == nil {
		t.Error("schedule without Every or Cron accepted")
	}
	if err := s.Register(Schedule{ID: "x", Every: time.Minute, Cron: "* * * * *"}); err == nil {
		t.Error("schedule with both Every and Cron accepted")
	}
	if err := s.Register(Schedule{ID: "x", Cron: "not a cron"}); err == nil {
		t.Error("invalid cron accepted")
	}
	if err := s.Register(Schedule{ID: "x", Every: time.Minute}); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
	if err := s.Register(Schedule{ID: "x", Every: time.Minute}); err == nil {
		t.Error("duplicate id accepted")
	}
	if err := s.Register(Schedule{ID: "y", Cron: "*/5 * * * *"}); err != nil {
		t.Errorf("valid cron rejected: %v", err)
	}
}

func TestSchedulerTickEnqueues(t *testing.T) {
	q := NewQueue()
	s := NewScheduler(q)
	defer s.Stop()

	err := s.Register(Schedule{
		ID:      "refresh",
		Every:   20 * time.Millisecond,
		Type:    TypeRecurringAnalysis,
		Data:    AnalysisData{Mint: "m"},
		Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return q.Len() >= 1 })

	job := q.Next()
	if job == nil || job.Type != TypeRecurringAnalysis || job.Data.Mint != "m" {
		t.Fatalf("job = %+v", job)
	}
	// Default dedup key is schedule id + mint: repeat ticks do not pile up.
	if job.DedupKey != "refresh:m" {
		t.Errorf("dedup key = %s, want refresh:m", job.DedupKey)
	}

	if last, ok := s.LastRun("refresh"); !ok || last.IsZero() {
		t.Error("lastRun not updated on tick")
	}
}

func TestSchedulerDisabledDoesNotTick(t *testing.T) {
	q := NewQueue()
	s := NewScheduler(q)
	defer s.Stop()

	if err := s.Register(Schedule{
		ID:      "off",
		Every:   10 * time.Millisecond,
		Type:    TypeTrendUpdate,
		Enabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()

	time.Sleep(60 * time.Millisecond)
	if q.Len() != 0 {
		t.Fatalf("disabled schedule enqueued %d jobs", q.Len())
	}
}

func TestSchedulerCustomRunner(t *testing.T) {
	q := NewQueue()
	s := NewScheduler(q)
	defer s.Stop()

	err := s.Register(Schedule{
		ID:      "dynamic",
		Every:   20 * time.Millisecond,
		Type:    TypeTrendUpdate,
		Enabled: true,
		Runner: func(context.Context) []AnalysisData {
			return []AnalysisData{{Mint: "a"}, {Mint: "b"}}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return q.Len() >= 2 })

	seen := map[string]bool{}
	for {
		job := q.Next()
		if job == nil {
			break
		}
		seen[job.Data.Mint] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("runner mints = %v, want a and b", seen)
	}
}
