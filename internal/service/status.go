package service

import (
	"log"
	"time"

	"github.com/curvescan/curvescan/internal/chain"
	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/state"
	"github.com/curvescan/curvescan/internal/stream"
)

// Status is the aggregated runtime view served by the status API.
type Status struct {
	StartedAt   string                   `json:"started_at"`
	UptimeSec   float64                  `json:"uptime_sec"`
	Connections []stream.ConnectionStats `json:"connections"`
	Chain       chain.Stats              `json:"chain"`
	Jobs        jobs.Stats               `json:"jobs"`
	Tokens      int                      `json:"tokens"`
	Trades      int64                    `json:"trades"`
}

// StatusService assembles the runtime status from the live components.
type StatusService struct {
	pool      *stream.ConnectionPool
	tracker   *chain.Tracker
	queue     *jobs.Queue
	tokens    *TokenCache
	repo      *state.Repo
	startedAt time.Time
}

// NewStatusService wires the status aggregator.
func NewStatusService(pool *stream.ConnectionPool, tracker *chain.Tracker, queue *jobs.Queue, tokens *TokenCache, repo *state.Repo) *StatusService {
	return &StatusService{
		pool:      pool,
		tracker:   tracker,
		queue:     queue,
		tokens:    tokens,
		repo:      repo,
		startedAt: time.Now(),
	}
}

// Snapshot builds a point-in-time status.
func (s *StatusService) Snapshot() Status {
	st := Status{
		StartedAt: s.startedAt.UTC().Format(time.RFC3339),
		UptimeSec: time.Since(s.startedAt).Seconds(),
	}
	if s.pool != nil {
		st.Connections = s.pool.Stats()
	}
	if s.tracker != nil {
		st.Chain = s.tracker.Stats()
	}
	if s.queue != nil {
		st.Jobs = s.queue.Stats()
	}
	if s.tokens != nil {
		st.Tokens = s.tokens.Len()
	}
	if s.repo != nil {
		n, err := s.repo.TradeCount()
		if err != nil {
			log.Printf("[status] trade count: %v", err)
		}
		st.Trades = n
	}
	return st
}
