package service

import (
	"log"
	"sync"
	"time"

	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/state"
)

const jobSaveInterval = 30 * time.Second

// JobPersistence snapshots the live job set to the database so queued work
// survives restarts.
type JobPersistence struct {
	queue *jobs.Queue
	repo  *state.JobRepo

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewJobPersistence creates the persistence bridge.
func NewJobPersistence(queue *jobs.Queue, repo *state.JobRepo) *JobPersistence {
	return &JobPersistence{queue: queue, repo: repo, stopCh: make(chan struct{})}
}

// Restore loads persisted jobs back into the queue. Jobs that were active at
// shutdown re-enter as waiting.
func (p *JobPersistence) Restore() (int, error) {
	records, err := p.repo.LoadJobs()
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		p.queue.Restore(rec)
	}
	if len(records) > 0 {
		log.Printf("[jobs] restored %d persisted jobs", len(records))
	}
	return len(records), nil
}

// Start launches the periodic save loop.
func (p *JobPersistence) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(jobSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				p.save() // final snapshot
				return
			case <-ticker.C:
				p.save()
			}
		}
	}()
}

// Stop takes a final snapshot and terminates the loop.
func (p *JobPersistence) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *JobPersistence) save() {
	if err := p.repo.SaveJobs(p.queue.Records()); err != nil {
		log.Printf("[jobs] persist queue: %v", err)
	}
}
