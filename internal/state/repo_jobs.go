package state

import (
	"database/sql"
	"fmt"

	"github.com/curvescan/curvescan/internal/model"
)

// JobRepo persists the live job set so queued work survives restarts.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo creates a JobRepo for the given database connection.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// SaveJobs replaces the stored job set with the given records in one
// transaction. Called periodically and on shutdown with the queue's live jobs.
func (r *JobRepo) SaveJobs(records []model.JobRecord) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin jobs tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM jobs"); err != nil {
		return fmt.Errorf("clear jobs: %w", err)
	}

	err = bulkExecTx(tx, `INSERT INTO jobs (id, type, data_json, priority, state, attempts,
			max_attempts, dedup_key, created_at_ns, delay_until_ns, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		len(records), func(stmt *sql.Stmt, i int) error {
			j := records[i]
			_, err := stmt.Exec(j.ID, j.Type, j.DataJSON, j.Priority, j.State, j.Attempts,
				j.MaxAttempts, j.DedupKey, j.CreatedAtNs, j.DelayUntil, j.LastError)
			return err
		})
	if err != nil {
		return fmt.Errorf("insert jobs: %w", err)
	}
	return tx.Commit()
}

// LoadJobs reads all persisted job records, oldest first.
func (r *JobRepo) LoadJobs() ([]model.JobRecord, error) {
	rows, err := r.db.Query(`SELECT id, type, data_json, priority, state, attempts,
		max_attempts, dedup_key, created_at_ns, delay_until_ns, last_error
		FROM jobs ORDER BY created_at_ns ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.JobRecord
	for rows.Next() {
		var j model.JobRecord
		if err := rows.Scan(&j.ID, &j.Type, &j.DataJSON, &j.Priority, &j.State, &j.Attempts,
			&j.MaxAttempts, &j.DedupKey, &j.CreatedAtNs, &j.DelayUntil, &j.LastError); err != nil {
			return nil, err
		}
		result = append(result, j)
	}
	return result, rows.Err()
}
