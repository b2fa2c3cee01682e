package api

import (
	"net/http"

	"github.com/curvescan/curvescan/internal/jobs"
)

// HandleJobStats returns a handler for GET /api/v1/jobs/stats.
func HandleJobStats(queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, queue.Stats())
	}
}

// HandleListJobs returns a handler for GET /api/v1/jobs.
// Only live jobs (waiting, delayed, active) are listed.
func HandleListJobs(queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		WritePage(w, http.StatusOK, queue.Records(), p)
	}
}

// HandleGetJob returns a handler for GET /api/v1/jobs/{id}.
func HandleGetJob(queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := queue.Get(PathParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
			return
		}
		WriteJSON(w, http.StatusOK, job)
	}
}
