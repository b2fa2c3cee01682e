package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/model"
	"github.com/curvescan/curvescan/internal/state"
)

// HandleListTokens returns a handler for GET /api/v1/tokens.
// Supports limit/offset pagination and an optional graduated=true|false filter.
func HandleListTokens(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		graduated, err := ParseBoolQuery(r, "graduated")
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}

		tokens, err := repo.ListTokens(maxPageLimit)
		if err != nil {
			log.Printf("[api] list tokens: %v", err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list tokens")
			return
		}
		if graduated != nil {
			filtered := tokens[:0]
			for _, tok := range tokens {
				if tok.GraduatedToPool == *graduated {
					filtered = append(filtered, tok)
				}
			}
			tokens = filtered
		}
		WritePage(w, http.StatusOK, tokens, p)
	}
}

// HandleGetToken returns a handler for GET /api/v1/tokens/{mint}.
func HandleGetToken(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mint := PathParam(r, "mint")
		tok, err := repo.GetToken(mint)
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "token not found")
			return
		}
		if err != nil {
			log.Printf("[api] get token %s: %v", mint, err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load token")
			return
		}
		WriteJSON(w, http.StatusOK, tok)
	}
}

// HandleTokenTrades returns a handler for GET /api/v1/tokens/{mint}/trades.
// Trades come back newest first.
func HandleTokenTrades(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		mint := PathParam(r, "mint")
		trades, err := repo.TradesForMint(mint, maxPageLimit)
		if err != nil {
			log.Printf("[api] trades for %s: %v", mint, err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load trades")
			return
		}
		WritePage(w, http.StatusOK, trades, p)
	}
}

// HandleTokenSnapshots returns a handler for GET /api/v1/tokens/{mint}/snapshots.
// Snapshots come back newest first.
func HandleTokenSnapshots(snapshots *state.SnapshotRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		mint := PathParam(r, "mint")
		history, err := snapshots.SnapshotHistory(r.Context(), mint, maxPageLimit)
		if err != nil {
			log.Printf("[api] snapshots for %s: %v", mint, err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load snapshots")
			return
		}
		if history == nil {
			history = []model.HolderSnapshot{}
		}
		WritePage(w, http.StatusOK, history, p)
	}
}

type analyzeTokenRequest struct {
	ForceRefresh bool `json:"force_refresh"`
}

// HandleAnalyzeToken returns a handler for
// POST /api/v1/tokens/{mint}/actions/analyze. It enqueues a holder analysis
// for the token; a request for a mint with a live analysis job returns that
// job instead of enqueueing a duplicate.
func HandleAnalyzeToken(queue *jobs.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mint := PathParam(r, "mint")

		var req analyzeTokenRequest
		if r.ContentLength != 0 {
			if err := DecodeBody(r, &req); err != nil {
				WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
				return
			}
		}

		job := queue.Add(jobs.TypeSingleAnalysis,
			jobs.AnalysisData{Mint: mint, ForceRefresh: req.ForceRefresh},
			jobs.Options{Priority: jobs.PriorityHigh, DedupKey: "api:" + mint})
		WriteJSON(w, http.StatusAccepted, job)
	}
}
