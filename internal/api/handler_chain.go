package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/curvescan/curvescan/internal/state"
)

// HandleListGaps returns a handler for GET /api/v1/chain/gaps.
// Gaps come back newest first.
func HandleListGaps(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := ParsePagination(r)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		gaps, err := repo.ListGaps(maxPageLimit)
		if err != nil {
			log.Printf("[api] list gaps: %v", err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to list gaps")
			return
		}
		WritePage(w, http.StatusOK, gaps, p)
	}
}

// HandleGetSlot returns a handler for GET /api/v1/chain/slots/{slot}.
func HandleGetSlot(repo *state.Repo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slot, err := strconv.ParseUint(PathParam(r, "slot"), 10, 64)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "slot: must be an unsigned integer")
			return
		}
		rec, err := repo.GetSlotRecord(slot)
		if errors.Is(err, state.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "slot record not found")
			return
		}
		if err != nil {
			log.Printf("[api] get slot %d: %v", slot, err)
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "failed to load slot record")
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}
