package api

import (
	"net/http"

	"github.com/curvescan/curvescan/internal/service"
)

// HandleStatus returns the aggregated runtime status.
func HandleStatus(status *service.StatusService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, status.Snapshot())
	}
}
