package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/curvescan/curvescan/internal/jobs"
	"github.com/curvescan/curvescan/internal/service"
	"github.com/curvescan/curvescan/internal/state"
)

// Server wraps the HTTP server and mux for the curvescan API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new API server wired with all routes.
func NewServer(
	port int,
	adminToken string,
	apiMaxBodyBytes int64,
	status *service.StatusService,
	repo *state.Repo,
	snapshots *state.SnapshotRepo,
	queue *jobs.Queue,
) *Server {
	return NewServerWithAddress("", port, adminToken, apiMaxBodyBytes, status, repo, snapshots, queue)
}

// NewServerWithAddress creates a new API server with an explicit listen address.
func NewServerWithAddress(
	listenAddress string,
	port int,
	adminToken string,
	apiMaxBodyBytes int64,
	status *service.StatusService,
	repo *state.Repo,
	snapshots *state.SnapshotRepo,
	queue *jobs.Queue,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/status", HandleStatus(status))

	authed.Handle("GET /api/v1/tokens", HandleListTokens(repo))
	authed.Handle("GET /api/v1/tokens/{mint}", HandleGetToken(repo))
	authed.Handle("GET /api/v1/tokens/{mint}/trades", HandleTokenTrades(repo))
	authed.Handle("GET /api/v1/tokens/{mint}/snapshots", HandleTokenSnapshots(snapshots))
	authed.Handle("POST /api/v1/tokens/{mint}/actions/analyze", HandleAnalyzeToken(queue))

	authed.Handle("GET /api/v1/chain/gaps", HandleListGaps(repo))
	authed.Handle("GET /api/v1/chain/slots/{slot}", HandleGetSlot(repo))

	authed.Handle("GET /api/v1/jobs", HandleListJobs(queue))
	authed.Handle("GET /api/v1/jobs/stats", HandleJobStats(queue))
	authed.Handle("GET /api/v1/jobs/{id}", HandleGetJob(queue))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
