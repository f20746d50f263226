package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (create, list, and per-job operations)
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - Scopes (summary, actions, history, registration)
	mux.HandleFunc("/api/scopes/", s.handleScopeRoutes)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler) // Graceful shutdown endpoint (dev mode)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	case "POST":
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} requests and subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /api/jobs/{id}/cancel
	if r.Method == "POST" && strings.HasSuffix(path, "/cancel") {
		s.app.JobHandler.CancelJobHandler(w, r)
		return
	}

	if r.Method == "GET" && len(path) > len("/api/jobs/") {
		// GET /api/jobs/{id}/progress
		if strings.HasSuffix(path, "/progress") {
			s.app.JobHandler.GetProgressHandler(w, r)
			return
		}
		// Otherwise it's /api/jobs/{id}
		s.app.JobHandler.GetJobHandler(w, r)
		return
	}

	// DELETE /api/jobs/{id}
	if r.Method == "DELETE" && len(path) > len("/api/jobs/") {
		s.app.JobHandler.DeleteJobHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleScopeRoutes routes /api/scopes/{key}/... requests by path suffix
func (s *Server) handleScopeRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/summary"):
		s.app.ScopeHandler.SummaryHandler(w, r)
	case strings.HasSuffix(path, "/actions"):
		s.app.ScopeHandler.ActionsHandler(w, r)
	case strings.HasSuffix(path, "/history"):
		s.app.ScopeHandler.HistoryHandler(w, r)
	// "/unregister" must be checked before "/register" since the latter is
	// a suffix of the former.
	case strings.HasSuffix(path, "/unregister"):
		s.app.ScopeHandler.UnregisterHandler(w, r)
	case strings.HasSuffix(path, "/register"):
		s.app.ScopeHandler.RegisterHandler(w, r)
	case strings.HasSuffix(path, "/models"):
		s.app.ScopeHandler.ModelsHandler(w, r)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// ShutdownHandler triggers a graceful shutdown via the API. Only enabled
// outside production.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.app.Config.IsProduction() {
		http.Error(w, "Shutdown endpoint disabled in production", http.StatusForbidden)
		return
	}

	s.app.Logger.Info().Msg("Shutdown requested via API")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"shutting down"}`))

	s.app.RequestShutdown()
}
