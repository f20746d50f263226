// -----------------------------------------------------------------------
// Scope Handler - Summary views, action gating and scope registration
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
	"github.com/openwings/ausculto/internal/tracker"
)

// ScopeHandler serves the per-scope views: the displayed-job summary, the
// legal-action set, paged job history, and scope registration for
// background refresh.
type ScopeHandler struct {
	session *tracker.Session
	api     interfaces.PipelineAPI
	logger  arbor.ILogger
}

// NewScopeHandler creates a new scope handler
func NewScopeHandler(session *tracker.Session, api interfaces.PipelineAPI, logger arbor.ILogger) *ScopeHandler {
	return &ScopeHandler{
		session: session,
		api:     api,
		logger:  logger,
	}
}

// SummaryHandler returns the displayed job for a (kind, scope) pair. The
// displayed job is the pending override when one is registered, otherwise
// the latest job from the cached summary. Pass refresh=true to fetch the
// summary from the backend first.
// GET /api/scopes/{key}/summary?kind=foundation_model_run&refresh=true
func (h *ScopeHandler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, kind, ok := h.scopeAndKind(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if _, err := h.session.RefreshSummary(ctx, kind, scope); err != nil {
			h.logger.Warn().Err(err).
				Str("scope", scope.Key()).
				Str("kind", string(kind)).
				Msg("Summary refresh failed, serving cached view")
		}
	}

	displayed, err := h.session.DisplayedJob(ctx, kind, scope)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope.Key()).Msg("Failed to resolve displayed job")
		WriteError(w, http.StatusInternalServerError, "Failed to resolve displayed job")
		return
	}

	pending := h.session.Pending().Get(kind, scope)

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scope":     scope,
		"kind":      kind,
		"displayed": displayed,
		"pending":   pending != nil,
	})
}

// ActionsHandler returns the legal actions for a scope given its current
// job and model state. Callers use this to enable and disable controls;
// submitting a disabled action still fails the same guard server-side.
// GET /api/scopes/{key}/actions?target_model=mdl_1&labeled_clips=120
func (h *ScopeHandler) ActionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, ok := h.scopeFromPath(w, r)
	if !ok {
		return
	}

	targetModel := r.URL.Query().Get("target_model")
	labeledClips := QueryInt(r, "labeled_clips", 0)

	actions, err := h.session.LegalActions(ctx, scope, targetModel, labeledClips)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope.Key()).Msg("Failed to compute legal actions")
		WriteError(w, http.StatusInternalServerError, "Failed to compute legal actions")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scope":   scope,
		"actions": actions.Names(),
	})
}

// HistoryHandler returns a page of a scope's job history from the backend.
// GET /api/scopes/{key}/history?kind=inference_batch&status=failed&limit=20&offset=0
func (h *ScopeHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, kind, ok := h.scopeAndKind(w, r)
	if !ok {
		return
	}

	filter := &interfaces.HistoryFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  QueryInt(r, "limit", 20),
		Offset: QueryInt(r, "offset", 0),
	}

	page, err := h.api.ListHistory(ctx, kind, scope, filter)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope.Key()).Msg("Failed to fetch history")
		WriteError(w, http.StatusBadGateway, "Failed to fetch history")
		return
	}

	// History is served straight from the backend, so the view is fresh.
	h.session.Invalidator().MarkFresh(models.HistoryKey(kind, scope))

	WriteJSON(w, http.StatusOK, page)
}

// RegisterHandler marks a (kind, scope) for background summary refresh.
// POST /api/scopes/{key}/register?kind=foundation_model_run
func (h *ScopeHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	scope, kind, ok := h.scopeAndKind(w, r)
	if !ok {
		return
	}

	h.session.RegisterScope(kind, scope)
	WriteSuccess(w, "Scope registered for background refresh")
}

// UnregisterHandler removes a (kind, scope) from background refresh.
// POST /api/scopes/{key}/unregister?kind=foundation_model_run
func (h *ScopeHandler) UnregisterHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	scope, kind, ok := h.scopeAndKind(w, r)
	if !ok {
		return
	}

	h.session.UnregisterScope(kind, scope)
	WriteSuccess(w, "Scope unregistered")
}

// ModelsHandler lists the custom models of an ML project scope.
// GET /api/scopes/{key}/models
func (h *ScopeHandler) ModelsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, ok := h.scopeFromPath(w, r)
	if !ok {
		return
	}
	if scope.Kind != models.ScopeKindMLProject {
		WriteError(w, http.StatusBadRequest, "Models are scoped to ml_project")
		return
	}

	modelList, err := h.session.RefreshModels(ctx, scope)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope.Key()).Msg("Failed to list models")
		WriteError(w, http.StatusBadGateway, "Failed to list models")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scope":  scope,
		"models": modelList,
	})
}

func (h *ScopeHandler) scopeFromPath(w http.ResponseWriter, r *http.Request) (models.Scope, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 {
		WriteError(w, http.StatusBadRequest, "Scope key is required")
		return models.Scope{}, false
	}

	scope, err := models.ParseScopeKey(parts[2])
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return models.Scope{}, false
	}
	return scope, true
}

func (h *ScopeHandler) scopeAndKind(w http.ResponseWriter, r *http.Request) (models.Scope, models.JobKind, bool) {
	scope, ok := h.scopeFromPath(w, r)
	if !ok {
		return models.Scope{}, "", false
	}

	kind := models.JobKind(r.URL.Query().Get("kind"))
	if !models.IsValidJobKind(kind) {
		WriteError(w, http.StatusBadRequest, "Query parameter 'kind' must be a valid job kind")
		return models.Scope{}, "", false
	}
	return scope, kind, true
}
