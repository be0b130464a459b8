// Package api exposes HTTP handlers for activities and live tracking.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"example.com/fittrack/internal/auth"
	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/persistence"
	"example.com/fittrack/internal/stream"
)

const maxBodyBytes = 1 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service  *domain.Service
	tracking *domain.TrackingManager
	hub      *stream.Hub
	origins  []string
	logger   *log.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithHub enables the live stream endpoints.
func WithHub(hub *stream.Hub) Option {
	return func(h *Handler) {
		h.hub = hub
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins. Empty allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		h.origins = origins
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...Option) *Handler {
	h := &Handler{
		service:  service,
		tracking: service.Tracking(),
		logger:   log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/activities", h.activities)
	mux.HandleFunc("/v1/activities/", h.activityByID)
	mux.HandleFunc("/v1/tracking/start", h.startTracking)
	mux.HandleFunc("/v1/tracking/update", h.updateTracking)
	mux.HandleFunc("/v1/tracking/stop", h.stopTracking)
	mux.HandleFunc("/v1/tracking/active", h.activeTracking)
	mux.HandleFunc("/v1/tracking/stream", h.trackingStream)
	mux.HandleFunc("/v1/tracking/ws", h.trackingSocket)
	mux.HandleFunc("/v1/me", h.me)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) activities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createActivity(w, r)
	case http.MethodGet:
		h.listActivities(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) activityByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/activities/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		h.deleteActivity(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (h *Handler) createActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req CreateActivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeDomainError(w, err)
		return
	}

	activity, err := h.service.CreateActivity(r.Context(), claims.Subject, domain.CreateActivityInput{
		Name:        req.Name,
		DistanceM:   *req.Distance,
		DurationSec: *req.Duration,
		StartedAt:   req.StartedAt.Time,
		Notes:       req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityView(*activity))
}

func (h *Handler) listActivities(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	limit := persistence.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	list, err := h.service.ListActivities(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := ListActivitiesResponse{
		Activities: make([]ActivityView, 0, len(list.Items)),
		NextCursor: persistence.EncodeCursor(list.Next),
	}
	for _, a := range list.Items {
		resp.Activities = append(resp.Activities, toActivityView(a))
	}
	if list.Active != nil {
		view := toActiveView(*list.Active)
		resp.ActiveTracking = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteActivity(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}
	if err := h.service.DeleteActivity(r.Context(), claims.Subject, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Activity deleted successfully"})
}

func (h *Handler) startTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req StartTrackingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	activity, err := h.tracking.Start(r.Context(), claims.Subject, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActivityView(*activity))
}

func (h *Handler) updateTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req UpdateTrackingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Distance == nil {
		writeDomainError(w, &domain.ValidationError{Field: "distance", Message: "distance is required"})
		return
	}

	activity, err := h.tracking.UpdateDistance(r.Context(), claims.Subject, *req.Distance)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

func (h *Handler) stopTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req StopTrackingRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	activity, err := h.tracking.Stop(r.Context(), claims.Subject, domain.StopInput{DistanceKm: req.Distance, Notes: req.Notes})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(*activity))
}

func (h *Handler) activeTracking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	session, err := h.tracking.Active(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			writeError(w, http.StatusNotFound, "no_active_session", "No active tracking")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActiveView(*session))
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		UserID:    claims.Subject,
		Scopes:    claims.ScopeList(),
		ExpiresAt: claims.ExpiresAt,
	})
}

// requireScope resolves the caller and checks scope. activities:write implies activities:read.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if claims.HasScope(scope) {
		return claims, true
	}
	if scope == auth.ScopeActivitiesRead && claims.HasScope(auth.ScopeActivitiesWrite) {
		return claims, true
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
	return nil, false
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, false)
}

// decodeOptionalBody treats an empty body as a request with every field omitted.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decode(w, r, dst, true)
}

func decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		if allowEmpty {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is empty")
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body: "+err.Error())
	}
	return false
}
