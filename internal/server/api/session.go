package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/session"
	"github.com/ayusman/tryon/internal/store"
)

// Sessions starts, stops and configures the try-on session.
type Sessions interface {
	Start() *session.Session
	Stop()
	Current() (*session.Session, bool)
	SelectOverlay(ctx context.Context, src scene.Source, cal *pose.Calibration) (uint64, error)
}

// OverlaySelector selects catalog overlays by id.
type OverlaySelector interface {
	Select(ctx context.Context, id string) (*store.Overlay, uint64, error)
}

// SessionHandler handles HTTP requests for the try-on session.
type SessionHandler struct {
	sessions Sessions
	selector OverlaySelector
}

// NewSessionHandler creates a new SessionHandler. selector may be nil, in
// which case overlays can only be chosen by source.
func NewSessionHandler(sessions Sessions, selector OverlaySelector) *SessionHandler {
	return &SessionHandler{sessions: sessions, selector: selector}
}

// ServeHTTP routes /api/session, /api/session/overlay and /api/session/viewport.
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/session")
	path = strings.TrimPrefix(path, "/")

	switch path {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.status(w, r)
		case http.MethodPost:
			h.start(w, r)
		case http.MethodDelete:
			h.stop(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "overlay":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.overlay(w, r)
	case "viewport":
		if r.Method != http.MethodPut {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.viewport(w, r)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

type noSessionResponse struct {
	State string `json:"state"`
}

type selectOverlayRequest struct {
	OverlayID string `json:"overlay_id" validate:"required_without=Source"`
	Source    string `json:"source" validate:"excluded_with=OverlayID"`
	calibrationRequest
}

type selectOverlayResponse struct {
	Token   uint64           `json:"token"`
	Applied bool             `json:"applied"`
	Overlay *overlayResponse `json:"overlay,omitempty"`
	Source  string           `json:"source"`
}

type viewportRequest struct {
	Width  int `json:"width" validate:"gt=0,lte=8192"`
	Height int `json:"height" validate:"gt=0,lte=8192"`
}

// status handles GET /api/session.
func (h *SessionHandler) status(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Current()
	if !ok {
		writeJSON(w, http.StatusOK, noSessionResponse{State: "none"})
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

// start handles POST /api/session. Opening continues in the background; the
// response reports the loading state.
func (h *SessionHandler) start(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Start()
	status := http.StatusAccepted
	if s.State() == session.StateActive {
		status = http.StatusOK
	}
	writeJSON(w, status, s.Stats())
}

// stop handles DELETE /api/session.
func (h *SessionHandler) stop(w http.ResponseWriter, r *http.Request) {
	h.sessions.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// overlay handles PUT /api/session/overlay with either a catalog overlay id
// or a direct source.
func (h *SessionHandler) overlay(w http.ResponseWriter, r *http.Request) {
	var req selectOverlayRequest
	if msg := decode(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var resp selectOverlayResponse
	if req.OverlayID != "" {
		if h.selector == nil {
			writeError(w, http.StatusNotImplemented, "Overlay catalog is disabled")
			return
		}
		o, token, err := h.selector.Select(r.Context(), req.OverlayID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Overlay not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to select overlay")
			return
		}
		or := toResponse(o)
		resp = selectOverlayResponse{Token: token, Overlay: &or, Source: o.Source}
	} else {
		cal := req.calibrationRequest.apply(pose.DefaultCalibration())
		src := scene.ParseSource(req.Source)
		token, err := h.sessions.SelectOverlay(r.Context(), src, &cal)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to select overlay")
			return
		}
		resp = selectOverlayResponse{Token: token, Source: req.Source}
	}
	resp.Applied = resp.Token != 0

	writeJSON(w, http.StatusOK, resp)
}

// viewport handles PUT /api/session/viewport.
func (h *SessionHandler) viewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if msg := decode(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	s, ok := h.sessions.Current()
	if !ok {
		writeError(w, http.StatusConflict, "No active session")
		return
	}
	if err := s.Resize(req.Width, req.Height); err != nil {
		if errors.Is(err, session.ErrNotActive) || errors.Is(err, scene.ErrDisposed) {
			writeError(w, http.StatusConflict, "No active session")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
