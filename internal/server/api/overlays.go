// Package api provides HTTP API handlers for the try-on service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ayusman/tryon/internal/logging"
	"github.com/ayusman/tryon/internal/pose"
	"github.com/ayusman/tryon/internal/recommend"
	"github.com/ayusman/tryon/internal/scene"
	"github.com/ayusman/tryon/internal/store"
)

// MaxUploadBytes bounds multipart overlay uploads.
const MaxUploadBytes = scene.DefaultMaxTextureBytes

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Refresher reapplies an overlay when it is the selected one.
type Refresher interface {
	Refresh(ctx context.Context, o *store.Overlay) (bool, error)
}

// Recommender ranks overlays that look like a given one.
type Recommender interface {
	Similar(ctx context.Context, id string, limit int) ([]recommend.Match, error)
}

// OverlayHandler handles HTTP requests for overlay resources.
type OverlayHandler struct {
	store       *store.Store
	refresher   Refresher
	recommender Recommender
	uploadDir   string
	logger      *slog.Logger
}

// NewOverlayHandler creates a new OverlayHandler. Uploaded images are written
// to uploadDir; an empty uploadDir disables uploads. refresher may be nil.
func NewOverlayHandler(s *store.Store, refresher Refresher, uploadDir string, logger *slog.Logger) *OverlayHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &OverlayHandler{
		store:     s,
		refresher: refresher,
		uploadDir: uploadDir,
		logger:    logger.With("component", "api"),
	}
}

// WithRecommender enables GET /api/overlays/{id}/similar.
func (h *OverlayHandler) WithRecommender(rec Recommender) *OverlayHandler {
	h.recommender = rec
	return h
}

// ServeHTTP implements the http.Handler interface and routes requests to appropriate methods.
func (h *OverlayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Expected paths: /api/overlays, /api/overlays/upload, /api/overlays/{id}
	// or /api/overlays/{id}/similar
	path := strings.TrimPrefix(r.URL.Path, "/api/overlays")
	path = strings.TrimPrefix(path, "/")

	switch path {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	case "upload":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.upload(w, r)
		return
	}

	if id, ok := strings.CutSuffix(path, "/similar"); ok {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.similar(w, r, id)
		return
	}

	id := path
	switch r.Method {
	case http.MethodGet:
		h.get(w, r, id)
	case http.MethodPut:
		h.update(w, r, id)
	case http.MethodDelete:
		h.delete(w, r, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Request and response types

type calibrationRequest struct {
	ReferenceEyeDistance *float64 `json:"ref_eye_distance" validate:"omitnil,gt=0"`
	ScaleX               *float64 `json:"scale_x"`
	ScaleY               *float64 `json:"scale_y"`
	OffsetX              *float64 `json:"offset_x"`
	OffsetY              *float64 `json:"offset_y"`
	Depth                *float64 `json:"depth"`
}

// apply overlays the provided fields on cal.
func (c calibrationRequest) apply(cal pose.Calibration) pose.Calibration {
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cal.ReferenceEyeDistance, c.ReferenceEyeDistance)
	set(&cal.ScaleX, c.ScaleX)
	set(&cal.ScaleY, c.ScaleY)
	set(&cal.OffsetX, c.OffsetX)
	set(&cal.OffsetY, c.OffsetY)
	set(&cal.Depth, c.Depth)
	return cal
}

type createOverlayRequest struct {
	Name   string `json:"name" validate:"required,max=128"`
	Source string `json:"source" validate:"required"`
	calibrationRequest
}

type updateOverlayRequest struct {
	Name   string `json:"name" validate:"omitempty,max=128"`
	Source string `json:"source"`
	calibrationRequest
}

type overlayResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Source      string           `json:"source"`
	Origin      string           `json:"origin"`
	Calibration pose.Calibration `json:"calibration"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

type listOverlaysResponse struct {
	Overlays []overlayResponse `json:"overlays"`
}

type similarOverlay struct {
	overlayResponse
	Score float64 `json:"score"`
}

type similarOverlaysResponse struct {
	Overlays []similarOverlay `json:"overlays"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// toResponse converts a store.Overlay to an overlayResponse.
func toResponse(o *store.Overlay) overlayResponse {
	return overlayResponse{
		ID:          o.ID,
		Name:        o.Name,
		Source:      o.Source,
		Origin:      string(o.Origin),
		Calibration: o.Calibration(),
		CreatedAt:   o.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:   o.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decode reads a JSON body into dst and validates it. It returns the client
// facing message on failure and an empty string on success.
func decode(r *http.Request, dst any) string {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return "Invalid JSON"
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Sprintf("Invalid field %s", verrs[0].Field())
		}
		return "Invalid request"
	}
	return ""
}

// list handles GET /api/overlays and returns all overlays.
func (h *OverlayHandler) list(w http.ResponseWriter, r *http.Request) {
	overlays, err := h.store.Overlays().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list overlays")
		return
	}

	response := listOverlaysResponse{
		Overlays: make([]overlayResponse, 0, len(overlays)),
	}
	for _, o := range overlays {
		response.Overlays = append(response.Overlays, toResponse(o))
	}

	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/overlays/{id} and returns a single overlay.
func (h *OverlayHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	o, err := h.store.Overlays().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Overlay not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get overlay")
		return
	}

	writeJSON(w, http.StatusOK, toResponse(o))
}

// similar handles GET /api/overlays/{id}/similar?limit=N and ranks the other
// overlays by colour similarity.
func (h *OverlayHandler) similar(w http.ResponseWriter, r *http.Request, id string) {
	if h.recommender == nil {
		writeError(w, http.StatusNotFound, "Recommendations disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	matches, err := h.recommender.Similar(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Overlay not found")
			return
		}
		h.logger.Warn("similar overlays failed", "id", id, "error", err)
		writeError(w, http.StatusUnprocessableEntity, "Failed to rank overlays")
		return
	}

	response := similarOverlaysResponse{Overlays: make([]similarOverlay, 0, len(matches))}
	for _, m := range matches {
		response.Overlays = append(response.Overlays, similarOverlay{overlayResponse: toResponse(m.Overlay), Score: m.Score})
	}
	writeJSON(w, http.StatusOK, response)
}

// create handles POST /api/overlays and registers an overlay by file path or URL.
func (h *OverlayHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createOverlayRequest
	if msg := decode(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	src := scene.ParseSource(req.Source)
	if src.Kind == scene.SourceFile && !scene.IsImageFile(req.Source) {
		writeError(w, http.StatusBadRequest, "Unsupported image type")
		return
	}

	o := &store.Overlay{
		ID:     uuid.New().String(),
		Name:   req.Name,
		Source: req.Source,
		Origin: store.OriginManual,
	}
	o.SetCalibration(req.calibrationRequest.apply(pose.DefaultCalibration()))

	if err := h.store.Overlays().Create(o); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Overlay source already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create overlay")
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(o))
}

// upload handles POST /api/overlays/upload with a multipart "image" file and
// an optional "name" field.
func (h *OverlayHandler) upload(w http.ResponseWriter, r *http.Request) {
	if h.uploadDir == "" {
		writeError(w, http.StatusNotImplemented, "Uploads are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Image file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read image")
		return
	}
	if len(data) > MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}

	// Decode before storing so broken images never enter the catalog.
	_, format, err := scene.DecodeTexture(bytes.NewReader(data))
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "Unsupported or corrupt image")
		return
	}

	id := uuid.New().String()
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store image")
		return
	}
	path := filepath.Join(h.uploadDir, id+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store image")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}

	o := &store.Overlay{
		ID:     id,
		Name:   name,
		Source: path,
		Origin: store.OriginUpload,
	}
	if err := h.store.Overlays().Create(o); err != nil {
		os.Remove(path)
		writeError(w, http.StatusInternalServerError, "Failed to create overlay")
		return
	}

	h.logger.Info("overlay uploaded", "id", o.ID, "name", o.Name, "format", format, "bytes", len(data))
	writeJSON(w, http.StatusCreated, toResponse(o))
}

// update handles PUT /api/overlays/{id}. Changing the selected overlay
// reapplies it to the running session.
func (h *OverlayHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	o, err := h.store.Overlays().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Overlay not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get overlay")
		return
	}

	var req updateOverlayRequest
	if msg := decode(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if req.Name != "" {
		o.Name = req.Name
	}
	if req.Source != "" {
		if o.Origin != store.OriginManual {
			writeError(w, http.StatusBadRequest, "Source of catalog and uploaded overlays is fixed")
			return
		}
		o.Source = req.Source
	}
	o.SetCalibration(req.calibrationRequest.apply(o.Calibration()))

	if err := h.store.Overlays().Update(o); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Overlay source already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update overlay")
		return
	}

	if h.refresher != nil {
		if _, err := h.refresher.Refresh(r.Context(), o); err != nil {
			h.logger.Warn("failed to reapply overlay", "id", o.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, toResponse(o))
}

// delete handles DELETE /api/overlays/{id}. Uploaded files are removed with
// their entry.
func (h *OverlayHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	o, err := h.store.Overlays().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Overlay not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get overlay")
		return
	}

	if err := h.store.Overlays().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Overlay not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete overlay")
		return
	}

	if o.Origin == store.OriginUpload {
		if err := os.Remove(o.Source); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove uploaded image", "path", o.Source, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
