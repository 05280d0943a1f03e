// Package ingest exposes the engine's control surface: the stream-key
// guarded live endpoints plus the ambient health and metrics routes.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/session"
)

const defaultSegmentWait = 10 * time.Second

// Controller routes ingest and ops requests to the session manager.
type Controller struct {
	manager *session.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewController builds the ingest controller. Metrics may be nil.
func NewController(manager *session.Manager, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		manager: manager,
		metrics: m,
		logger:  logging.WithComponent(logger, "ingest"),
	}
}

// Routes assembles the chi router for the engine.
func (c *Controller) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", c.handleHealth)
	if c.metrics != nil {
		r.Method(http.MethodGet, "/metrics", c.metrics.Handler(nil))
	}

	r.Post("/videos", c.handleCreateVideo)
	r.Delete("/videos/{videoID}", c.handleDeleteVideo)
	r.Get("/videos/{videoID}/renditions/{rendition}/segments/{seq}", c.handleWaitSegment)

	r.Post("/live/{streamKey}", c.handleIngestStart)
	r.Delete("/live/{streamKey}", c.handleIngestStop)
	return r
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createVideoRequest struct {
	Name       string `json:"name"`
	Permanent  bool   `json:"permanent"`
	SaveReplay bool   `json:"saveReplay"`
}

type createVideoResponse struct {
	ID        string `json:"id"`
	StreamKey string `json:"streamKey"`
}

func (c *Controller) handleCreateVideo(w http.ResponseWriter, r *http.Request) {
	var req createVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	video, key, err := c.manager.CreateVideo(r.Context(), req.Name, session.KindOf(req.Permanent, req.SaveReplay))
	if err != nil {
		c.logger.Warn("video creation failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createVideoResponse{ID: video.ID, StreamKey: key})
}

func (c *Controller) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	if err := c.manager.Delete(r.Context(), videoID); err != nil {
		c.logger.Error("video delete failed", "video_id", videoID, "error", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ingestStartRequest struct {
	Input string `json:"input"`
}

type ingestStartResponse struct {
	VideoID string `json:"videoId"`
	State   string `json:"state"`
}

func (c *Controller) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	var req ingestStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	sess, err := c.manager.AcceptIngest(r.Context(), streamKey, req.Input)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyLive):
			writeError(w, http.StatusConflict, "video is already live")
		case errors.Is(err, session.ErrRejected):
			writeError(w, http.StatusForbidden, "ingest rejected")
		default:
			c.logger.Error("ingest failed", "error", err)
			writeError(w, http.StatusInternalServerError, "ingest failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, ingestStartResponse{VideoID: sess.ID, State: string(sess.State())})
}

func (c *Controller) handleIngestStop(w http.ResponseWriter, r *http.Request) {
	streamKey := chi.URLParam(r, "streamKey")
	video, err := c.manager.VideoByStreamKey(r.Context(), streamKey)
	if err != nil {
		if errors.Is(err, session.ErrRejected) {
			writeError(w, http.StatusForbidden, "unknown stream key")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	c.manager.Disconnect(video.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleWaitSegment blocks until the requested segment is published or the
// wait times out. Consumers poll this to synchronize on "segment N exists".
func (c *Controller) handleWaitSegment(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	rendition, err := strconv.Atoi(chi.URLParam(r, "rendition"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rendition index")
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence number")
		return
	}
	wait := defaultSegmentWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		wait = parsed
	}

	sess, ok := c.manager.Session(videoID)
	if !ok {
		writeError(w, http.StatusNotFound, "no live session for video")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	if err := sess.WaitForSegment(ctx, rendition, seq); err != nil {
		writeError(w, http.StatusGatewayTimeout, "segment not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"videoId":   videoID,
		"rendition": rendition,
		"sequence":  seq,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
