package http

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"playtrack/internal/cache"
	"playtrack/internal/common"
	"playtrack/internal/config"
	"playtrack/internal/job"
	"playtrack/internal/memq"
	"playtrack/internal/storage"
)

const maxMultipartMemory = 32 << 20

type Handlers struct {
	Registry *job.Registry
	Storage  storage.Storage
	Queue    memq.Queue
	Mirror   *cache.StatusMirror
	Config   config.Config

	validate *validator.Validate
}

func NewHandlers(registry *job.Registry, store storage.Storage, q memq.Queue, mirror *cache.StatusMirror, cfg config.Config) *Handlers {
	return &Handlers{
		Registry: registry,
		Storage:  store,
		Queue:    q,
		Mirror:   mirror,
		Config:   cfg,
		validate: validator.New(),
	}
}

func (h *Handlers) Routers(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, time.Minute))
		r.Post("/upload", h.upload)
		r.Post("/results/{jobID}", h.postResults)
	})

	r.Get("/status/{jobID}", h.getStatus)
	r.Get("/players/{jobID}", h.listPlayers)
	r.Get("/analyze/{jobID}/{playerID}", h.analyzePlayer)
	r.Get("/charts/{jobID}/{playerID}.png", h.getChart)
}

// authorized checks the shared API key, either as a bearer token or (for
// parity with existing upload clients) an api_key query parameter.
func (h *Handlers) authorized(r *http.Request) bool {
	key := ""
	if raw := r.Header.Get("Authorization"); strings.HasPrefix(raw, "Bearer ") {
		key = strings.TrimPrefix(raw, "Bearer ")
	} else {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(h.Config.APIKey)) == 1
}

func (h *Handlers) upload(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "video file is required")
		return
	}
	defer f.Close()

	if header.Size == 0 {
		writeError(w, http.StatusBadRequest, "video file is empty")
		return
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read video file")
		return
	}
	if !strings.HasPrefix(mt.String(), "video/") {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported content type: %s", mt))
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		slog.Error("failed to rewind upload", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	jobID := uuid.New()
	videoRef, err := h.Storage.SaveVideo(r.Context(), jobID.String(), f)
	if err != nil {
		slog.Error("failed to store video", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store video")
		return
	}

	j := h.Registry.CreateWithID(r.Context(), jobID, videoRef)

	task := memq.Task{JobID: j.ID, VideoRef: videoRef}
	if err := h.Queue.Enqueue(r.Context(), task); err != nil {
		slog.Error("failed to enqueue dispatch", "job_id", j.ID, "error", err)
		// The record exists; it must not hang at queued with no dispatch coming.
		if ferr := h.Registry.Fail(r.Context(), j.ID, "failed to schedule dispatch"); ferr != nil {
			slog.Warn("could not mark job failed", "job_id", j.ID, "err", ferr)
		}
		writeError(w, http.StatusServiceUnavailable, "dispatch queue unavailable")
		return
	}

	slog.Info("upload accepted", "job_id", j.ID, "filename", header.Filename, "size", header.Size)
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": j.ID.String(),
		"status": string(j.Status),
	})
}

func (h *Handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	j, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type playerSummary struct {
	ID       int    `json:"id"`
	Position string `json:"position,omitempty"`
}

func (h *Handlers) listPlayers(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	j, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if j.Status != job.StatusCompleted {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(j.Status)})
		return
	}

	summaries := make([]playerSummary, 0, len(j.Players))
	for _, p := range j.Players {
		summaries = append(summaries, playerSummary{ID: p.ID, Position: p.Position})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  string(job.StatusCompleted),
		"players": summaries,
	})
}

func (h *Handlers) analyzePlayer(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	playerID, err := strconv.Atoi(chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}

	j, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if j.Status != job.StatusCompleted {
		writeJSON(w, http.StatusOK, map[string]any{"status": string(j.Status)})
		return
	}

	p, found := j.FindPlayer(playerID)
	if !found {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}

	analysis := p.Analysis
	if analysis == nil {
		analysis = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    string(job.StatusCompleted),
		"analysis":  analysis,
		"chart_url": fmt.Sprintf("/charts/%s/%d.png", j.ID, p.ID),
	})
}

func (h *Handlers) getChart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	playerID, err := strconv.Atoi(chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "chart not found")
		return
	}

	rc, err := h.Storage.GetChart(r.Context(), jobID, playerID)
	if err != nil {
		if common.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "chart not found")
			return
		}
		slog.Error("failed to read chart", "job_id", jobID, "player_id", playerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read chart")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("stream chart", "job_id", jobID, "err", err)
	}
}

type resultsPayload struct {
	Error   string       `json:"error"`
	Players []job.Player `json:"players" validate:"omitempty,dive"`
}

// postResults is the worker's completion callback. It carries either a
// players payload (with optional chart image parts named chart_{playerID})
// or a worker-side error. The registry's terminal guard makes a late or
// duplicate callback a 409 rather than a state overwrite.
func (h *Handlers) postResults(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	id, ok := jobIDParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	j, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status.Terminal() {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	raw := r.FormValue("results")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "results field is required")
		return
	}

	var payload resultsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		writeError(w, http.StatusBadRequest, "results field is not valid JSON")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid results payload")
		return
	}

	if payload.Error != "" {
		h.finishJob(w, r, id, func() error {
			return h.Registry.Fail(r.Context(), id, payload.Error)
		}, job.StatusFailed)
		return
	}

	if payload.Players == nil {
		writeError(w, http.StatusBadRequest, "results must carry players or error")
		return
	}

	if !h.storeCharts(w, r, id) {
		return
	}

	h.finishJob(w, r, id, func() error {
		return h.Registry.Complete(r.Context(), id, payload.Players)
	}, job.StatusCompleted)
}

// storeCharts persists chart_{playerID} file parts before the job is
// transitioned, so a completed job never advertises a chart that is still in
// flight. Returns false after writing an error response.
func (h *Handlers) storeCharts(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	if r.MultipartForm == nil {
		return true
	}
	for name, headers := range r.MultipartForm.File {
		playerID, err := strconv.Atoi(strings.TrimPrefix(name, "chart_"))
		if !strings.HasPrefix(name, "chart_") || err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unexpected file part: %s", name))
			return false
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("unreadable file part: %s", name))
				return false
			}
			err = h.Storage.SaveChart(r.Context(), id.String(), playerID, f)
			f.Close()
			if err != nil {
				slog.Error("failed to store chart", "job_id", id, "player_id", playerID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to store chart")
				return false
			}
		}
	}
	return true
}

func (h *Handlers) finishJob(w http.ResponseWriter, r *http.Request, id uuid.UUID, apply func() error, status job.Status) {
	if err := apply(); err != nil {
		switch {
		case common.IsNotFound(err):
			writeError(w, http.StatusNotFound, "job not found")
		case common.IsInvalidTransition(err):
			writeError(w, http.StatusConflict, "job already finished")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	slog.Info("worker results recorded", "job_id", id, "status", status)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id.String(),
		"status": string(status),
	})
}

func jobIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
