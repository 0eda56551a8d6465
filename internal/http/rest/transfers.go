package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/video_relay/internal/logctx"
	"github.com/italolelis/video_relay/internal/pipeline"
	"github.com/italolelis/video_relay/internal/progress"
	"github.com/italolelis/video_relay/internal/storage"
	"github.com/italolelis/video_relay/internal/transfer"
)

const maxRequestSize = 1 << 20

// Runner starts transfer jobs.
type Runner interface {
	Run(ctx context.Context, req transfer.Request) (*transfer.Result, error)
	Submit(ctx context.Context, req transfer.Request) (string, error)
}

// ProgressSource is the live progress registry.
type ProgressSource interface {
	Get(jobID string) (progress.Event, error)
	Subscribe(jobID string) (<-chan progress.Event, func())
}

type TransfersHandler struct {
	username string
	password string
	runner   Runner
	jobs     storage.JobReadRepository
	progress ProgressSource
}

// NewTransfersHandler creates the transfer API. Basic auth is enforced when
// username is set.
func NewTransfersHandler(username, password string, runner Runner, jobs storage.JobReadRepository, progress ProgressSource) *TransfersHandler {
	return &TransfersHandler{
		username: username,
		password: password,
		runner:   runner,
		jobs:     jobs,
		progress: progress,
	}
}

func (h *TransfersHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/transfers", h.HandleCreate)
	r.Get("/transfers/{id}", h.HandleGet)
	r.Get("/transfers/{id}/progress", h.HandleProgress)
	r.Get("/transfers/{id}/events", h.HandleEvents)

	return r
}

type createResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleCreate accepts a transfer request. With ?wait=true the job runs in the
// request and the result is returned.
func (h *TransfersHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req transfer.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := validateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if wait {
		// the job outlives a client that hangs up, only step budgets end it
		res, err := h.runner.Run(context.WithoutCancel(r.Context()), req)
		if err != nil {
			h.writeSubmitError(w, r, err)

			return
		}

		writeJSON(w, http.StatusOK, res)

		return
	}

	id, err := h.runner.Submit(r.Context(), req)
	if err != nil {
		h.writeSubmitError(w, r, err)

		return
	}

	logger.Info("transfer accepted", "job_id", id, "mode", req.Mode)

	writeJSON(w, http.StatusAccepted, createResponse{JobID: id})
}

func (h *TransfersHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, pipeline.ErrJobExists) {
		writeError(w, http.StatusConflict, err.Error())

		return
	}

	logctx.LoggerFromContext(r.Context()).Error("failed to start transfer", "err", err)
	writeError(w, http.StatusInternalServerError, "failed to start transfer")
}

func (h *TransfersHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotFound, "job history is not enabled")

		return
	}

	rec, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")

			return
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to load job", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// HandleProgress returns the latest progress event. Jobs that finished longer
// than the grace period ago are gone and answer 404.
func (h *TransfersHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	ev, err := h.progress.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no progress for job")

		return
	}

	writeJSON(w, http.StatusOK, ev)
}

// HandleEvents streams progress events as server-sent events until the job
// finishes or the client goes away.
func (h *TransfersHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.progress.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "no progress for job")

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")

		return
	}

	events, cancel := h.progress.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				return
			}

			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func (h *TransfersHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func validateRequest(req *transfer.Request) error {
	if req.SourceURI == "" {
		return errors.New("source_uri is required")
	}

	if req.JobID != "" {
		if err := transfer.ValidateJobID(req.JobID); err != nil {
			return err
		}
	}

	mode, err := transfer.ParseMode(string(req.Mode))
	if err != nil {
		return err
	}

	req.Mode = mode

	if req.Credential.TargetID == "" || req.Credential.AccessToken == "" {
		return errors.New("credential target_id and access_token are required")
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
