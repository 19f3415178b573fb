package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chainreact/flowd/internal/engine"
	"github.com/chainreact/flowd/internal/hitl"
	"github.com/chainreact/flowd/internal/ingest"
	"github.com/chainreact/flowd/pkg/schema"
)

const maxRequestBody = 1 << 20 // 1MB

// server is the daemon's ingress surface: webhook delivery, conversation
// replies and manual run control. Everything else happens in the poll loops.
type server struct {
	webhooks *ingest.Webhooks
	runner   *engine.Runner
	manager  *hitl.Manager
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhooks/{provider}/{resource}", s.handleWebhook)
	mux.HandleFunc("POST /v1/conversations/{id}/reply", s.handleReply)
	mux.HandleFunc("POST /v1/flows/{id}/runs", s.handleStartRun)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	resource := r.PathValue("resource")
	eventID := r.Header.Get("X-Event-Id")
	if eventID == "" {
		eventID = r.URL.Query().Get("event_id")
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	result, err := s.webhooks.Ingest(r.Context(), provider, resource, eventID, payload)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *server) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.manager.Reply(r.Context(), r.PathValue("id"), body.Message)
	if err != nil && !result.Resolved {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RevisionID int            `json:"revision_id"`
		Inputs     map[string]any `json:"inputs"`
		Globals    map[string]any `json:"globals"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.runner.StartRun(r.Context(), r.PathValue("id"), body.RevisionID, body.Inputs, body.Globals)
	if runID == "" && err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	resp := map[string]any{"run_id": runID}
	if err != nil {
		// The run exists but finished failed; report both.
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.runner.CancelRun(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr *schema.EngineError
	if errors.As(err, &engineErr) {
		writeJSON(w, httpStatus(engineErr.Code), map[string]string{
			"code":  engineErr.Code,
			"error": engineErr.Message,
		})
		return
	}
	s.logger.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func httpStatus(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
