package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SaveRequest is the body of POST /api/sessions
type SaveRequest struct {
	Title    string            `json:"title"`
	Messages []session.Message `json:"messages"`
}

// RenameRequest is the body of PATCH /api/sessions/{id}
type RenameRequest struct {
	Title string `json:"title"`
}

// Handlers exposes a Service over HTTP
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// Register mounts the session routes on r
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/api/sessions", h.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", h.saveSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", h.renameSession).Methods(http.MethodPatch)
	r.HandleFunc("/api/sessions/{id}", h.deleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/api/stats", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/api/health", h.health).Methods(http.MethodGet)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.fail(w, &session.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	res, err := h.svc.ListSessions(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, res)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *Handlers) saveSession(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.svc.SaveSession(r.Context(), req.Title, req.Messages)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, sess)
}

func (h *Handlers) renameSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req RenameRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.svc.RenameSession(r.Context(), id, req.Title)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, sess)
}

func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.svc.DeleteSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, res)
}

func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.svc.GetStats(r.Context()))
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// fail maps the error taxonomy to a status. Store errors get a generic
// message; their detail is already in the server log.
func (h *Handlers) fail(w http.ResponseWriter, err error) {
	var resp ErrorResponse
	switch {
	case errors.Is(err, session.ErrValidation):
		resp = ErrorResponse{Code: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, session.ErrNotFound):
		resp = ErrorResponse{Code: http.StatusNotFound, Message: session.ErrNotFound.Error()}
	default:
		resp = ErrorResponse{Code: http.StatusInternalServerError, Message: "failed to process request"}
	}
	h.respond(w, resp.Code, resp)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, &session.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &session.ValidationError{Reason: "malformed request body"}
	}
	return nil
}
