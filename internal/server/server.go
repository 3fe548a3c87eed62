// Package server exposes memoria's ingestion and retrieval over JSON HTTP.
//
//   - POST /v1/turns: body is an [ingest.TurnInput]; responds with the
//     [ingest.Result] of the committed turn.
//   - POST /v1/retrieve: body is a [RetrieveRequest]; responds with the
//     [retrieval.Result].
//
// Validation failures answer 400 with {"error": "..."}; everything else that
// fails answers 500. A request whose client went away is logged, not
// answered.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrWong99/memoria/internal/ingest"
	"github.com/MrWong99/memoria/internal/observe"
	"github.com/MrWong99/memoria/internal/retrieval"
	"github.com/MrWong99/memoria/pkg/memory"
)

// DefaultMaxBodyBytes caps request bodies when no [WithMaxBodyBytes] option
// is given.
const DefaultMaxBodyBytes = 1 << 20

// Service is what the handlers drive. *app.App satisfies it.
type Service interface {
	Ingest(ctx context.Context, in ingest.TurnInput) (*ingest.Result, error)
	RetrieveText(ctx context.Context, text string, q memory.MemoryRetrievalQuery) (*retrieval.Result, error)
}

// RetrieveRequest is a retrieval query plus optional free text that is
// embedded as the query vector.
type RetrieveRequest struct {
	memory.MemoryRetrievalQuery

	Text string `json:"text,omitempty"`
}

// Option is a functional option for [New].
type Option func(*Handler)

// WithMaxBodyBytes caps request bodies at n bytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// Handler serves the JSON API.
type Handler struct {
	svc     Service
	maxBody int64
}

// New returns a Handler calling svc.
func New(svc Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, maxBody: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/turns", h.Ingest)
	mux.HandleFunc("POST /v1/retrieve", h.Retrieve)
}

// Ingest handles POST /v1/turns.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var in ingest.TurnInput
	if !h.decode(w, r, &in) {
		return
	}
	res, err := h.svc.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Retrieve handles POST /v1/retrieve.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.RetrieveText(r.Context(), req.Text, req.MemoryRetrievalQuery)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode reads the JSON body into v and answers 400 when it cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, memory.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case r.Context().Err() != nil:
		observe.Logger(r.Context()).Info("client went away", slog.String("path", r.URL.Path), slog.Any("err", err))
	default:
		observe.Logger(r.Context()).Error("request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "err", err)
	}
}
