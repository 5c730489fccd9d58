// Package server exposes the generation pipeline over HTTP. The
// surface is deliberately small: start a generation, cancel one, and a
// health probe. Streaming output reaches clients through the store and
// the event broker, not through these handlers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/gen"
	"github.com/loomchat/loom/pkg/slogx"
	"github.com/loomchat/loom/store"
)

// Generations is the slice of the generator the HTTP layer needs.
type Generations interface {
	Start(ctx context.Context, p gen.StartParams) (string, error)
	Cancel(ctx context.Context, session, conversationID string) (bool, error)
}

// Handler serves the generation API.
type Handler struct {
	generations Generations
}

func New(generations Generations) *Handler {
	return &Handler{generations: generations}
}

// Router builds the HTTP routing table.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/generate-message", h.generateMessage)
		r.Post("/cancel-generation", h.cancelGeneration)
	})

	return r
}

type generateRequest struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	Message        string                 `json:"message"`
	ModelID        string                 `json:"model_id"`
	WebSearch      bool                   `json:"web_search,omitempty"`
	Images         []chat.ImageAttachment `json:"images,omitempty"`
}

type generateResponse struct {
	ConversationID string `json:"conversation_id"`
}

func (h *Handler) generateMessage(w http.ResponseWriter, r *http.Request) {
	session := sessionToken(r)
	if session == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" || req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "message and model_id are required")
		return
	}

	conversationID, err := h.generations.Start(r.Context(), gen.StartParams{
		Session:        session,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ModelID:        req.ModelID,
		Images:         req.Images,
		WebSearch:      req.WebSearch,
	})
	if err != nil {
		status, detail := classify(err)
		slog.Warn("generate request rejected", slogx.Conversation(req.ConversationID), slogx.Error(err))
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusAccepted, generateResponse{ConversationID: conversationID})
}

type cancelRequest struct {
	ConversationID string `json:"conversation_id"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (h *Handler) cancelGeneration(w http.ResponseWriter, r *http.Request) {
	session := sessionToken(r)
	if session == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	cancelled, err := h.generations.Cancel(r.Context(), session, req.ConversationID)
	if err != nil {
		status, detail := classify(err)
		slog.Warn("cancel request rejected", slogx.Conversation(req.ConversationID), slogx.Error(err))
		writeError(w, status, detail)
		return
	}

	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: cancelled})
}

// sessionToken pulls the store session from the Authorization header,
// falling back to the session cookie web clients send.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}

func classify(err error) (int, string) {
	var ge *chat.GenError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case chat.ErrUnauthorized:
			return http.StatusUnauthorized, ge.Detail
		case chat.ErrNotFound, chat.ErrModelNotFound:
			return http.StatusNotFound, ge.Detail
		case chat.ErrQuotaExceeded:
			return http.StatusTooManyRequests, ge.Detail
		default:
			return http.StatusInternalServerError, ge.Detail
		}
	}
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "Not found"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slogx.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}
