// Package handler serves the session introspection endpoints used by the
// frontend: /api/auth/me and /api/auth/status.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sessionmw "bffgate/internal/session/middleware"
	"bffgate/internal/session/models"
	"bffgate/pkg/platform/httputil"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// ClientReader loads the authorized client to report token expiry.
type ClientReader interface {
	Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error)
}

// User is the profile exposed to the frontend. It never carries tokens.
type User struct {
	Subject     string `json:"sub"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name,omitempty"`
	UUID        any    `json:"uuid,omitempty"`
	Roles       any    `json:"roles,omitempty"`
	Permissions any    `json:"permissions,omitempty"`
}

// MeResponse is the body of GET /api/auth/me.
type MeResponse struct {
	Authenticated bool   `json:"authenticated"`
	User          *User  `json:"user"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
}

// StatusResponse is the body of GET /api/auth/status.
type StatusResponse struct {
	Authenticated bool `json:"authenticated"`
}

// Handler wires the auth info endpoints.
type Handler struct {
	clients ClientReader
	logger  *slog.Logger
}

// New constructs the handler. clients may be nil, in which case expiresAt is
// never reported.
func New(clients ClientReader, logger *slog.Logger) *Handler {
	return &Handler{clients: clients, logger: logger}
}

// Register mounts the auth info endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/api/auth/me", h.HandleMe)
	r.Get("/api/auth/status", h.HandleStatus)
}

// HandleMe handles GET /api/auth/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session := sessionmw.FromContext(ctx)
	if session == nil {
		httputil.WriteJSON(w, http.StatusOK, MeResponse{Authenticated: false})
		return
	}

	p := session.Principal
	resp := MeResponse{
		Authenticated: true,
		User: &User{
			Subject:     p.Subject,
			Email:       p.Email,
			Name:        p.Name,
			GivenName:   p.GivenName,
			FamilyName:  p.FamilyName,
			UUID:        p.Claims["uuid"],
			Roles:       p.Claims["roles"],
			Permissions: p.Claims["permissions"],
		},
	}
	if expiry := h.tokenExpiry(ctx, session); !expiry.IsZero() {
		resp.ExpiresAt = expiry.UTC().Format(time.RFC3339)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleStatus handles GET /api/auth/status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Authenticated: sessionmw.FromContext(r.Context()) != nil,
	})
}

func (h *Handler) tokenExpiry(ctx context.Context, session *models.AuthenticatedSession) time.Time {
	if h.clients == nil {
		return time.Time{}
	}
	client, err := h.clients.Load(ctx, session.Key())
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			h.logger.WarnContext(ctx, "failed to load authorized client",
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
		}
		return time.Time{}
	}
	return client.AccessTokenExpiresAt
}
