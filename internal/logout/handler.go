package logout

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	sessionmw "bffgate/internal/session/middleware"
	"bffgate/internal/session/models"
	"bffgate/pkg/requestcontext"
)

// Orchestrator is the logout behaviour the handler drives.
type Orchestrator interface {
	Logout(ctx context.Context, session *models.AuthenticatedSession) Result
	ShortCircuit(ctx context.Context) Result
	Completed(ctx context.Context) Result
	Failed(ctx context.Context) Result
}

// ClearedCookies are expired on every logout response.
var ClearedCookies = []string{sessionmw.CookieName, "XSRF-TOKEN", "JSESSIONID"}

// Handler serves /logout and /logout-success.
type Handler struct {
	svc    Orchestrator
	logger *slog.Logger
	secure bool
}

// NewHandler creates a logout handler. secure marks the cleared cookies
// Secure so browsers match them to the originals.
func NewHandler(svc Orchestrator, logger *slog.Logger, secure bool) *Handler {
	return &Handler{svc: svc, logger: logger, secure: secure}
}

// Register registers the logout routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/logout", h.HandleLogoutRedirect)
	r.Post("/logout", h.HandleLogout)
	r.Get(SuccessPath, h.HandleLogoutSuccess)
}

// HandleLogoutRedirect answers GET /logout without touching any store.
func (h *Handler) HandleLogoutRedirect(w http.ResponseWriter, r *http.Request) {
	defer h.recoverTo(w, r)
	h.finish(w, r, h.svc.ShortCircuit(r.Context()))
}

// HandleLogout runs the full teardown for the session resolved from the
// SESSION cookie, if any.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	defer h.recoverTo(w, r)
	h.finish(w, r, h.svc.Logout(r.Context(), sessionmw.FromContext(r.Context())))
}

// HandleLogoutSuccess is the post-logout target the IdP redirects to.
func (h *Handler) HandleLogoutSuccess(w http.ResponseWriter, r *http.Request) {
	defer h.recoverTo(w, r)
	h.finish(w, r, h.svc.Completed(r.Context()))
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request, res Result) {
	h.clearCookies(w)
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (h *Handler) recoverTo(w http.ResponseWriter, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}
	ctx := r.Context()
	h.logger.ErrorContext(ctx, "logout failed",
		"panic", rec,
		"path", r.URL.Path,
		"request_id", requestcontext.RequestID(ctx),
	)
	h.finish(w, r, h.svc.Failed(ctx))
}

func (h *Handler) clearCookies(w http.ResponseWriter) {
	for _, name := range ClearedCookies {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name != "XSRF-TOKEN",
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
