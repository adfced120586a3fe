package oidc

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	sessionmw "bffgate/internal/session/middleware"
	"bffgate/internal/session/models"
	dErrors "bffgate/pkg/domain-errors"
)

// Login paths.
const (
	LoginPath         = "/login"
	AuthorizationPath = "/oauth2/authorization/"
	CallbackPath      = "/login/oauth2/code/"
	ErrorPath         = "/error"
)

// LoginService is the behaviour the handler drives.
type LoginService interface {
	DefaultRegistration() string
	Begin(ctx context.Context, registrationID string) (string, error)
	Complete(ctx context.Context, registrationID, state, code, previousSessionID string) (*models.AuthenticatedSession, error)
}

// Handler serves the OIDC login endpoints.
type Handler struct {
	svc        LoginService
	gatewayURL string
	secure     bool
	logger     *slog.Logger
}

func NewHandler(svc LoginService, gatewayURL string, secure bool, logger *slog.Logger) *Handler {
	return &Handler{
		svc:        svc,
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		secure:     secure,
		logger:     logger,
	}
}

// Register registers the login routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get(LoginPath, h.HandleLogin)
	r.Get(AuthorizationPath+"{registrationID}", h.HandleAuthorize)
	r.Get(CallbackPath+"{registrationID}", h.HandleCallback)
}

// HandleLogin starts the default registration.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, AuthorizationPath+h.svc.DefaultRegistration(), http.StatusFound)
}

// HandleAuthorize redirects to the IdP authorization endpoint.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	target, err := h.svc.Begin(r.Context(), chi.URLParam(r, "registrationID"))
	if err != nil {
		h.redirectError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleCallback completes the code flow and sets the session cookie.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		h.logger.WarnContext(r.Context(), "identity provider returned an error",
			"error", idpErr,
			"description", q.Get("error_description"),
		)
		http.Redirect(w, r, errorLocation(idpErr), http.StatusFound)
		return
	}

	var previous string
	if c, err := r.Cookie(sessionmw.CookieName); err == nil {
		previous = c.Value
	}

	session, err := h.svc.Complete(r.Context(), chi.URLParam(r, "registrationID"), q.Get("state"), q.Get("code"), previous)
	if err != nil {
		h.redirectError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionmw.CookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.gatewayURL+"/", http.StatusFound)
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, err error) {
	var code string
	switch dErrors.CodeOf(err) {
	case dErrors.CodeNotFound:
		code = "unknown_registration"
	case dErrors.CodeInvalidState:
		code = "invalid_state"
	default:
		code = "login_failed"
	}
	http.Redirect(w, r, errorLocation(code), http.StatusFound)
}

var errorCodePattern = regexp.MustCompile(`^[a-z_]{1,64}$`)

func errorLocation(code string) string {
	if !errorCodePattern.MatchString(code) {
		code = "login_failed"
	}
	return ErrorPath + "?code=" + url.QueryEscape(code)
}
