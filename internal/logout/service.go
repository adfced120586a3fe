// Package logout tears down a browser session: it revokes the IdP tokens,
// removes the stored authorized client, invalidates the session and picks
// the final redirect.
package logout

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"bffgate/internal/session/models"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/circuit"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks SessionStore,ClientStore,Revoker

// SessionStore invalidates browser sessions.
type SessionStore interface {
	Delete(ctx context.Context, id string) error
}

// ClientStore holds the IdP token pair per principal.
type ClientStore interface {
	Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error)
	Remove(ctx context.Context, key models.ClientKey) error
}

// Revoker revokes one token at the IdP.
type Revoker interface {
	Revoke(ctx context.Context, token, hint string) error
}

// Branch names the exit taken by a logout.
type Branch string

const (
	// BranchShortCircuit is a GET /logout: redirect only.
	BranchShortCircuit Branch = "short_circuit"
	// BranchAnonymous is a POST without a resolved session.
	BranchAnonymous Branch = "anonymous"
	// BranchFrontend is an authenticated logout without an ID token.
	BranchFrontend Branch = "frontend"
	// BranchIdP is an authenticated logout redirected to end-session.
	BranchIdP Branch = "idp"
	// BranchCompleted is the IdP returning to /logout-success.
	BranchCompleted Branch = "completed"
	// BranchError is a recovered failure in the handler.
	BranchError Branch = "error"
)

// Result is the outcome of a logout.
type Result struct {
	RedirectURL    string
	Branch         Branch
	AccessRevoked  bool
	RefreshRevoked bool
}

// Config holds the URLs and limits the orchestrator needs.
type Config struct {
	FrontendURL       string
	GatewayURL        string
	EndSessionURL     string
	RevocationTimeout time.Duration
}

const defaultRevocationTimeout = 5 * time.Second

// Service runs the teardown steps in order: revoke both tokens in parallel,
// remove the authorized client, invalidate the session. Every step is best
// effort; failures are logged and never change the redirect.
type Service struct {
	sessions SessionStore
	clients  ClientStore
	revoker  Revoker
	cfg      Config

	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *Metrics
	auditor audit.Emitter
	tracer  trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditor(a audit.Emitter) Option {
	return func(s *Service) { s.auditor = a }
}

// WithBreaker guards revocation calls. While open, revocations are skipped
// and counted as short-circuited.
func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New creates the orchestrator.
func New(sessions SessionStore, clients ClientStore, revoker Revoker, cfg Config, opts ...Option) *Service {
	if cfg.RevocationTimeout <= 0 {
		cfg.RevocationTimeout = defaultRevocationTimeout
	}
	s := &Service{
		sessions: sessions,
		clients:  clients,
		revoker:  revoker,
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer("bffgate/logout"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ShortCircuit is the GET /logout outcome. No store is touched.
func (s *Service) ShortCircuit(context.Context) Result {
	s.metrics.IncLogout(BranchShortCircuit)
	return Result{
		RedirectURL: FrontendURL(s.cfg.FrontendURL+"/", "logout=success&oidc=true"),
		Branch:      BranchShortCircuit,
	}
}

// Completed is the outcome of the IdP redirecting back after end-session.
func (s *Service) Completed(context.Context) Result {
	s.metrics.IncLogout(BranchCompleted)
	return Result{
		RedirectURL: FrontendURL(s.cfg.FrontendURL, "logout=success&oidc=true"),
		Branch:      BranchCompleted,
	}
}

// Failed is the redirect used when the handler recovers from a panic.
func (s *Service) Failed(context.Context) Result {
	s.metrics.IncLogout(BranchError)
	return Result{
		RedirectURL: FrontendURL(s.cfg.FrontendURL, "logout=error"),
		Branch:      BranchError,
	}
}

// Logout tears down session. A nil session skips all store work.
func (s *Service) Logout(ctx context.Context, session *models.AuthenticatedSession) Result {
	ctx, span := s.tracer.Start(ctx, "logout")
	defer span.End()

	if session == nil {
		span.SetAttributes(attribute.String("logout.branch", string(BranchAnonymous)))
		s.metrics.IncLogout(BranchAnonymous)
		return Result{
			RedirectURL: FrontendURL(s.cfg.FrontendURL, "logout=success"),
			Branch:      BranchAnonymous,
		}
	}

	// Teardown continues after the browser goes away.
	ctx = context.WithoutCancel(ctx)
	key := session.Key()

	var result Result
	client, err := s.clients.Load(ctx, key)
	switch {
	case err == nil:
		result.AccessRevoked, result.RefreshRevoked = s.revokeAll(ctx, session, client)
	case errors.Is(err, sentinel.ErrNotFound):
		s.logger.DebugContext(ctx, "no authorized client for session", "session_id", session.ID)
	default:
		s.metrics.IncStepFailure("load_client")
		s.logger.WarnContext(ctx, "failed to load authorized client",
			"session_id", session.ID,
			"error", err,
		)
	}

	if err := s.clients.Remove(ctx, key); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.logger.DebugContext(ctx, "authorized client already removed", "session_id", session.ID)
		} else {
			s.metrics.IncStepFailure("remove_client")
			s.logger.WarnContext(ctx, "failed to remove authorized client",
				"session_id", session.ID,
				"error", err,
			)
		}
	}

	if err := s.sessions.Delete(ctx, session.ID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		s.metrics.IncStepFailure("invalidate_session")
		s.logger.WarnContext(ctx, "failed to invalidate session",
			"session_id", session.ID,
			"error", err,
		)
	}

	p := session.Principal
	if p.IDToken != "" && s.cfg.EndSessionURL != "" {
		result.Branch = BranchIdP
		result.RedirectURL = EndSessionURL(s.cfg.EndSessionURL, p.IDToken, p.IDPSessionID, s.cfg.GatewayURL)
	} else {
		result.Branch = BranchFrontend
		result.RedirectURL = FrontendURL(s.cfg.FrontendURL, "logout=success")
	}

	span.SetAttributes(
		attribute.String("logout.branch", string(result.Branch)),
		attribute.Bool("logout.access_revoked", result.AccessRevoked),
		attribute.Bool("logout.refresh_revoked", result.RefreshRevoked),
	)
	s.metrics.IncLogout(result.Branch)
	s.emit(ctx, audit.EventLogoutCompleted, session, map[string]string{
		"branch":          string(result.Branch),
		"sid_present":     strconv.FormatBool(p.IDPSessionID != ""),
		"access_revoked":  strconv.FormatBool(result.AccessRevoked),
		"refresh_revoked": strconv.FormatBool(result.RefreshRevoked),
	})
	return result
}

// revokeAll revokes both tokens concurrently and waits for both. Neither
// goroutine returns an error, so one failure never cancels the other.
func (s *Service) revokeAll(ctx context.Context, session *models.AuthenticatedSession, client *models.AuthorizedClient) (access, refresh bool) {
	var g errgroup.Group
	g.Go(func() error {
		access = s.revoke(ctx, session, client.AccessToken, HintAccessToken)
		return nil
	})
	g.Go(func() error {
		refresh = s.revoke(ctx, session, client.RefreshToken, HintRefreshToken)
		return nil
	})
	_ = g.Wait()
	return access, refresh
}

func (s *Service) revoke(ctx context.Context, session *models.AuthenticatedSession, token, hint string) bool {
	if token == "" {
		s.metrics.IncRevocation(hint, RevokeSkipped)
		return false
	}

	ctx, span := s.tracer.Start(ctx, "revoke."+hint)
	defer span.End()

	if s.breaker != nil && !s.breaker.Allow() {
		s.metrics.IncRevocation(hint, RevokeShortCircuited)
		s.logger.WarnContext(ctx, "revocation skipped, circuit open",
			"token_type", hint,
			"breaker", s.breaker.Name(),
		)
		span.SetStatus(codes.Error, "circuit open")
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RevocationTimeout)
	defer cancel()

	if err := s.revoker.Revoke(callCtx, token, hint); err != nil {
		if s.breaker != nil {
			_, change := s.breaker.RecordFailure()
			s.metrics.ObserveBreaker(s.breaker.Name(), change)
		}
		s.metrics.IncRevocation(hint, RevokeFailed)
		s.logger.WarnContext(ctx, "token revocation failed",
			"token_type", hint,
			"session_id", session.ID,
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "revocation failed")
		s.emit(ctx, audit.EventTokenRevocationFailed, session, map[string]string{
			"token_type": hint,
			"error":      err.Error(),
		})
		return false
	}

	if s.breaker != nil {
		_, change := s.breaker.RecordSuccess()
		s.metrics.ObserveBreaker(s.breaker.Name(), change)
	}
	s.metrics.IncRevocation(hint, RevokeSucceeded)
	return true
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, session *models.AuthenticatedSession, details map[string]string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Emit(ctx, audit.Event{
		Action:    string(action),
		Subject:   session.Principal.Subject,
		SessionID: session.ID,
		ClientIP:  requestcontext.ClientIP(ctx),
		Details:   details,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "audit emit failed",
			"action", string(action),
			"error", err,
		)
	}
}
