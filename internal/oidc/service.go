package oidc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"bffgate/internal/session/models"
	dErrors "bffgate/pkg/domain-errors"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// SessionStore persists browser sessions.
type SessionStore interface {
	Save(ctx context.Context, session *models.AuthenticatedSession) error
	Delete(ctx context.Context, id string) error
}

// Service runs the login flow over one or more registrations and serves
// access tokens for relay.
type Service struct {
	providers  map[string]*Provider
	defaultReg string
	pending    PendingStore
	sessions   SessionStore
	clients    ClientStore
	sessionTTL time.Duration
	logger     *slog.Logger
	metrics    *Metrics
	auditor    audit.Emitter
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithAuditor(a audit.Emitter) ServiceOption {
	return func(s *Service) { s.auditor = a }
}

// NewService creates the login service. The first provider is the default
// registration used by /login.
func NewService(pending PendingStore, sessions SessionStore, clients ClientStore, providers []*Provider, opts ...ServiceOption) *Service {
	s := &Service{
		providers:  make(map[string]*Provider, len(providers)),
		pending:    pending,
		sessions:   sessions,
		clients:    clients,
		sessionTTL: 8 * time.Hour,
		logger:     slog.Default(),
	}
	for i, p := range providers {
		if i == 0 {
			s.defaultReg = p.RegistrationID()
		}
		s.providers[p.RegistrationID()] = p
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// DefaultRegistration is the registration /login starts.
func (s *Service) DefaultRegistration() string {
	return s.defaultReg
}

func (s *Service) provider(registrationID string) (*Provider, error) {
	p, ok := s.providers[registrationID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "unknown registration")
	}
	return p, nil
}

// Begin stores a pending authorization and returns the IdP redirect.
func (s *Service) Begin(ctx context.Context, registrationID string) (string, error) {
	p, err := s.provider(registrationID)
	if err != nil {
		return "", err
	}
	pending := PendingAuthorization{
		State:          uuid.NewString(),
		Nonce:          uuid.NewString(),
		CodeVerifier:   oauth2.GenerateVerifier(),
		RegistrationID: registrationID,
		CreatedAt:      requestcontext.Now(ctx),
	}
	if err := s.pending.Put(ctx, pending); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "failed to store authorization state")
	}
	return p.AuthCodeURL(pending.State, pending.Nonce, pending.CodeVerifier), nil
}

// Complete consumes the pending state, exchanges the code and creates the
// session. previousSessionID, when set, is invalidated so a login never
// reuses a session ID.
func (s *Service) Complete(ctx context.Context, registrationID, state, code, previousSessionID string) (*models.AuthenticatedSession, error) {
	p, err := s.provider(registrationID)
	if err != nil {
		return nil, err
	}

	pending, err := s.pending.Take(ctx, state)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrExpired) {
			return nil, s.fail(ctx, registrationID, dErrors.Wrap(err, dErrors.CodeInvalidState, "unknown or expired state"))
		}
		return nil, s.fail(ctx, registrationID, dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "failed to read authorization state"))
	}
	if pending.RegistrationID != registrationID {
		return nil, s.fail(ctx, registrationID, dErrors.New(dErrors.CodeInvalidState, "state issued for another registration"))
	}

	login, err := p.Exchange(ctx, code, pending.CodeVerifier, pending.Nonce)
	if err != nil {
		return nil, s.fail(ctx, registrationID, err)
	}

	if err := s.clients.Save(ctx, &login.Client); err != nil {
		return nil, s.fail(ctx, registrationID, dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "failed to store tokens"))
	}

	now := requestcontext.Now(ctx)
	session := &models.AuthenticatedSession{
		ID:             uuid.NewString(),
		RegistrationID: registrationID,
		Principal:      login.Principal,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.sessionTTL),
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, s.fail(ctx, registrationID, dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "failed to store session"))
	}
	if previousSessionID != "" {
		if err := s.sessions.Delete(ctx, previousSessionID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to invalidate previous session", "error", err)
		}
	}

	s.metrics.IncLogin(registrationID, "success")
	s.emit(ctx, audit.Event{
		Action:    string(audit.EventSessionCreated),
		Subject:   session.Principal.Subject,
		SessionID: session.ID,
		Details:   map[string]string{"registration_id": registrationID},
	})
	s.logger.InfoContext(ctx, "session created",
		"registration_id", registrationID,
		"subject", session.Principal.Subject,
	)
	return session, nil
}

// AccessToken implements the gateway's token source.
func (s *Service) AccessToken(ctx context.Context, key models.ClientKey) (string, error) {
	p, err := s.provider(key.RegistrationID)
	if err != nil {
		return "", err
	}
	token, refreshed, err := p.Refresh(ctx, s.clients, key)
	switch {
	case err == nil && refreshed:
		s.metrics.IncRefresh("success")
		s.emit(ctx, audit.Event{Action: string(audit.EventTokenRefreshed), Subject: key.PrincipalName})
	case err != nil && !errors.Is(err, sentinel.ErrNotFound):
		s.metrics.IncRefresh("failure")
		s.emit(ctx, audit.Event{
			Action:  string(audit.EventTokenRefreshFailed),
			Subject: key.PrincipalName,
			Reason:  err.Error(),
		})
	}
	return token, err
}

func (s *Service) fail(ctx context.Context, registrationID string, err error) error {
	s.metrics.IncLogin(registrationID, "failure")
	s.logger.WarnContext(ctx, "login failed",
		"registration_id", registrationID,
		"error", err,
	)
	s.emit(ctx, audit.Event{
		Action:  string(audit.EventLoginFailed),
		Reason:  string(dErrors.CodeOf(err)),
		Details: map[string]string{"registration_id": registrationID},
	})
	return err
}

func (s *Service) emit(ctx context.Context, ev audit.Event) {
	if s.auditor == nil {
		return
	}
	if ev.ClientIP == "" {
		ev.ClientIP = requestcontext.ClientIP(ctx)
	}
	if err := s.auditor.Emit(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "action", ev.Action, "error", err)
	}
}
