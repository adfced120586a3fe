package logout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"bffgate/internal/logout/mocks"
	"bffgate/internal/session/models"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/audit/publisher"
	"bffgate/pkg/platform/audit/store/memory"
	"bffgate/pkg/platform/circuit"
	"bffgate/pkg/platform/sentinel"
)

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	sessions *mocks.MockSessionStore
	clients  *mocks.MockClientStore
	revoker  *mocks.MockRevoker
	audit    *memory.InMemoryStore
	metrics  *Metrics
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.sessions = mocks.NewMockSessionStore(s.ctrl)
	s.clients = mocks.NewMockClientStore(s.ctrl)
	s.revoker = mocks.NewMockRevoker(s.ctrl)
	s.audit = memory.NewInMemoryStore()
	s.metrics = NewMetricsWith(prometheus.NewRegistry())
	s.service = s.newService()
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) newService(opts ...Option) *Service {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithAuditor(publisher.NewPublisher(s.audit)),
	}
	return New(s.sessions, s.clients, s.revoker, Config{
		FrontendURL:       "http://localhost:3000",
		GatewayURL:        "http://gw:8888",
		EndSessionURL:     "http://idp:9000/connect/logout",
		RevocationTimeout: time.Second,
	}, append(base, opts...)...)
}

func testSession(idToken, sid string) *models.AuthenticatedSession {
	return &models.AuthenticatedSession{
		ID:             "sess-1",
		RegistrationID: "keycloak",
		Principal: models.Principal{
			Subject:      "user-1",
			IDToken:      idToken,
			IDPSessionID: sid,
		},
	}
}

func tokens() *models.AuthorizedClient {
	return &models.AuthorizedClient{
		RegistrationID: "keycloak",
		PrincipalName:  "user-1",
		AccessToken:    "at",
		RefreshToken:   "rt",
	}
}

var key = models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}

func (s *ServiceSuite) TestTeardownOrdering() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
	access := s.revoker.EXPECT().Revoke(gomock.Any(), "at", HintAccessToken).Return(nil)
	refresh := s.revoker.EXPECT().Revoke(gomock.Any(), "rt", HintRefreshToken).Return(nil)
	remove := s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil).After(access).After(refresh)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil).After(remove)

	res := s.service.Logout(context.Background(), testSession("abc", "sid-1"))

	s.Equal(BranchIdP, res.Branch)
	s.True(res.AccessRevoked)
	s.True(res.RefreshRevoked)
	s.Equal("http://idp:9000/connect/logout?id_token_hint=abc&sid=sid-1&post_logout_redirect_uri=http%3A%2F%2Fgw%3A8888%2Flogout-success&logout=true", res.RedirectURL)
}

func (s *ServiceSuite) TestRevocationIndependence() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
	s.revoker.EXPECT().Revoke(gomock.Any(), "at", HintAccessToken).Return(errors.New("idp: 500"))
	s.revoker.EXPECT().Revoke(gomock.Any(), "rt", HintRefreshToken).Return(nil)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	res := s.service.Logout(context.Background(), testSession("abc", ""))

	s.False(res.AccessRevoked)
	s.True(res.RefreshRevoked)
	s.Equal(BranchIdP, res.Branch)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintAccessToken, RevokeFailed)))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintRefreshToken, RevokeSucceeded)))

	failed := s.audit.ListByAction(context.Background(), audit.EventTokenRevocationFailed)
	s.Require().Len(failed, 1)
	s.Equal(HintAccessToken, failed[0].Details["token_type"])
	s.Equal(audit.CategorySecurity, failed[0].Category)
}

func (s *ServiceSuite) TestRevocationDetachedFromCaller() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	check := func(ctx context.Context, _, _ string) error {
		s.NoError(ctx.Err())
		_, ok := ctx.Deadline()
		s.True(ok, "revocation must carry its own timeout")
		return nil
	}
	s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
	s.revoker.EXPECT().Revoke(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(check).Times(2)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").DoAndReturn(func(ctx context.Context, _ string) error {
		s.NoError(ctx.Err())
		return nil
	})

	res := s.service.Logout(ctx, testSession("", ""))
	s.True(res.AccessRevoked)
	s.True(res.RefreshRevoked)
}

func (s *ServiceSuite) TestHungRevocationIsBoundedByTimeout() {
	const timeout = 50 * time.Millisecond
	svc := New(s.sessions, s.clients, s.revoker, Config{
		FrontendURL:       "http://localhost:3000",
		GatewayURL:        "http://gw:8888",
		EndSessionURL:     "http://idp:9000/connect/logout",
		RevocationTimeout: timeout,
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithMetrics(s.metrics))

	hang := func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}

	tests := []struct {
		name     string
		session  *models.AuthenticatedSession
		branch   Branch
		redirect string
	}{
		{
			name:     "id token present ends the IdP session",
			session:  testSession("abc", ""),
			branch:   BranchIdP,
			redirect: EndSessionURL("http://idp:9000/connect/logout", "abc", "", "http://gw:8888"),
		},
		{
			name:     "no id token returns to the frontend",
			session:  testSession("", ""),
			branch:   BranchFrontend,
			redirect: "http://localhost:3000?logout=success",
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
			s.revoker.EXPECT().Revoke(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(hang).Times(2)
			s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
			s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

			start := time.Now()
			res := svc.Logout(context.Background(), tt.session)
			elapsed := time.Since(start)

			s.GreaterOrEqual(elapsed, timeout)
			s.Less(elapsed, time.Second, "revocations run in parallel under one timeout each")
			s.False(res.AccessRevoked)
			s.False(res.RefreshRevoked)
			s.Equal(tt.branch, res.Branch)
			s.Equal(tt.redirect, res.RedirectURL)
		})
	}
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintAccessToken, RevokeFailed)))
	s.Equal(2.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintRefreshToken, RevokeFailed)))
}

func (s *ServiceSuite) TestNoSessionSkipsStores() {
	res := s.service.Logout(context.Background(), nil)

	s.Equal(BranchAnonymous, res.Branch)
	s.Equal("http://localhost:3000?logout=success", res.RedirectURL)
}

func (s *ServiceSuite) TestNoClientStillInvalidates() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(nil, sentinel.ErrNotFound)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(sentinel.ErrNotFound)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	res := s.service.Logout(context.Background(), testSession("", ""))

	s.Equal(BranchFrontend, res.Branch)
	s.Equal("http://localhost:3000?logout=success", res.RedirectURL)
	s.False(res.AccessRevoked)
}

func (s *ServiceSuite) TestEmptyTokensAreSkipped() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(&models.AuthorizedClient{
		RegistrationID: "keycloak", PrincipalName: "user-1", AccessToken: "at",
	}, nil)
	s.revoker.EXPECT().Revoke(gomock.Any(), "at", HintAccessToken).Return(nil)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	res := s.service.Logout(context.Background(), testSession("", ""))

	s.True(res.AccessRevoked)
	s.False(res.RefreshRevoked)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintRefreshToken, RevokeSkipped)))
}

func (s *ServiceSuite) TestStoreFailuresAreAbsorbed() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(nil, errors.New("redis down"))
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(errors.New("redis down"))
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(errors.New("redis down"))

	res := s.service.Logout(context.Background(), testSession("abc", ""))

	s.Equal(BranchIdP, res.Branch)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StepFailures.WithLabelValues("remove_client")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.StepFailures.WithLabelValues("invalidate_session")))
}

func (s *ServiceSuite) TestOpenBreakerShortCircuits() {
	breaker := circuit.New("idp-revocation", circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour))
	breaker.RecordFailure()
	s.service = s.newService(WithBreaker(breaker))

	s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	res := s.service.Logout(context.Background(), testSession("", ""))

	s.False(res.AccessRevoked)
	s.False(res.RefreshRevoked)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Revocations.WithLabelValues(HintAccessToken, RevokeShortCircuited)))
}

func (s *ServiceSuite) TestBreakerOpensAfterFailures() {
	breaker := circuit.New("idp-revocation", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	s.service = s.newService(WithBreaker(breaker))

	s.clients.EXPECT().Load(gomock.Any(), key).Return(tokens(), nil)
	s.revoker.EXPECT().Revoke(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("timeout")).Times(2)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(nil)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	s.service.Logout(context.Background(), testSession("", ""))

	s.True(breaker.IsOpen())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.BreakerState.WithLabelValues("idp-revocation")))
}

func (s *ServiceSuite) TestLogoutCompletedIsAudited() {
	s.clients.EXPECT().Load(gomock.Any(), key).Return(nil, sentinel.ErrNotFound)
	s.clients.EXPECT().Remove(gomock.Any(), key).Return(sentinel.ErrNotFound)
	s.sessions.EXPECT().Delete(gomock.Any(), "sess-1").Return(nil)

	s.service.Logout(context.Background(), testSession("abc", "sid-1"))

	events := s.audit.ListByAction(context.Background(), audit.EventLogoutCompleted)
	s.Require().Len(events, 1)
	s.Equal("user-1", events[0].Subject)
	s.Equal("sess-1", events[0].SessionID)
	s.Equal(string(BranchIdP), events[0].Details["branch"])
	s.Equal("true", events[0].Details["sid_present"])
}

func (s *ServiceSuite) TestFixedRedirects() {
	s.Equal("http://localhost:3000/?logout=success&oidc=true", s.service.ShortCircuit(context.Background()).RedirectURL)
	s.Equal("http://localhost:3000?logout=success&oidc=true", s.service.Completed(context.Background()).RedirectURL)
	s.Equal("http://localhost:3000?logout=error", s.service.Failed(context.Background()).RedirectURL)
}
