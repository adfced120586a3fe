package oidc

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"bffgate/internal/session/models"
	clientstore "bffgate/internal/session/store/client"
	sessionstore "bffgate/internal/session/store/session"
	dErrors "bffgate/pkg/domain-errors"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/audit/publisher"
	"bffgate/pkg/platform/audit/store/memory"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/testutil"
)

const testClientID = "bff-client"

// fakeIdP is a token endpoint that signs RS256 ID tokens.
type fakeIdP struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	mu        sync.Mutex
	nonce     string
	claims    jwt.MapClaims
	forms     []url.Values
	refreshes int
	// onRefresh runs while a refresh grant is being answered.
	onRefresh func()
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := &fakeIdP{t: t, key: key}
	idp.server = httptest.NewServer(http.HandlerFunc(idp.token))
	t.Cleanup(idp.server.Close)
	return idp
}

func (f *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/oauth2/token" {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forms = append(f.forms, r.PostForm)

	resp := map[string]any{
		"token_type": "Bearer",
		"expires_in": 300,
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		resp["access_token"] = "access-1"
		resp["refresh_token"] = "refresh-1"
		resp["scope"] = "openid profile email write"
		resp["id_token"] = f.signIDToken()
	case "refresh_token":
		f.refreshes++
		if f.onRefresh != nil {
			f.onRefresh()
		}
		resp["access_token"] = "access-2"
		resp["refresh_token"] = "refresh-2"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeIdP) signIDToken() string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":         f.server.URL,
		"aud":         testClientID,
		"sub":         "user-1",
		"iat":         now.Unix(),
		"exp":         now.Add(time.Hour).Unix(),
		"nonce":       f.nonce,
		"email":       "ada@example.com",
		"name":        "Ada Lovelace",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"sid":         "idp-session-1",
		"roles":       []string{"user"},
		"uuid":        "c0ffee",
	}
	for k, v := range f.claims {
		claims[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		f.t.Fatal(err)
	}
	return signed
}

type ServiceSuite struct {
	suite.Suite
	idp      *fakeIdP
	sessions *sessionstore.InMemorySessionStore
	clients  *clientstore.InMemoryStore
	audit    *memory.InMemoryStore
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.idp = newFakeIdP(s.T())
	s.sessions = sessionstore.New()
	s.clients = clientstore.NewInMemory()
	s.audit = memory.NewInMemoryStore()

	provider, err := NewProvider(context.Background(), ProviderConfig{
		RegistrationID: "keycloak",
		IssuerURL:      s.idp.server.URL,
		ClientID:       testClientID,
		ClientSecret:   "secret",
		RedirectURL:    "http://gw:8888/login/oauth2/code/keycloak",
		Scopes:         []string{"write"},
		SkipDiscovery:  true,
	}, WithKeySet(&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.idp.key.PublicKey}}))
	s.Require().NoError(err)

	s.service = NewService(NewInMemoryPendingStore(), s.sessions, s.clients, []*Provider{provider},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(NewMetricsWith(prometheus.NewRegistry())),
		WithAuditor(publisher.NewPublisher(s.audit)),
		WithSessionTTL(time.Hour),
	)
}

// begin starts a login and hands the nonce to the fake IdP.
func (s *ServiceSuite) begin() (state string, authURL *url.URL) {
	target, err := s.service.Begin(context.Background(), "keycloak")
	s.Require().NoError(err)
	authURL, err = url.Parse(target)
	s.Require().NoError(err)

	q := authURL.Query()
	s.idp.mu.Lock()
	s.idp.nonce = q.Get("nonce")
	s.idp.mu.Unlock()
	return q.Get("state"), authURL
}

func (s *ServiceSuite) TestBeginBuildsPKCERequest() {
	_, authURL := s.begin()
	q := authURL.Query()

	s.Equal(s.idp.server.URL+"/oauth2/authorize", authURL.Scheme+"://"+authURL.Host+authURL.Path)
	s.Equal(testClientID, q.Get("client_id"))
	s.Equal("code", q.Get("response_type"))
	s.Equal("S256", q.Get("code_challenge_method"))
	s.NotEmpty(q.Get("code_challenge"))
	s.NotEmpty(q.Get("nonce"))
	s.Equal("openid profile email write", q.Get("scope"))
}

func (s *ServiceSuite) TestCompleteCreatesSession() {
	ctx := context.Background()
	state, _ := s.begin()

	session, err := s.service.Complete(ctx, "keycloak", state, "good-code", "")
	s.Require().NoError(err)

	p := session.Principal
	s.Equal("user-1", p.Subject)
	s.Equal("ada@example.com", p.Email)
	s.Equal("idp-session-1", p.IDPSessionID)
	s.NotEmpty(p.IDToken)
	s.Equal([]string{"OIDC_USER", "ROLE_USER", "SCOPE_email", "SCOPE_openid", "SCOPE_profile", "SCOPE_write"}, p.Authorities)
	s.Equal("c0ffee", p.Claims["uuid"])

	stored, err := s.sessions.FindByID(ctx, session.ID)
	s.Require().NoError(err)
	s.Equal("user-1", stored.Principal.Subject)

	client, err := s.clients.Load(ctx, session.Key())
	s.Require().NoError(err)
	s.Equal("access-1", client.AccessToken)
	s.Equal("refresh-1", client.RefreshToken)
	s.False(client.AccessTokenExpiresAt.IsZero())

	s.Require().NotEmpty(s.idp.forms)
	s.NotEmpty(s.idp.forms[0].Get("code_verifier"))
	s.Len(s.audit.ListByAction(ctx, audit.EventSessionCreated), 1)
}

func (s *ServiceSuite) TestCompleteRejectsReplayedState() {
	state, _ := s.begin()
	_, err := s.service.Complete(context.Background(), "keycloak", state, "good-code", "")
	s.Require().NoError(err)

	_, err = s.service.Complete(context.Background(), "keycloak", state, "good-code", "")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *ServiceSuite) TestCompleteRejectsNonceMismatch() {
	state, _ := s.begin()
	s.idp.claims = jwt.MapClaims{"nonce": "forged"}

	_, err := s.service.Complete(context.Background(), "keycloak", state, "good-code", "")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Len(s.audit.ListByAction(context.Background(), audit.EventLoginFailed), 1)
}

func (s *ServiceSuite) TestCompleteRejectsWrongAudience() {
	state, _ := s.begin()
	s.idp.claims = jwt.MapClaims{"aud": "someone-else"}

	_, err := s.service.Complete(context.Background(), "keycloak", state, "good-code", "")
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestCompleteExchangeFailure() {
	state, _ := s.begin()

	_, err := s.service.Complete(context.Background(), "keycloak", state, "bad-code", "")
	s.True(dErrors.HasCode(err, dErrors.CodeBadGateway))
}

func (s *ServiceSuite) TestUnknownRegistration() {
	_, err := s.service.Begin(context.Background(), "github")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestCompleteInvalidatesPreviousSession() {
	ctx := context.Background()
	s.Require().NoError(s.sessions.Save(ctx, &models.AuthenticatedSession{ID: "old", ExpiresAt: time.Now().Add(time.Hour)}))
	state, _ := s.begin()

	_, err := s.service.Complete(ctx, "keycloak", state, "good-code", "old")
	s.Require().NoError(err)

	_, err = s.sessions.FindByID(ctx, "old")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ServiceSuite) TestAccessTokenReturnsValidToken() {
	ctx := context.Background()
	key := models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}
	s.Require().NoError(s.clients.Save(ctx, &models.AuthorizedClient{
		RegistrationID:       "keycloak",
		PrincipalName:        "user-1",
		AccessToken:          "still-good",
		AccessTokenExpiresAt: time.Now().Add(10 * time.Minute),
		RefreshToken:         "refresh-1",
	}))

	token, err := s.service.AccessToken(ctx, key)
	s.Require().NoError(err)
	s.Equal("still-good", token)
	s.Zero(s.idp.refreshes)
}

func (s *ServiceSuite) TestAccessTokenRefreshesNearExpiry() {
	ctx := context.Background()
	key := models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}
	s.Require().NoError(s.clients.Save(ctx, &models.AuthorizedClient{
		RegistrationID:       "keycloak",
		PrincipalName:        "user-1",
		AccessToken:          "stale",
		AccessTokenExpiresAt: time.Now().Add(10 * time.Second),
		RefreshToken:         "refresh-1",
	}))

	token, err := s.service.AccessToken(ctx, key)
	s.Require().NoError(err)
	s.Equal("access-2", token)
	s.Equal(1, s.idp.refreshes)

	stored, err := s.clients.Load(ctx, key)
	s.Require().NoError(err)
	s.Equal("access-2", stored.AccessToken)
	s.Equal("refresh-2", stored.RefreshToken)
	s.Len(s.audit.ListByAction(ctx, audit.EventTokenRefreshed), 1)
}

func (s *ServiceSuite) saveStaleClient(key models.ClientKey) {
	s.Require().NoError(s.clients.Save(context.Background(), &models.AuthorizedClient{
		RegistrationID:       key.RegistrationID,
		PrincipalName:        key.PrincipalName,
		AccessToken:          "stale",
		AccessTokenExpiresAt: time.Now().Add(10 * time.Second),
		RefreshToken:         "refresh-1",
	}))
}

func (s *ServiceSuite) TestRefreshDoesNotResurrectRemovedClient() {
	ctx := context.Background()
	key := models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}
	s.saveStaleClient(key)
	s.idp.onRefresh = func() {
		_ = s.clients.Remove(ctx, key)
	}

	token, err := s.service.AccessToken(ctx, key)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.Empty(token)
	s.Equal(1, s.idp.refreshes)

	_, err = s.clients.Load(ctx, key)
	s.ErrorIs(err, sentinel.ErrNotFound, "logout removal must stick")
	s.Empty(s.audit.ListByAction(ctx, audit.EventTokenRefreshFailed))
}

func (s *ServiceSuite) TestRefreshSkipsSaveWhenClientReplaced() {
	ctx := context.Background()
	key := models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}
	s.saveStaleClient(key)
	s.idp.onRefresh = func() {
		_ = s.clients.Save(ctx, &models.AuthorizedClient{
			RegistrationID:       "keycloak",
			PrincipalName:        "user-1",
			AccessToken:          "fresh-login",
			AccessTokenExpiresAt: time.Now().Add(time.Hour),
			RefreshToken:         "refresh-login",
		})
	}

	_, err := s.service.AccessToken(ctx, key)
	s.ErrorIs(err, sentinel.ErrNotFound)

	stored, err := s.clients.Load(ctx, key)
	s.Require().NoError(err)
	s.Equal("fresh-login", stored.AccessToken)
	s.Equal("refresh-login", stored.RefreshToken)
}

func (s *ServiceSuite) TestRefreshOutlivesCancelledCaller() {
	key := models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"}
	s.saveStaleClient(key)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.idp.onRefresh = cancel

	token, err := s.service.AccessToken(ctx, key)
	s.Require().NoError(err)
	s.Equal("access-2", token)

	stored, err := s.clients.Load(context.Background(), key)
	s.Require().NoError(err)
	s.Equal("refresh-2", stored.RefreshToken)
}

func (s *ServiceSuite) TestAccessTokenWithoutClient() {
	_, err := s.service.AccessToken(context.Background(), models.ClientKey{RegistrationID: "keycloak", PrincipalName: "ghost"})
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ServiceSuite) TestCallbackHandler() {
	router := chi.NewRouter()
	NewHandler(s.service, "http://gw:8888", true, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(router)

	s.Run("login redirects to default registration", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/login"))
		testutil.AssertRedirect(s.T(), rr, "/oauth2/authorization/keycloak")
	})

	s.Run("authorization redirects to the IdP", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/oauth2/authorization/keycloak"))
		s.Equal(http.StatusFound, rr.Code)
		s.Contains(rr.Header().Get("Location"), s.idp.server.URL+"/oauth2/authorize?")
	})

	s.Run("unknown registration", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/oauth2/authorization/github"))
		testutil.AssertRedirect(s.T(), rr, "/error?code=unknown_registration")
	})

	s.Run("bad state", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/login/oauth2/code/keycloak?state=nope&code=good-code"))
		testutil.AssertRedirect(s.T(), rr, "/error?code=invalid_state")
	})

	s.Run("idp error", func() {
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/login/oauth2/code/keycloak?error=access_denied"))
		testutil.AssertRedirect(s.T(), rr, "/error?code=access_denied")
	})

	s.Run("successful callback sets the session cookie", func() {
		state, _ := s.begin()
		rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/login/oauth2/code/keycloak?state="+state+"&code=good-code"))
		testutil.AssertRedirect(s.T(), rr, "http://gw:8888/")

		cookies := rr.Result().Cookies()
		s.Require().Len(cookies, 1)
		s.Equal("SESSION", cookies[0].Name)
		s.True(cookies[0].HttpOnly)
		s.True(cookies[0].Secure)
		s.Equal(http.SameSiteLaxMode, cookies[0].SameSite)

		_, err := s.sessions.FindByID(context.Background(), cookies[0].Value)
		s.NoError(err)
	})
}
