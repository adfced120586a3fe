package logout

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionmw "bffgate/internal/session/middleware"
	"bffgate/internal/session/models"
	clientstore "bffgate/internal/session/store/client"
	sessionstore "bffgate/internal/session/store/session"
	"bffgate/pkg/testutil"
)

type panickingOrchestrator struct{ *Service }

func (panickingOrchestrator) Logout(context.Context, *models.AuthenticatedSession) Result {
	panic("store exploded")
}

type handlerFixture struct {
	sessions *sessionstore.InMemorySessionStore
	clients  *clientstore.InMemoryStore
	revoked  chan string
	idp      *httptest.Server
	router   chi.Router
}

func newHandlerFixture(t *testing.T, wrap func(*Service) Orchestrator) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		sessions: sessionstore.New(),
		clients:  clientstore.NewInMemory(),
		revoked:  make(chan string, 2),
	}
	f.idp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f.revoked <- r.PostForm.Get("token_type_hint")
	}))
	t.Cleanup(f.idp.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(f.sessions, f.clients, NewHTTPRevoker(f.idp.URL, "bff", "secret", f.idp.Client()), Config{
		FrontendURL:   "http://localhost:3000",
		GatewayURL:    "http://gw:8888",
		EndSessionURL: "http://idp:9000/connect/logout",
	}, WithLogger(logger))

	var orch Orchestrator = svc
	if wrap != nil {
		orch = wrap(svc)
	}
	f.router = chi.NewRouter()
	f.router.Use(sessionmw.Resolve(f.sessions, logger))
	NewHandler(orch, logger, false).Register(f.router)
	return f
}

func (f *handlerFixture) login(t *testing.T, idToken string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, &models.AuthenticatedSession{
		ID:             "sess-1",
		RegistrationID: "keycloak",
		Principal:      models.Principal{Subject: "user-1", IDToken: idToken},
		ExpiresAt:      time.Now().Add(time.Hour),
	}))
	require.NoError(t, f.clients.Save(ctx, &models.AuthorizedClient{
		RegistrationID: "keycloak",
		PrincipalName:  "user-1",
		AccessToken:    "at",
		RefreshToken:   "rt",
	}))
}

func (f *handlerFixture) do(method, path string, withCookie bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if withCookie {
		req.AddCookie(&http.Cookie{Name: sessionmw.CookieName, Value: "sess-1"})
	}
	return testutil.DoRequest(f.router, req)
}

func TestLogoutHandler(t *testing.T) {
	testutil.Given(t, "an authenticated session with an ID token", func(t *testing.T) {
		f := newHandlerFixture(t, nil)
		f.login(t, "abc")

		rr := f.do(http.MethodPost, "/logout", true)

		testutil.AssertRedirect(t, rr, "http://idp:9000/connect/logout?id_token_hint=abc&post_logout_redirect_uri=http%3A%2F%2Fgw%3A8888%2Flogout-success&logout=true")
		assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))
		assert.ElementsMatch(t, []string{HintAccessToken, HintRefreshToken}, []string{<-f.revoked, <-f.revoked})

		_, err := f.sessions.FindByID(context.Background(), "sess-1")
		assert.Error(t, err)
		_, err = f.clients.Load(context.Background(), models.ClientKey{RegistrationID: "keycloak", PrincipalName: "user-1"})
		assert.Error(t, err)

		testutil.Then(t, "a second logout takes the no-session branch", func(t *testing.T) {
			rr := f.do(http.MethodPost, "/logout", true)
			testutil.AssertRedirect(t, rr, "http://localhost:3000?logout=success")
			assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))
		})
	})

	testutil.Given(t, "an authenticated session without an ID token", func(t *testing.T) {
		f := newHandlerFixture(t, nil)
		f.login(t, "")

		rr := f.do(http.MethodPost, "/logout", true)
		testutil.AssertRedirect(t, rr, "http://localhost:3000?logout=success")
		assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))
	})

	testutil.When(t, "GET /logout is requested", func(t *testing.T) {
		f := newHandlerFixture(t, nil)
		f.login(t, "abc")

		rr := f.do(http.MethodGet, "/logout", true)
		testutil.AssertRedirect(t, rr, "http://localhost:3000/?logout=success&oidc=true")
		assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))

		_, err := f.sessions.FindByID(context.Background(), "sess-1")
		assert.NoError(t, err, "GET must not touch the session")
	})

	testutil.When(t, "the IdP returns to /logout-success", func(t *testing.T) {
		f := newHandlerFixture(t, nil)

		rr := f.do(http.MethodGet, SuccessPath, false)
		testutil.AssertRedirect(t, rr, "http://localhost:3000?logout=success&oidc=true")
		assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))
	})

	testutil.When(t, "teardown panics", func(t *testing.T) {
		f := newHandlerFixture(t, func(s *Service) Orchestrator { return panickingOrchestrator{s} })
		f.login(t, "abc")

		rr := f.do(http.MethodPost, "/logout", true)
		testutil.AssertRedirect(t, rr, "http://localhost:3000?logout=error")
		assert.ElementsMatch(t, ClearedCookies, testutil.ClearedCookies(rr))
	})
}

func TestClearedCookieAttributes(t *testing.T) {
	f := newHandlerFixture(t, nil)
	rr := f.do(http.MethodGet, SuccessPath, false)

	for _, c := range rr.Result().Cookies() {
		assert.Equal(t, "/", c.Path, c.Name)
		assert.Empty(t, c.Value, c.Name)
		assert.Less(t, c.MaxAge, 0, c.Name)
	}
	assert.Contains(t, rr.Header().Values("Set-Cookie")[0], "Max-Age=0")
}
