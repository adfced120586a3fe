// Package gateway dispatches proxied requests: it matches the route table,
// applies the authorization policy, runs the rule's filter chain, relays the
// session's access token to trusted destinations and injects identity headers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	proxyutil "net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bffgate/internal/policy"
	"bffgate/internal/routing"
	sessionmw "bffgate/internal/session/middleware"
	"bffgate/internal/session/models"
	dErrors "bffgate/pkg/domain-errors"
	audit "bffgate/pkg/platform/audit"
	"bffgate/pkg/platform/httputil"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// TokenSource yields a currently valid access token for a principal's
// authorized client, refreshing it if needed. It returns sentinel.ErrNotFound
// when no client is stored.
type TokenSource interface {
	AccessToken(ctx context.Context, key models.ClientKey) (string, error)
}

// Dispatcher is the http.Handler for every request not served locally.
type Dispatcher struct {
	table     *routing.Table
	engine    *policy.Engine
	registry  *Registry
	tokens    TokenSource
	logger    *slog.Logger
	metrics   *Metrics
	auditor   audit.Emitter
	tracer    trace.Tracer
	transport http.RoundTripper
	loginPath string

	chains map[string][]outboundFilter
	proxy  *proxyutil.ReverseProxy
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTokenSource enables token relay.
func WithTokenSource(ts TokenSource) Option {
	return func(d *Dispatcher) { d.tokens = ts }
}

// WithMetrics records dispatch metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAuditor emits access_denied events.
func WithAuditor(a audit.Emitter) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithTransport sets the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) {
		if rt != nil {
			d.transport = rt
		}
	}
}

// WithLoginPath sets where anonymous browser navigations are redirected.
func WithLoginPath(p string) Option {
	return func(d *Dispatcher) {
		if p != "" {
			d.loginPath = p
		}
	}
}

// New builds a dispatcher. It fails if a rule's filters cannot be compiled.
func New(table *routing.Table, engine *policy.Engine, registry *Registry, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		table:     table,
		engine:    engine,
		registry:  registry,
		logger:    logger,
		tracer:    otel.Tracer("bffgate/gateway"),
		transport: http.DefaultTransport,
		loginPath: "/login",
		chains:    make(map[string][]outboundFilter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, r := range table.Rules() {
		chain, err := compileFilters(r.Filters)
		if err != nil {
			return nil, err
		}
		d.chains[r.ID] = chain
	}
	d.proxy = &proxyutil.ReverseProxy{
		Rewrite:      d.rewrite,
		Transport:    d.transport,
		ErrorHandler: d.upstreamError,
	}
	return d, nil
}

type planKey struct{}

// plan carries per-request proxy decisions from ServeHTTP into Rewrite.
type plan struct {
	rule      routing.Rule
	target    *url.URL
	filters   []outboundFilter
	principal *models.Principal
	relay     bool
	token     string
	failed    bool
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "gateway.dispatch")
	defer span.End()

	session := sessionmw.FromContext(ctx)
	var principal *models.Principal
	if session != nil {
		principal = &session.Principal
	}

	if !routing.IsCanonicalPath(r.URL.Path) {
		d.metrics.IncRequest("", OutcomeRejected)
		d.logger.WarnContext(ctx, "rejecting non-canonical path",
			"method", r.Method,
			"path", r.URL.Path,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed path"))
		return
	}

	rule, ok := d.table.Match(r.Method, r.URL.Path)
	if !ok {
		d.metrics.IncRequest("", OutcomeNoRoute)
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no route"))
		return
	}
	span.SetAttributes(attribute.String("gateway.rule", rule.ID))

	decision := d.engine.Decide(r.Method, r.URL.Path, principal)
	d.metrics.IncDecision(decision.Effect.String(), decision.Reason)
	span.SetAttributes(attribute.String("policy.effect", decision.Effect.String()))
	if !decision.Allowed() {
		d.metrics.IncRequest(rule.ID, OutcomeDenied)
		d.deny(ctx, w, r, decision)
		return
	}

	target, err := d.registry.Resolve(rule.Destination)
	if err != nil {
		d.metrics.IncRequest(rule.ID, OutcomeUnavailable)
		d.logger.ErrorContext(ctx, "destination unresolved",
			"rule", rule.ID,
			"destination", rule.Destination,
			"error", err,
		)
		span.SetStatus(codes.Error, "destination unresolved")
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeServiceUnavailable, "service unavailable"))
		return
	}

	p := &plan{
		rule:      rule,
		target:    target,
		filters:   d.chains[rule.ID],
		principal: principal,
		relay:     rule.Relays(),
	}
	if p.relay {
		p.token = d.relayToken(ctx, session, target)
	}

	start := time.Now()
	d.proxy.ServeHTTP(w, r.WithContext(context.WithValue(ctx, planKey{}, p)))
	d.metrics.ObserveProxy(rule.ID, time.Since(start))
	if !p.failed {
		d.metrics.IncRequest(rule.ID, OutcomeProxied)
	}
}

// relayToken returns the token to attach, or "" when relay is a no-op.
func (d *Dispatcher) relayToken(ctx context.Context, session *models.AuthenticatedSession, target *url.URL) string {
	if session == nil || d.tokens == nil {
		d.metrics.IncRelay(RelayAnonymous)
		return ""
	}
	if !d.registry.Trusted(target) {
		d.metrics.IncRelay(RelayUntrusted)
		d.logger.WarnContext(ctx, "refusing to relay token to untrusted destination",
			"host", target.Host,
		)
		return ""
	}
	token, err := d.tokens.AccessToken(ctx, session.Key())
	switch {
	case err == nil:
		d.metrics.IncRelay(RelayAttached)
		return token
	case errors.Is(err, sentinel.ErrNotFound):
		d.metrics.IncRelay(RelayNoClient)
	default:
		d.metrics.IncRelay(RelayError)
		d.logger.WarnContext(ctx, "token relay failed, forwarding without token",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return ""
}

func (d *Dispatcher) rewrite(pr *proxyutil.ProxyRequest) {
	p, _ := pr.In.Context().Value(planKey{}).(*plan)
	if p == nil {
		return
	}
	for _, f := range p.filters {
		f(pr.Out)
	}
	pr.SetURL(p.target)
	pr.SetXForwarded()

	propagateUserContext(pr.Out.Header, p.principal)
	if p.relay {
		pr.Out.Header.Del("Authorization")
		if p.token != "" {
			pr.Out.Header.Set("Authorization", "Bearer "+p.token)
		}
	}
}

func (d *Dispatcher) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	rule := ""
	if p, ok := ctx.Value(planKey{}).(*plan); ok {
		rule = p.rule.ID
		p.failed = true
	}
	d.metrics.IncRequest(rule, OutcomeUpstreamError)
	if errors.Is(err, context.Canceled) {
		return
	}
	d.logger.WarnContext(ctx, "upstream request failed",
		"rule", rule,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, "upstream error")
	httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadGateway, "upstream unavailable"))
}

func (d *Dispatcher) deny(ctx context.Context, w http.ResponseWriter, r *http.Request, decision policy.Decision) {
	if d.auditor != nil {
		err := d.auditor.Emit(ctx, audit.Event{
			Action:    string(audit.EventAccessDenied),
			Subject:   requestcontext.Subject(ctx),
			SessionID: requestcontext.SessionID(ctx),
			Decision:  decision.Effect.String(),
			Reason:    decision.Reason,
			Path:      r.URL.Path,
			ClientIP:  requestcontext.ClientIP(ctx),
			Details:   map[string]string{"method": r.Method, "status": strconv.Itoa(decision.Status)},
		})
		if err != nil {
			d.logger.WarnContext(ctx, "audit emit failed", "error", err)
		}
	}

	if decision.Status == http.StatusUnauthorized && isBrowserNavigation(r) {
		http.Redirect(w, r, d.loginPath, http.StatusFound)
		return
	}
	if decision.Status == http.StatusForbidden {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient privileges"))
		return
	}
	httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
}

func isBrowserNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
