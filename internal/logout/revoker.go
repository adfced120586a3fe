package logout

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Token type hints sent to the revocation endpoint.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// HTTPRevoker calls an RFC 7009 revocation endpoint with client_secret_basic.
type HTTPRevoker struct {
	endpoint     string
	clientID     string
	clientSecret string
	client       *http.Client
}

// NewHTTPRevoker builds a revoker. A nil client uses http.DefaultClient;
// per-call deadlines come from the context.
func NewHTTPRevoker(endpoint, clientID, clientSecret string, client *http.Client) *HTTPRevoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRevoker{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

// Revoke posts token with its type hint. Any non-2xx status is an error.
func (r *HTTPRevoker) Revoke(ctx context.Context, token, hint string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(r.clientID), url.QueryEscape(r.clientSecret))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", hint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("revoke %s: unexpected status %d", hint, resp.StatusCode)
	}
	return nil
}
