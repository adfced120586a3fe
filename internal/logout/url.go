package logout

import (
	"net/url"
	"strings"
)

// SuccessPath is where the IdP returns the browser after end-session.
const SuccessPath = "/logout-success"

// EndSessionURL builds the IdP end-session redirect. Parameters keep a fixed
// order: id_token_hint, sid (only when present), post_logout_redirect_uri,
// logout.
func EndSessionURL(endSession, idToken, sid, gatewayURL string) string {
	var b strings.Builder
	b.WriteString(endSession)
	b.WriteString("?id_token_hint=")
	b.WriteString(url.QueryEscape(idToken))
	if sid != "" {
		b.WriteString("&sid=")
		b.WriteString(url.QueryEscape(sid))
	}
	b.WriteString("&post_logout_redirect_uri=")
	b.WriteString(url.QueryEscape(strings.TrimSuffix(gatewayURL, "/") + SuccessPath))
	b.WriteString("&logout=true")
	return b.String()
}

// FrontendURL appends a raw query to the frontend base URL.
func FrontendURL(frontend, query string) string {
	return frontend + "?" + query
}
