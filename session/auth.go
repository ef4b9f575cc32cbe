package session

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

// UserIDFromToken returns the "sub" claim of an OpenID Connect ID token. The
// signature is not verified; the token only names the database to open, and
// the server authorizes every request with the access token.
func UserIDFromToken(idToken string) (string, error) {
	if idToken == "" {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "session", "UserIDFromToken", "id token is required")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return "", errors.WrapInvalid(err, "session", "UserIDFromToken", "parse id token")
	}
	if claims.Subject == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "session", "UserIDFromToken", "id token has no subject")
	}
	return claims.Subject, nil
}

// NewHTTPClient returns a client that attaches a bearer token from src to
// requests for the origin of apiURL only. Requests to any other origin,
// including redirect hops, leave with Authorization and Cookie removed. A nil
// src sends no credentials; a nil base uses http.DefaultTransport.
func NewHTTPClient(apiURL string, src oauth2.TokenSource, base http.RoundTripper) (*http.Client, error) {
	origin, err := url.Parse(apiURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "session", "NewHTTPClient", "invalid api url "+apiURL)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	t := &originTransport{origin: origin, plain: base, authed: base}
	if src != nil {
		t.authed = &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, src), Base: base}
	}
	return &http.Client{Transport: t}, nil
}

type originTransport struct {
	origin *url.URL
	authed http.RoundTripper
	plain  http.RoundTripper
}

func (t *originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if sameOrigin(t.origin, req.URL) {
		return t.authed.RoundTrip(req)
	}
	if req.Header.Get("Authorization") == "" && req.Header.Get("Cookie") == "" {
		return t.plain.RoundTrip(req)
	}
	stripped := req.Clone(req.Context())
	stripped.Header.Del("Authorization")
	stripped.Header.Del("Cookie")
	return t.plain.RoundTrip(stripped)
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}
