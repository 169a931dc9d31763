// Package auth extracts relay credentials from requests and derives the
// principal key that rate limits are bucketed by.
package auth

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/vai-relay/pkg/gateway/ratelimit"
)

// QueryParam carries the API key on WebSocket upgrades, where browsers cannot
// set an Authorization header.
const QueryParam = "api_key"

type Source string

const (
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
)

type Principal struct {
	APIKey string
	Source Source
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer reads an "Authorization: Bearer <token>" header. The scheme is
// matched case-insensitively.
func ParseBearer(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Credential returns the key presented on r. The query parameter is consulted
// only when allowQuery is set and no bearer header is present.
func Credential(r *http.Request, allowQuery bool) (Principal, bool) {
	if token, ok := ParseBearer(r); ok {
		return Principal{APIKey: token, Source: SourceHeader}, true
	}
	if !allowQuery {
		return Principal{}, false
	}
	if token := strings.TrimSpace(r.URL.Query().Get(QueryParam)); token != "" {
		return Principal{APIKey: token, Source: SourceQuery}, true
	}
	return Principal{}, false
}

// Key buckets r for rate limiting: the hashed API key of an authenticated
// caller, otherwise the hashed client IP, otherwise "anonymous".
func Key(r *http.Request, trustProxyHeaders bool) string {
	if p, ok := PrincipalFrom(r.Context()); ok && p.APIKey != "" {
		return ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	if ip := ClientIP(r, trustProxyHeaders); ip != "" {
		return ratelimit.PrincipalKeyFromIP(ip)
	}
	return "anonymous"
}

// ClientIP resolves the caller address. Forwarding headers are honored only
// when trustProxyHeaders is set; for X-Forwarded-For the left-most hop wins.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		candidates := []string{
			r.Header.Get("CF-Connecting-IP"),
			r.Header.Get("X-Real-IP"),
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			candidates = append(candidates, first)
		}
		for _, c := range candidates {
			if ip := normalizeIP(c); ip != "" {
				return ip
			}
		}
	}
	return normalizeIP(r.RemoteAddr)
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
