// TrigpointingUK Tile Proxy - Metered OS Maps tile caching and admission control
// Copyright 2026 TrigpointingUK
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trigpointinguk/tileproxy

package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trigpointinguk/tileproxy/internal/ledger"
)

const callerKey contextKey = "caller"

// Identity resolves the caller for usage attribution.
//
// Authentication itself happens at the edge (Auth0 in front of the main
// API); by the time a request reaches the proxy its bearer token has
// already been validated, so the claims are read without signature
// verification purely to recover the subject for per-user accounting.
// The token is NEVER used to grant anything. A request with no token,
// or a token with no subject, is anonymous and accounted by IP; if even
// the IP cannot be determined the caller lands in the shared unknown-IP
// bucket rather than being rejected.
func Identity(next http.Handler) http.Handler {
	parser := jwt.NewParser()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := ledger.Caller{IP: clientIP(r)}

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw := strings.TrimPrefix(auth, "Bearer ")
			if token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{}); err == nil {
				if sub, err := token.Claims.GetSubject(); err == nil {
					caller.UserID = sub
				}
			}
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFromContext returns the resolved caller. The zero Caller (fully
// anonymous, unknown IP) is returned if Identity did not run.
func CallerFromContext(ctx context.Context) ledger.Caller {
	if c, ok := ctx.Value(callerKey).(ledger.Caller); ok {
		return c
	}
	return ledger.Caller{}
}

// clientIP extracts the remote address, honoring the proxies this
// service is deployed behind. chi's RealIP middleware has already
// rewritten RemoteAddr from X-Forwarded-For when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may already be a bare IP after RealIP rewriting.
		if ip := net.ParseIP(r.RemoteAddr); ip != nil {
			return ip.String()
		}
		return ""
	}
	return host
}
