package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"caseflow.io/internal/identity"
	"caseflow.io/internal/tenant"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/v1/auth/password-reset/request",
	"/v1/auth/password-reset/confirm",
}

type claimsKey struct{}

// ClaimsFromContext returns the verified token claims for the request.
func ClaimsFromContext(ctx context.Context) (*identity.TokenClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*identity.TokenClaims)
	return c, ok
}

// withAuth verifies the bearer token on protected routes and scopes the
// request context to the token's account.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.svc.VerifyAccess(r.Context(), token)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		if claims.AccountID != "" {
			ctx, err = tenant.Push(ctx, claims.AccountID)
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireClaims fetches claims or writes 401. Routes behind withAuth
// always have them; the guard covers direct handler tests.
func requireClaims(w http.ResponseWriter, r *http.Request) (*identity.TokenClaims, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	return claims, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
