package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"campusone.org/internal/auth"
	"campusone.org/internal/scope"
	"campusone.org/internal/tenant"
)

const (
	authHeader         = "Authorization"
	bearer             = "Bearer "
	refreshHeader      = "X-Refresh-Token"
	renewedTokenHeader = "X-New-Access-Token"
)

var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/logout",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth authenticates every non-public request. An expired access token
// accompanied by a valid refresh credential is renewed silently: the request
// proceeds and the replacement token rides back on X-New-Access-Token.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.auth == nil {
		return next
	}
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

		principal, renewed, err := a.auth.AuthenticateWithRenewal(r.Context(), token, strings.TrimSpace(r.Header.Get(refreshHeader)))
		if err != nil {
			handleAuthnError(w, r, err)
			return
		}
		if renewed != "" {
			w.Header().Set(renewedTokenHeader, renewed)
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func handleAuthnError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "token is bound to another tenant")
	case errors.Is(err, scope.ErrNoTenant):
		writeError(w, r, http.StatusBadRequest, "tenant context required: send X-Tenant-ID")
	default:
		writeError(w, r, http.StatusInternalServerError, "authentication error")
	}
}

// ensurePermission enforces the permission key, applying the manage rule.
// Writes the response itself and reports whether the handler may proceed.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !principal.Can(perm) {
		writeError(w, r, http.StatusForbidden, "permission denied: "+perm)
		return false
	}
	return true
}

// ensureFeature enforces the tenant's plan gate for a feature.
func (a *API) ensureFeature(w http.ResponseWriter, r *http.Request, feature string) bool {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, tenant.ErrRequired.Error())
		return false
	}
	if !tenant.FeatureEnabled(t.Plan, feature) {
		writeError(w, r, http.StatusForbidden, "feature not available on the "+t.Plan+" plan: "+feature)
		return false
	}
	return true
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
