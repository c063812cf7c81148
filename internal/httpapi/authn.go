package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"medportal.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth validates the bearer token, applies pol and stores the principal
// in the request context.
func (a *API) withAuth(pol auth.Policy, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="portal"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.portal.Authenticate(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="portal", error="invalid_token"`)
			a.writeAuthError(w, r, err)
			return
		}
		if err := a.authorizer.Authorize(r.Context(), &principal, pol); err != nil {
			a.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
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
