package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/harborpress/pulse/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Subject string
	Role    string
}

const contextKeyAuth authContextKey = "pulse-auth-info"

// requireAuth ensures the request has a valid bearer token before invoking
// the handler. There is no user store here; dashboards hold tokens minted by
// the CMS's auth service with the shared secret.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwt.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		info := authInfo{Subject: claims.Subject, Role: claims.Role}
		ctx := context.WithValue(req.Context(), contextKeyAuth, info)
		next(w, req.WithContext(ctx))
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
