package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authorizeBearer validates an operator bearer token: HS256 signature,
// expiry, and the scope required by the route. Scopes come from a "scopes"
// claim holding either an array or a space-separated string.
func authorizeBearer(authHeader, secret, requiredScope string, now time.Time) *authError {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(token *jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return &authError{status: http.StatusUnauthorized, message: "invalid bearer token"}
	}

	scopes := parseScopes(claims["scopes"])
	if len(scopes) == 0 {
		return &authError{status: http.StatusForbidden, message: "no scopes granted"}
	}
	if requiredScope != "" {
		if _, ok := scopes[requiredScope]; !ok {
			return &authError{status: http.StatusForbidden, message: "missing required scope: " + requiredScope}
		}
	}
	return nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
