package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

func subjectFrom(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// requireToken checks an HS256 bearer token when an auth secret is
// configured and passes everything through otherwise. The token subject is
// recorded as the operator on resolutions.
func (s *Server) requireToken(next http.Handler) http.Handler {
	if len(s.deps.AuthSecret) == 0 {
		return next
	}
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.deps.AuthSecret, nil
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), keyFunc,
			jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			s.deps.Logger.DebugContext(r.Context(), "bearer token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := r.Context()
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			ctx = context.WithValue(ctx, subjectKey{}, sub)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
