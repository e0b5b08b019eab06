package middleware

import (
	"context"
	"net/http"
	"strings"
)

// TokenValidator resolves a gateway-issued session token to a user id.
type TokenValidator interface {
	Validate(token string) (userID string, ok bool)
}

// SessionAuth guards routes with the bearer token issued at login. The user
// id lands in the request context under "UID".
func SessionAuth(v TokenValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := findToken(r, tokenFromHeader, tokenFromQuery)

			uid, ok := v.Validate(token)
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), "UID", uid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
