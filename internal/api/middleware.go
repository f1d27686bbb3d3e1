/**
 * @description
 * This file contains the bearer-token authentication for the HTTP router and
 * the websocket handshake. Tokens are HS256 JWTs signed with the shared
 * secret from configuration; the subject claim carries the user id.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// UserIDContextKey is a custom type for the context key to avoid collisions.
type UserIDContextKey string

const userIDKey UserIDContextKey = "userID"

var errMissingCredential = errors.New("missing bearer credential")

// AuthMiddleware validates the Authorization bearer token and stores the
// authenticated user id on the request context.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := authenticateRequest(r, jwtSecret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID retrieves the authenticated user id from the request context.
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(userIDKey).(uuid.UUID)
	return userID, ok
}

// TokenAuthenticator adapts the same token validation for the websocket
// handshake, where the credential may arrive as a header or, for browser
// clients that cannot set headers on upgrade requests, a query parameter.
type TokenAuthenticator struct {
	secret string
}

func NewTokenAuthenticator(jwtSecret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: jwtSecret}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (uuid.UUID, error) {
	return authenticateRequest(r, a.secret)
}

func authenticateRequest(r *http.Request, secret string) (uuid.UUID, error) {
	tokenString := ""
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return uuid.Nil, errors.New("authorization header format must be Bearer {token}")
		}
		tokenString = parts[1]
	} else if token := r.URL.Query().Get("token"); token != "" {
		tokenString = token
	}
	if tokenString == "" {
		return uuid.Nil, errMissingCredential
	}
	return validateToken(tokenString, secret)
}

func validateToken(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid or expired token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, errors.New("user id not found in token")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, errors.New("token subject is not a valid user id")
	}
	return userID, nil
}
