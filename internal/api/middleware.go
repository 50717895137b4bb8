/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * authentication, logging, or adding context to a request.
 *
 * Auth is a shared-secret HS256 JWT: the `sub` claim carries the caller's
 * UUID and the `role` claim distinguishes users from admins. Admin routes
 * additionally pass through RequireAdmin.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: JWT parsing and validation.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// authContextKey is a custom type for context keys to avoid collisions.
type authContextKey string

const (
	actorIDKey   authContextKey = "actorID"
	actorRoleKey authContextKey = "actorRole"
)

// Actor roles carried in the JWT `role` claim.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// JWTAuthMiddleware creates a middleware that validates HS256 JWT tokens
// signed with the shared service secret.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get the Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Extract the token from "Bearer <token>"
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}
			if !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			// The subject must be the actor's UUID.
			sub, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}
			actorID, err := uuid.Parse(sub)
			if err != nil {
				http.Error(w, "Invalid subject format", http.StatusUnauthorized)
				return
			}

			role, _ := claims["role"].(string)
			if role == "" {
				role = RoleUser
			}

			ctx := context.WithValue(r.Context(), actorIDKey, actorID)
			ctx = context.WithValue(ctx, actorRoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects requests whose token does not carry the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := GetActorRole(r.Context()); role != RoleAdmin {
			http.Error(w, "Admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetActorID retrieves the authenticated actor's UUID from the request context.
func GetActorID(ctx context.Context) (uuid.UUID, bool) {
	actorID, ok := ctx.Value(actorIDKey).(uuid.UUID)
	return actorID, ok
}

// GetActorRole retrieves the authenticated actor's role from the request context.
func GetActorRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(actorRoleKey).(string)
	return role, ok
}
