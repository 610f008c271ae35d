// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/auth"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストにJWTクレームを格納するためのキー。
var claimsContextKey = contextKey("jwt_claims")

// JWTエラーレスポンスのerror値
const (
	jwtErrAuthorizationRequired = "authorization_required"
	jwtErrInvalidToken          = "invalid_token"
	jwtErrTokenExpired          = "token_expired"
	jwtErrTokenRevoked          = "token_revoked"
)

// Authenticator はBearerトークンの検証に必要なインターフェース。
// auth.Serviceの部分集合として定義する。
type Authenticator interface {
	Authenticate(ctx context.Context, token string, want auth.TokenType) (*auth.Claims, error)
}

// jwtErrorBody はJWT検証失敗時のレスポンス。
type jwtErrorBody struct {
	Description string `json:"description"`
	Error       string `json:"error"`
}

// NewJWTMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// wantで指定した用途のトークンのみ受け付け、クレームをリクエストコンテキストに注入する。
func NewJWTMiddleware(authenticator Authenticator, want auth.TokenType) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeJWTError(w, "Request does not contain an access token", jwtErrAuthorizationRequired)
				return
			}

			claims, err := authenticator.Authenticate(r.Context(), token, want)
			switch {
			case err == nil:
			case errors.Is(err, auth.ErrMissingToken):
				writeJWTError(w, "Request does not contain an access token", jwtErrAuthorizationRequired)
				return
			case errors.Is(err, auth.ErrTokenExpired):
				writeJWTError(w, "The token has expired", jwtErrTokenExpired)
				return
			case errors.Is(err, auth.ErrTokenRevoked):
				writeJWTError(w, "The token has been revoked", jwtErrTokenRevoked)
				return
			case errors.Is(err, auth.ErrInvalidToken):
				writeJWTError(w, err.Error(), jwtErrInvalidToken)
				return
			default:
				slog.Error("failed to authenticate token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}

			if holder, ok := r.Context().Value(userIDHolderKey).(*userIDHolder); ok {
				holder.set(claims.Subject)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func writeJWTError(w http.ResponseWriter, description, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(jwtErrorBody{Description: description, Error: code})
}

// ClaimsFromContext はリクエストコンテキストからJWTクレームを取得する。
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// ContextWithClaims はコンテキストにJWTクレームを注入する。
func ContextWithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// JWTミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return claims.Subject, nil
}
