// Package auth はAPIユーザーの登録・ログインとJWTの発行・検証を提供する。
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType はJWTの用途。
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var (
	// ErrMissingToken はAuthorizationヘッダーがない場合に返される。
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken は署名・形式・用途が不正な場合に返される。
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired は有効期限切れの場合に返される。
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenRevoked はログアウト済みのトークンの場合に返される。
	ErrTokenRevoked = errors.New("token has been revoked")
)

// Claims はこのサービスが発行するJWTのペイロード。
type Claims struct {
	Type  TokenType `json:"type"`
	Fresh bool      `json:"fresh,omitempty"`
	jwt.RegisteredClaims
}

// UserID はsubクレームのユーザーIDを返す。
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return id, nil
}

// IssuerConfig はJWT発行の設定。
type IssuerConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer はHS256で署名したアクセス/リフレッシュトークンを発行・検証する。
type TokenIssuer struct {
	cfg IssuerConfig
	now func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(cfg IssuerConfig) *TokenIssuer {
	return &TokenIssuer{cfg: cfg, now: time.Now}
}

// IssueAccess はアクセストークンを発行する。freshはパスワード認証直後かどうか。
func (i *TokenIssuer) IssueAccess(userID int64, fresh bool) (string, error) {
	return i.issue(userID, TokenTypeAccess, fresh, i.cfg.AccessTTL)
}

// IssueRefresh はリフレッシュトークンを発行する。
func (i *TokenIssuer) IssueRefresh(userID int64) (string, error) {
	return i.issue(userID, TokenTypeRefresh, false, i.cfg.RefreshTTL)
}

func (i *TokenIssuer) issue(userID int64, typ TokenType, fresh bool, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Type:  typ,
		Fresh: fresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse は署名・発行者・有効期限を検証してクレームを返す。
func (i *TokenIssuer) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(i.cfg.Secret), nil
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims, nil
}
