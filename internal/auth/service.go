package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
)

// RevocationStore は失効済みjtiの保存先。
// repository.RevokedTokenRepositoryがこれを満たす。
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// TokenPair はログイン時に返すトークンの組。
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Service はAPIユーザーの認証に関するビジネスロジックを提供する。
type Service struct {
	users   repository.UserRepository
	revoked RevocationStore
	issuer  *TokenIssuer
	logger  *slog.Logger
	cost    int
}

// NewService はServiceを生成する。
func NewService(users repository.UserRepository, revoked RevocationStore, issuer *TokenIssuer, logger *slog.Logger) *Service {
	return &Service{
		users:   users,
		revoked: revoked,
		issuer:  issuer,
		logger:  logger,
		cost:    bcrypt.DefaultCost,
	}
}

// Register はユーザーを登録する。パスワードはbcryptでハッシュ化して保存する。
func (s *Service) Register(ctx context.Context, username, password string) (*model.User, error) {
	existing, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewUserExistsError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	user := &model.User{Username: username, PasswordHash: string(hash)}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", slog.Int64("user_id", user.ID))
	return user, nil
}

// Login はパスワードを検証し、freshなアクセストークンとリフレッシュトークンを発行する。
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	access, err := s.issuer.IssueAccess(user.ID, true)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issuer.IssueRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", slog.Int64("user_id", user.ID))
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Authenticate はトークンを検証し、用途と失効状態を確認する。
func (s *Service) Authenticate(ctx context.Context, token string, want TokenType) (*Claims, error) {
	claims, err := s.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != want {
		return nil, fmt.Errorf("%w: %s token required", ErrInvalidToken, want)
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("失効状態の確認に失敗しました: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Logout はトークンのjtiを失効させる。
func (s *Service) Logout(ctx context.Context, claims *Claims) error {
	expiresAt := time.Now()
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := s.revoked.Revoke(ctx, claims.ID, expiresAt); err != nil {
		return fmt.Errorf("トークンの失効に失敗しました: %w", err)
	}
	s.logger.Info("user logged out", slog.String("user_id", claims.Subject))
	return nil
}

// Refresh はリフレッシュトークンのクレームから非freshなアクセストークンを発行する。
func (s *Service) Refresh(claims *Claims) (string, error) {
	if claims.Type != TokenTypeRefresh {
		return "", fmt.Errorf("%w: refresh token required", ErrInvalidToken)
	}
	userID, err := claims.UserID()
	if err != nil {
		return "", err
	}
	return s.issuer.IssueAccess(userID, false)
}

// GetUser はユーザーを返す。
func (s *Service) GetUser(ctx context.Context, id int64) (*model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// DeleteUser はユーザーを削除する。
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if err := s.users.DeleteByID(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}
	s.logger.Info("user deleted", slog.Int64("user_id", id))
	return nil
}
