// Package subject は被験者とOAuthトークンのライフサイクルを管理する。
package subject

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
)

// TokenRefresher はリフレッシュトークンを新しいトークン3点組に交換する。
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (model.TokenSet, error)
}

// TokenManager は被験者ごとのアクセストークンを有効な状態に保つ。
// 同一被験者へのリフレッシュはsingleflightで1回に集約する。
type TokenManager struct {
	refresher TokenRefresher
	repo      repository.SubjectRepository
	group     singleflight.Group
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewTokenManager はTokenManagerを生成する。
func NewTokenManager(
	refresher TokenRefresher,
	repo repository.SubjectRepository,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *TokenManager {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &TokenManager{
		refresher: refresher,
		repo:      repo,
		logger:    logger,
		metrics:   mc,
		now:       time.Now,
	}
}

// EnsureFresh は有効なアクセストークンを返す。
// expires_atが現在時刻より前の場合のみリフレッシュし、結果を永続化してsubjectにも反映する。
func (m *TokenManager) EnsureFresh(ctx context.Context, s *model.Subject) (string, error) {
	if !s.TokenExpired(m.now()) {
		return s.AccessToken, nil
	}
	tokens, err := m.refresh(ctx, s.SubjectID, false)
	if err != nil {
		return "", err
	}
	s.ApplyTokens(tokens)
	return s.AccessToken, nil
}

// ForceRefresh は有効期限に関係なくトークンをリフレッシュする。
func (m *TokenManager) ForceRefresh(ctx context.Context, s *model.Subject) (string, error) {
	tokens, err := m.refresh(ctx, s.SubjectID, true)
	if err != nil {
		return "", err
	}
	s.ApplyTokens(tokens)
	return s.AccessToken, nil
}

// refresh はsingleflight内でDBの最新行を読み直してからリフレッシュする。
// 先行するリクエストが既に更新済みなら、その結果をそのまま返す。
func (m *TokenManager) refresh(ctx context.Context, subjectID string, force bool) (model.TokenSet, error) {
	key := subjectID
	if force {
		key = "force:" + subjectID
	}

	// 呼び出し元の1つがキャンセルしても他の待機者を巻き込まない
	flightCtx := context.WithoutCancel(ctx)

	v, err, shared := m.group.Do(key, func() (any, error) {
		current, err := m.repo.FindBySubjectID(flightCtx, subjectID)
		if err != nil {
			return nil, fmt.Errorf("被験者の取得に失敗しました: %w", err)
		}
		if current == nil {
			return nil, fmt.Errorf("subject %s: %w", subjectID, model.ErrNotFound)
		}
		if !force && !current.TokenExpired(m.now()) {
			return model.TokenSet{
				AccessToken:  current.AccessToken,
				RefreshToken: current.RefreshToken,
				ExpiresAt:    current.ExpiresAt,
			}, nil
		}

		tokens, err := m.refresher.Refresh(flightCtx, current.RefreshToken)
		m.metrics.RecordTokenRefresh(err == nil)
		if err != nil {
			m.logger.Error("トークンのリフレッシュに失敗しました",
				slog.String("subject_id", subjectID),
				slog.String("error", err.Error()),
			)
			return nil, err
		}

		if err := m.repo.UpdateTokens(flightCtx, subjectID, tokens); err != nil {
			return nil, fmt.Errorf("トークンの保存に失敗しました: %w", err)
		}

		m.logger.Info("トークンをリフレッシュしました",
			slog.String("subject_id", subjectID),
			slog.Int64("expires_at", tokens.ExpiresAt),
		)
		return tokens, nil
	})
	if err != nil {
		return model.TokenSet{}, err
	}
	if shared {
		m.logger.Debug("リフレッシュ結果を共有しました", slog.String("subject_id", subjectID))
	}
	return v.(model.TokenSet), nil
}
