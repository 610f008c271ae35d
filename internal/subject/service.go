package subject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
)

// CodeExchanger はStravaの認可コードをアスリート情報とトークンに交換する。
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*model.AthleteGrant, error)
}

// StreamDeleter はアクティビティのストリームを削除する。
type StreamDeleter interface {
	DeleteStream(ctx context.Context, activity *model.Activity) error
}

// CreateInput は被験者の手動登録に必要な情報。
type CreateInput struct {
	SubjectID    string
	StravaID     int64
	Sex          string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// Service は被験者管理のサービス層。
type Service struct {
	subjects   repository.SubjectRepository
	activities repository.ActivityRepository
	streams    StreamDeleter
	exchanger  CodeExchanger
	tokens     *TokenManager
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	subjects repository.SubjectRepository,
	activities repository.ActivityRepository,
	streams StreamDeleter,
	exchanger CodeExchanger,
	tokens *TokenManager,
	logger *slog.Logger,
) *Service {
	return &Service{
		subjects:   subjects,
		activities: activities,
		streams:    streams,
		exchanger:  exchanger,
		tokens:     tokens,
		logger:     logger,
	}
}

// RegisterFromOAuth はOAuthコールバックで受け取った認可コードから被験者を登録する。
// 既存の被験者は上書きしない。
func (s *Service) RegisterFromOAuth(ctx context.Context, subjectID, code string) (*model.Subject, error) {
	if err := s.checkAvailable(ctx, subjectID); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, model.NewInvalidRequestError("authorization code is missing")
	}

	grant, err := s.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	subject := &model.Subject{
		SubjectID: subjectID,
		StravaID:  grant.AthleteID,
		Sex:       grant.Sex,
	}
	subject.ApplyTokens(grant.Tokens)

	if err := s.create(ctx, subject); err != nil {
		return nil, err
	}
	s.logger.Info("被験者を登録しました",
		slog.String("subject_id", subjectID),
		slog.Int64("strava_id", subject.StravaID),
	)
	return subject, nil
}

// Create は被験者を手動で登録する。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Subject, error) {
	if err := s.checkAvailable(ctx, in.SubjectID); err != nil {
		return nil, err
	}
	subject := &model.Subject{
		SubjectID:    in.SubjectID,
		StravaID:     in.StravaID,
		Sex:          in.Sex,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
	}
	if err := s.create(ctx, subject); err != nil {
		return nil, err
	}
	return subject, nil
}

// Get は被験者を取得する。存在しない場合はSUBJECT_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, subjectID string) (*model.Subject, error) {
	subject, err := s.subjects.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("被験者の取得に失敗しました: %w", err)
	}
	if subject == nil {
		return nil, model.NewSubjectNotFoundError(subjectID)
	}
	return subject, nil
}

// List は全被験者を返す。
func (s *Service) List(ctx context.Context) ([]*model.Subject, error) {
	subjects, err := s.subjects.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("被験者一覧の取得に失敗しました: %w", err)
	}
	return subjects, nil
}

// ForceRefresh は被験者のトークンを強制的にリフレッシュし、更新後の被験者を返す。
func (s *Service) ForceRefresh(ctx context.Context, subjectID string) (*model.Subject, error) {
	subject, err := s.Get(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.ForceRefresh(ctx, subject); err != nil {
		return nil, err
	}
	return subject, nil
}

// Delete は被験者を削除する。
// アクティビティ行はCASCADEで消えるため、先にストリームを削除しておく。
func (s *Service) Delete(ctx context.Context, subjectID string) error {
	if _, err := s.Get(ctx, subjectID); err != nil {
		return err
	}

	activities, err := s.activities.ListBySubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("アクティビティ一覧の取得に失敗しました: %w", err)
	}
	for _, a := range activities {
		if err := s.streams.DeleteStream(ctx, a); err != nil {
			return fmt.Errorf("ストリームの削除に失敗しました: %w", err)
		}
	}

	if err := s.subjects.Delete(ctx, subjectID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewSubjectNotFoundError(subjectID)
		}
		return fmt.Errorf("被験者の削除に失敗しました: %w", err)
	}

	s.logger.Info("被験者を削除しました",
		slog.String("subject_id", subjectID),
		slog.Int("activities", len(activities)),
	)
	return nil
}

// checkAvailable は被験者コードの形式と未登録であることを確認する。
func (s *Service) checkAvailable(ctx context.Context, subjectID string) error {
	if !model.ValidSubjectID(subjectID) {
		return model.NewInvalidSubjectIDError(subjectID)
	}
	existing, err := s.subjects.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("被験者の取得に失敗しました: %w", err)
	}
	if existing != nil {
		return model.NewSubjectExistsError(subjectID)
	}
	return nil
}

func (s *Service) create(ctx context.Context, subject *model.Subject) error {
	if err := s.subjects.Create(ctx, subject); err != nil {
		if errors.Is(err, model.ErrDuplicateUpstreamID) {
			return model.NewSubjectExistsError(subject.SubjectID)
		}
		return fmt.Errorf("被験者の作成に失敗しました: %w", err)
	}
	return nil
}
