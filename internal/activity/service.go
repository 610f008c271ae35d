package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
	"github.com/hitoshi/stravasync/internal/stream"
)

// StreamStore はストリームの取得・削除・読み込みを行う。
type StreamStore interface {
	StreamFetcher
	DeleteStream(ctx context.Context, a *model.Activity) error
	Load(ctx context.Context, a *model.Activity) (*stream.Table, error)
}

// Service はアクティビティAPIとワーカーから使うサービス層。
type Service struct {
	subjects   repository.SubjectRepository
	activities repository.ActivityRepository
	fetcher    *Fetcher
	reconciler *Reconciler
	streams    StreamStore
	tokens     TokenSource
	logger     *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	subjects repository.SubjectRepository,
	activities repository.ActivityRepository,
	fetcher *Fetcher,
	reconciler *Reconciler,
	streams StreamStore,
	tokens TokenSource,
	logger *slog.Logger,
) *Service {
	return &Service{
		subjects:   subjects,
		activities: activities,
		fetcher:    fetcher,
		reconciler: reconciler,
		streams:    streams,
		tokens:     tokens,
		logger:     logger,
	}
}

// SyncSubject は被験者のアクティビティ一覧をStravaから取得して取り込む。
func (s *Service) SyncSubject(ctx context.Context, subjectID string, after, before *int64) (UpsertResult, error) {
	subject, err := s.subject(ctx, subjectID)
	if err != nil {
		return UpsertResult{}, err
	}

	records, err := s.fetcher.ListActivities(ctx, subject, after, before)
	if err != nil {
		return UpsertResult{}, err
	}
	return s.reconciler.UpsertBatch(ctx, subject, records)
}

// ListBySubject は被験者のアクティビティ一覧を返す。
func (s *Service) ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error) {
	if _, err := s.subject(ctx, subjectID); err != nil {
		return nil, err
	}
	activities, err := s.activities.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("アクティビティ一覧の取得に失敗しました: %w", err)
	}
	return activities, nil
}

// Get はStravaアクティビティIDでアクティビティを返す。
func (s *Service) Get(ctx context.Context, stravaActivityID int64) (*model.Activity, error) {
	a, err := s.activities.FindByStravaID(ctx, stravaActivityID)
	if err != nil {
		return nil, fmt.Errorf("アクティビティの取得に失敗しました: %w", err)
	}
	if a == nil {
		return nil, model.NewActivityNotFoundError(stravaActivityID)
	}
	return a, nil
}

// RefetchStream はアクティビティのストリームを取得し直す。
// Stravaがストリームを返さない場合はSTREAM_DOWNLOAD_FAILEDを返す。
func (s *Service) RefetchStream(ctx context.Context, stravaActivityID int64) (*model.Activity, error) {
	a, err := s.Get(ctx, stravaActivityID)
	if err != nil {
		return nil, err
	}
	ok, err := s.BackfillStream(ctx, a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.NewStreamDownloadFailedError(stravaActivityID)
	}
	return a, nil
}

// BackfillStream は所有者のトークンを確保してストリームを取得する。
func (s *Service) BackfillStream(ctx context.Context, a *model.Activity) (bool, error) {
	subject, err := s.subject(ctx, a.SubjectID)
	if err != nil {
		return false, err
	}
	token, err := s.tokens.EnsureFresh(ctx, subject)
	if err != nil {
		return false, err
	}
	return s.streams.FetchStream(ctx, a, token)
}

// Delete はストリームを削除してからアクティビティ行を削除する。
func (s *Service) Delete(ctx context.Context, stravaActivityID int64) error {
	a, err := s.Get(ctx, stravaActivityID)
	if err != nil {
		return err
	}
	if err := s.streams.DeleteStream(ctx, a); err != nil {
		return fmt.Errorf("ストリームの削除に失敗しました: %w", err)
	}
	if err := s.activities.Delete(ctx, stravaActivityID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewActivityNotFoundError(stravaActivityID)
		}
		return fmt.Errorf("アクティビティの削除に失敗しました: %w", err)
	}
	s.logger.Info("アクティビティを削除しました", slog.Int64("strava_activity_id", stravaActivityID))
	return nil
}

// StreamData は保存済みストリームを返す。未取得の場合はSTREAM_NOT_FETCHEDを返す。
func (s *Service) StreamData(ctx context.Context, stravaActivityID int64) (*stream.Table, error) {
	a, err := s.Get(ctx, stravaActivityID)
	if err != nil {
		return nil, err
	}
	table, err := s.streams.Load(ctx, a)
	if err != nil {
		if errors.Is(err, model.ErrStreamNotFetched) {
			return nil, model.NewStreamNotFetchedError(stravaActivityID)
		}
		return nil, fmt.Errorf("ストリームの読み込みに失敗しました: %w", err)
	}
	return table, nil
}

func (s *Service) subject(ctx context.Context, subjectID string) (*model.Subject, error) {
	subject, err := s.subjects.FindBySubjectID(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("被験者の取得に失敗しました: %w", err)
	}
	if subject == nil {
		return nil, model.NewSubjectNotFoundError(subjectID)
	}
	return subject, nil
}
