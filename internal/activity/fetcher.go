// Package activity はStravaアクティビティの取得・取り込み・参照を提供する。
package activity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/strava"
)

// DefaultPageSize は一覧取得の1ページあたり件数。
const DefaultPageSize = 200

// ActivityClient はStravaのアクティビティAPIを呼び出す。
type ActivityClient interface {
	ListActivities(ctx context.Context, accessToken string, q strava.ListQuery) ([]strava.SummaryActivity, error)
	GetActivity(ctx context.Context, accessToken string, activityID int64) (*strava.DetailedActivity, error)
}

// TokenSource は被験者の有効なアクセストークンを返す。
type TokenSource interface {
	EnsureFresh(ctx context.Context, s *model.Subject) (string, error)
}

// Window は一覧取得の期間（epoch秒）。
type Window struct {
	After  int64
	Before int64
}

// FetcherConfig はFetcherの設定。
type FetcherConfig struct {
	DefaultWindow Window
	PageSize      int
}

// Fetcher はStravaからアクティビティを取得して正規化する。
type Fetcher struct {
	client ActivityClient
	tokens TokenSource
	cfg    FetcherConfig
	logger *slog.Logger
}

// NewFetcher はFetcherを生成する。
func NewFetcher(client ActivityClient, tokens TokenSource, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Fetcher{
		client: client,
		tokens: tokens,
		cfg:    cfg,
		logger: logger,
	}
}

// ListActivities は期間内のランニングアクティビティを全ページ分取得する。
// after/beforeがnilの場合は設定の期間を使う。空ページで終了し、途中のページで失敗した場合は何も返さない。
func (f *Fetcher) ListActivities(ctx context.Context, s *model.Subject, after, before *int64) ([]model.ActivityRecord, error) {
	token, err := f.tokens.EnsureFresh(ctx, s)
	if err != nil {
		return nil, err
	}

	q := strava.ListQuery{
		After:   f.cfg.DefaultWindow.After,
		Before:  f.cfg.DefaultWindow.Before,
		PerPage: f.cfg.PageSize,
	}
	if after != nil {
		q.After = *after
	}
	if before != nil {
		q.Before = *before
	}

	var records []model.ActivityRecord
	dropped := 0
	for page := 1; ; page++ {
		q.Page = page
		activities, err := f.client.ListActivities(ctx, token, q)
		if err != nil {
			f.logger.Warn("アクティビティ一覧の取得に失敗しました",
				slog.String("subject_id", s.SubjectID),
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		if len(activities) == 0 {
			break
		}

		for i := range activities {
			rec := normalize(&activities[i])
			if !rec.IsRunning() {
				dropped++
				continue
			}
			records = append(records, rec)
		}
	}

	f.logger.Info("アクティビティ一覧を取得しました",
		slog.String("subject_id", s.SubjectID),
		slog.Int("running", len(records)),
		slog.Int("dropped", dropped),
	)
	return records, nil
}

// GetActivity は単一アクティビティを取得する。
// Stravaが200以外を返した場合は (nil, nil) を返す。種別によるフィルタは行わない。
func (f *Fetcher) GetActivity(ctx context.Context, s *model.Subject, activityID int64) (*model.ActivityRecord, error) {
	token, err := f.tokens.EnsureFresh(ctx, s)
	if err != nil {
		return nil, err
	}

	a, err := f.client.GetActivity(ctx, token, activityID)
	if err != nil {
		var fe *model.UpstreamFetchError
		if errors.As(err, &fe) && fe.StatusCode != 0 {
			f.logger.Warn("アクティビティが取得できませんでした",
				slog.Int64("strava_activity_id", activityID),
				slog.Int("http_status", fe.StatusCode),
			)
			return nil, nil
		}
		return nil, err
	}

	rec := normalize(&a.SummaryActivity)
	return &rec, nil
}

// normalize はStravaのレスポンスを保存用の項目に揃える。
func normalize(a *strava.SummaryActivity) model.ActivityRecord {
	return model.ActivityRecord{
		StravaActivityID:   a.ID,
		StravaAthleteID:    a.Athlete.ID,
		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		TotalElevationGain: a.TotalElevationGain,
		ActivityType:       a.Type,
		StartDate:          a.StartDate,
		StartDateLocal:     a.StartDateLocal,
	}
}
