package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
)

// StreamFetcher はアクティビティのストリームを取得して保存する。
// VerifyHandleはハンドルが指すストリームが失われていればハンドルを空に戻し、trueを返す。
type StreamFetcher interface {
	FetchStream(ctx context.Context, a *model.Activity, accessToken string) (bool, error)
	VerifyHandle(ctx context.Context, a *model.Activity) (bool, error)
}

// UpsertResult は1回の取り込み結果の集計。
type UpsertResult struct {
	Created            int
	StreamsFetched     int
	StreamsUnavailable int
	Skipped            int
}

// Reconciler は取得したアクティビティを既存の行と突き合わせて取り込む。
type Reconciler struct {
	activities repository.ActivityRepository
	streams    StreamFetcher
	tokens     TokenSource
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(
	activities repository.ActivityRepository,
	streams StreamFetcher,
	tokens TokenSource,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Reconciler {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Reconciler{
		activities: activities,
		streams:    streams,
		tokens:     tokens,
		logger:     logger,
		metrics:    mc,
	}
}

// UpsertBatch は取得済みアクティビティを取り込む。
//
//   - 既存かつストリーム取得済み: 何もしない
//   - 既存かつストリーム未取得: ストリームのみ取得する（ハンドルがあってもファイルが無ければ未取得とみなす）
//   - 新規: 行を作成する。ストリームは取得しない（バックフィルジョブに任せる）
//
// ストリームが得られなかった場合もエラーにはしない。
func (r *Reconciler) UpsertBatch(ctx context.Context, s *model.Subject, records []model.ActivityRecord) (UpsertResult, error) {
	var res UpsertResult
	var token string

	for _, rec := range records {
		existing, err := r.activities.FindByStravaID(ctx, rec.StravaActivityID)
		if err != nil {
			return res, fmt.Errorf("アクティビティの取得に失敗しました: %w", err)
		}

		if existing != nil {
			if existing.HasStream() {
				cleared, err := r.streams.VerifyHandle(ctx, existing)
				if err != nil {
					return res, fmt.Errorf("ストリームハンドルの確認に失敗しました: %w", err)
				}
				if !cleared {
					res.Skipped++
					continue
				}
			}
			if token == "" {
				token, err = r.tokens.EnsureFresh(ctx, s)
				if err != nil {
					return res, err
				}
			}
			ok, err := r.streams.FetchStream(ctx, existing, token)
			if err != nil {
				return res, err
			}
			if ok {
				res.StreamsFetched++
			} else {
				res.StreamsUnavailable++
			}
			continue
		}

		a := rec.ToActivity(s.SubjectID)
		if err := r.activities.Create(ctx, a); err != nil {
			if errors.Is(err, model.ErrDuplicateUpstreamID) {
				// 並行する取り込みが先に作成した
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("アクティビティの作成に失敗しました: %w", err)
		}
		res.Created++
	}

	r.metrics.RecordActivitiesIngested(res.Created)
	r.logger.Info("アクティビティを取り込みました",
		slog.String("subject_id", s.SubjectID),
		slog.Int("created", res.Created),
		slog.Int("streams_fetched", res.StreamsFetched),
		slog.Int("streams_unavailable", res.StreamsUnavailable),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}
