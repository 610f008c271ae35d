// Package webhook はStravaのWebhookイベントをDBの状態へ反映する。
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/repository"
)

// Outcome はイベント処理の結果。webhook_events.outcomeとメトリクスのラベルに使う。
type Outcome string

const (
	OutcomeReceived            Outcome = "received"
	OutcomeCreated             Outcome = "created"
	OutcomeStreamFetched       Outcome = "stream_fetched"
	OutcomeDeleted             Outcome = "deleted"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeIgnoredObjectType   Outcome = "ignored_object_type"
	OutcomeIgnoredUnknownOwner Outcome = "ignored_unknown_owner"
	OutcomeIgnoredNotFound     Outcome = "ignored_not_found"
	OutcomeIgnoredNotRunning   Outcome = "ignored_not_running"
	OutcomeIgnoredMissing      Outcome = "ignored_missing"
	OutcomeIgnoredUpdate       Outcome = "ignored_update"
	OutcomeIgnoredAspect       Outcome = "ignored_aspect"
	OutcomeFailed              Outcome = "failed"
)

const (
	objectTypeActivity = "activity"

	aspectCreate = "create"
	aspectUpdate = "update"
	aspectDelete = "delete"
)

// ActivityGetter はStravaから単一アクティビティを取得する。見つからない場合はnilを返す。
type ActivityGetter interface {
	GetActivity(ctx context.Context, s *model.Subject, stravaActivityID int64) (*model.ActivityRecord, error)
}

// TokenSource は有効なアクセストークンを返す。
type TokenSource interface {
	EnsureFresh(ctx context.Context, s *model.Subject) (string, error)
}

// StreamStore はストリームの取得と削除を行う。
type StreamStore interface {
	FetchStream(ctx context.Context, a *model.Activity, accessToken string) (bool, error)
	DeleteStream(ctx context.Context, a *model.Activity) error
}

// Reconciler はWebhookイベントを処理する。
type Reconciler struct {
	subjects   repository.SubjectRepository
	activities repository.ActivityRepository
	events     repository.WebhookEventRepository
	getter     ActivityGetter
	tokens     TokenSource
	streams    StreamStore
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	newID      func() string
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(
	subjects repository.SubjectRepository,
	activities repository.ActivityRepository,
	events repository.WebhookEventRepository,
	getter ActivityGetter,
	tokens TokenSource,
	streams StreamStore,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Reconciler {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Reconciler{
		subjects:   subjects,
		activities: activities,
		events:     events,
		getter:     getter,
		tokens:     tokens,
		streams:    streams,
		logger:     logger,
		metrics:    mc,
		newID:      uuid.NewString,
	}
}

// HandleEvent はイベントを配信ログへ記録してから処理する。
// 同一イベントの再配信はduplicateとして処理しない。
func (r *Reconciler) HandleEvent(ctx context.Context, ev model.WebhookEvent) (Outcome, error) {
	rec := &model.WebhookEventRecord{
		ID:      r.newID(),
		Event:   ev,
		Outcome: string(OutcomeReceived),
	}
	inserted, err := r.events.Record(ctx, rec)
	if err != nil {
		r.finish(ctx, "", ev, OutcomeFailed, err)
		return OutcomeFailed, fmt.Errorf("配信ログの記録に失敗しました: %w", err)
	}
	if !inserted {
		r.finish(ctx, "", ev, OutcomeDuplicate, nil)
		return OutcomeDuplicate, nil
	}

	outcome, err := r.process(ctx, ev)
	if err != nil {
		outcome = OutcomeFailed
	}
	r.finish(ctx, rec.ID, ev, outcome, err)
	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, ev model.WebhookEvent) (Outcome, error) {
	if ev.ObjectType != objectTypeActivity {
		return OutcomeIgnoredObjectType, nil
	}

	subject, err := r.subjects.FindByStravaID(ctx, ev.OwnerID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("被験者の取得に失敗しました: %w", err)
	}
	if subject == nil {
		return OutcomeIgnoredUnknownOwner, nil
	}

	switch ev.AspectType {
	case aspectCreate:
		return r.create(ctx, subject, ev.ObjectID)
	case aspectDelete:
		return r.delete(ctx, ev.ObjectID)
	case aspectUpdate:
		// タイトルや公開範囲の変更は保存項目に影響しない
		return OutcomeIgnoredUpdate, nil
	default:
		return OutcomeIgnoredAspect, nil
	}
}

func (r *Reconciler) create(ctx context.Context, s *model.Subject, stravaActivityID int64) (Outcome, error) {
	rec, err := r.getter.GetActivity(ctx, s, stravaActivityID)
	if err != nil {
		return OutcomeFailed, err
	}
	if rec == nil {
		return OutcomeIgnoredNotFound, nil
	}
	if !rec.IsRunning() {
		return OutcomeIgnoredNotRunning, nil
	}

	outcome := OutcomeCreated
	a := rec.ToActivity(s.SubjectID)
	if err := r.activities.Create(ctx, a); err != nil {
		if !errors.Is(err, model.ErrDuplicateUpstreamID) {
			return OutcomeFailed, fmt.Errorf("アクティビティの作成に失敗しました: %w", err)
		}
		// 同期処理が先に取り込んでいた
		existing, err := r.activities.FindByStravaID(ctx, stravaActivityID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("アクティビティの取得に失敗しました: %w", err)
		}
		if existing == nil || existing.HasStream() {
			return OutcomeDuplicate, nil
		}
		a = existing
		outcome = OutcomeStreamFetched
	}

	token, err := r.tokens.EnsureFresh(ctx, s)
	if err != nil {
		return OutcomeFailed, err
	}
	ok, err := r.streams.FetchStream(ctx, a, token)
	if err != nil {
		return OutcomeFailed, err
	}
	if !ok {
		r.logger.Warn("ストリームを取得できませんでした",
			slog.Int64("strava_activity_id", stravaActivityID),
			slog.String("subject_id", s.SubjectID),
		)
	}
	return outcome, nil
}

func (r *Reconciler) delete(ctx context.Context, stravaActivityID int64) (Outcome, error) {
	a, err := r.activities.FindByStravaID(ctx, stravaActivityID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("アクティビティの取得に失敗しました: %w", err)
	}
	if a == nil {
		// ランニング以外の削除は毎回ここに来る
		return OutcomeIgnoredMissing, nil
	}
	if err := r.streams.DeleteStream(ctx, a); err != nil {
		return OutcomeFailed, fmt.Errorf("ストリームの削除に失敗しました: %w", err)
	}
	if err := r.activities.Delete(ctx, stravaActivityID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return OutcomeIgnoredMissing, nil
		}
		return OutcomeFailed, fmt.Errorf("アクティビティの削除に失敗しました: %w", err)
	}
	return OutcomeDeleted, nil
}

func (r *Reconciler) finish(ctx context.Context, id string, ev model.WebhookEvent, outcome Outcome, procErr error) {
	if id != "" {
		if err := r.events.UpdateOutcome(ctx, id, string(outcome)); err != nil {
			r.logger.Error("配信ログの更新に失敗しました", slog.String("event_id", id), slog.String("error", err.Error()))
		}
	}
	r.metrics.RecordWebhookEvent(ev.AspectType, string(outcome))

	attrs := []any{
		slog.String("object_type", ev.ObjectType),
		slog.String("aspect_type", ev.AspectType),
		slog.Int64("object_id", ev.ObjectID),
		slog.Int64("owner_id", ev.OwnerID),
		slog.String("outcome", string(outcome)),
	}
	if procErr != nil {
		r.logger.Error("webhook event failed", append(attrs, slog.String("error", procErr.Error()))...)
		return
	}
	r.logger.Info("webhook event processed", attrs...)
}
