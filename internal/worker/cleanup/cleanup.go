// Package cleanup は不要データの定期削除ジョブを提供する。
// 期限切れの失効済みトークン、保持期間を超過したWebhook配信ログを削除し、
// 実体が消えたストリームのハンドルを空に戻す。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stravasync/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// StreamHandleLister はストリームハンドルを持つアクティビティをページングで返す。
type StreamHandleLister interface {
	ListWithStream(ctx context.Context, afterID int64, limit int) ([]*model.Activity, error)
}

// HandleVerifier はハンドルが指すファイルの存在を確認し、無ければハンドルを空に戻す。
type HandleVerifier interface {
	VerifyHandle(ctx context.Context, a *model.Activity) (bool, error)
}

const (
	deleteExpiredRevokedTokensQuery = `DELETE FROM revoked_tokens WHERE expires_at < now()`
	deleteOldWebhookEventsQuery     = `DELETE FROM webhook_events WHERE received_at < now() - $1::interval`

	verifyPageSize = 500
)

// CleanupJob は日次実行のクリーンアップジョブ。
// すべての削除処理は冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db            Executor
	activities    StreamHandleLister
	verifier      HandleVerifier
	logger        *slog.Logger
	RetentionDays int // Webhook配信ログの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// activitiesまたはverifierがnilの場合、ストリームハンドルの検証は行わない。
func NewCleanupJob(db Executor, activities StreamHandleLister, verifier HandleVerifier, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		activities:    activities,
		verifier:      verifier,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// Run は3種類のクリーンアップを順に実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	revoked, err := j.exec(ctx, "revoked_tokens", deleteExpiredRevokedTokensQuery)
	if err != nil {
		return err
	}

	interval := fmt.Sprintf("%d days", j.RetentionDays)
	events, err := j.exec(ctx, "webhook_events", deleteOldWebhookEventsQuery, interval)
	if err != nil {
		return err
	}

	cleared, err := j.verifyStreamHandles(ctx)
	if err != nil {
		j.logger.Error("ストリームハンドルの検証に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ストリームハンドルの検証に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("revoked_tokens_deleted", revoked),
		slog.Int64("webhook_events_deleted", events),
		slog.Int("stream_handles_cleared", cleared),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

func (j *CleanupJob) exec(ctx context.Context, table, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("table", table),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%sのクリーンアップに失敗: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}

// verifyStreamHandles はハンドルを持つ全アクティビティを走査し、実体のないハンドルを空に戻す。
func (j *CleanupJob) verifyStreamHandles(ctx context.Context) (int, error) {
	if j.activities == nil || j.verifier == nil {
		return 0, nil
	}

	var cleared int
	var afterID int64
	for {
		page, err := j.activities.ListWithStream(ctx, afterID, verifyPageSize)
		if err != nil {
			return cleared, err
		}
		for _, a := range page {
			ok, err := j.verifier.VerifyHandle(ctx, a)
			if err != nil {
				return cleared, err
			}
			if ok {
				cleared++
			}
			afterID = a.ID
		}
		if len(page) < verifyPageSize {
			return cleared, nil
		}
	}
}
