// Package backfill はストリーム未取得アクティビティの補完バッチを提供する。
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/stravasync/internal/model"
)

// MissingStreamLister はストリーム未取得のアクティビティを返す。
// 取得を試みたアクティビティはMarkStreamCheckedで記録され、次回以降は後回しになる。
type MissingStreamLister interface {
	ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error)
	MarkStreamChecked(ctx context.Context, stravaActivityID int64) error
}

// StreamBackfiller は所有者のトークンを確保してストリームを取得する。
// 取得できなかった場合は(false, nil)を返す。
type StreamBackfiller interface {
	BackfillStream(ctx context.Context, a *model.Activity) (bool, error)
}

// BatchConfig はバッチジョブの設定パラメータ。
type BatchConfig struct {
	// BatchInterval はバッチジョブの実行間隔（デフォルト: 30分）。
	BatchInterval time.Duration
	// APIInterval はストリーム取得の最低間隔（デフォルト: 2秒）。
	APIInterval time.Duration
	// MaxPerCycle は1サイクルあたりの最大取得件数（デフォルト: 50）。
	MaxPerCycle int
}

// DefaultBatchConfig はデフォルトのバッチジョブ設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchInterval: 30 * time.Minute,
		APIInterval:   2 * time.Second,
		MaxPerCycle:   50,
	}
}

// BatchJob はストリーム補完のバッチジョブ。
// stream_file_pathが空のアクティビティを最後に試みた時刻が古い順に取り出し、ストリームを取得する。
type BatchJob struct {
	activities        MissingStreamLister
	backfiller        StreamBackfiller
	logger            *slog.Logger
	config            BatchConfig
	consecutiveErrors int
	backoffUntil      time.Time
	now               func() time.Time
}

// NewBatchJob はBatchJobの新しいインスタンスを生成する。
func NewBatchJob(
	activities MissingStreamLister,
	backfiller StreamBackfiller,
	logger *slog.Logger,
	config BatchConfig,
) *BatchJob {
	return &BatchJob{
		activities: activities,
		backfiller: backfiller,
		logger:     logger,
		config:     config,
		now:        time.Now,
	}
}

// Start はバッチジョブをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (b *BatchJob) Start(ctx context.Context) {
	ticker := time.NewTicker(b.config.BatchInterval)
	defer ticker.Stop()

	b.logger.Info("ストリーム補完バッチジョブを開始しました",
		slog.Duration("batch_interval", b.config.BatchInterval),
		slog.Duration("api_interval", b.config.APIInterval),
		slog.Int("max_per_cycle", b.config.MaxPerCycle),
	)

	// 起動直後に1回実行
	if err := b.RunOnce(ctx); err != nil {
		b.logger.Error("ストリーム補完サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("ストリーム補完バッチジョブを停止しました")
			return
		case <-ticker.C:
			if err := b.RunOnce(ctx); err != nil {
				b.logger.Error("ストリーム補完サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は1回のバッチサイクルを実行する。
// 取得できなかったストリームはハンドルが空のまま残り、未試行のアクティビティを優先したうえで再試行される。
func (b *BatchJob) RunOnce(ctx context.Context) error {
	start := b.now()

	// バックオフ中の場合はスキップ
	if !b.backoffUntil.IsZero() && start.Before(b.backoffUntil) {
		b.logger.Info("ストリーム補完バッチジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", b.backoffUntil),
		)
		return nil
	}

	targets, err := b.activities.ListMissingStream(ctx, b.config.MaxPerCycle)
	if err != nil {
		return fmt.Errorf("ストリーム未取得アクティビティの取得に失敗しました: %w", err)
	}

	if len(targets) == 0 {
		b.logger.Info("ストリーム補完対象のアクティビティはありません")
		return nil
	}

	b.logger.Info("ストリーム補完サイクルを開始します",
		slog.Int("target_activities", len(targets)),
	)

	var attempted, fetched, unavailable int
	var hadError bool

	for _, a := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// 取得間隔（初回は待たない）
		if attempted > 0 && b.config.APIInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.config.APIInterval):
			}
		}
		attempted++

		ok, err := b.backfiller.BackfillStream(ctx, a)
		if !ok {
			b.markChecked(ctx, a)
		}
		if err != nil {
			b.logger.Error("ストリームの補完に失敗しました",
				slog.String("subject_id", a.SubjectID),
				slog.Int64("strava_activity_id", a.StravaActivityID),
				slog.String("error", err.Error()),
			)
			hadError = true
			b.consecutiveErrors++
			backoff := b.calculateErrorBackoff(b.consecutiveErrors)
			if backoff > 0 {
				b.backoffUntil = b.now().Add(backoff)
				b.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", b.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue
		}

		if ok {
			fetched++
		} else {
			unavailable++
		}
	}

	// エラーがなければ連続エラーカウントをリセット
	if !hadError {
		b.consecutiveErrors = 0
		b.backoffUntil = time.Time{}
	}

	b.logger.Info("ストリーム補完サイクルが完了しました",
		slog.Int("attempted", attempted),
		slog.Int("fetched", fetched),
		slog.Int("unavailable", unavailable),
		slog.Int("target_activities", len(targets)),
		slog.Float64("duration_ms", float64(b.now().Sub(start).Milliseconds())),
	)

	return nil
}

// markChecked は取得を試みたことを記録する。記録に失敗しても補完は継続する。
func (b *BatchJob) markChecked(ctx context.Context, a *model.Activity) {
	if err := b.activities.MarkStreamChecked(ctx, a.StravaActivityID); err != nil {
		b.logger.Warn("ストリーム取得試行の記録に失敗しました",
			slog.Int64("strava_activity_id", a.StravaActivityID),
			slog.String("error", err.Error()),
		)
	}
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func (b *BatchJob) calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
