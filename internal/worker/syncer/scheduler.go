// Package syncer は被験者アクティビティの定期同期処理を提供する。
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/stravasync/internal/activity"
	"github.com/hitoshi/stravasync/internal/model"
)

// SubjectLister は同期対象の被験者一覧を返す。
type SubjectLister interface {
	List(ctx context.Context) ([]*model.Subject, error)
}

// SubjectSyncer は1被験者の研究期間内アクティビティを取り込む。
type SubjectSyncer interface {
	SyncSubject(ctx context.Context, subjectID string, after, before *int64) (activity.UpsertResult, error)
}

// Scheduler は被験者同期のスケジューリングと並列制御を行う。
// ティッカーで全被験者を取得し、semaphoreパターンで最大並列数を制御しながら同期する。
type Scheduler struct {
	subjects       SubjectLister
	syncer         SubjectSyncer
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	subjects SubjectLister,
	syncer SubjectSyncer,
	logger *slog.Logger,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		subjects:       subjects,
		syncer:         syncer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はintervalごとのティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全被験者を1回同期する。被験者単位の失敗は記録のみ行い、他の被験者の同期は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	subjects, err := s.subjects.List(ctx)
	if err != nil {
		return err
	}

	if len(subjects) == 0 {
		s.logger.Info("同期対象の被験者はいません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("subject_count", len(subjects)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var total activity.UpsertResult
	var failed int

	for _, subject := range subjects {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(subjectID string) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.syncer.SyncSubject(ctx, subjectID, nil, nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				s.logger.Error("被験者の同期に失敗しました",
					slog.String("subject_id", subjectID),
					slog.String("error", err.Error()),
				)
				return
			}
			total.Created += res.Created
			total.StreamsFetched += res.StreamsFetched
			total.StreamsUnavailable += res.StreamsUnavailable
			total.Skipped += res.Skipped
		}(subject.SubjectID)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("同期サイクルが完了しました",
		slog.Int("subject_count", len(subjects)),
		slog.Int("failed_subjects", failed),
		slog.Int("created", total.Created),
		slog.Int("streams_fetched", total.StreamsFetched),
		slog.Int("streams_unavailable", total.StreamsUnavailable),
		slog.Int("skipped", total.Skipped),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return ctx.Err()
}
