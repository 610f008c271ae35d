package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/hitoshi/stravasync/internal/metrics"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/strava"
)

// StreamClient はStravaからストリームを取得する。
type StreamClient interface {
	GetStreams(ctx context.Context, accessToken string, activityID int64, keys []string) (strava.StreamSet, error)
}

// HandleStore はアクティビティのストリームハンドルを永続化する。
type HandleStore interface {
	UpdateStreamPath(ctx context.Context, stravaActivityID int64, path string) error
}

// Retriever はストリームを取得して保存し、アクティビティにハンドルを記録する。
type Retriever struct {
	client  StreamClient
	store   *FileStore
	handles HandleStore
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewRetriever はRetrieverを生成する。
func NewRetriever(
	client StreamClient,
	store *FileStore,
	handles HandleStore,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *Retriever {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	return &Retriever{
		client:  client,
		store:   store,
		handles: handles,
		logger:  logger,
		metrics: mc,
	}
}

// FetchStream はストリームを取得して保存する。
// Stravaが返さない場合（手動登録アクティビティ等）は(false, nil)を返し、ハンドルは空のまま。
// エラーを返すのはファイル書き込みやDB更新など自側の失敗のみ。
func (r *Retriever) FetchStream(ctx context.Context, a *model.Activity, accessToken string) (bool, error) {
	log := r.logger.With(slog.Int64("strava_activity_id", a.StravaActivityID))

	streams, err := r.client.GetStreams(ctx, accessToken, a.StravaActivityID, strava.StreamKeys)
	if err != nil {
		log.Warn("ストリームを取得できませんでした", slog.String("error", err.Error()))
		r.metrics.RecordStreamFetch(metrics.StreamResultUnavailable)
		return false, nil
	}
	if len(streams) == 0 {
		log.Warn("ストリームが空です")
		r.metrics.RecordStreamFetch(metrics.StreamResultUnavailable)
		return false, nil
	}

	table, err := BuildTable(streams)
	if err != nil {
		log.Warn("ストリームの形式が不正です", slog.String("error", err.Error()))
		r.metrics.RecordStreamFetch(metrics.StreamResultUnavailable)
		return false, nil
	}

	// 1段目: ファイルを書き切る
	path, err := r.store.Write(a.StravaActivityID, table)
	if err != nil {
		r.metrics.RecordStreamFetch(metrics.StreamResultError)
		return false, fmt.Errorf("ストリームの保存に失敗しました: %w", err)
	}

	// 2段目: ハンドルを記録する。失敗したらファイルを消して孤児を残さない
	if err := r.handles.UpdateStreamPath(ctx, a.StravaActivityID, path); err != nil {
		if rmErr := r.store.Remove(path); rmErr != nil {
			log.Error("孤児ストリームの削除に失敗しました", slog.String("error", rmErr.Error()))
		}
		r.metrics.RecordStreamFetch(metrics.StreamResultError)
		return false, fmt.Errorf("ストリームハンドルの記録に失敗しました: %w", err)
	}

	a.StreamFilePath = path
	r.metrics.RecordStreamFetch(metrics.StreamResultStored)
	log.Info("ストリームを保存しました",
		slog.String("path", path),
		slog.Int("rows", len(table.Rows)),
	)
	return true, nil
}

// DeleteStream は記録済みのストリームファイルを削除する。
// ハンドルが空、またはファイルが既に無い場合は何もしない。
func (r *Retriever) DeleteStream(ctx context.Context, a *model.Activity) error {
	if !a.HasStream() {
		return nil
	}
	return r.store.Remove(a.StreamFilePath)
}

// Load は保存済みストリームを読み込む。
// ハンドルが指すファイルが消えていた場合はハンドルを空に戻し、未取得として扱う。
func (r *Retriever) Load(ctx context.Context, a *model.Activity) (*Table, error) {
	if !a.HasStream() {
		return nil, model.ErrStreamNotFetched
	}

	table, err := r.store.Read(a.StreamFilePath)
	if err == nil {
		return table, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if _, err := r.clearHandle(ctx, a); err != nil {
		return nil, err
	}
	return nil, model.ErrStreamNotFetched
}

// VerifyHandle はハンドルが指すファイルの存在を確認し、無ければハンドルを空に戻す。
// ハンドルを空に戻した場合はtrueを返す。
func (r *Retriever) VerifyHandle(ctx context.Context, a *model.Activity) (bool, error) {
	if !a.HasStream() {
		return false, nil
	}
	ok, err := r.store.Exists(a.StreamFilePath)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	return r.clearHandle(ctx, a)
}

func (r *Retriever) clearHandle(ctx context.Context, a *model.Activity) (bool, error) {
	r.logger.Warn("ストリームファイルが見つからないためハンドルを解除します",
		slog.Int64("strava_activity_id", a.StravaActivityID),
		slog.String("path", a.StreamFilePath),
	)
	if err := r.handles.UpdateStreamPath(ctx, a.StravaActivityID, ""); err != nil {
		return false, fmt.Errorf("ストリームハンドルの解除に失敗しました: %w", err)
	}
	a.StreamFilePath = ""
	return true, nil
}
