// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/stravasync/internal/model"
)

// SubjectRepository は被験者データの永続化インターフェース。
type SubjectRepository interface {
	// FindBySubjectID は被験者コードで被験者を取得する。見つからない場合はnilを返す。
	FindBySubjectID(ctx context.Context, subjectID string) (*model.Subject, error)

	// FindByStravaID はStravaアスリートIDで被験者を取得する。見つからない場合はnilを返す。
	FindByStravaID(ctx context.Context, stravaID int64) (*model.Subject, error)

	// List は全被験者をsubject_id順で返す。
	List(ctx context.Context) ([]*model.Subject, error)

	// Create は被験者を作成する。
	// subject_idまたはstrava_idが重複する場合はmodel.ErrDuplicateUpstreamIDをラップして返す。
	Create(ctx context.Context, subject *model.Subject) error

	// UpdateTokens は被験者のトークン3点組を更新する。
	UpdateTokens(ctx context.Context, subjectID string, tokens model.TokenSet) error

	// Delete は被験者を削除する。activitiesはCASCADE削除される。
	// 該当行がない場合はmodel.ErrNotFoundをラップして返す。
	Delete(ctx context.Context, subjectID string) error
}

// ActivityRepository はアクティビティデータの永続化インターフェース。
type ActivityRepository interface {
	// FindByStravaID はStravaアクティビティIDで取得する。見つからない場合はnilを返す。
	FindByStravaID(ctx context.Context, stravaActivityID int64) (*model.Activity, error)

	// ListBySubject は被験者のアクティビティをstart_date順で返す。
	ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error)

	// Create はアクティビティを作成し、採番されたIDをactivity.IDに設定する。
	// strava_activity_idが重複する場合はmodel.ErrDuplicateUpstreamIDをラップして返す。
	Create(ctx context.Context, activity *model.Activity) error

	// UpdateStreamPath はストリームハンドルを更新する。空文字はハンドルのクリアを意味する。
	UpdateStreamPath(ctx context.Context, stravaActivityID int64, path string) error

	// Delete はアクティビティ行を削除する。該当行がない場合はmodel.ErrNotFoundをラップして返す。
	Delete(ctx context.Context, stravaActivityID int64) error

	// MarkStreamChecked はストリーム取得を試みた時刻を記録する。
	MarkStreamChecked(ctx context.Context, stravaActivityID int64) error

	// ListMissingStream はストリーム未取得のアクティビティを、取得を試みていないもの、
	// 最後に試みた時刻が古いものの順にlimit件返す。
	ListMissingStream(ctx context.Context, limit int) ([]*model.Activity, error)

	// ListWithStream はストリームハンドルを持つアクティビティをIDの昇順でページングして返す。
	// afterIDより大きいIDのものをlimit件返す。
	ListWithStream(ctx context.Context, afterID int64, limit int) ([]*model.Activity, error)
}

// UserRepository はAPIユーザーの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はユーザーを作成し、採番されたIDを設定する。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	DeleteByID(ctx context.Context, id int64) error
}

// RevokedTokenRepository は失効済みJWTの永続化インターフェース。
type RevokedTokenRepository interface {
	// Revoke はjtiを失効済みとして登録する。既に登録済みの場合は何もしない。
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error

	// IsRevoked はjtiが失効済みかどうかを返す。
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// WebhookEventRepository はWebhook配信ログの永続化インターフェース。
type WebhookEventRepository interface {
	// Record は配信ログを記録する。
	// (object_id, aspect_type, event_time)が既に記録済みの場合はfalseを返す。
	Record(ctx context.Context, record *model.WebhookEventRecord) (bool, error)

	// UpdateOutcome は配信ログの処理結果を更新する。
	UpdateOutcome(ctx context.Context, id string, outcome string) error
}
