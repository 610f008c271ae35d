package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/model"
)

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhook配信ログリポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Record は配信ログを記録する。同一配信が記録済みの場合はfalseを返す。
func (r *PostgresWebhookEventRepo) Record(ctx context.Context, rec *model.WebhookEventRecord) (bool, error) {
	updates := rec.Event.Updates
	if updates == nil {
		updates = map[string]any{}
	}
	updatesJSON, err := json.Marshal(updates)
	if err != nil {
		return false, fmt.Errorf("failed to marshal webhook updates: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events
			(id, object_type, aspect_type, object_id, owner_id, subscription_id, event_time, updates, outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT ON CONSTRAINT webhook_events_delivery_unique DO NOTHING
		 RETURNING received_at`,
		rec.ID, rec.Event.ObjectType, rec.Event.AspectType, rec.Event.ObjectID, rec.Event.OwnerID,
		rec.Event.SubscriptionID, rec.Event.EventTime, updatesJSON, rec.Outcome,
	).Scan(&rec.ReceivedAt)
	if err == sql.ErrNoRows {
		// ON CONFLICT DO NOTHINGで挿入されなかった（再配信）
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return true, nil
}

// UpdateOutcome は配信ログの処理結果を更新する。
func (r *PostgresWebhookEventRepo) UpdateOutcome(ctx context.Context, id string, outcome string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET outcome = $1 WHERE id = $2`,
		outcome, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook event outcome: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
