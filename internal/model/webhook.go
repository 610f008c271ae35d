package model

import "time"

// WebhookEvent はStravaのWebhookイベント配信を表す。
type WebhookEvent struct {
	ObjectType     string         `json:"object_type" validate:"required"`
	AspectType     string         `json:"aspect_type" validate:"required"`
	ObjectID       int64          `json:"object_id" validate:"required"`
	OwnerID        int64          `json:"owner_id" validate:"required"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates"`
}

// WebhookEventRecord はwebhook_eventsテーブルに記録した配信ログ。
type WebhookEventRecord struct {
	ID         string
	Event      WebhookEvent
	Outcome    string
	ReceivedAt time.Time
}
