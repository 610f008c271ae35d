package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/webhook"
)

// EventHandler はWebhookイベントを処理する。
type EventHandler interface {
	HandleEvent(ctx context.Context, ev model.WebhookEvent) (webhook.Outcome, error)
}

// WebhookHandler はStrava Webhookの購読確認とイベント受信のHTTPハンドラー。
type WebhookHandler struct {
	events      EventHandler
	verifyToken string
	logger      *slog.Logger
}

// NewWebhookHandler はWebhookHandlerを生成する。
// verifyTokenが空の場合は購読確認時のトークン照合を行わない。
func NewWebhookHandler(events EventHandler, verifyToken string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{events: events, verifyToken: verifyToken, logger: logger}
}

type challengeResponse struct {
	Challenge string `json:"hub.challenge"`
}

// Verify は購読確認リクエストにチャレンジを返す。
// GET /api/webhooks?hub.mode=&hub.challenge=&hub.verify_token=
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken != "" && q.Get("hub.verify_token") != h.verifyToken {
		h.logger.Warn("webhook verify token mismatch", slog.String("mode", q.Get("hub.mode")))
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewWebhookVerifyMismatchError())
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: q.Get("hub.challenge")})
}

// Receive はイベントを受け取り照合処理を行う。Stravaの再送を避けるため常に200を返す。
// POST /api/webhooks
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var ev model.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.logger.Warn("webhook event decode failed", slog.String("error", err.Error()))
		writeMessage(w, http.StatusOK, "Event ignored")
		return
	}
	if err := validate.Struct(ev); err != nil {
		h.logger.Warn("webhook event rejected", slog.String("error", validationReason(err)))
		writeMessage(w, http.StatusOK, "Event ignored")
		return
	}

	// 処理結果のログと記録はReconcilerが行う
	outcome, _ := h.events.HandleEvent(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Event received",
		"outcome": string(outcome),
	})
}
