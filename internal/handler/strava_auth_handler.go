package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stravasync/internal/model"
)

// SubjectRegistrar はOAuthコールバックから被験者を登録する。
type SubjectRegistrar interface {
	RegisterFromOAuth(ctx context.Context, subjectID, code string) (*model.Subject, error)
}

// AuthURLBuilder はStravaの認可画面URLを組み立てる。
type AuthURLBuilder interface {
	AuthCodeURLFor(state, redirectURL string) string
}

// StravaAuthHandler はStrava OAuth連携のHTTPハンドラー。
type StravaAuthHandler struct {
	registrar   SubjectRegistrar
	urls        AuthURLBuilder
	baseURL     string
	redirectURL string
	logger      *slog.Logger
}

// NewStravaAuthHandler はStravaAuthHandlerを生成する。
// redirectURLはコールバック処理後にブラウザを送る先。
func NewStravaAuthHandler(registrar SubjectRegistrar, urls AuthURLBuilder, baseURL, redirectURL string, logger *slog.Logger) *StravaAuthHandler {
	return &StravaAuthHandler{
		registrar:   registrar,
		urls:        urls,
		baseURL:     strings.TrimRight(baseURL, "/"),
		redirectURL: redirectURL,
		logger:      logger,
	}
}

// Authorize はStravaの認可画面へリダイレクトする。
// GET /api/strava_auth/{subject_id}/authorize
func (h *StravaAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject_id")
	callback := h.baseURL + "/api/strava_auth/" + subjectID
	http.Redirect(w, r, h.urls.AuthCodeURLFor(subjectID, callback), http.StatusFound)
}

// Callback は認可コードを交換して被験者を登録し、結果にかかわらずリダイレクトする。
// GET /api/strava_auth/{subject_id}?code=&scope=
func (h *StravaAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subject_id")
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("strava authorization denied",
			slog.String("subject_id", subjectID),
			slog.String("error", errParam),
		)
	} else if _, err := h.registrar.RegisterFromOAuth(r.Context(), subjectID, q.Get("code")); err != nil {
		h.logger.Warn("被験者の登録に失敗しました",
			slog.String("subject_id", subjectID),
			slog.String("scope", q.Get("scope")),
			slog.String("error", err.Error()),
		)
	}

	http.Redirect(w, r, h.redirectURL, http.StatusFound)
}
