package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/subject"
)

// SubjectServiceInterface は被験者ハンドラーが必要とするサービスインターフェース。
type SubjectServiceInterface interface {
	Create(ctx context.Context, in subject.CreateInput) (*model.Subject, error)
	Get(ctx context.Context, subjectID string) (*model.Subject, error)
	List(ctx context.Context) ([]*model.Subject, error)
	ForceRefresh(ctx context.Context, subjectID string) (*model.Subject, error)
	Delete(ctx context.Context, subjectID string) error
}

// SubjectHandler は被験者管理のHTTPハンドラー。
type SubjectHandler struct {
	service SubjectServiceInterface
}

// NewSubjectHandler はSubjectHandlerを生成する。
func NewSubjectHandler(service SubjectServiceInterface) *SubjectHandler {
	return &SubjectHandler{service: service}
}

// subjectResponse は被験者のJSONレスポンス。
type subjectResponse struct {
	ID           int64  `json:"id"`
	StravaID     int64  `json:"strava_id"`
	SubjectID    string `json:"subject_id"`
	Sex          string `json:"sex"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

type subjectListResponse struct {
	Subjects []subjectResponse `json:"subjects"`
}

type createSubjectRequest struct {
	StravaID     int64  `json:"strava_id" validate:"required,gt=0"`
	Sex          string `json:"sex" validate:"max=1"`
	AccessToken  string `json:"access_token" validate:"required"`
	RefreshToken string `json:"refresh_token" validate:"required"`
	ExpiresAt    int64  `json:"expires_at" validate:"required"`
}

func toSubjectResponse(s *model.Subject) subjectResponse {
	return subjectResponse{
		ID:           s.ID,
		StravaID:     s.StravaID,
		SubjectID:    s.SubjectID,
		Sex:          s.Sex,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
}

// List は全被験者を返す。
// GET /api/subjects
func (h *SubjectHandler) List(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := subjectListResponse{Subjects: make([]subjectResponse, 0, len(subjects))}
	for _, s := range subjects {
		resp.Subjects = append(resp.Subjects, toSubjectResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は被験者を返す。
// GET /api/subject/{subject_id}
func (h *SubjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Get(r.Context(), chi.URLParam(r, "subject_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubjectResponse(s))
}

// Create は被験者を手動で登録する。
// POST /api/subject/{subject_id}
func (h *SubjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSubjectRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s, err := h.service.Create(r.Context(), subject.CreateInput{
		SubjectID:    chi.URLParam(r, "subject_id"),
		StravaID:     req.StravaID,
		Sex:          req.Sex,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubjectResponse(s))
}

// Refresh はトークンを強制リフレッシュする。
// PUT /api/subject/{subject_id}
func (h *SubjectHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.ForceRefresh(r.Context(), chi.URLParam(r, "subject_id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubjectResponse(s))
}

// Delete は被験者とそのアクティビティ・ストリームを削除する。
// DELETE /api/subject/{subject_id}
func (h *SubjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "subject_id")); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Subject deleted")
}
