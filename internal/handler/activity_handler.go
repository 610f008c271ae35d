package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/stravasync/internal/activity"
	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/model"
	"github.com/hitoshi/stravasync/internal/stream"
)

// ActivityServiceInterface はアクティビティハンドラーが必要とするサービスインターフェース。
type ActivityServiceInterface interface {
	SyncSubject(ctx context.Context, subjectID string, after, before *int64) (activity.UpsertResult, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*model.Activity, error)
	Get(ctx context.Context, stravaActivityID int64) (*model.Activity, error)
	RefetchStream(ctx context.Context, stravaActivityID int64) (*model.Activity, error)
	Delete(ctx context.Context, stravaActivityID int64) error
	StreamData(ctx context.Context, stravaActivityID int64) (*stream.Table, error)
}

// ActivityHandler はアクティビティ関連のHTTPハンドラー。
type ActivityHandler struct {
	service ActivityServiceInterface
}

// NewActivityHandler はActivityHandlerを生成する。
func NewActivityHandler(service ActivityServiceInterface) *ActivityHandler {
	return &ActivityHandler{service: service}
}

// activityResponse はアクティビティのJSONレスポンス。
type activityResponse struct {
	ID                 int64   `json:"id"`
	SubjectID          string  `json:"subject_id"`
	StravaActivityID   int64   `json:"strava_activity_id"`
	StravaAthleteID    int64   `json:"strava_athlete_id"`
	Distance           float64 `json:"distance"`
	MovingTime         int64   `json:"moving_time"`
	TotalElevationGain float64 `json:"total_elevation_gain"`
	ActivityType       string  `json:"activity_type"`
	StartDate          string  `json:"start_date"`
	StartDateLocal     string  `json:"start_date_local"`
	StreamFilePath     string  `json:"stream_file_path"` // 未取得なら空文字
}

type activityListResponse struct {
	Activities []activityResponse `json:"activities"`
}

func toActivityResponse(a *model.Activity) activityResponse {
	return activityResponse{
		ID:                 a.ID,
		SubjectID:          a.SubjectID,
		StravaActivityID:   a.StravaActivityID,
		StravaAthleteID:    a.StravaAthleteID,
		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		TotalElevationGain: a.TotalElevationGain,
		ActivityType:       a.ActivityType,
		StartDate:          a.StartDate,
		StartDateLocal:     a.StartDateLocal,
		StreamFilePath:     a.StreamFilePath,
	}
}

// ListBySubject は被験者の保存済みアクティビティを返す。
// GET /api/subject/{subject_id}/activities
func (h *ActivityHandler) ListBySubject(w http.ResponseWriter, r *http.Request) {
	h.writeSubjectActivities(w, r, chi.URLParam(r, "subject_id"))
}

// SyncSubject はStravaから期間内のアクティビティを取り込み、保存済み一覧を返す。
// PUT /api/subject/{subject_id}/activities?after=&before=
func (h *ActivityHandler) SyncSubject(w http.ResponseWriter, r *http.Request) {
	after, ok := optionalEpochParam(w, r, "after")
	if !ok {
		return
	}
	before, ok := optionalEpochParam(w, r, "before")
	if !ok {
		return
	}

	subjectID := chi.URLParam(r, "subject_id")
	if _, err := h.service.SyncSubject(r.Context(), subjectID, after, before); err != nil {
		handleServiceError(w, err)
		return
	}
	h.writeSubjectActivities(w, r, subjectID)
}

func (h *ActivityHandler) writeSubjectActivities(w http.ResponseWriter, r *http.Request, subjectID string) {
	activities, err := h.service.ListBySubject(r.Context(), subjectID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	resp := activityListResponse{Activities: make([]activityResponse, 0, len(activities))}
	for _, a := range activities {
		resp.Activities = append(resp.Activities, toActivityResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get はアクティビティを返す。
// GET /api/activities/{id}
func (h *ActivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := activityIDParam(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(a))
}

// RefetchStream はストリームを再取得する。
// PUT /api/activities/{id}
func (h *ActivityHandler) RefetchStream(w http.ResponseWriter, r *http.Request) {
	id, ok := activityIDParam(w, r)
	if !ok {
		return
	}
	a, err := h.service.RefetchStream(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityResponse(a))
}

// Delete はストリームとアクティビティを削除する。
// DELETE /api/activities/{id}
func (h *ActivityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := activityIDParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Activity deleted")
}

// Stream は保存済みストリームを列ごとの辞書で返す。
// GET /api/activities/{id}/stream
func (h *ActivityHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := activityIDParam(w, r)
	if !ok {
		return
	}
	table, err := h.service.StreamData(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table.Columnar())
}

func activityIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("activity id must be a positive integer"))
		return 0, false
	}
	return id, true
}

// optionalEpochParam はクエリパラメータをepoch秒として読む。未指定ならnil。
func optionalEpochParam(w http.ResponseWriter, r *http.Request, name string) (*int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(name+" must be an epoch timestamp"))
		return nil, false
	}
	return &v, true
}
