// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hitoshi/stravasync/internal/middleware"
	"github.com/hitoshi/stravasync/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// messageResponse は処理結果のメッセージのみを返すレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, messageResponse{Message: message})
}

// decodeAndValidate はJSONボディをデコードし、validateタグで検証する。
// 失敗時は400を書き込みfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("malformed JSON body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(validationReason(err)))
		return false
	}
	return true
}

// validationReason は検証エラーを "field: tag" の列に整形する。
func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var authErr *model.UpstreamAuthError
	var fetchErr *model.UpstreamFetchError
	switch {
	case errors.As(err, &authErr):
		slog.Warn("strava token request failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamAuthFailedError())
	case errors.As(err, &fetchErr):
		slog.Warn("strava request failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewUpstreamFetchFailedError())
	case errors.Is(err, model.ErrDuplicateUpstreamID):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewDuplicateActivityError())
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeSubjectNotFound, model.ErrCodeActivityNotFound, model.ErrCodeUserNotFound,
		model.ErrCodeStreamNotFetched, model.ErrCodeStreamDownloadFailed:
		return http.StatusNotFound
	case model.ErrCodeSubjectExists, model.ErrCodeDuplicateActivity:
		return http.StatusConflict
	case model.ErrCodeInvalidSubjectID, model.ErrCodeInvalidRequest, model.ErrCodeUserExists:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeWebhookVerifyMismatch:
		return http.StatusForbidden
	case model.ErrCodeUpstreamAuthFailed, model.ErrCodeUpstreamFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
