// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, strava, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSubjectNotFound       = "SUBJECT_NOT_FOUND"
	ErrCodeSubjectExists         = "SUBJECT_EXISTS"
	ErrCodeInvalidSubjectID      = "INVALID_SUBJECT_ID"
	ErrCodeActivityNotFound      = "ACTIVITY_NOT_FOUND"
	ErrCodeStreamNotFetched      = "STREAM_NOT_FETCHED"
	ErrCodeStreamDownloadFailed  = "STREAM_DOWNLOAD_FAILED"
	ErrCodeUpstreamAuthFailed    = "UPSTREAM_AUTH_FAILED"
	ErrCodeUpstreamFetchFailed   = "UPSTREAM_FETCH_FAILED"
	ErrCodeDuplicateActivity     = "DUPLICATE_ACTIVITY"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeUserExists            = "USER_EXISTS"
	ErrCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	ErrCodeWebhookVerifyMismatch = "WEBHOOK_VERIFY_MISMATCH"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// ドメインエラー。サービス層はこれらをラップして返し、
// ハンドラー層がerrors.Is / errors.AsでHTTPステータスに変換する。
var (
	// ErrNotFound は参照先のSubject/Activityが存在しないことを示す。
	ErrNotFound = errors.New("not found")
	// ErrDuplicateUpstreamID は同一のStrava IDを持つ行が既に存在することを示す。
	ErrDuplicateUpstreamID = errors.New("duplicate upstream id")
	// ErrStreamUnavailable はStravaがストリームを返さなかったことを示す（手動登録アクティビティ等）。
	// 呼び出し元へはbool値として伝え、ハードエラーとしては扱わない。
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrStreamNotFetched はストリームデータが未取得であることを示す。
	// ハンドルが指すファイルが消えている場合もこれに該当する。
	ErrStreamNotFetched = errors.New("stream not fetched")
)

// UpstreamAuthError はStravaのトークン交換/リフレッシュの失敗を表す。
type UpstreamAuthError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamAuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("strava token exchange failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("strava token exchange failed: %v", e.Err)
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// UpstreamFetchError はStravaのアクティビティ一覧/単体取得の失敗を表す。
// スキーマ不一致もこのエラーとして扱う。
type UpstreamFetchError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("strava %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("strava %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// NewSubjectNotFoundError は被験者未検出エラーを生成する。
func NewSubjectNotFoundError(subjectID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubjectNotFound,
		Message:  fmt.Sprintf("Subject with subject_id %s not found.", subjectID),
		Category: "subject",
		Action:   "被験者IDを確認してください。",
	}
}

// NewSubjectExistsError は被験者の重複登録エラーを生成する。
func NewSubjectExistsError(subjectID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubjectExists,
		Message:  fmt.Sprintf("A subject with id %s already exists", subjectID),
		Category: "subject",
		Action:   "既存の被験者を削除するか、別のIDを指定してください。",
	}
}

// NewInvalidSubjectIDError は被験者IDの形式エラーを生成する。
func NewInvalidSubjectIDError(subjectID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSubjectID,
		Message:  fmt.Sprintf("Unknown subject %s.", subjectID),
		Category: "validation",
		Action:   "被験者IDは'S'で始まる4文字で指定してください。",
	}
}

// NewActivityNotFoundError はアクティビティ未検出エラーを生成する。
func NewActivityNotFoundError(stravaActivityID int64) *APIError {
	return &APIError{
		Code:     ErrCodeActivityNotFound,
		Message:  fmt.Sprintf("Activity %d not found.", stravaActivityID),
		Category: "activity",
		Action:   "StravaアクティビティIDを確認してください。",
	}
}

// NewStreamNotFetchedError はストリーム未取得エラーを生成する。
func NewStreamNotFetchedError(stravaActivityID int64) *APIError {
	return &APIError{
		Code:     ErrCodeStreamNotFetched,
		Message:  "No stream file for activity.",
		Category: "activity",
		Action:   fmt.Sprintf("PUT /api/activities/%d でストリームを取得してください。", stravaActivityID),
	}
}

// NewStreamDownloadFailedError はストリーム取得失敗エラーを生成する。
func NewStreamDownloadFailedError(stravaActivityID int64) *APIError {
	return &APIError{
		Code:     ErrCodeStreamDownloadFailed,
		Message:  "Could not download activity stream data.",
		Category: "strava",
		Action:   fmt.Sprintf("アクティビティ%dがStrava上でGPSデータを持つか確認してください。", stravaActivityID),
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("Invalid request: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewUserExistsError はユーザー名重複エラーを生成する。
func NewUserExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeUserExists,
		Message:  "User already exists.",
		Category: "auth",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid credentials",
		Category: "auth",
		Action:   "ユーザー名とパスワードを確認してください。",
	}
}

// NewWebhookVerifyMismatchError はWebhook購読検証のverify_token不一致エラーを生成する。
func NewWebhookVerifyMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeWebhookVerifyMismatch,
		Message:  "Verify token mismatch.",
		Category: "strava",
		Action:   "STRAVA_WEBHOOK_VERIFY_TOKENと購読作成時のverify_tokenを一致させてください。",
	}
}

// NewUpstreamAuthFailedError はStravaのトークン交換失敗エラーを生成する。
func NewUpstreamAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamAuthFailed,
		Message:  "Strava token exchange failed.",
		Category: "strava",
		Action:   "被験者にStrava連携をやり直してもらってください。",
	}
}

// NewUpstreamFetchFailedError はStravaからのデータ取得失敗エラーを生成する。
func NewUpstreamFetchFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFetchFailed,
		Message:  "Could not fetch data from Strava.",
		Category: "strava",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDuplicateActivityError はアクティビティの重複登録エラーを生成する。
func NewDuplicateActivityError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateActivity,
		Message:  "Activity already exists.",
		Category: "activity",
		Action:   "既存のアクティビティを参照してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
