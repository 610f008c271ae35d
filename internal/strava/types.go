package strava

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// validate はStravaレスポンスのスキーマ検証に使う。
var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidPayload はStravaのレスポンスが想定スキーマを満たさないことを示す。
var ErrInvalidPayload = errors.New("invalid strava payload")

// StreamKeys はストリーム取得時に要求するチャンネル一覧。
var StreamKeys = []string{
	"time",
	"distance",
	"velocity_smooth",
	"altitude",
	"latlng",
	"temp",
	"cadence",
	"grade_smooth",
	"heartrate",
}

// AthleteRef はアクティビティに埋め込まれたアスリート参照。
type AthleteRef struct {
	ID int64 `json:"id" validate:"required"`
}

// Athlete はトークン交換レスポンスに含まれるアスリート情報。
type Athlete struct {
	ID  int64  `json:"id" validate:"required"`
	Sex string `json:"sex"`
}

// SummaryActivity は /athlete/activities の各要素。
type SummaryActivity struct {
	ID                 int64      `json:"id" validate:"required"`
	Athlete            AthleteRef `json:"athlete" validate:"required"`
	Name               string     `json:"name"`
	Distance           float64    `json:"distance" validate:"gte=0"`
	MovingTime         int64      `json:"moving_time" validate:"gte=0"`
	TotalElevationGain float64    `json:"total_elevation_gain"`
	Type               string     `json:"type" validate:"required"`
	SportType          string     `json:"sport_type"`
	StartDate          string     `json:"start_date" validate:"required"`
	StartDateLocal     string     `json:"start_date_local"`
}

// DetailedActivity は /activities/{id} のレスポンス。
// 取得する項目はSummaryActivityと同じ。
type DetailedActivity struct {
	SummaryActivity
}

// Stream は1チャンネル分のストリームデータ。
// Dataは数値配列（latlngのみ[緯度, 経度]の配列）。
type Stream struct {
	Data         json.RawMessage `json:"data" validate:"required"`
	SeriesType   string          `json:"series_type"`
	OriginalSize int             `json:"original_size"`
	Resolution   string          `json:"resolution"`
}

// Floats はDataを数値配列として返す。nullの要素はNaNではなくnilとして保持する。
func (s Stream) Floats() ([]*float64, error) {
	var values []*float64
	if err := json.Unmarshal(s.Data, &values); err != nil {
		return nil, fmt.Errorf("%w: stream data is not numeric: %v", ErrInvalidPayload, err)
	}
	return values, nil
}

// LatLng はDataを緯度経度ペアの配列として返す。
func (s Stream) LatLng() ([][]float64, error) {
	var values [][]float64
	if err := json.Unmarshal(s.Data, &values); err != nil {
		return nil, fmt.Errorf("%w: latlng data is malformed: %v", ErrInvalidPayload, err)
	}
	for i, pair := range values {
		if pair != nil && len(pair) != 2 {
			return nil, fmt.Errorf("%w: latlng[%d] has %d elements", ErrInvalidPayload, i, len(pair))
		}
	}
	return values, nil
}

// StreamSet は key_by_type=true で取得したチャンネル名→ストリームの対応。
type StreamSet map[string]Stream

// tokenResponse はトークンエンドポイントの生レスポンスのうち検証対象の項目。
type tokenResponse struct {
	AccessToken  string `validate:"required"`
	RefreshToken string `validate:"required"`
	ExpiresAt    int64  `validate:"required"`
}

func validateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
