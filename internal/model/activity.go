package model

import (
	"strings"
	"time"
)

// runningCategory はランニングとみなすアクティビティ種別の部分文字列。
const runningCategory = "run"

// Activity はDBに保存されたランニングアクティビティを表す。
// StreamFilePathは未取得なら空、取得済みなら保存済みストリームへの参照。
type Activity struct {
	ID                 int64
	SubjectID          string
	StravaActivityID   int64
	StravaAthleteID    int64
	Distance           float64
	MovingTime         int64
	TotalElevationGain float64
	ActivityType       string
	StartDate          string // UTC (RFC3339)
	StartDateLocal     string
	StreamFilePath     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasStream はストリームハンドルが記録済みかどうかを返す。
func (a *Activity) HasStream() bool {
	return a.StreamFilePath != ""
}

// ActivityRecord はStravaから取得して正規化したアクティビティ。
type ActivityRecord struct {
	StravaActivityID   int64
	StravaAthleteID    int64
	Distance           float64
	MovingTime         int64
	TotalElevationGain float64
	ActivityType       string
	StartDate          string
	StartDateLocal     string
}

// IsRunning は種別に"run"が含まれるか（大文字小文字無視）を判定する。
func (r ActivityRecord) IsRunning() bool {
	return IsRunningType(r.ActivityType)
}

// ToActivity は被験者コードを付与してActivityを組み立てる。
func (r ActivityRecord) ToActivity(subjectID string) *Activity {
	return &Activity{
		SubjectID:          subjectID,
		StravaActivityID:   r.StravaActivityID,
		StravaAthleteID:    r.StravaAthleteID,
		Distance:           r.Distance,
		MovingTime:         r.MovingTime,
		TotalElevationGain: r.TotalElevationGain,
		ActivityType:       r.ActivityType,
		StartDate:          r.StartDate,
		StartDateLocal:     r.StartDateLocal,
	}
}

// IsRunningType はアクティビティ種別がランニングかどうかを判定する。
func IsRunningType(activityType string) bool {
	return strings.Contains(strings.ToLower(activityType), runningCategory)
}
