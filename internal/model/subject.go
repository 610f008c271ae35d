package model

import (
	"strings"
	"time"
)

// Subject はStravaアカウントを連携した研究参加者を表す。
// SubjectIDは作成後に変更しない。StravaIDごとに1件のみ存在する。
type Subject struct {
	ID           int64
	SubjectID    string // 'S'で始まる4文字の公開コード
	StravaID     int64
	Sex          string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // アクセストークンの有効期限（epoch秒）
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TokenSet はStravaのトークンエンドポイントが返すトークン3点組。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// AthleteGrant は認可コード交換で得られるアスリート情報とトークン。
type AthleteGrant struct {
	AthleteID int64
	Sex       string
	Tokens    TokenSet
}

// TokenExpired はnow時点でアクセストークンが期限切れかどうかを返す。
func (s *Subject) TokenExpired(now time.Time) bool {
	return s.ExpiresAt < now.Unix()
}

// ApplyTokens はリフレッシュ結果をSubjectへ反映する。
func (s *Subject) ApplyTokens(t TokenSet) {
	s.AccessToken = t.AccessToken
	s.RefreshToken = t.RefreshToken
	s.ExpiresAt = t.ExpiresAt
}

// ValidSubjectID は被験者コードの形式（'S'で始まる4文字）を検証する。
func ValidSubjectID(subjectID string) bool {
	return len(subjectID) == 4 && strings.HasPrefix(subjectID, "S")
}
