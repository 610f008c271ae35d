package model

import "time"

// User はAPIを利用する研究者アカウントを表す。
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// RevokedToken はログアウト等で失効させたJWTのjtiを表す。
// ExpiresAtを過ぎた行はクリーンアップジョブで削除される。
type RevokedToken struct {
	JTI       string
	ExpiresAt time.Time
	RevokedAt time.Time
}
