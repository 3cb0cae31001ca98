// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は外部認証プロバイダーが発行・検証する閲覧者の識別子。
// ブラウザセッションの間だけ保持し、コア側では永続化しない。
type Identity struct {
	Subject string // 認証プロバイダーのsub。ユーザーIDとして扱う
	Email   string
}

// UserProfile は全アカウント共通の表示用プロフィールを表す。
// Identityと1対1で、オンボーディングのステップ1完了時に遅延作成される。
type UserProfile struct {
	UserID      string
	DisplayName string
	Username    string
	Bio         string
	AvatarURL   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreatorStatus はクリエイタープロフィールの状態を表す。
type CreatorStatus string

const (
	// CreatorStatusActive は収益化が有効な状態。
	CreatorStatusActive CreatorStatus = "active"
	// CreatorStatusSuspended は運営判断で収益化が停止された状態。
	CreatorStatusSuspended CreatorStatus = "suspended"
)

// CreatorProfile はUserProfileの収益化拡張。
// 外部決済アカウントの検証が完了するまで作成してはならない。
type CreatorProfile struct {
	UserID                 string
	StripeAccountID        string
	SubscriptionPriceCents *int64
	Currency               string
	Status                 CreatorStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// IsActive は収益化可能な状態かを返す。
func (c *CreatorProfile) IsActive() bool {
	return c != nil && c.Status == CreatorStatusActive && c.StripeAccountID != ""
}
