package model

import "time"

// Visibility はコンテンツの公開範囲を表す。
type Visibility string

const (
	// VisibilityPublic は誰でも閲覧できる公開範囲。
	VisibilityPublic Visibility = "public"
	// VisibilityFollowers はフォロワー限定の公開範囲。
	VisibilityFollowers Visibility = "followers"
	// VisibilitySubscribers はサブスクライバー限定の公開範囲。
	VisibilitySubscribers Visibility = "subscribers"
)

// ContentKind はコンテンツの種別を表す。
type ContentKind string

const (
	ContentKindPost    ContentKind = "post"
	ContentKindProduct ContentKind = "product"
	ContentKindMessage ContentKind = "message"
)

// ContentItem は投稿・商品・有料メッセージを表す。
// 必ず1人のクリエイター（OwnerID）に属する。
type ContentItem struct {
	ID          string
	OwnerID     string
	Kind        ContentKind
	Title       string
	Body        string
	MediaKey    string
	Visibility  Visibility
	PriceCents  int64
	Currency    string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// HasPrice は個別購入が必要なコンテンツかを返す。
func (c ContentItem) HasPrice() bool {
	return c.PriceCents > 0
}

// FollowRecord は閲覧者とクリエイターのフォロー関係。有効期限はない。
type FollowRecord struct {
	FollowerID string
	CreatorID  string
	CreatedAt  time.Time
}

// SubscriptionStatus はサブスクリプションのライフサイクル状態を表す。
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusPaused    SubscriptionStatus = "paused"
)

// SubscriptionRecord は閲覧者からクリエイターへのサブスクリプション。
// activeのみが閲覧権限を与える。
type SubscriptionRecord struct {
	ID                string
	SubscriberID      string
	CreatorID         string
	Status            SubscriptionStatus
	StartedAt         time.Time
	EndsAt            *time.Time
	CheckoutSessionID string
	CreatedAt         time.Time
}

// PurchaseRecord は購入者と商品の組。決済確定1回につき1件だけ作成される。
type PurchaseRecord struct {
	ID                string
	BuyerID           string
	ItemID            string
	CheckoutSessionID string
	CreatedAt         time.Time
}
