package model

import "time"

// CheckoutTargetKind はチェックアウト対象の種別を表す。
type CheckoutTargetKind string

const (
	// CheckoutTargetSubscription はクリエイターへのサブスクリプション。
	CheckoutTargetSubscription CheckoutTargetKind = "subscription"
	// CheckoutTargetPurchase はコンテンツの単品購入。
	CheckoutTargetPurchase CheckoutTargetKind = "purchase"
)

// CheckoutStatus は外部決済セッションの状態を表す。
// created → pending → {completed | expired | failed}
type CheckoutStatus string

const (
	CheckoutStatusCreated   CheckoutStatus = "created"
	CheckoutStatusPending   CheckoutStatus = "pending"
	CheckoutStatusCompleted CheckoutStatus = "completed"
	CheckoutStatusExpired   CheckoutStatus = "expired"
	CheckoutStatusFailed    CheckoutStatus = "failed"
)

// IsTerminal は終端状態かを返す。
func (s CheckoutStatus) IsTerminal() bool {
	switch s {
	case CheckoutStatusCompleted, CheckoutStatusExpired, CheckoutStatusFailed:
		return true
	default:
		return false
	}
}

// CheckoutSession は外部決済セッションへの参照。
// IDは決済プロバイダーが払い出したセッションID。
type CheckoutSession struct {
	ID          string
	BuyerID     string
	TargetKind  CheckoutTargetKind
	TargetID    string // クリエイターIDまたはコンテンツID
	CreatorID   string
	AmountCents int64
	Currency    string
	Status      CheckoutStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	// GrantConflict は決済済みだが、同一対象の閲覧権限が別セッションで既に存在したため付与しなかったことを示す。
	GrantConflict bool
}
