// Package payment は決済プロバイダー（Stripe）との連携を提供する。
// クリエイターの決済アカウント連携、チェックアウトセッション、Webhook検証を扱う。
package payment

import (
	"context"
	"errors"
)

// ErrInvalidSignature はWebhookの署名検証に失敗したことを表す。
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Mode はチェックアウトの課金方式を表す。
type Mode string

const (
	// ModeSubscription は月額サブスクリプション。
	ModeSubscription Mode = "subscription"
	// ModePayment は単品購入。
	ModePayment Mode = "payment"
)

// SessionStatus はプロバイダー側のチェックアウトセッション状態。
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

// メタデータのキー
const (
	MetadataBuyerID    = "buyer_id"
	MetadataTargetKind = "target_kind"
	MetadataTargetID   = "target_id"
	MetadataCreatorID  = "creator_id"
)

// AccountStatus は連携済み決済アカウントの状態。
type AccountStatus struct {
	ID               string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

// Verified は決済と入金の両方が有効化されているかを返す。
func (a *AccountStatus) Verified() bool {
	return a != nil && a.ChargesEnabled && a.PayoutsEnabled
}

// CheckoutRequest はチェックアウトセッションの作成要求。
type CheckoutRequest struct {
	Mode               Mode
	BuyerID            string
	BuyerEmail         string
	CreatorID          string
	DestinationAccount string
	ProductName        string
	AmountCents        int64
	Currency           string
	SuccessURL         string
	CancelURL          string
	Metadata           map[string]string
}

// CheckoutSession はプロバイダー側のチェックアウトセッション。
type CheckoutSession struct {
	ID       string
	URL      string
	Status   SessionStatus
	Paid     bool
	Metadata map[string]string
}

// Event は検証済みのWebhookイベント。
// チェックアウト関連のイベントの場合のみ Session が設定される。
type Event struct {
	ID      string
	Type    string
	Session *CheckoutSession
}

// Gateway は決済プロバイダーへの操作を抽象化する。
type Gateway interface {
	// CreateConnectedAccount はクリエイター用の連携アカウントを作成し、IDを返す。
	CreateConnectedAccount(ctx context.Context, userID, email string) (string, error)
	// CreateOnboardingLink は連携アカウントの本人確認・口座登録ページのURLを返す。
	CreateOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
	// GetAccount は連携アカウントの有効化状態を取得する。
	GetAccount(ctx context.Context, accountID string) (*AccountStatus, error)
	// CreateCheckoutSession はチェックアウトセッションを作成する。
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// GetCheckoutSession はチェックアウトセッションの最新状態を取得する。
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	// ParseWebhook は署名を検証し、イベントを返す。署名不正の場合はErrInvalidSignatureを返す。
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
