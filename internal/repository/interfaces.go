// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
)

// ErrUsernameTaken はユーザー名のUNIQUE制約違反を表す。
var ErrUsernameTaken = errors.New("username already taken")

// UserProfileRepository はユーザープロフィールの永続化インターフェース。
type UserProfileRepository interface {
	// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	// 旧フィールドはmodel.NormalizeProfileで正規化済み。
	FindByUserID(ctx context.Context, userID string) (*model.UserProfile, error)

	// Create はプロフィールを作成する。
	// ユーザー名が重複している場合はErrUsernameTakenを返す。
	Create(ctx context.Context, profile *model.UserProfile) error
}

// CreatorProfileRepository はクリエイタープロフィールの永続化インターフェース。
type CreatorProfileRepository interface {
	// FindByUserID は指定ユーザーのクリエイタープロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.CreatorProfile, error)

	// Create はクリエイタープロフィールを作成する。
	// 同一ユーザーのプロフィールが既に存在する場合は既存行を維持し、created=falseを返す。
	Create(ctx context.Context, profile *model.CreatorProfile) (created bool, err error)
}

// ContentRepository はコンテンツの読み出しインターフェース。
type ContentRepository interface {
	// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ContentItem, error)

	// ListFeed は閲覧者のフィードに載るコンテンツを(published_at, id)降順で返す。
	// 自分のコンテンツとフォロー中・購読中のクリエイターのコンテンツが対象。
	// beforeがゼロ値の場合は先頭から取得する。
	ListFeed(ctx context.Context, viewerID string, before FeedCursor, limit int) ([]model.ContentItem, error)
}

// FeedCursor はフィードの位置。前ページ最後の項目の(published_at, id)を指す。
type FeedCursor struct {
	PublishedAt time.Time
	ID          string
}

// IsZero はカーソルが未指定（先頭ページ）かを返す。
func (c FeedCursor) IsZero() bool {
	return c.PublishedAt.IsZero() && c.ID == ""
}

// FollowRepository はフォロー関係の永続化インターフェース。
type FollowRepository interface {
	ListByFollower(ctx context.Context, followerID string) ([]model.FollowRecord, error)
	// Follow はフォロー関係を冪等に作成する。
	Follow(ctx context.Context, followerID, creatorID string) error
	// Unfollow はフォロー関係を削除する。存在しない場合もエラーにしない。
	Unfollow(ctx context.Context, followerID, creatorID string) error
}

// SubscriptionRepository はサブスクリプション記録の永続化インターフェース。
type SubscriptionRepository interface {
	ListBySubscriber(ctx context.Context, subscriberID string) ([]model.SubscriptionRecord, error)

	// ExpireEnded は終了日時を過ぎたactiveなサブスクリプションをexpiredに更新し、件数を返す。
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

// PurchaseRepository は購入記録の読み出しインターフェース。
type PurchaseRepository interface {
	ListByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseRecord, error)
}

// Grant は決済確定時に作成する閲覧権限。
// Subscription と Purchase のどちらか一方だけを設定する。
type Grant struct {
	Subscription *model.SubscriptionRecord
	Purchase     *model.PurchaseRecord
}

// CompleteResult はCompleteWithGrantの結果。
type CompleteResult string

const (
	// CompleteGranted はセッションを確定し、閲覧権限を作成した。
	CompleteGranted CompleteResult = "granted"
	// CompleteAlreadyCompleted はセッションが確定済みで、何もしなかった。
	CompleteAlreadyCompleted CompleteResult = "already_completed"
	// CompleteGrantConflict はセッションを確定したが、同一対象の閲覧権限が
	// 別セッションで既に存在したため作成しなかった。
	CompleteGrantConflict CompleteResult = "grant_conflict"
)

// CheckoutSessionRepository は決済セッションの永続化インターフェース。
type CheckoutSessionRepository interface {
	// Create は決済セッションを作成する。
	// 同一購入者・同一対象の未完了セッションが既にある場合はErrCheckoutSessionOpenを返す。
	Create(ctx context.Context, session *model.CheckoutSession) error

	// FindByID は指定IDの決済セッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CheckoutSession, error)

	// FindOpen は購入者の同一対象への未完了セッションのうち最新のものを返す。見つからない場合はnilを返す。
	FindOpen(ctx context.Context, buyerID string, kind model.CheckoutTargetKind, targetID string) (*model.CheckoutSession, error)

	// MarkTerminal は未完了セッションをexpiredまたはfailedに更新する。
	// 既に終端状態の場合は何もしない。
	MarkTerminal(ctx context.Context, id string, status model.CheckoutStatus) error

	// CompleteWithGrant はセッションをcompletedに更新し、閲覧権限を同一トランザクションで作成する。
	// 既にcompletedの場合は何も作成せずCompleteAlreadyCompletedを返す。
	// 同一対象の有効な権限が別セッションで既にある場合はセッションにgrant_conflictを記録し、
	// CompleteGrantConflictを返す。
	CompleteWithGrant(ctx context.Context, id string, grant Grant) (CompleteResult, error)

	// ExpireStale はolderThanより前に作成された未完了セッションをexpiredに更新し、件数を返す。
	ExpireStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// WebhookEventRepository は受信済みWebhookイベントの記録インターフェース。
type WebhookEventRepository interface {
	// RecordIfNew はイベントを記録する。既に記録済みの場合はfalseを返す。
	RecordIfNew(ctx context.Context, provider, eventID, eventType string) (bool, error)

	// Forget は処理に失敗したイベントの記録を削除し、再送時に再処理できるようにする。
	Forget(ctx context.Context, provider, eventID string) error
}
