// Package entitlement は閲覧者がコンテンツ本文を閲覧できるかを判定する。
// 判定は純粋関数であり、I/Oや副作用を持たない。
package entitlement

import (
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
)

// LockReason はロック理由を表す。
type LockReason string

const (
	// ReasonNone は閲覧可能な場合の理由（空）。
	ReasonNone LockReason = ""
	// ReasonPurchaseRequired は単品購入が必要であることを示す。
	ReasonPurchaseRequired LockReason = "purchase_required"
	// ReasonSubscriptionRequired は有効なサブスクリプションが必要であることを示す。
	ReasonSubscriptionRequired LockReason = "subscription_required"
	// ReasonFollowRequired はフォローが必要であることを示す。
	ReasonFollowRequired LockReason = "follow_required"
	// ReasonUnknown は公開範囲が判定不能であることを示す。
	ReasonUnknown LockReason = "unknown"
)

// Decision は閲覧可否の判定結果。
// Grantedがtrueの場合Reasonは常にReasonNoneとなる。
type Decision struct {
	Granted bool
	Reason  LockReason
}

// Granted は閲覧可能な判定結果を返す。
func Granted() Decision {
	return Decision{Granted: true}
}

// Locked はロックされた判定結果を返す。
func Locked(reason LockReason) Decision {
	return Decision{Reason: reason}
}

// Records は閲覧者のフォロー・サブスクリプション・購入記録の参照用セット。
// 構築後は変更しない。
type Records struct {
	follows       map[string]struct{} // creatorID
	subscriptions map[string]struct{} // creatorID（有効なもののみ）
	purchases     map[string]struct{} // itemID
}

// NewRecords は記録のスライスから参照用セットを構築する。
// viewerIDと一致しない記録、activeでないサブスクリプション、
// 終了日時がnowを過ぎたサブスクリプションは除外する。
func NewRecords(
	viewerID string,
	follows []model.FollowRecord,
	subs []model.SubscriptionRecord,
	purchases []model.PurchaseRecord,
	now time.Time,
) Records {
	r := Records{
		follows:       make(map[string]struct{}, len(follows)),
		subscriptions: make(map[string]struct{}, len(subs)),
		purchases:     make(map[string]struct{}, len(purchases)),
	}
	if viewerID == "" {
		return r
	}

	for _, f := range follows {
		if f.FollowerID == viewerID {
			r.follows[f.CreatorID] = struct{}{}
		}
	}
	for _, s := range subs {
		if s.SubscriberID != viewerID || s.Status != model.SubscriptionStatusActive {
			continue
		}
		if s.EndsAt != nil && !s.EndsAt.After(now) {
			continue
		}
		r.subscriptions[s.CreatorID] = struct{}{}
	}
	for _, p := range purchases {
		if p.BuyerID == viewerID {
			r.purchases[p.ItemID] = struct{}{}
		}
	}
	return r
}

// Follows はクリエイターをフォローしているかを返す。
func (r Records) Follows(creatorID string) bool {
	_, ok := r.follows[creatorID]
	return ok
}

// Subscribed はクリエイターへの有効なサブスクリプションがあるかを返す。
func (r Records) Subscribed(creatorID string) bool {
	_, ok := r.subscriptions[creatorID]
	return ok
}

// Purchased はコンテンツを購入済みかを返す。
func (r Records) Purchased(itemID string) bool {
	_, ok := r.purchases[itemID]
	return ok
}

// Evaluate は閲覧者がコンテンツを閲覧できるかを判定する。
// ルールは上から順に評価し、最初に一致したものを採用する:
//  1. 所有者本人 → 閲覧可
//  2. 公開かつ無料 → 閲覧可
//  3. 価格あり → 購入記録があれば閲覧可、なければ purchase_required
//  4. サブスクライバー限定 → 有効なサブスクリプションがあれば閲覧可、なければ subscription_required
//  5. フォロワー限定 → フォローしていれば閲覧可、なければ follow_required
//  6. それ以外 → unknown
//
// 未ログインの閲覧者（viewerIDが空）は所有者として扱わない。
func Evaluate(viewerID string, item model.ContentItem, rec Records) Decision {
	if viewerID != "" && item.OwnerID == viewerID {
		return Granted()
	}

	if item.Visibility == model.VisibilityPublic && !item.HasPrice() {
		return Granted()
	}

	if item.HasPrice() {
		if rec.Purchased(item.ID) {
			return Granted()
		}
		return Locked(ReasonPurchaseRequired)
	}

	switch item.Visibility {
	case model.VisibilitySubscribers:
		if rec.Subscribed(item.OwnerID) {
			return Granted()
		}
		return Locked(ReasonSubscriptionRequired)
	case model.VisibilityFollowers:
		if rec.Follows(item.OwnerID) {
			return Granted()
		}
		return Locked(ReasonFollowRequired)
	default:
		return Locked(ReasonUnknown)
	}
}
