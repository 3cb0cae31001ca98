// Package onboarding は通常アカウントを収益化可能なクリエイターアカウントにする
// 手続きを状態機械として実装する。
//
// 状態はデータベースのプロフィールとブラウザセッション単位の一時状態から毎回導出し、
// 状態そのものは保存しない。クリエイタープロフィールは決済アカウントの検証完了後にのみ作成する。
package onboarding

import (
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/transient"
)

// State はオンボーディングの状態を表す。
type State string

const (
	StateNeedsProfile           State = "needs_profile"
	StateNeedsCreatorIntent     State = "needs_creator_intent"
	StateNeedsPaymentConnection State = "needs_payment_connection"
	StateActive                 State = "active"
	StateVerificationFailed     State = "verification_failed"
)

// Result は各操作の結果。
// RedirectURL は外部の決済アカウント登録ページへ遷移する場合のみ設定される。
// Failure は VerificationFailed に遷移した原因を表す。
type Result struct {
	State       State
	RedirectURL string
	Failure     *model.APIError
}

// derive はプロフィールと一時状態から現在の状態を導出する。
func derive(profile *model.UserProfile, creator *model.CreatorProfile, entry *transient.PendingCreator) State {
	switch {
	case profile == nil:
		return StateNeedsProfile
	case creator != nil:
		return StateActive
	case entry == nil || !entry.IntentSubmitted:
		return StateNeedsCreatorIntent
	case entry.Failed:
		return StateVerificationFailed
	default:
		return StateNeedsPaymentConnection
	}
}
