// Package transient はブラウザセッション単位の一時的なオンボーディング状態を保持する。
//
// 保持するのはクリエイター登録の途中状態（購読価格、連携中の決済アカウント、
// 外部検証待ちフラグ）のみで、プロフィール本体はデータベースが正とする。
package transient

import (
	"context"
	"fmt"
	"time"
)

// KeyPendingCreator は保留中のクリエイター登録を表すキー名。
const KeyPendingCreator = "onboarding:pending_creator"

// DefaultTTL は一時状態の保持期間。再読み込みや同一ユーザーでの再ログインを跨いで残る。
const DefaultTTL = 24 * time.Hour

// PendingCreator はクリエイター登録の途中状態。
// Subject は書き込んだ認証ユーザーで、別ユーザーからは読み出せない。
type PendingCreator struct {
	Subject         string    `json:"subject"`
	AttemptID       string    `json:"attempt_id"`
	IntentSubmitted bool      `json:"intent_submitted"`
	PriceCents      *int64    `json:"price_cents,omitempty"`
	AccountID       string    `json:"account_id,omitempty"`
	Awaiting        bool      `json:"awaiting"`
	Failed          bool      `json:"failed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store は一時状態の保存先。ブラウザセッションIDをキーとする。
// エントリが存在しない場合、Get は nil, nil を返す。
type Store interface {
	Get(ctx context.Context, sessionID string) (*PendingCreator, error)
	Put(ctx context.Context, sessionID string, entry PendingCreator) error
	Delete(ctx context.Context, sessionID string) error
}

// Load は subject 本人のエントリを返す。
// 別ユーザーが書き込んだエントリが残っている場合は削除して nil を返す。
func Load(ctx context.Context, store Store, sessionID, subject string) (*PendingCreator, error) {
	if sessionID == "" {
		return nil, nil
	}

	entry, err := store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending creator: %w", err)
	}
	if entry == nil {
		return nil, nil
	}

	if entry.Subject != subject {
		if err := store.Delete(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("failed to discard foreign pending creator: %w", err)
		}
		return nil, nil
	}
	return entry, nil
}

func key(sessionID string) string {
	return KeyPendingCreator + ":" + sessionID
}
