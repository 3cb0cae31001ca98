package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
)

// PostgresFollowRepo はPostgreSQLを使用したフォローリポジトリ。
type PostgresFollowRepo struct {
	db *sql.DB
}

// NewPostgresFollowRepo はPostgresFollowRepoを生成する。
func NewPostgresFollowRepo(db *sql.DB) *PostgresFollowRepo {
	return &PostgresFollowRepo{db: db}
}

// ListByFollower は閲覧者のフォロー一覧を返す。
func (r *PostgresFollowRepo) ListByFollower(ctx context.Context, followerID string) ([]model.FollowRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT follower_id, creator_id, created_at FROM follows WHERE follower_id = $1`,
		followerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	defer rows.Close()

	var records []model.FollowRecord
	for rows.Next() {
		var f model.FollowRecord
		if err := rows.Scan(&f.FollowerID, &f.CreatorID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan follow: %w", err)
		}
		records = append(records, f)
	}
	return records, rows.Err()
}

// Follow はフォロー関係を冪等に作成する。
func (r *PostgresFollowRepo) Follow(ctx context.Context, followerID, creatorID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO follows (follower_id, creator_id, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (follower_id, creator_id) DO NOTHING`,
		followerID, creatorID,
	)
	if err != nil {
		return fmt.Errorf("failed to follow: %w", err)
	}
	return nil
}

// Unfollow はフォロー関係を削除する。
func (r *PostgresFollowRepo) Unfollow(ctx context.Context, followerID, creatorID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = $1 AND creator_id = $2`,
		followerID, creatorID,
	)
	if err != nil {
		return fmt.Errorf("failed to unfollow: %w", err)
	}
	return nil
}

// PostgresSubscriptionRepo はPostgreSQLを使用したサブスクリプションリポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// ListBySubscriber は閲覧者のサブスクリプション一覧を返す。状態によらず全件を返す。
func (r *PostgresSubscriptionRepo) ListBySubscriber(ctx context.Context, subscriberID string) ([]model.SubscriptionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, subscriber_id, creator_id, status, started_at, ends_at, checkout_session_id, created_at
		 FROM subscriptions WHERE subscriber_id = $1`,
		subscriberID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var records []model.SubscriptionRecord
	for rows.Next() {
		var s model.SubscriptionRecord
		var endsAt sql.NullTime
		if err := rows.Scan(&s.ID, &s.SubscriberID, &s.CreatorID, &s.Status, &s.StartedAt, &endsAt, &s.CheckoutSessionID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		if endsAt.Valid {
			s.EndsAt = &endsAt.Time
		}
		records = append(records, s)
	}
	return records, rows.Err()
}

// ExpireEnded は終了日時を過ぎたactiveなサブスクリプションをexpiredに更新する。
func (r *PostgresSubscriptionRepo) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = 'expired'
		 WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	return result.RowsAffected()
}

// PostgresPurchaseRepo はPostgreSQLを使用した購入記録リポジトリ。
type PostgresPurchaseRepo struct {
	db *sql.DB
}

// NewPostgresPurchaseRepo はPostgresPurchaseRepoを生成する。
func NewPostgresPurchaseRepo(db *sql.DB) *PostgresPurchaseRepo {
	return &PostgresPurchaseRepo{db: db}
}

// ListByBuyer は購入者の購入記録一覧を返す。
func (r *PostgresPurchaseRepo) ListByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, buyer_id, item_id, checkout_session_id, created_at FROM purchases WHERE buyer_id = $1`,
		buyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var records []model.PurchaseRecord
	for rows.Next() {
		var p model.PurchaseRecord
		if err := rows.Scan(&p.ID, &p.BuyerID, &p.ItemID, &p.CheckoutSessionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

// compile-time interface check
var (
	_ FollowRepository       = (*PostgresFollowRepo)(nil)
	_ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
	_ PurchaseRepository     = (*PostgresPurchaseRepo)(nil)
)
