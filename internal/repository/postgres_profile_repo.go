package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/creatorgate/internal/model"
)

// uniqueViolation はPostgreSQLのUNIQUE制約違反のSQLSTATE。
const uniqueViolation = "23505"

// PostgresUserProfileRepo はPostgreSQLを使用したユーザープロフィールリポジトリ。
type PostgresUserProfileRepo struct {
	db *sql.DB
}

// NewPostgresUserProfileRepo はPostgresUserProfileRepoを生成する。
func NewPostgresUserProfileRepo(db *sql.DB) *PostgresUserProfileRepo {
	return &PostgresUserProfileRepo{db: db}
}

// FindByUserID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresUserProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.UserProfile, error) {
	var raw model.RawProfile
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, full_name, username, bio, avatar_url, profile_picture, created_at, updated_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(
		&raw.UserID, &raw.DisplayName, &raw.FullName, &raw.Username,
		&raw.Bio, &raw.AvatarURL, &raw.ProfilePicture,
		&raw.CreatedAt, &raw.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user profile: %w", err)
	}

	profile := model.NormalizeProfile(raw)
	return &profile, nil
}

// Create はプロフィールを作成する。
// username のUNIQUE制約違反はErrUsernameTakenに変換する。
func (r *PostgresUserProfileRepo) Create(ctx context.Context, profile *model.UserProfile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, username, bio, avatar_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		profile.UserID, profile.DisplayName, profile.Username, profile.Bio, profile.AvatarURL,
		profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "users_username_key" {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to create user profile: %w", err)
	}
	return nil
}

// PostgresCreatorProfileRepo はPostgreSQLを使用したクリエイタープロフィールリポジトリ。
type PostgresCreatorProfileRepo struct {
	db *sql.DB
}

// NewPostgresCreatorProfileRepo はPostgresCreatorProfileRepoを生成する。
func NewPostgresCreatorProfileRepo(db *sql.DB) *PostgresCreatorProfileRepo {
	return &PostgresCreatorProfileRepo{db: db}
}

// FindByUserID は指定ユーザーのクリエイタープロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresCreatorProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.CreatorProfile, error) {
	p := &model.CreatorProfile{}
	var price sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, stripe_account_id, subscription_price_cents, currency, status, created_at, updated_at
		 FROM creator_profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.StripeAccountID, &price, &p.Currency, &p.Status, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find creator profile: %w", err)
	}

	if price.Valid {
		v := price.Int64
		p.SubscriptionPriceCents = &v
	}
	return p, nil
}

// Create はクリエイタープロフィールを作成する。
// 同一ユーザーの行が既に存在する場合は何もせずcreated=falseを返す（再送に対して冪等）。
func (r *PostgresCreatorProfileRepo) Create(ctx context.Context, p *model.CreatorProfile) (bool, error) {
	var price sql.NullInt64
	if p.SubscriptionPriceCents != nil {
		price = sql.NullInt64{Int64: *p.SubscriptionPriceCents, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO creator_profiles (user_id, stripe_account_id, subscription_price_cents, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.StripeAccountID, price, p.Currency, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create creator profile: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var (
	_ UserProfileRepository    = (*PostgresUserProfileRepo)(nil)
	_ CreatorProfileRepository = (*PostgresCreatorProfileRepo)(nil)
)
