package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/creatorgate/internal/model"
)

var (
	// ErrCheckoutSessionNotFound は決済セッションが存在しないことを表す。
	ErrCheckoutSessionNotFound = errors.New("checkout session not found")
	// ErrCheckoutSessionOpen は同一購入者・同一対象の未完了セッションが既に存在することを表す。
	ErrCheckoutSessionOpen = errors.New("checkout session already open for target")
)

// PostgresCheckoutSessionRepo はPostgreSQLを使用した決済セッションリポジトリ。
type PostgresCheckoutSessionRepo struct {
	db *sql.DB
}

// NewPostgresCheckoutSessionRepo はPostgresCheckoutSessionRepoを生成する。
func NewPostgresCheckoutSessionRepo(db *sql.DB) *PostgresCheckoutSessionRepo {
	return &PostgresCheckoutSessionRepo{db: db}
}

// Create は決済セッションを作成する。
// 同一対象の未完了セッションが既にある場合はErrCheckoutSessionOpenを返す。
func (r *PostgresCheckoutSessionRepo) Create(ctx context.Context, s *model.CheckoutSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkout_sessions
		   (id, buyer_id, target_kind, target_id, creator_id, amount_cents, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.BuyerID, s.TargetKind, s.TargetID, s.CreatorID, s.AmountCents, s.Currency, s.Status,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == "ux_checkout_sessions_open_target" {
			return ErrCheckoutSessionOpen
		}
		return fmt.Errorf("failed to create checkout session: %w", err)
	}
	return nil
}

const checkoutSessionColumns = `id, buyer_id, target_kind, target_id, creator_id, amount_cents, currency, status,
	created_at, updated_at, completed_at, grant_conflict`

func scanCheckoutSession(row *sql.Row) (*model.CheckoutSession, error) {
	s := &model.CheckoutSession{}
	var completedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.BuyerID, &s.TargetKind, &s.TargetID, &s.CreatorID, &s.AmountCents, &s.Currency, &s.Status,
		&s.CreatedAt, &s.UpdatedAt, &completedAt, &s.GrantConflict,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// FindByID は指定IDの決済セッションを取得する。見つからない場合はnilを返す。
func (r *PostgresCheckoutSessionRepo) FindByID(ctx context.Context, id string) (*model.CheckoutSession, error) {
	s, err := scanCheckoutSession(r.db.QueryRowContext(ctx,
		`SELECT `+checkoutSessionColumns+` FROM checkout_sessions WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find checkout session: %w", err)
	}
	return s, nil
}

// FindOpen は購入者の同一対象への未完了セッションのうち最新のものを返す。見つからない場合はnilを返す。
func (r *PostgresCheckoutSessionRepo) FindOpen(ctx context.Context, buyerID string, kind model.CheckoutTargetKind, targetID string) (*model.CheckoutSession, error) {
	s, err := scanCheckoutSession(r.db.QueryRowContext(ctx,
		`SELECT `+checkoutSessionColumns+` FROM checkout_sessions
		 WHERE buyer_id = $1 AND target_kind = $2 AND target_id = $3 AND status IN ('created', 'pending')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		buyerID, kind, targetID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open checkout session: %w", err)
	}
	return s, nil
}

// MarkTerminal は未完了セッションをexpiredまたはfailedに更新する。
func (r *PostgresCheckoutSessionRepo) MarkTerminal(ctx context.Context, id string, status model.CheckoutStatus) error {
	if status != model.CheckoutStatusExpired && status != model.CheckoutStatusFailed {
		return fmt.Errorf("invalid terminal status: %s", status)
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = $2, updated_at = now()
		 WHERE id = $1 AND status IN ('created', 'pending')`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("failed to mark checkout session %s: %w", status, err)
	}
	return nil
}

// CompleteWithGrant はセッションをcompletedに更新し、閲覧権限を同一トランザクションで作成する。
// 行ロック（FOR UPDATE）によりWebhookとクライアント検証の同時実行を直列化する。
// 同一対象の有効な権限が別セッションで既にある場合は権限を作成せず、grant_conflictを記録する。
func (r *PostgresCheckoutSessionRepo) CompleteWithGrant(ctx context.Context, id string, grant Grant) (CompleteResult, error) {
	if (grant.Subscription == nil) == (grant.Purchase == nil) {
		return "", fmt.Errorf("grant must have exactly one of subscription or purchase")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status model.CheckoutStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM checkout_sessions WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrCheckoutSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock checkout session: %w", err)
	}

	if status == model.CheckoutStatusCompleted {
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("failed to commit transaction: %w", err)
		}
		return CompleteAlreadyCompleted, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = 'completed', completed_at = $2, updated_at = $2 WHERE id = $1`,
		id, now,
	); err != nil {
		return "", fmt.Errorf("failed to complete checkout session: %w", err)
	}

	var (
		result      sql.Result
		grantsTable string
	)
	if s := grant.Subscription; s != nil {
		if s.ID == "" {
			s.ID = uuid.New().String()
		}
		var endsAt sql.NullTime
		if s.EndsAt != nil {
			endsAt = sql.NullTime{Time: *s.EndsAt, Valid: true}
		}
		grantsTable = "subscriptions"
		result, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, subscriber_id, creator_id, status, started_at, ends_at, checkout_session_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT DO NOTHING`,
			s.ID, s.SubscriberID, s.CreatorID, s.Status, s.StartedAt, endsAt, id, now,
		)
	} else {
		p := grant.Purchase
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		grantsTable = "purchases"
		result, err = tx.ExecContext(ctx,
			`INSERT INTO purchases (id, buyer_id, item_id, checkout_session_id, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT DO NOTHING`,
			p.ID, p.BuyerID, p.ItemID, id, now,
		)
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert grant: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to get rows affected: %w", err)
	}

	outcome := CompleteGranted
	if inserted == 0 {
		// このセッションの権限が既にあれば付与済みとして扱う
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+grantsTable+` WHERE checkout_session_id = $1)`,
			id,
		).Scan(&exists); err != nil {
			return "", fmt.Errorf("failed to check existing grant: %w", err)
		}
		if !exists {
			if _, err := tx.ExecContext(ctx,
				`UPDATE checkout_sessions SET grant_conflict = true WHERE id = $1`,
				id,
			); err != nil {
				return "", fmt.Errorf("failed to record grant conflict: %w", err)
			}
			outcome = CompleteGrantConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return outcome, nil
}

// ExpireStale はolderThanより前に作成された未完了セッションをexpiredに更新する。
func (r *PostgresCheckoutSessionRepo) ExpireStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET status = 'expired', updated_at = now()
		 WHERE status IN ('created', 'pending') AND created_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale checkout sessions: %w", err)
	}
	return result.RowsAffected()
}

// PostgresWebhookEventRepo はPostgreSQLを使用したWebhookイベントリポジトリ。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// RecordIfNew はイベントを記録する。(provider, event_id) が既に存在する場合はfalseを返す。
func (r *PostgresWebhookEventRepo) RecordIfNew(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type, received_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Forget はイベントの記録を削除する。
func (r *PostgresWebhookEventRepo) Forget(ctx context.Context, provider, eventID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to forget webhook event: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ CheckoutSessionRepository = (*PostgresCheckoutSessionRepo)(nil)
	_ WebhookEventRepository    = (*PostgresWebhookEventRepo)(nil)
)
