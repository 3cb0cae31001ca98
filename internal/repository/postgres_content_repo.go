package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
)

// PostgresContentRepo はPostgreSQLを使用したコンテンツリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

const contentColumns = `id, owner_id, kind, title, body, media_key, visibility, price_cents, currency, published_at, created_at`

// scanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanContentItem(s scanner) (model.ContentItem, error) {
	var it model.ContentItem
	err := s.Scan(
		&it.ID, &it.OwnerID, &it.Kind, &it.Title, &it.Body, &it.MediaKey,
		&it.Visibility, &it.PriceCents, &it.Currency, &it.PublishedAt, &it.CreatedAt,
	)
	return it, err
}

// FindByID は指定IDのコンテンツを取得する。見つからない場合はnilを返す。
func (r *PostgresContentRepo) FindByID(ctx context.Context, id string) (*model.ContentItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE id = $1`,
		id,
	)
	it, err := scanContentItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find content item: %w", err)
	}
	return &it, nil
}

// ListFeed は閲覧者のフィードに載るコンテンツを(published_at, id)降順で返す。
// 自分のコンテンツ、フォロー中のクリエイター、有効な購読中のクリエイターが対象。
// 閲覧可否の判定は行わない（entitlementパッケージの責務）。
func (r *PostgresContentRepo) ListFeed(ctx context.Context, viewerID string, before FeedCursor, limit int) ([]model.ContentItem, error) {
	// 位置は並び順と同じ(published_at, id)で比較する。published_atだけでは同時刻の項目が欠ける
	position := `c.published_at < $3`
	args := []any{viewerID, limit, time.Now().Add(time.Minute)}
	if !before.IsZero() {
		position = `(c.published_at, c.id) < ($3, $4)`
		args = []any{viewerID, limit, before.PublishedAt, before.ID}
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+contentColumns+`
		 FROM content_items c
		 WHERE `+position+`
		   AND (
		     c.owner_id = $1
		     OR EXISTS (SELECT 1 FROM follows f WHERE f.follower_id = $1 AND f.creator_id = c.owner_id)
		     OR EXISTS (SELECT 1 FROM subscriptions s WHERE s.subscriber_id = $1 AND s.creator_id = c.owner_id AND s.status = 'active')
		   )
		 ORDER BY c.published_at DESC, c.id DESC
		 LIMIT $2`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed: %w", err)
	}
	defer rows.Close()

	var items []model.ContentItem
	for rows.Next() {
		it, err := scanContentItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feed rows: %w", err)
	}
	return items, nil
}

var _ ContentRepository = (*PostgresContentRepo)(nil)
