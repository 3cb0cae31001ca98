package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/creatorgate/internal/entitlement"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/repository"
)

const (
	// DefaultPageSize はフィード1ページの既定件数。
	DefaultPageSize = 20
	// MaxPageSize はフィード1ページの最大件数。
	MaxPageSize = 100
)

// FeedPage はFeedの戻り値。
type FeedPage struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
	// Degraded は読み込みに失敗し、空のフィードを返していることを示す。
	Degraded bool `json:"degraded,omitempty"`
}

// Service はフィード・コンテンツ詳細・フォロー操作を提供する。
type Service struct {
	content   repository.ContentRepository
	creators  repository.CreatorProfileRepository
	follows   repository.FollowRepository
	subs      repository.SubscriptionRepository
	purchases repository.PurchaseRepository
	assembler *Assembler
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	content repository.ContentRepository,
	creators repository.CreatorProfileRepository,
	follows repository.FollowRepository,
	subs repository.SubscriptionRepository,
	purchases repository.PurchaseRepository,
	assembler *Assembler,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		content:   content,
		creators:  creators,
		follows:   follows,
		subs:      subs,
		purchases: purchases,
		assembler: assembler,
		logger:    logger,
		now:       time.Now,
	}
}

// Feed は閲覧者のフィードをpublished_at降順で返す。
// カーソルは前ページ最後の項目の"published_at|id"で、limit+1件を取得してHasMoreを判定する。
// 読み込みに失敗した場合はエラーにせず、Degradedな空のフィードを返す。
func (s *Service) Feed(ctx context.Context, viewer *identity.Viewer, cursorStr string, limit int) (*FeedPage, error) {
	viewerID := viewer.Subject()
	if viewerID == "" {
		return nil, model.NewAuthExpiredError()
	}

	cursor, err := parseCursor(cursorStr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	items, err := s.content.ListFeed(ctx, viewerID, cursor, limit+1)
	if err != nil {
		return s.degraded(viewerID, err), nil
	}
	rec, err := s.records(ctx, viewerID)
	if err != nil {
		return s.degraded(viewerID, err), nil
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	page := &FeedPage{
		Entries: s.assembler.Assemble(ctx, viewerID, items, rec),
		HasMore: hasMore,
	}
	if hasMore && len(items) > 0 {
		page.NextCursor = formatCursor(items[len(items)-1])
	}
	return page, nil
}

// Item はコンテンツ1件を閲覧者の権限に応じて返す。
// 未ログインの閲覧者には記録なしとして判定する。
func (s *Service) Item(ctx context.Context, viewer *identity.Viewer, itemID string) (*Entry, error) {
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	it, err := s.content.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content item: %w", err)
	}
	if it == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}

	viewerID := viewer.Subject()
	rec, err := s.records(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	entries := s.assembler.Assemble(ctx, viewerID, []model.ContentItem{*it}, rec)
	return &entries[0], nil
}

// Follow はクリエイターをフォローする。既にフォロー済みの場合も成功する。
func (s *Service) Follow(ctx context.Context, viewer *identity.Viewer, creatorID string) error {
	viewerID, err := s.followTarget(ctx, viewer, creatorID)
	if err != nil {
		return err
	}
	if err := s.follows.Follow(ctx, viewerID, creatorID); err != nil {
		return err
	}
	s.logger.Info("creator followed",
		slog.String("user_id", viewerID),
		slog.String("creator_id", creatorID),
	)
	return nil
}

// Unfollow はフォローを解除する。フォローしていない場合も成功する。
func (s *Service) Unfollow(ctx context.Context, viewer *identity.Viewer, creatorID string) error {
	viewerID := viewer.Subject()
	if viewerID == "" {
		return model.NewAuthExpiredError()
	}
	return s.follows.Unfollow(ctx, viewerID, strings.TrimSpace(creatorID))
}

func (s *Service) followTarget(ctx context.Context, viewer *identity.Viewer, creatorID string) (string, error) {
	viewerID := viewer.Subject()
	if viewerID == "" {
		return "", model.NewAuthExpiredError()
	}
	if creatorID == viewerID {
		return "", model.NewValidationError("creator_id", "自分自身はフォローできません")
	}

	creator, err := s.creators.FindByUserID(ctx, creatorID)
	if err != nil {
		return "", fmt.Errorf("failed to load creator profile: %w", err)
	}
	if !creator.IsActive() {
		return "", model.NewCreatorNotFoundError(creatorID)
	}
	return viewerID, nil
}

// records は閲覧者のフォロー・購読・購入記録をそれぞれ1回の問い合わせで取得する。
func (s *Service) records(ctx context.Context, viewerID string) (entitlement.Records, error) {
	if viewerID == "" {
		return entitlement.NewRecords("", nil, nil, nil, s.now()), nil
	}

	follows, err := s.follows.ListByFollower(ctx, viewerID)
	if err != nil {
		return entitlement.Records{}, err
	}
	subs, err := s.subs.ListBySubscriber(ctx, viewerID)
	if err != nil {
		return entitlement.Records{}, err
	}
	purchases, err := s.purchases.ListByBuyer(ctx, viewerID)
	if err != nil {
		return entitlement.Records{}, err
	}
	return entitlement.NewRecords(viewerID, follows, subs, purchases, s.now()), nil
}

func (s *Service) degraded(viewerID string, err error) *FeedPage {
	s.logger.Warn("feed degraded to empty",
		slog.String("user_id", viewerID),
		slog.String("error", err.Error()),
	)
	return &FeedPage{Entries: []Entry{}, Degraded: true}
}

const cursorSeparator = "|"

func formatCursor(last model.ContentItem) string {
	return last.PublishedAt.UTC().Format(time.RFC3339Nano) + cursorSeparator + last.ID
}

func parseCursor(cursorStr string) (repository.FeedCursor, error) {
	if cursorStr == "" {
		return repository.FeedCursor{}, nil
	}
	invalid := model.NewValidationError("cursor", "無効なカーソル値: "+cursorStr)

	ts, id, ok := strings.Cut(cursorStr, cursorSeparator)
	if !ok {
		return repository.FeedCursor{}, invalid
	}
	publishedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return repository.FeedCursor{}, invalid
	}
	if _, err := uuid.Parse(id); err != nil {
		return repository.FeedCursor{}, invalid
	}
	return repository.FeedCursor{PublishedAt: publishedAt, ID: id}, nil
}
