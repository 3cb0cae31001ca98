package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/creatorgate/internal/entitlement"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
)

// Target はチェックアウトの対象。CreatorID と ItemID のどちらか一方だけを指定する。
type Target struct {
	CreatorID string `json:"creator_id,omitempty"` // サブスクリプション
	ItemID    string `json:"item_id,omitempty"`    // 単品購入
}

// Outcome は決済後の戻り処理の結果。
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeProcessing Outcome = "processing"
	OutcomeFailed     Outcome = "failed"
	OutcomeInvalid    Outcome = "invalid"
	// OutcomeGrantConflict は決済は完了したが、同一対象の閲覧権限が既にあったため付与しなかったことを表す。
	// 閲覧は既存の権限で可能。決済は返金対象となる。
	OutcomeGrantConflict Outcome = "grant_conflict"
)

// ReturnOutcome は戻り処理の結果と表示用の情報。
type ReturnOutcome struct {
	Outcome    Outcome                  `json:"outcome"`
	SessionID  string                   `json:"session_id,omitempty"`
	TargetKind model.CheckoutTargetKind `json:"target_kind,omitempty"`
	TargetID   string                   `json:"target_id,omitempty"`
	// CanRetry は購入手続きをやり直せることを示す。
	CanRetry bool `json:"can_retry"`
}

// Config はチェックアウトの設定。
type Config struct {
	// SuccessURL には {CHECKOUT_SESSION_ID} を含め、決済後にセッションIDを受け取る。
	SuccessURL string
	CancelURL  string
	Currency   string
}

// Coordinator はチェックアウトの開始と決済後の戻り処理を担う。
type Coordinator struct {
	creators   repository.CreatorProfileRepository
	content    repository.ContentRepository
	subs       repository.SubscriptionRepository
	purchases  repository.PurchaseRepository
	sessions   repository.CheckoutSessionRepository
	gateway    payment.Gateway
	reconciler *Reconciler
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// NewCoordinator はCoordinatorを生成する。
func NewCoordinator(
	creators repository.CreatorProfileRepository,
	content repository.ContentRepository,
	subs repository.SubscriptionRepository,
	purchases repository.PurchaseRepository,
	sessions repository.CheckoutSessionRepository,
	gateway payment.Gateway,
	reconciler *Reconciler,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Coordinator {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "JPY"
	}
	return &Coordinator{
		creators:   creators,
		content:    content,
		subs:       subs,
		purchases:  purchases,
		sessions:   sessions,
		gateway:    gateway,
		reconciler: reconciler,
		metrics:    collector,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// checkoutPlan は検証済みのチェックアウト内容。
type checkoutPlan struct {
	kind        model.CheckoutTargetKind
	targetID    string
	creator     *model.CreatorProfile
	productName string
	amount      int64
	currency    string
}

// BeginCheckout は対象を検証してチェックアウトセッションを作成し、決済ページのURLを返す。
// ローカルのセッションはpendingで保存し、照合時に完了させる。
func (c *Coordinator) BeginCheckout(ctx context.Context, viewer *identity.Viewer, target Target) (string, error) {
	buyerID := viewer.Subject()
	if buyerID == "" {
		return "", model.NewAuthExpiredError()
	}

	target.CreatorID = strings.TrimSpace(target.CreatorID)
	target.ItemID = strings.TrimSpace(target.ItemID)
	if (target.CreatorID == "") == (target.ItemID == "") {
		return "", model.NewInvalidCheckoutTargetError("creator_id と item_id のどちらか一方を指定してください")
	}

	var (
		plan *checkoutPlan
		err  error
	)
	if target.CreatorID != "" {
		plan, err = c.planSubscription(ctx, buyerID, target.CreatorID)
	} else {
		plan, err = c.planPurchase(ctx, buyerID, target.ItemID)
	}
	if err != nil {
		return "", err
	}

	// 別タブ等で開始済みの未完了セッションがあれば新規作成しない
	if url, err := c.resumeOpenSession(ctx, buyerID, plan); err != nil || url != "" {
		return url, err
	}

	remote, err := c.gateway.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		Mode:               modeFor(plan.kind),
		BuyerID:            buyerID,
		BuyerEmail:         viewer.Identity.Email,
		CreatorID:          plan.creator.UserID,
		DestinationAccount: plan.creator.StripeAccountID,
		ProductName:        plan.productName,
		AmountCents:        plan.amount,
		Currency:           plan.currency,
		SuccessURL:         c.cfg.SuccessURL,
		CancelURL:          c.cfg.CancelURL,
		Metadata: map[string]string{
			payment.MetadataBuyerID:    buyerID,
			payment.MetadataTargetKind: string(plan.kind),
			payment.MetadataTargetID:   plan.targetID,
			payment.MetadataCreatorID:  plan.creator.UserID,
		},
	})
	if err != nil {
		c.logger.Error("failed to create checkout session",
			slog.String("buyer_id", buyerID),
			slog.String("target_kind", string(plan.kind)),
			slog.String("target_id", plan.targetID),
			slog.String("error", err.Error()),
		)
		return "", model.NewExternalServiceError("stripe")
	}

	now := c.now().UTC()
	err = c.sessions.Create(ctx, &model.CheckoutSession{
		ID:          remote.ID,
		BuyerID:     buyerID,
		TargetKind:  plan.kind,
		TargetID:    plan.targetID,
		CreatorID:   plan.creator.UserID,
		AmountCents: plan.amount,
		Currency:    plan.currency,
		Status:      model.CheckoutStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, repository.ErrCheckoutSessionOpen) {
		// 同時に開始された別リクエストが先に保存した。作成したセッションは使われないまま失効する
		c.logger.Warn("concurrent checkout for same target",
			slog.String("session_id", remote.ID),
			slog.String("buyer_id", buyerID),
			slog.String("target_id", plan.targetID),
		)
		return "", model.NewCheckoutInProgressError()
	}
	if err != nil {
		return "", fmt.Errorf("failed to save checkout session: %w", err)
	}

	c.metrics.RecordCheckoutStarted(string(plan.kind))
	c.logger.Info("checkout started",
		slog.String("session_id", remote.ID),
		slog.String("buyer_id", buyerID),
		slog.String("target_kind", string(plan.kind)),
		slog.String("target_id", plan.targetID),
	)
	return remote.URL, nil
}

// resumeOpenSession は同一対象の未完了セッションがあればプロバイダー側の状態を確認する。
// 決済ページが有効ならそのURLを返す。失効していればローカルも失効させ、空文字列を返して新規作成させる。
// 決済済みなら照合したうえでALREADY_ENTITLEDを返す。
func (c *Coordinator) resumeOpenSession(ctx context.Context, buyerID string, plan *checkoutPlan) (string, error) {
	open, err := c.sessions.FindOpen(ctx, buyerID, plan.kind, plan.targetID)
	if err != nil {
		return "", fmt.Errorf("failed to find open checkout session: %w", err)
	}
	if open == nil {
		return "", nil
	}

	remote, err := c.gateway.GetCheckoutSession(ctx, open.ID)
	if err != nil {
		c.logger.Error("failed to get open checkout session",
			slog.String("session_id", open.ID),
			slog.String("error", err.Error()),
		)
		return "", model.NewExternalServiceError("stripe")
	}

	switch remote.Status {
	case payment.SessionStatusOpen:
		if remote.URL == "" {
			return "", model.NewCheckoutInProgressError()
		}
		c.logger.Info("checkout resumed",
			slog.String("session_id", open.ID),
			slog.String("buyer_id", buyerID),
			slog.String("target_id", plan.targetID),
		)
		return remote.URL, nil

	case payment.SessionStatusComplete:
		result, err := c.reconciler.Reconcile(ctx, open.ID)
		if err != nil {
			return "", err
		}
		if result.Status == model.CheckoutStatusCompleted {
			return "", model.NewAlreadyEntitledError()
		}
		// 非同期決済の確定待ち
		return "", model.NewCheckoutInProgressError()

	case payment.SessionStatusExpired:
		if err := c.sessions.MarkTerminal(ctx, open.ID, model.CheckoutStatusExpired); err != nil {
			return "", err
		}
		return "", nil

	default:
		return "", model.NewCheckoutInProgressError()
	}
}

func (c *Coordinator) planSubscription(ctx context.Context, buyerID, creatorID string) (*checkoutPlan, error) {
	if creatorID == buyerID {
		return nil, model.NewInvalidCheckoutTargetError("自分自身は購読できません")
	}

	creator, err := c.creators.FindByUserID(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load creator profile: %w", err)
	}
	if !creator.IsActive() {
		return nil, model.NewCreatorNotFoundError(creatorID)
	}
	if creator.SubscriptionPriceCents == nil || *creator.SubscriptionPriceCents <= 0 {
		return nil, model.NewInvalidCheckoutTargetError("このクリエイターは購読を受け付けていません")
	}

	subs, err := c.subs.ListBySubscriber(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	rec := entitlement.NewRecords(buyerID, nil, subs, nil, c.now())
	if rec.Subscribed(creatorID) {
		return nil, model.NewAlreadyEntitledError()
	}

	return &checkoutPlan{
		kind:        model.CheckoutTargetSubscription,
		targetID:    creatorID,
		creator:     creator,
		productName: fmt.Sprintf("%s の月額購読", creatorID),
		amount:      *creator.SubscriptionPriceCents,
		currency:    currencyOr(creator.Currency, c.cfg.Currency),
	}, nil
}

func (c *Coordinator) planPurchase(ctx context.Context, buyerID, itemID string) (*checkoutPlan, error) {
	if _, err := uuid.Parse(itemID); err != nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	item, err := c.content.FindByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load content item: %w", err)
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}
	if !item.HasPrice() {
		return nil, model.NewInvalidCheckoutTargetError("このコンテンツは販売されていません")
	}
	if item.OwnerID == buyerID {
		return nil, model.NewInvalidCheckoutTargetError("自分のコンテンツは購入できません")
	}

	purchases, err := c.purchases.ListByBuyer(ctx, buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	rec := entitlement.NewRecords(buyerID, nil, nil, purchases, c.now())
	if rec.Purchased(item.ID) {
		return nil, model.NewAlreadyEntitledError()
	}

	creator, err := c.creators.FindByUserID(ctx, item.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load creator profile: %w", err)
	}
	if !creator.IsActive() {
		return nil, model.NewCreatorNotFoundError(item.OwnerID)
	}

	name := item.Title
	if name == "" {
		name = item.ID
	}
	return &checkoutPlan{
		kind:        model.CheckoutTargetPurchase,
		targetID:    item.ID,
		creator:     creator,
		productName: name,
		amount:      item.PriceCents,
		currency:    currencyOr(item.Currency, c.cfg.Currency),
	}, nil
}

// HandleReturn は決済ページからの戻りを処理する。
// セッションIDが空の場合は照合せずにOutcomeInvalidを返す。
// 照合に失敗した場合は1回だけ即時に再試行し、それでも失敗した場合はOutcomeProcessingを返す。
// 確定はWebhookによる照合に任せる。
// viewerがnil（ログイン切れ）の場合は購入者の照合を行わない。
func (c *Coordinator) HandleReturn(ctx context.Context, viewer *identity.Viewer, sessionID string) ReturnOutcome {
	out := c.handleReturn(ctx, viewer, strings.TrimSpace(sessionID))
	c.metrics.RecordCheckoutOutcome(string(out.Outcome))
	return out
}

func (c *Coordinator) handleReturn(ctx context.Context, viewer *identity.Viewer, sessionID string) ReturnOutcome {
	if sessionID == "" {
		return ReturnOutcome{Outcome: OutcomeInvalid}
	}

	result, err := c.reconciler.Reconcile(ctx, sessionID)
	if err != nil && !isNotFound(err) {
		c.logger.Warn("reconciliation failed, retrying",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		result, err = c.reconciler.Reconcile(ctx, sessionID)
	}
	if err != nil {
		if isNotFound(err) {
			return ReturnOutcome{Outcome: OutcomeInvalid}
		}
		c.logger.Warn("reconciliation still failing, deferring to webhook",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return ReturnOutcome{Outcome: OutcomeProcessing, SessionID: sessionID}
	}

	if viewer != nil && viewer.Subject() != result.BuyerID {
		c.logger.Warn("checkout return by non-buyer",
			slog.String("session_id", sessionID),
			slog.String("user_id", viewer.Subject()),
		)
		return ReturnOutcome{Outcome: OutcomeInvalid}
	}

	out := ReturnOutcome{
		SessionID:  result.SessionID,
		TargetKind: result.TargetKind,
		TargetID:   result.TargetID,
	}
	switch result.Status {
	case model.CheckoutStatusCompleted:
		out.Outcome = OutcomeSuccess
		if result.GrantConflict {
			out.Outcome = OutcomeGrantConflict
		}
	case model.CheckoutStatusExpired, model.CheckoutStatusFailed:
		out.Outcome = OutcomeFailed
		out.CanRetry = true
	default:
		out.Outcome = OutcomeProcessing
	}
	return out
}

func modeFor(kind model.CheckoutTargetKind) payment.Mode {
	if kind == model.CheckoutTargetSubscription {
		return payment.ModeSubscription
	}
	return payment.ModePayment
}

func currencyOr(currency, fallback string) string {
	if currency != "" {
		return currency
	}
	return fallback
}
