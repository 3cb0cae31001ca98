// Package checkout は決済セッションの開始と、完了した決済の照合を提供する。
//
// 照合は決済後の戻りとWebhookの両方から実行され得るため、同じセッションを何度照合しても
// 閲覧権限は1件だけ作成される。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
)

// EventReconciled は照合完了時に購入者へ通知するイベント種別。
const EventReconciled = "checkout.reconciled"

// Publisher はユーザー宛にイベントを通知する。
type Publisher interface {
	Publish(userID, eventType string, payload interface{})
}

// ReconcileResult は照合の結果。
type ReconcileResult struct {
	SessionID         string                   `json:"session_id"`
	BuyerID           string                   `json:"-"`
	TargetKind        model.CheckoutTargetKind `json:"target_kind"`
	TargetID          string                   `json:"target_id"`
	Status            model.CheckoutStatus     `json:"status"`
	AlreadyReconciled bool                     `json:"already_reconciled"`
	// GrantConflict は決済済みだが同一対象の閲覧権限が既にあり、付与しなかったことを示す。返金対象。
	GrantConflict bool `json:"grant_conflict,omitempty"`
}

// Reconciler は決済プロバイダーのセッション状態をローカルの閲覧権限に反映する。
type Reconciler struct {
	sessions  repository.CheckoutSessionRepository
	gateway   payment.Gateway
	publisher Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler はReconcilerを生成する。
func NewReconciler(
	sessions repository.CheckoutSessionRepository,
	gateway payment.Gateway,
	publisher Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Reconciler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		sessions:  sessions,
		gateway:   gateway,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Reconcile はセッションを照合する。
// ローカルに存在しないセッションはCHECKOUT_NOT_FOUNDを返す。
// 既にcompletedの場合はプロバイダーへ問い合わせずAlreadyReconciled=trueを返す。
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) (ReconcileResult, error) {
	start := r.now()

	local, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		r.metrics.RecordReconciliation("error", r.now().Sub(start))
		return ReconcileResult{}, fmt.Errorf("failed to load checkout session: %w", err)
	}
	if local == nil {
		return ReconcileResult{}, model.NewCheckoutNotFoundError(sessionID)
	}

	result := ReconcileResult{
		SessionID:     local.ID,
		BuyerID:       local.BuyerID,
		TargetKind:    local.TargetKind,
		TargetID:      local.TargetID,
		Status:        local.Status,
		GrantConflict: local.GrantConflict,
	}
	if local.Status == model.CheckoutStatusCompleted {
		result.AlreadyReconciled = true
		r.metrics.RecordReconciliation("already_reconciled", r.now().Sub(start))
		return result, nil
	}

	remote, err := r.gateway.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		r.metrics.RecordReconciliation("error", r.now().Sub(start))
		return ReconcileResult{}, err
	}

	switch {
	case remote.Status == payment.SessionStatusComplete && remote.Paid:
		completed, err := r.sessions.CompleteWithGrant(ctx, local.ID, grantFor(local, r.now().UTC()))
		if err != nil {
			r.metrics.RecordReconciliation("error", r.now().Sub(start))
			return ReconcileResult{}, fmt.Errorf("failed to complete checkout session: %w", err)
		}
		result.Status = model.CheckoutStatusCompleted

		switch completed {
		case repository.CompleteAlreadyCompleted:
			result.AlreadyReconciled = true
			r.metrics.RecordReconciliation("already_reconciled", r.now().Sub(start))
			return result, nil

		case repository.CompleteGrantConflict:
			result.GrantConflict = true
			r.metrics.RecordReconciliation("grant_conflict", r.now().Sub(start))
			r.logger.Error("paid checkout session duplicates an existing grant, refund required",
				slog.String("session_id", local.ID),
				slog.String("buyer_id", local.BuyerID),
				slog.String("target_kind", string(local.TargetKind)),
				slog.String("target_id", local.TargetID),
			)
			return result, nil
		}

		r.metrics.RecordReconciliation("granted", r.now().Sub(start))
		r.logger.Info("checkout reconciled",
			slog.String("session_id", local.ID),
			slog.String("buyer_id", local.BuyerID),
			slog.String("target_kind", string(local.TargetKind)),
			slog.String("target_id", local.TargetID),
		)
		if r.publisher != nil {
			r.publisher.Publish(local.BuyerID, EventReconciled, result)
		}

	case remote.Status == payment.SessionStatusExpired:
		if err := r.sessions.MarkTerminal(ctx, local.ID, model.CheckoutStatusExpired); err != nil {
			r.metrics.RecordReconciliation("error", r.now().Sub(start))
			return ReconcileResult{}, err
		}
		if !local.Status.IsTerminal() {
			result.Status = model.CheckoutStatusExpired
		}
		r.metrics.RecordReconciliation("expired", r.now().Sub(start))

	default:
		// 未決済または非同期決済の確定待ち
		if !local.Status.IsTerminal() {
			result.Status = model.CheckoutStatusPending
		}
		r.metrics.RecordReconciliation("pending", r.now().Sub(start))
	}

	return result, nil
}

// MarkFailed は非同期決済の失敗をセッションに記録する。
func (r *Reconciler) MarkFailed(ctx context.Context, sessionID string) error {
	if err := r.sessions.MarkTerminal(ctx, sessionID, model.CheckoutStatusFailed); err != nil {
		return err
	}
	r.metrics.RecordReconciliation("failed", 0)
	return nil
}

// grantFor はセッションの対象に応じた閲覧権限を組み立てる。
func grantFor(s *model.CheckoutSession, now time.Time) repository.Grant {
	if s.TargetKind == model.CheckoutTargetSubscription {
		return repository.Grant{Subscription: &model.SubscriptionRecord{
			SubscriberID: s.BuyerID,
			CreatorID:    s.CreatorID,
			Status:       model.SubscriptionStatusActive,
			StartedAt:    now,
		}}
	}
	return repository.Grant{Purchase: &model.PurchaseRecord{
		BuyerID: s.BuyerID,
		ItemID:  s.TargetID,
	}}
}

// isNotFound は照合対象のセッションが存在しないエラーかを返す。
func isNotFound(err error) bool {
	return model.HasCode(err, model.ErrCodeCheckoutNotFound) || errors.Is(err, repository.ErrCheckoutSessionNotFound)
}
