package checkout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
)

// ProviderStripe はWebhookイベント記録のプロバイダー名。
const ProviderStripe = "stripe"

// 処理対象のイベント種別
const (
	EventSessionCompleted          = "checkout.session.completed"
	EventSessionAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	EventSessionAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventSessionExpired            = "checkout.session.expired"
)

// WebhookProcessor は決済プロバイダーからのWebhookを検証し、照合を実行する。
type WebhookProcessor struct {
	events     repository.WebhookEventRepository
	gateway    payment.Gateway
	reconciler *Reconciler
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// NewWebhookProcessor はWebhookProcessorを生成する。
func NewWebhookProcessor(
	events repository.WebhookEventRepository,
	gateway payment.Gateway,
	reconciler *Reconciler,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *WebhookProcessor {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookProcessor{
		events:     events,
		gateway:    gateway,
		reconciler: reconciler,
		metrics:    collector,
		logger:     logger,
	}
}

// Handle はWebhookを処理する。
// 署名不正の場合はpayment.ErrInvalidSignatureを返す。
// 受信済みのイベントは再処理せずに成功を返す。
// 処理に失敗した場合はイベントの記録を取り消してエラーを返し、プロバイダーの再送で再処理させる。
func (p *WebhookProcessor) Handle(ctx context.Context, payload []byte, signature string) error {
	ev, err := p.gateway.ParseWebhook(payload, signature)
	if err != nil {
		p.metrics.RecordWebhookEvent("unknown", "rejected")
		return err
	}

	isNew, err := p.events.RecordIfNew(ctx, ProviderStripe, ev.ID, ev.Type)
	if err != nil {
		p.metrics.RecordWebhookEvent(ev.Type, "error")
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !isNew {
		p.metrics.RecordWebhookEvent(ev.Type, "duplicate")
		return nil
	}

	result, err := p.dispatch(ctx, ev)
	if err != nil {
		if ferr := p.events.Forget(ctx, ProviderStripe, ev.ID); ferr != nil {
			p.logger.Error("failed to forget webhook event",
				slog.String("event_id", ev.ID),
				slog.String("error", ferr.Error()),
			)
		}
		p.metrics.RecordWebhookEvent(ev.Type, "error")
		p.logger.Error("webhook processing failed",
			slog.String("event_id", ev.ID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
		return err
	}

	p.metrics.RecordWebhookEvent(ev.Type, result)
	return nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, ev *payment.Event) (string, error) {
	if ev.Session == nil || ev.Session.ID == "" {
		return "ignored", nil
	}

	switch ev.Type {
	case EventSessionCompleted, EventSessionAsyncPaymentOK, EventSessionExpired:
		_, err := p.reconciler.Reconcile(ctx, ev.Session.ID)
		if err != nil {
			if isNotFound(err) {
				// 他環境で作成されたセッション
				p.logger.Warn("webhook for unknown checkout session",
					slog.String("event_id", ev.ID),
					slog.String("session_id", ev.Session.ID),
				)
				return "unknown_session", nil
			}
			return "", err
		}
		return "processed", nil

	case EventSessionAsyncPaymentFailed:
		if err := p.reconciler.MarkFailed(ctx, ev.Session.ID); err != nil {
			return "", err
		}
		return "processed", nil

	default:
		return "ignored", nil
	}
}
