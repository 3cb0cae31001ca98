package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
)

// maxWebhookBodySize はWebhookペイロードの上限。Stripeの推奨値に合わせる。
const maxWebhookBodySize = 65536

// WebhookService は決済プロバイダーのWebhookを処理するインターフェース。
type WebhookService interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

// WebhookHandler は決済プロバイダーのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	processor WebhookService
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(processor WebhookService) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// Stripe はStripeのWebhookを処理する。
// 処理に失敗した場合は5xxを返し、プロバイダーに再送させる。
// POST /webhooks/stripe
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, &model.APIError{
			Code:     "PAYLOAD_TOO_LARGE",
			Message:  "リクエストボディが大きすぎます。",
			Category: "validation",
			Action:   "ペイロードのサイズを確認してください。",
		})
		return
	}

	err = h.processor.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, payment.ErrInvalidSignature):
		slog.Warn("webhook signature rejected", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_SIGNATURE",
			Message:  "署名を検証できませんでした。",
			Category: "payment",
			Action:   "Webhookの署名シークレットを確認してください。",
		})
	default:
		slog.Error("webhook processing failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
