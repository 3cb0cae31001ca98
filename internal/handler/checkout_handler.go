package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/creatorgate/internal/checkout"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/middleware"
)

// CheckoutService はチェックアウトハンドラーが使用するコーディネーターのインターフェース。
type CheckoutService interface {
	BeginCheckout(ctx context.Context, viewer *identity.Viewer, target checkout.Target) (string, error)
	HandleReturn(ctx context.Context, viewer *identity.Viewer, sessionID string) checkout.ReturnOutcome
}

// CheckoutHandler はチェックアウト関連のHTTPハンドラー。
type CheckoutHandler struct {
	coordinator CheckoutService
}

// NewCheckoutHandler はCheckoutHandlerを生成する。
func NewCheckoutHandler(coordinator CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{coordinator: coordinator}
}

type checkoutResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Begin は購読または単品購入のチェックアウトを開始し、決済ページのURLを返す。
// POST /api/checkout
func (h *CheckoutHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var target checkout.Target
	if !decodeJSON(w, r, &target) {
		return
	}

	redirectURL, err := h.coordinator.BeginCheckout(r.Context(), middleware.ViewerFromContext(r.Context()), target)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{RedirectURL: redirectURL})
}

// Return は決済ページから戻った後の結果を返す。
// 認証が切れていても結果を表示できるよう、閲覧者は任意とする。
// GET /api/checkout/return?session_id=
func (h *CheckoutHandler) Return(w http.ResponseWriter, r *http.Request) {
	outcome := h.coordinator.HandleReturn(r.Context(),
		middleware.ViewerFromContext(r.Context()),
		r.URL.Query().Get("session_id"),
	)
	writeJSON(w, http.StatusOK, outcome)
}
