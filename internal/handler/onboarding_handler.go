package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/onboarding"
)

// OnboardingService はオンボーディングハンドラーが使用する状態機械のインターフェース。
type OnboardingService interface {
	State(ctx context.Context, sess string, id model.Identity) (onboarding.State, error)
	SubmitProfile(ctx context.Context, sess string, id model.Identity, in onboarding.ProfileInput) (onboarding.Result, error)
	SubmitCreatorIntent(ctx context.Context, sess string, id model.Identity, price *int64) (onboarding.Result, error)
	InitiateConnection(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
	HandleConnectReturn(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
	Retry(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
}

// OnboardingHandler はオンボーディング関連のHTTPハンドラー。
type OnboardingHandler struct {
	machine OnboardingService
	appURL  string
}

// NewOnboardingHandler はOnboardingHandlerを生成する。
// appURL は決済アカウント登録から戻った後にリダイレクトするフロントエンドのURL。
func NewOnboardingHandler(machine OnboardingService, appURL string) *OnboardingHandler {
	return &OnboardingHandler{machine: machine, appURL: strings.TrimRight(appURL, "/")}
}

// onboardingResponse はオンボーディング操作のレスポンス。
type onboardingResponse struct {
	State       string                        `json:"state"`
	RedirectURL string                        `json:"redirect_url,omitempty"`
	Failure     *middleware.ErrorResponseBody `json:"failure,omitempty"`
}

type creatorIntentRequest struct {
	SubscriptionPriceCents *int64 `json:"subscription_price_cents"`
}

func toOnboardingResponse(res onboarding.Result) onboardingResponse {
	return onboardingResponse{
		State:       string(res.State),
		RedirectURL: res.RedirectURL,
		Failure:     errorBody(res.Failure),
	}
}

// GetState はオンボーディングの現在の状態を返す。
// GET /api/onboarding
func (h *OnboardingHandler) GetState(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.ViewerFromContext(r.Context())
	st, err := h.machine.State(r.Context(), middleware.BrowserSessionFromContext(r.Context()), viewer.Identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onboardingResponse{State: string(st)})
}

// SubmitProfile はユーザープロフィールを作成する。
// POST /api/onboarding/profile
func (h *OnboardingHandler) SubmitProfile(w http.ResponseWriter, r *http.Request) {
	var in onboarding.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}
	h.respond(w, r, func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error) {
		return h.machine.SubmitProfile(ctx, sess, id, in)
	})
}

// SubmitCreatorIntent は購読価格を受け付け、決済アカウント連携の準備をする。
// POST /api/onboarding/creator-intent
func (h *OnboardingHandler) SubmitCreatorIntent(w http.ResponseWriter, r *http.Request) {
	var req creatorIntentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error) {
		return h.machine.SubmitCreatorIntent(ctx, sess, id, req.SubscriptionPriceCents)
	})
}

// InitiateConnection は決済アカウントの登録ページURLを返す。
// POST /api/onboarding/connect
func (h *OnboardingHandler) InitiateConnection(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.machine.InitiateConnection)
}

// Retry は検証失敗の状態から購読価格の入力に戻す。
// POST /api/onboarding/retry
func (h *OnboardingHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.machine.Retry)
}

// ConnectReturn は決済アカウント登録ページからの戻りを処理し、フロントエンドへリダイレクトする。
// 認証が切れている場合は一時状態を残したままログインへ誘導する。
// GET /onboarding/connect/return
func (h *OnboardingHandler) ConnectReturn(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.ViewerFromContext(r.Context())
	if viewer.Subject() == "" {
		h.redirect(w, r, "/login", url.Values{"next": {"/onboarding"}})
		return
	}

	res, err := h.machine.HandleConnectReturn(r.Context(), middleware.BrowserSessionFromContext(r.Context()), viewer.Identity)
	if err != nil {
		slog.Warn("connect return failed",
			slog.String("user_id", viewer.Subject()),
			slog.String("error", err.Error()),
		)
		q := url.Values{"error": {"connect_return"}}
		if apiErr := asAPIError(err); apiErr != nil {
			q.Set("error", apiErr.Code)
		}
		h.redirect(w, r, "/onboarding", q)
		return
	}

	q := url.Values{"state": {string(res.State)}}
	if res.Failure != nil {
		q.Set("error", res.Failure.Code)
	}
	h.redirect(w, r, "/onboarding", q)
}

func (h *OnboardingHandler) respond(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)) {
	viewer := middleware.ViewerFromContext(r.Context())
	res, err := op(r.Context(), middleware.BrowserSessionFromContext(r.Context()), viewer.Identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOnboardingResponse(res))
}

func (h *OnboardingHandler) redirect(w http.ResponseWriter, r *http.Request, path string, q url.Values) {
	target := h.appURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}
