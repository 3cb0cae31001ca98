package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/onboarding"
)

// SessionTerminator はログアウト時にユーザーのキャッシュと一時状態を破棄する。
type SessionTerminator interface {
	SignOut(ctx context.Context, browserSession, subject string) error
}

// SessionHandler は閲覧者情報とログアウトのHTTPハンドラー。
type SessionHandler struct {
	machine    OnboardingService
	terminator SessionTerminator
	config     middleware.SessionConfig
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(machine OnboardingService, terminator SessionTerminator, config middleware.SessionConfig) *SessionHandler {
	return &SessionHandler{machine: machine, terminator: terminator, config: config}
}

type profileResponse struct {
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"avatar_url"`
}

type creatorResponse struct {
	SubscriptionPriceCents *int64 `json:"subscription_price_cents"`
	Currency               string `json:"currency"`
	Status                 string `json:"status"`
}

type meResponse struct {
	UserID          string           `json:"user_id"`
	Email           string           `json:"email"`
	Profile         *profileResponse `json:"profile"`
	Creator         *creatorResponse `json:"creator"`
	OnboardingState string           `json:"onboarding_state"`
	Degraded        bool             `json:"degraded"`
}

// Me は閲覧者のプロフィールとオンボーディング状態を返す。
// GET /api/me
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.ViewerFromContext(r.Context())
	st, err := h.machine.State(r.Context(), middleware.BrowserSessionFromContext(r.Context()), viewer.Identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeResponse(viewer, st))
}

// Logout はキャッシュと一時状態を破棄し、認証Cookieを削除する。
// 一時状態の削除に失敗してもCookieは削除する。
// POST /auth/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	subject := middleware.ViewerFromContext(r.Context()).Subject()
	if err := h.terminator.SignOut(r.Context(), middleware.BrowserSessionFromContext(r.Context()), subject); err != nil {
		slog.Error("failed to sign out",
			slog.String("user_id", subject),
			slog.String("error", err.Error()),
		)
	}
	middleware.ClearAuthCookies(w, h.config)
	w.WriteHeader(http.StatusNoContent)
}

func toMeResponse(v *identity.Viewer, st onboarding.State) meResponse {
	resp := meResponse{
		UserID:          v.Identity.Subject,
		Email:           v.Identity.Email,
		OnboardingState: string(st),
		Degraded:        v.Degraded,
	}
	if v.Profile != nil {
		resp.Profile = &profileResponse{
			DisplayName: v.Profile.DisplayName,
			Username:    v.Profile.Username,
			Bio:         v.Profile.Bio,
			AvatarURL:   v.Profile.AvatarURL,
		}
	}
	if v.Creator != nil {
		resp.Creator = &creatorResponse{
			SubscriptionPriceCents: v.Creator.SubscriptionPriceCents,
			Currency:               v.Creator.Currency,
			Status:                 string(v.Creator.Status),
		}
	}
	return resp
}
