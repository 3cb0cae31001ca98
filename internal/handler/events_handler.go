package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/creatorgate/internal/middleware"
)

// EventAttacher はWebSocket接続をユーザーに紐付けるインターフェース。
type EventAttacher interface {
	Attach(ctx context.Context, conn *websocket.Conn, userID string)
}

// EventsHandler は閲覧者向けのリアルタイム通知を配信するHTTPハンドラー。
type EventsHandler struct {
	hub      EventAttacher
	upgrader websocket.Upgrader
}

// NewEventsHandler はEventsHandlerを生成する。
// allowedOrigin が空の場合、Originヘッダーがホストと一致する接続のみ許可する。
func NewEventsHandler(hub EventAttacher, allowedOrigin string) *EventsHandler {
	h := &EventsHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if allowedOrigin != "" {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		}
	}
	return h
}

// Serve はWebSocket接続を確立し、切断されるまで閲覧者宛のイベントを送信する。
// GET /api/events
func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	userID := middleware.ViewerFromContext(r.Context()).Subject()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade が既にエラーレスポンスを書き込んでいる
		slog.Warn("websocket upgrade failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	h.hub.Attach(r.Context(), conn, userID)
}
