package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/creatorgate/internal/content"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/model"
)

// ContentService はコンテンツハンドラーが使用するサービスのインターフェース。
type ContentService interface {
	Feed(ctx context.Context, viewer *identity.Viewer, cursor string, limit int) (*content.FeedPage, error)
	Item(ctx context.Context, viewer *identity.Viewer, itemID string) (*content.Entry, error)
	Follow(ctx context.Context, viewer *identity.Viewer, creatorID string) error
	Unfollow(ctx context.Context, viewer *identity.Viewer, creatorID string) error
}

// ContentHandler はフィード・コンテンツ・フォロー関連のHTTPハンドラー。
type ContentHandler struct {
	service ContentService
}

// NewContentHandler はContentHandlerを生成する。
func NewContentHandler(service ContentService) *ContentHandler {
	return &ContentHandler{service: service}
}

// Feed は閲覧者のフィードを返す。
// GET /api/feed?cursor=&limit=
func (h *ContentHandler) Feed(w http.ResponseWriter, r *http.Request) {
	limit := content.DefaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > content.MaxPageSize {
			handleServiceError(w, model.NewValidationError("limit", "件数は1から100の範囲で指定してください"))
			return
		}
		limit = n
	}

	page, err := h.service.Feed(r.Context(), middleware.ViewerFromContext(r.Context()), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Item は単一コンテンツを返す。閲覧権限がない場合はティーザーのみを返す。
// GET /api/items/{id}
func (h *ContentHandler) Item(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Item(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Follow はクリエイターをフォローする。
// PUT /api/creators/{id}/follow
func (h *ContentHandler) Follow(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Follow(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unfollow はクリエイターのフォローを解除する。
// DELETE /api/creators/{id}/follow
func (h *ContentHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unfollow(r.Context(), middleware.ViewerFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
