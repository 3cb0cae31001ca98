package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/creatorgate/internal/checkout"
	"github.com/hitoshi/creatorgate/internal/content"
	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/middleware"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/onboarding"
)

// --- モック定義 ---

// mockOnboarding はOnboardingServiceのモック実装。
type mockOnboarding struct {
	stateFn         func(ctx context.Context, sess string, id model.Identity) (onboarding.State, error)
	submitProfileFn func(ctx context.Context, sess string, id model.Identity, in onboarding.ProfileInput) (onboarding.Result, error)
	submitIntentFn  func(ctx context.Context, sess string, id model.Identity, price *int64) (onboarding.Result, error)
	initiateFn      func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
	connectReturnFn func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
	retryFn         func(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error)
}

func (m *mockOnboarding) State(ctx context.Context, sess string, id model.Identity) (onboarding.State, error) {
	if m.stateFn != nil {
		return m.stateFn(ctx, sess, id)
	}
	return onboarding.StateNeedsProfile, nil
}

func (m *mockOnboarding) SubmitProfile(ctx context.Context, sess string, id model.Identity, in onboarding.ProfileInput) (onboarding.Result, error) {
	if m.submitProfileFn != nil {
		return m.submitProfileFn(ctx, sess, id, in)
	}
	return onboarding.Result{}, nil
}

func (m *mockOnboarding) SubmitCreatorIntent(ctx context.Context, sess string, id model.Identity, price *int64) (onboarding.Result, error) {
	if m.submitIntentFn != nil {
		return m.submitIntentFn(ctx, sess, id, price)
	}
	return onboarding.Result{}, nil
}

func (m *mockOnboarding) InitiateConnection(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error) {
	if m.initiateFn != nil {
		return m.initiateFn(ctx, sess, id)
	}
	return onboarding.Result{}, nil
}

func (m *mockOnboarding) HandleConnectReturn(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error) {
	if m.connectReturnFn != nil {
		return m.connectReturnFn(ctx, sess, id)
	}
	return onboarding.Result{}, nil
}

func (m *mockOnboarding) Retry(ctx context.Context, sess string, id model.Identity) (onboarding.Result, error) {
	if m.retryFn != nil {
		return m.retryFn(ctx, sess, id)
	}
	return onboarding.Result{}, nil
}

// mockTerminator はSessionTerminatorのモック実装。
type mockTerminator struct {
	signOutFn func(ctx context.Context, browserSession, subject string) error
}

func (m *mockTerminator) SignOut(ctx context.Context, browserSession, subject string) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx, browserSession, subject)
	}
	return nil
}

// mockCheckout はCheckoutServiceのモック実装。
type mockCheckout struct {
	beginFn  func(ctx context.Context, viewer *identity.Viewer, target checkout.Target) (string, error)
	returnFn func(ctx context.Context, viewer *identity.Viewer, sessionID string) checkout.ReturnOutcome
}

func (m *mockCheckout) BeginCheckout(ctx context.Context, viewer *identity.Viewer, target checkout.Target) (string, error) {
	if m.beginFn != nil {
		return m.beginFn(ctx, viewer, target)
	}
	return "", nil
}

func (m *mockCheckout) HandleReturn(ctx context.Context, viewer *identity.Viewer, sessionID string) checkout.ReturnOutcome {
	if m.returnFn != nil {
		return m.returnFn(ctx, viewer, sessionID)
	}
	return checkout.ReturnOutcome{Outcome: checkout.OutcomeInvalid}
}

// mockContent はContentServiceのモック実装。
type mockContent struct {
	feedFn     func(ctx context.Context, viewer *identity.Viewer, cursor string, limit int) (*content.FeedPage, error)
	itemFn     func(ctx context.Context, viewer *identity.Viewer, itemID string) (*content.Entry, error)
	followFn   func(ctx context.Context, viewer *identity.Viewer, creatorID string) error
	unfollowFn func(ctx context.Context, viewer *identity.Viewer, creatorID string) error
}

func (m *mockContent) Feed(ctx context.Context, viewer *identity.Viewer, cursor string, limit int) (*content.FeedPage, error) {
	if m.feedFn != nil {
		return m.feedFn(ctx, viewer, cursor, limit)
	}
	return &content.FeedPage{Entries: []content.Entry{}}, nil
}

func (m *mockContent) Item(ctx context.Context, viewer *identity.Viewer, itemID string) (*content.Entry, error) {
	if m.itemFn != nil {
		return m.itemFn(ctx, viewer, itemID)
	}
	return &content.Entry{}, nil
}

func (m *mockContent) Follow(ctx context.Context, viewer *identity.Viewer, creatorID string) error {
	if m.followFn != nil {
		return m.followFn(ctx, viewer, creatorID)
	}
	return nil
}

func (m *mockContent) Unfollow(ctx context.Context, viewer *identity.Viewer, creatorID string) error {
	if m.unfollowFn != nil {
		return m.unfollowFn(ctx, viewer, creatorID)
	}
	return nil
}

// mockWebhook はWebhookServiceのモック実装。
type mockWebhook struct {
	handleFn func(ctx context.Context, payload []byte, signature string) error
}

func (m *mockWebhook) Handle(ctx context.Context, payload []byte, signature string) error {
	if m.handleFn != nil {
		return m.handleFn(ctx, payload, signature)
	}
	return nil
}

// mockAttacher はEventAttacherのモック実装。接続に1件のメッセージを書き込んで閉じる。
type mockAttacher struct {
	attached chan string
}

func (m *mockAttacher) Attach(ctx context.Context, conn *websocket.Conn, userID string) {
	defer conn.Close()
	conn.WriteJSON(map[string]string{"user_id": userID})
	if m.attached != nil {
		m.attached <- userID
	}
}

// --- ヘルパー ---

func testViewer(subject string) *identity.Viewer {
	return &identity.Viewer{Identity: model.Identity{Subject: subject, Email: subject + "@example.com"}}
}

// withViewer はリクエストに閲覧者とブラウザセッションを設定する。
func withViewer(r *http.Request, v *identity.Viewer, browserSession string) *http.Request {
	ctx := middleware.ContextWithViewer(r.Context(), v)
	ctx = middleware.ContextWithBrowserSession(ctx, browserSession)
	return r.WithContext(ctx)
}

// withChiURLParam はchiのURLパラメータをリクエストに設定する。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
