package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/creatorgate/internal/identity"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
)

const (
	paidItemID = "3f1c2a9e-8b4d-4e61-9a0f-5c7d2e1b0a01"
	freeItemID = "3f1c2a9e-8b4d-4e61-9a0f-5c7d2e1b0a02"
	ownItemID  = "3f1c2a9e-8b4d-4e61-9a0f-5c7d2e1b0a03"
)

func int64Ptr(v int64) *int64 { return &v }

func buyerViewer() *identity.Viewer {
	return &identity.Viewer{
		Identity: model.Identity{Subject: "buyer-1", Email: "buyer@example.com"},
		Profile:  &model.UserProfile{UserID: "buyer-1"},
	}
}

type coordinatorFixture struct {
	sessions  *mockSessionRepo
	gateway   *mockGateway
	subs      *mockSubscriptionRepo
	purchases *mockPurchaseRepo
	requests  []payment.CheckoutRequest
	coord     *Coordinator
}

func newCoordinatorFixture() *coordinatorFixture {
	f := &coordinatorFixture{
		sessions:  newMockSessionRepo(),
		subs:      &mockSubscriptionRepo{},
		purchases: &mockPurchaseRepo{},
	}
	f.gateway = paidGateway()
	f.gateway.createSessionFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
		f.requests = append(f.requests, req)
		id := "cs_" + req.Metadata[payment.MetadataTargetID]
		if len(f.requests) > 1 {
			id = fmt.Sprintf("%s_%d", id, len(f.requests))
		}
		return &payment.CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
	}

	creators := &mockCreatorRepo{profiles: map[string]*model.CreatorProfile{
		"creator-1": {
			UserID:                 "creator-1",
			StripeAccountID:        "acct_1",
			SubscriptionPriceCents: int64Ptr(500),
			Status:                 model.CreatorStatusActive,
		},
		"creator-noprice": {
			UserID:          "creator-noprice",
			StripeAccountID: "acct_2",
			Status:          model.CreatorStatusActive,
		},
	}}
	content := &mockContentRepo{items: map[string]*model.ContentItem{
		paidItemID: {ID: paidItemID, OwnerID: "creator-1", Title: "Wallpaper pack", PriceCents: 1200, Visibility: model.VisibilityPublic},
		freeItemID: {ID: freeItemID, OwnerID: "creator-1", Visibility: model.VisibilityPublic},
		ownItemID:  {ID: ownItemID, OwnerID: "buyer-1", PriceCents: 300},
	}}

	reconciler := NewReconciler(f.sessions, f.gateway, nil, nil, nil)
	f.coord = NewCoordinator(creators, content, f.subs, f.purchases, f.sessions, f.gateway, reconciler, nil, nil, Config{
		SuccessURL: "https://app.example.com/checkout/return?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://app.example.com/checkout/cancel",
		Currency:   "JPY",
	})
	return f
}

func TestBeginCheckout_Subscription(t *testing.T) {
	f := newCoordinatorFixture()

	url, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{CreatorID: "creator-1"})
	if err != nil {
		t.Fatalf("BeginCheckout returned error: %v", err)
	}
	if url != "https://checkout.stripe.com/c/pay/cs_creator-1" {
		t.Errorf("url = %q", url)
	}

	if len(f.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(f.requests))
	}
	req := f.requests[0]
	if req.Mode != payment.ModeSubscription || req.AmountCents != 500 || req.DestinationAccount != "acct_1" {
		t.Errorf("request = %+v", req)
	}
	if req.Currency != "JPY" {
		t.Errorf("currency = %q, want fallback JPY", req.Currency)
	}
	if req.Metadata[payment.MetadataBuyerID] != "buyer-1" || req.Metadata[payment.MetadataTargetKind] != "subscription" {
		t.Errorf("metadata = %v", req.Metadata)
	}

	stored := f.sessions.sessions["cs_creator-1"]
	if stored == nil || stored.Status != model.CheckoutStatusPending || stored.BuyerID != "buyer-1" {
		t.Errorf("stored session = %+v", stored)
	}
}

func TestBeginCheckout_Purchase(t *testing.T) {
	f := newCoordinatorFixture()

	if _, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{ItemID: paidItemID}); err != nil {
		t.Fatalf("BeginCheckout returned error: %v", err)
	}
	req := f.requests[0]
	if req.Mode != payment.ModePayment || req.AmountCents != 1200 || req.ProductName != "Wallpaper pack" {
		t.Errorf("request = %+v", req)
	}
	if req.CreatorID != "creator-1" {
		t.Errorf("creator = %q, want item owner", req.CreatorID)
	}
}

func TestBeginCheckout_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		viewer  *identity.Viewer
		target  Target
		setup   func(f *coordinatorFixture)
		wantErr string
	}{
		{"anonymous", nil, Target{CreatorID: "creator-1"}, nil, model.ErrCodeAuthExpired},
		{"no target", buyerViewer(), Target{}, nil, model.ErrCodeInvalidCheckoutTarget},
		{"both targets", buyerViewer(), Target{CreatorID: "creator-1", ItemID: paidItemID}, nil, model.ErrCodeInvalidCheckoutTarget},
		{"unknown creator", buyerViewer(), Target{CreatorID: "ghost"}, nil, model.ErrCodeCreatorNotFound},
		{"self subscription", buyerViewer(), Target{CreatorID: "buyer-1"}, nil, model.ErrCodeInvalidCheckoutTarget},
		{"creator without price", buyerViewer(), Target{CreatorID: "creator-noprice"}, nil, model.ErrCodeInvalidCheckoutTarget},
		{"malformed item id", buyerViewer(), Target{ItemID: "ghost"}, nil, model.ErrCodeItemNotFound},
		{"unknown item", buyerViewer(), Target{ItemID: "3f1c2a9e-8b4d-4e61-9a0f-5c7d2e1b0aff"}, nil, model.ErrCodeItemNotFound},
		{"free item", buyerViewer(), Target{ItemID: freeItemID}, nil, model.ErrCodeInvalidCheckoutTarget},
		{"own item", buyerViewer(), Target{ItemID: ownItemID}, nil, model.ErrCodeInvalidCheckoutTarget},
		{
			"already subscribed", buyerViewer(), Target{CreatorID: "creator-1"},
			func(f *coordinatorFixture) {
				f.subs.subs = []model.SubscriptionRecord{{SubscriberID: "buyer-1", CreatorID: "creator-1", Status: model.SubscriptionStatusActive}}
			},
			model.ErrCodeAlreadyEntitled,
		},
		{
			"already purchased", buyerViewer(), Target{ItemID: paidItemID},
			func(f *coordinatorFixture) {
				f.purchases.purchases = []model.PurchaseRecord{{BuyerID: "buyer-1", ItemID: paidItemID}}
			},
			model.ErrCodeAlreadyEntitled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordinatorFixture()
			if tt.setup != nil {
				tt.setup(f)
			}
			_, err := f.coord.BeginCheckout(context.Background(), tt.viewer, tt.target)
			if !model.HasCode(err, tt.wantErr) {
				t.Errorf("got %v, want %s", err, tt.wantErr)
			}
			if len(f.requests) != 0 {
				t.Error("rejected checkout must not reach the payment provider")
			}
		})
	}
}

func TestBeginCheckout_CancelledSubscriptionCanResubscribe(t *testing.T) {
	f := newCoordinatorFixture()
	f.subs.subs = []model.SubscriptionRecord{{SubscriberID: "buyer-1", CreatorID: "creator-1", Status: model.SubscriptionStatusCancelled}}

	if _, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{CreatorID: "creator-1"}); err != nil {
		t.Fatalf("BeginCheckout returned error: %v", err)
	}
}

func TestBeginCheckout_ProviderFailure(t *testing.T) {
	f := newCoordinatorFixture()
	f.gateway.createSessionFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
		return nil, errors.New("connection reset")
	}

	_, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{CreatorID: "creator-1"})
	if !model.HasCode(err, model.ErrCodeExternalService) {
		t.Errorf("got %v, want EXTERNAL_SERVICE_ERROR", err)
	}
	if len(f.sessions.sessions) != 0 {
		t.Error("no local session should be stored when the provider fails")
	}
}

func TestHandleReturn_EmptySessionID(t *testing.T) {
	f := newCoordinatorFixture()

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "  ")
	if got.Outcome != OutcomeInvalid {
		t.Errorf("outcome = %s, want invalid", got.Outcome)
	}
	if f.gateway.getSessionCalls != 0 {
		t.Error("empty session id must not trigger reconciliation")
	}
}

func TestHandleReturn_Success(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetPurchase)

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1")
	if got.Outcome != OutcomeSuccess || got.TargetID != "item-1" {
		t.Errorf("got %+v, want success for item-1", got)
	}

	// 再読み込みしても権限は増えない
	again := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1")
	if again.Outcome != OutcomeSuccess {
		t.Errorf("reload outcome = %s, want success", again.Outcome)
	}
	if f.sessions.grantCount() != 1 {
		t.Errorf("grants = %d, want 1", f.sessions.grantCount())
	}
}

func TestHandleReturn_RetriesOnceThenSucceeds(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetPurchase)
	var calls int32
	f.gateway.getSessionFn = func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("timeout")
		}
		return &payment.CheckoutSession{ID: id, Status: payment.SessionStatusComplete, Paid: true}, nil
	}

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1")
	if got.Outcome != OutcomeSuccess {
		t.Errorf("outcome = %s, want success", got.Outcome)
	}
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2", calls)
	}
}

func TestHandleReturn_PersistentFailureIsProcessing(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetPurchase)
	f.gateway.getSessionFn = func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
		return nil, errors.New("timeout")
	}

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1")
	if got.Outcome != OutcomeProcessing {
		t.Errorf("outcome = %s, want processing", got.Outcome)
	}
	if f.gateway.getSessionCalls != 2 {
		t.Errorf("provider calls = %d, want exactly one retry", f.gateway.getSessionCalls)
	}
	if f.sessions.grantCount() != 0 {
		t.Error("processing outcome must not grant")
	}
}

func TestHandleReturn_Expired(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetSubscription)
	f.gateway.getSessionFn = func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
		return &payment.CheckoutSession{ID: id, Status: payment.SessionStatusExpired}, nil
	}

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1")
	if got.Outcome != OutcomeFailed || !got.CanRetry {
		t.Errorf("got %+v, want failed with retry", got)
	}
}

func TestHandleReturn_UnknownSession(t *testing.T) {
	f := newCoordinatorFixture()

	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_forged")
	if got.Outcome != OutcomeInvalid {
		t.Errorf("outcome = %s, want invalid", got.Outcome)
	}
	if f.gateway.getSessionCalls != 0 {
		t.Error("unknown session must not reach the provider")
	}
}

func TestHandleReturn_BuyerCheck(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetPurchase)

	other := &identity.Viewer{Identity: model.Identity{Subject: "someone-else"}}
	if got := f.coord.HandleReturn(context.Background(), other, "cs_1"); got.Outcome != OutcomeInvalid {
		t.Errorf("other viewer outcome = %s, want invalid", got.Outcome)
	}

	// ログイン切れの戻りは購入者照合をしない
	if got := f.coord.HandleReturn(context.Background(), nil, "cs_1"); got.Outcome != OutcomeSuccess {
		t.Errorf("nil viewer outcome = %s, want success", got.Outcome)
	}
}

func TestBeginCheckout_RecordsCreatedAt(t *testing.T) {
	f := newCoordinatorFixture()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.coord.now = func() time.Time { return fixed }

	if _, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{ItemID: paidItemID}); err != nil {
		t.Fatalf("BeginCheckout returned error: %v", err)
	}
	if got := f.sessions.sessions["cs_"+paidItemID].CreatedAt; !got.Equal(fixed) {
		t.Errorf("created_at = %v, want %v", got, fixed)
	}
}

func TestBeginCheckout_OpenSessionForSameTarget(t *testing.T) {
	tests := []struct {
		name         string
		remote       payment.CheckoutSession
		wantURL      string
		wantErr      string
		wantRequests int
		wantStatus   model.CheckoutStatus // 既存セッションの状態
	}{
		{
			name:         "open session is resumed",
			remote:       payment.CheckoutSession{Status: payment.SessionStatusOpen, URL: "https://checkout.stripe.com/c/pay/cs_creator-1"},
			wantURL:      "https://checkout.stripe.com/c/pay/cs_creator-1",
			wantRequests: 1,
			wantStatus:   model.CheckoutStatusPending,
		},
		{
			name:         "paid session is reconciled instead of charging again",
			remote:       payment.CheckoutSession{Status: payment.SessionStatusComplete, Paid: true},
			wantErr:      model.ErrCodeAlreadyEntitled,
			wantRequests: 1,
			wantStatus:   model.CheckoutStatusCompleted,
		},
		{
			name:         "complete but unpaid session blocks a second checkout",
			remote:       payment.CheckoutSession{Status: payment.SessionStatusComplete},
			wantErr:      model.ErrCodeCheckoutInProgress,
			wantRequests: 1,
			wantStatus:   model.CheckoutStatusPending,
		},
		{
			name:         "expired session is replaced",
			remote:       payment.CheckoutSession{Status: payment.SessionStatusExpired},
			wantURL:      "https://checkout.stripe.com/c/pay/cs_creator-1_2",
			wantRequests: 2,
			wantStatus:   model.CheckoutStatusExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordinatorFixture()
			ctx := context.Background()
			if _, err := f.coord.BeginCheckout(ctx, buyerViewer(), Target{CreatorID: "creator-1"}); err != nil {
				t.Fatalf("first BeginCheckout returned error: %v", err)
			}
			f.gateway.getSessionFn = func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
				s := tt.remote
				s.ID = id
				return &s, nil
			}

			url, err := f.coord.BeginCheckout(ctx, buyerViewer(), Target{CreatorID: "creator-1"})
			if tt.wantErr != "" {
				if !model.HasCode(err, tt.wantErr) {
					t.Errorf("got %v, want %s", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("second BeginCheckout returned error: %v", err)
			}
			if url != tt.wantURL {
				t.Errorf("url = %q, want %q", url, tt.wantURL)
			}
			if len(f.requests) != tt.wantRequests {
				t.Errorf("provider sessions created = %d, want %d", len(f.requests), tt.wantRequests)
			}
			if got := f.sessions.status("cs_creator-1"); got != tt.wantStatus {
				t.Errorf("first session status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestBeginCheckout_ConcurrentSessionSavedFirst(t *testing.T) {
	f := newCoordinatorFixture()
	create := f.gateway.createSessionFn
	f.gateway.createSessionFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
		// 同時に開始された別リクエストが先に保存する
		f.sessions.Create(ctx, &model.CheckoutSession{
			ID: "cs_other_tab", BuyerID: "buyer-1", TargetKind: model.CheckoutTargetSubscription,
			TargetID: "creator-1", CreatorID: "creator-1", Status: model.CheckoutStatusPending,
		})
		return create(ctx, req)
	}

	_, err := f.coord.BeginCheckout(context.Background(), buyerViewer(), Target{CreatorID: "creator-1"})
	if !model.HasCode(err, model.ErrCodeCheckoutInProgress) {
		t.Errorf("got %v, want CHECKOUT_IN_PROGRESS", err)
	}
	if _, ok := f.sessions.sessions["cs_creator-1"]; ok {
		t.Error("second open session for the same target must not be stored")
	}
}

func TestHandleReturn_GrantConflict(t *testing.T) {
	f := newCoordinatorFixture()
	seedPending(f.sessions, "cs_1", model.CheckoutTargetSubscription)
	seedPending(f.sessions, "cs_2", model.CheckoutTargetSubscription)

	if got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_1"); got.Outcome != OutcomeSuccess {
		t.Fatalf("first outcome = %s, want success", got.Outcome)
	}
	got := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_2")
	if got.Outcome != OutcomeGrantConflict {
		t.Errorf("second outcome = %s, want grant_conflict", got.Outcome)
	}

	// 再読み込みしても成功扱いにならない
	again := f.coord.HandleReturn(context.Background(), buyerViewer(), "cs_2")
	if again.Outcome != OutcomeGrantConflict {
		t.Errorf("reload outcome = %s, want grant_conflict", again.Outcome)
	}
	if f.sessions.grantCount() != 1 {
		t.Errorf("grants = %d, want 1", f.sessions.grantCount())
	}
}
