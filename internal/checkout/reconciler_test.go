package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
)

func seedPending(repo *mockSessionRepo, id string, kind model.CheckoutTargetKind) {
	targetID := "item-1"
	if kind == model.CheckoutTargetSubscription {
		targetID = "creator-1"
	}
	repo.sessions[id] = &model.CheckoutSession{
		ID:         id,
		BuyerID:    "buyer-1",
		TargetKind: kind,
		TargetID:   targetID,
		CreatorID:  "creator-1",
		Status:     model.CheckoutStatusPending,
	}
}

func TestReconcile_GrantsOnceAcrossRepeatedCalls(t *testing.T) {
	repo := newMockSessionRepo()
	seedPending(repo, "cs_1", model.CheckoutTargetPurchase)
	gw := paidGateway()
	pub := &mockPublisher{}
	r := NewReconciler(repo, gw, pub, nil, nil)

	first, err := r.Reconcile(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if first.Status != model.CheckoutStatusCompleted || first.AlreadyReconciled {
		t.Errorf("first reconcile: got %+v", first)
	}

	second, err := r.Reconcile(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if !second.AlreadyReconciled {
		t.Error("second reconcile must report AlreadyReconciled")
	}

	if repo.grantCount() != 1 {
		t.Errorf("grants = %d, want 1", repo.grantCount())
	}
	if gw.getSessionCalls != 1 {
		t.Errorf("provider queried %d times, want 1 (completed sessions are answered locally)", gw.getSessionCalls)
	}
	if pub.count() != 1 {
		t.Errorf("published %d events, want 1", pub.count())
	}
	if pub.events[0].userID != "buyer-1" || pub.events[0].eventType != EventReconciled {
		t.Errorf("published %+v", pub.events[0])
	}
	if repo.grants[0].Purchase == nil || repo.grants[0].Purchase.ItemID != "item-1" {
		t.Errorf("grant = %+v, want purchase of item-1", repo.grants[0])
	}
}

func TestReconcile_ConcurrentCallsGrantOnce(t *testing.T) {
	repo := newMockSessionRepo()
	seedPending(repo, "cs_1", model.CheckoutTargetSubscription)
	r := NewReconciler(repo, paidGateway(), nil, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Reconcile(context.Background(), "cs_1"); err != nil {
				t.Errorf("Reconcile returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if repo.grantCount() != 1 {
		t.Errorf("grants = %d, want 1", repo.grantCount())
	}
	if sub := repo.grants[0].Subscription; sub == nil || sub.CreatorID != "creator-1" || sub.Status != model.SubscriptionStatusActive {
		t.Errorf("grant = %+v, want active subscription to creator-1", repo.grants[0])
	}
}

func TestReconcile_UnknownSession(t *testing.T) {
	r := NewReconciler(newMockSessionRepo(), paidGateway(), nil, nil, nil)

	_, err := r.Reconcile(context.Background(), "cs_missing")
	if !model.HasCode(err, model.ErrCodeCheckoutNotFound) {
		t.Errorf("got %v, want CHECKOUT_NOT_FOUND", err)
	}
}

func TestReconcile_ProviderStatuses(t *testing.T) {
	tests := []struct {
		name   string
		remote payment.CheckoutSession
		want   model.CheckoutStatus
	}{
		{"open", payment.CheckoutSession{Status: payment.SessionStatusOpen}, model.CheckoutStatusPending},
		{"complete but unpaid", payment.CheckoutSession{Status: payment.SessionStatusComplete}, model.CheckoutStatusPending},
		{"expired", payment.CheckoutSession{Status: payment.SessionStatusExpired}, model.CheckoutStatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockSessionRepo()
			seedPending(repo, "cs_1", model.CheckoutTargetPurchase)
			gw := &mockGateway{getSessionFn: func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
				s := tt.remote
				s.ID = id
				return &s, nil
			}}
			r := NewReconciler(repo, gw, nil, nil, nil)

			got, err := r.Reconcile(context.Background(), "cs_1")
			if err != nil {
				t.Fatalf("Reconcile returned error: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if repo.status("cs_1") != tt.want {
				t.Errorf("stored status = %s, want %s", repo.status("cs_1"), tt.want)
			}
			if repo.grantCount() != 0 {
				t.Error("unpaid session must not grant")
			}
		})
	}
}

func TestReconcile_ProviderError(t *testing.T) {
	repo := newMockSessionRepo()
	seedPending(repo, "cs_1", model.CheckoutTargetPurchase)
	gw := &mockGateway{getSessionFn: func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
		return nil, errors.New("stripe unavailable")
	}}
	r := NewReconciler(repo, gw, nil, nil, nil)

	if _, err := r.Reconcile(context.Background(), "cs_1"); err == nil {
		t.Fatal("expected error")
	}
	if repo.status("cs_1") != model.CheckoutStatusPending {
		t.Errorf("status changed to %s on provider error", repo.status("cs_1"))
	}
}

// 同一対象の2つ目の決済済みセッションは権限を付与せず、競合として記録する
func TestReconcile_SecondPaidSessionForSameTargetIsConflict(t *testing.T) {
	repo := newMockSessionRepo()
	seedPending(repo, "cs_1", model.CheckoutTargetSubscription)
	seedPending(repo, "cs_2", model.CheckoutTargetSubscription)
	pub := &mockPublisher{}
	reg := prometheus.NewRegistry()
	r := NewReconciler(repo, paidGateway(), pub, metrics.NewCollector(reg), nil)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, "cs_1"); err != nil {
		t.Fatalf("Reconcile(cs_1) returned error: %v", err)
	}
	second, err := r.Reconcile(ctx, "cs_2")
	if err != nil {
		t.Fatalf("Reconcile(cs_2) returned error: %v", err)
	}
	if !second.GrantConflict || second.Status != model.CheckoutStatusCompleted {
		t.Errorf("second = %+v, want completed with grant conflict", second)
	}

	// 確定済みとして再照合しても競合は保持される
	again, err := r.Reconcile(ctx, "cs_2")
	if err != nil {
		t.Fatalf("Reconcile(cs_2) again returned error: %v", err)
	}
	if !again.GrantConflict || !again.AlreadyReconciled {
		t.Errorf("again = %+v, want already reconciled with grant conflict", again)
	}

	if repo.grantCount() != 1 {
		t.Errorf("grants = %d, want 1", repo.grantCount())
	}
	if pub.count() != 1 {
		t.Errorf("published %d events, want 1 (conflict is not announced as granted)", pub.count())
	}

	expected := `
# HELP creatorgate_reconciliations_total 結果別の決済照合数
# TYPE creatorgate_reconciliations_total counter
creatorgate_reconciliations_total{result="already_reconciled"} 1
creatorgate_reconciliations_total{result="grant_conflict"} 1
creatorgate_reconciliations_total{result="granted"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "creatorgate_reconciliations_total"); err != nil {
		t.Error(err)
	}
}
