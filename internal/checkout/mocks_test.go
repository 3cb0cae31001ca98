package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
)

// --- モック定義 ---

// mockSessionRepo はCheckoutSessionRepositoryのメモリ上の実装。
// 完了済みセッションへの再付与はしない。同一対象の未完了セッションは1件まで、
// 同一対象の権限が既にある場合はgrant_conflictを記録する。
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.CheckoutSession
	grants   []repository.Grant
	granted  map[string]bool // buyer|kind|target
	findFn   func(ctx context.Context, id string) (*model.CheckoutSession, error)
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{
		sessions: make(map[string]*model.CheckoutSession),
		granted:  make(map[string]bool),
	}
}

func targetKey(buyerID string, kind model.CheckoutTargetKind, targetID string) string {
	return buyerID + "|" + string(kind) + "|" + targetID
}

func (m *mockSessionRepo) Create(ctx context.Context, s *model.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if !existing.Status.IsTerminal() &&
			targetKey(existing.BuyerID, existing.TargetKind, existing.TargetID) == targetKey(s.BuyerID, s.TargetKind, s.TargetID) {
			return repository.ErrCheckoutSessionOpen
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.CheckoutSession, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) FindOpen(ctx context.Context, buyerID string, kind model.CheckoutTargetKind, targetID string) (*model.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() && targetKey(s.BuyerID, s.TargetKind, s.TargetID) == targetKey(buyerID, kind, targetID) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) MarkTerminal(ctx context.Context, id string, status model.CheckoutStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && !s.Status.IsTerminal() {
		s.Status = status
	}
	return nil
}

func (m *mockSessionRepo) CompleteWithGrant(ctx context.Context, id string, grant repository.Grant) (repository.CompleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", repository.ErrCheckoutSessionNotFound
	}
	if s.Status == model.CheckoutStatusCompleted {
		return repository.CompleteAlreadyCompleted, nil
	}
	s.Status = model.CheckoutStatusCompleted

	key := targetKey(s.BuyerID, s.TargetKind, s.TargetID)
	if m.granted[key] {
		s.GrantConflict = true
		return repository.CompleteGrantConflict, nil
	}
	m.granted[key] = true
	m.grants = append(m.grants, grant)
	return repository.CompleteGranted, nil
}

func (m *mockSessionRepo) ExpireStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) status(id string) model.CheckoutStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

func (m *mockSessionRepo) grantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

type mockGateway struct {
	payment.Gateway
	getSessionFn    func(ctx context.Context, id string) (*payment.CheckoutSession, error)
	createSessionFn func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error)
	parseWebhookFn  func(payload []byte, signature string) (*payment.Event, error)
	getSessionCalls int32
}

func (m *mockGateway) GetCheckoutSession(ctx context.Context, id string) (*payment.CheckoutSession, error) {
	atomic.AddInt32(&m.getSessionCalls, 1)
	return m.getSessionFn(ctx, id)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	return m.createSessionFn(ctx, req)
}

func (m *mockGateway) ParseWebhook(payload []byte, signature string) (*payment.Event, error) {
	return m.parseWebhookFn(payload, signature)
}

func paidGateway() *mockGateway {
	return &mockGateway{
		getSessionFn: func(ctx context.Context, id string) (*payment.CheckoutSession, error) {
			return &payment.CheckoutSession{ID: id, Status: payment.SessionStatusComplete, Paid: true}, nil
		},
	}
}

type mockCreatorRepo struct {
	profiles map[string]*model.CreatorProfile
}

func (m *mockCreatorRepo) FindByUserID(ctx context.Context, userID string) (*model.CreatorProfile, error) {
	return m.profiles[userID], nil
}

func (m *mockCreatorRepo) Create(ctx context.Context, p *model.CreatorProfile) (bool, error) {
	return false, nil
}

type mockContentRepo struct {
	items map[string]*model.ContentItem
}

func (m *mockContentRepo) FindByID(ctx context.Context, id string) (*model.ContentItem, error) {
	return m.items[id], nil
}

func (m *mockContentRepo) ListFeed(ctx context.Context, viewerID string, before repository.FeedCursor, limit int) ([]model.ContentItem, error) {
	return nil, nil
}

type mockSubscriptionRepo struct {
	subs []model.SubscriptionRecord
}

func (m *mockSubscriptionRepo) ListBySubscriber(ctx context.Context, subscriberID string) ([]model.SubscriptionRecord, error) {
	return m.subs, nil
}

func (m *mockSubscriptionRepo) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type mockPurchaseRepo struct {
	purchases []model.PurchaseRecord
}

func (m *mockPurchaseRepo) ListByBuyer(ctx context.Context, buyerID string) ([]model.PurchaseRecord, error) {
	return m.purchases, nil
}

type mockWebhookEventRepo struct {
	mu        sync.Mutex
	seen      map[string]bool
	forgotten []string
}

func newMockWebhookEventRepo() *mockWebhookEventRepo {
	return &mockWebhookEventRepo{seen: make(map[string]bool)}
}

func (m *mockWebhookEventRepo) RecordIfNew(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := provider + ":" + eventID
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *mockWebhookEventRepo) Forget(ctx context.Context, provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, provider+":"+eventID)
	m.forgotten = append(m.forgotten, eventID)
	return nil
}

type published struct {
	userID    string
	eventType string
}

type mockPublisher struct {
	mu     sync.Mutex
	events []published
}

func (m *mockPublisher) Publish(userID, eventType string, payload interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, published{userID: userID, eventType: eventType})
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
