package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
	"github.com/hitoshi/creatorgate/internal/security"
	"github.com/hitoshi/creatorgate/internal/transient"
)

// CacheInvalidator はプロフィール作成後に閲覧者キャッシュを破棄する。
type CacheInvalidator interface {
	Invalidate(subject string)
}

// Config はオンボーディングの設定。
type Config struct {
	// ConnectReturnURL は決済アカウント登録完了後の戻り先。
	ConnectReturnURL string
	// ConnectRefreshURL は登録リンクが失効した場合の戻り先。
	ConnectRefreshURL string
}

// Machine はオンボーディングの状態機械。
type Machine struct {
	users     repository.UserProfileRepository
	creators  repository.CreatorProfileRepository
	gateway   payment.Gateway
	committer Committer
	store     transient.Store
	cache     CacheInvalidator
	sanitizer security.Sanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config

	locks *stepLocks
	now   func() time.Time
	newID func() string
}

// NewMachine はMachineを生成する。
func NewMachine(
	users repository.UserProfileRepository,
	creators repository.CreatorProfileRepository,
	gateway payment.Gateway,
	committer Committer,
	store transient.Store,
	cache CacheInvalidator,
	sanitizer security.Sanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Machine {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		users:     users,
		creators:  creators,
		gateway:   gateway,
		committer: committer,
		store:     store,
		cache:     cache,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
		locks:     newStepLocks(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// State は現在の状態を返す。
func (m *Machine) State(ctx context.Context, sess string, id model.Identity) (State, error) {
	profile, err := m.users.FindByUserID(ctx, id.Subject)
	if err != nil {
		return "", fmt.Errorf("failed to load user profile: %w", err)
	}
	if profile == nil {
		return StateNeedsProfile, nil
	}

	creator, err := m.creators.FindByUserID(ctx, id.Subject)
	if err != nil {
		return "", fmt.Errorf("failed to load creator profile: %w", err)
	}
	if creator != nil {
		return StateActive, nil
	}

	entry, err := transient.Load(ctx, m.store, sess, id.Subject)
	if err != nil {
		return "", err
	}
	return derive(profile, nil, entry), nil
}

// SubmitProfile はユーザープロフィールを作成する。
// 入力不正はValidationError、ユーザー名の重複はUSERNAME_TAKENを返し、状態は変わらない。
func (m *Machine) SubmitProfile(ctx context.Context, sess string, id model.Identity, in ProfileInput) (Result, error) {
	unlock, ok := m.locks.tryLock(id.Subject)
	if !ok {
		return Result{}, model.NewStepInProgressError()
	}
	defer unlock()

	in = in.normalize()
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	existing, err := m.users.FindByUserID(ctx, id.Subject)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load user profile: %w", err)
	}
	if existing != nil {
		st, err := m.State(ctx, sess, id)
		return Result{State: st}, err
	}

	now := m.now().UTC()
	profile := &model.UserProfile{
		UserID:      id.Subject,
		DisplayName: m.sanitizer.SanitizeText(in.DisplayName),
		Username:    in.Username,
		Bio:         m.sanitizer.SanitizeText(in.Bio),
		AvatarURL:   in.AvatarURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if profile.DisplayName == "" {
		return Result{}, model.NewValidationError("display_name", "表示名は必須です")
	}

	if err := m.users.Create(ctx, profile); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return Result{}, model.NewUsernameTakenError(in.Username)
		}
		return Result{}, fmt.Errorf("failed to create user profile: %w", err)
	}
	m.cache.Invalidate(id.Subject)

	m.logger.Info("user profile created",
		slog.String("user_id", id.Subject),
		slog.String("username", profile.Username),
	)
	return m.transition(StateNeedsCreatorIntent), nil
}

// SubmitCreatorIntent はクリエイター登録の意思と購読価格を一時状態に保存する。
// クリエイタープロフィールはこの時点では作成しない。
func (m *Machine) SubmitCreatorIntent(ctx context.Context, sess string, id model.Identity, price *int64) (Result, error) {
	unlock, ok := m.locks.tryLock(id.Subject)
	if !ok {
		return Result{}, model.NewStepInProgressError()
	}
	defer unlock()

	if err := validatePrice(price); err != nil {
		return Result{}, err
	}
	if err := m.requireNonCreator(ctx, id.Subject); err != nil {
		return Result{}, err
	}

	entry, err := transient.Load(ctx, m.store, sess, id.Subject)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		entry = &transient.PendingCreator{Subject: id.Subject, AttemptID: m.newID()}
	}

	// 連携済みの決済アカウントは再利用する
	entry.IntentSubmitted = true
	entry.PriceCents = price
	entry.Awaiting = false
	entry.Failed = false
	entry.UpdatedAt = m.now().UTC()

	if err := m.store.Put(ctx, sess, *entry); err != nil {
		return Result{}, fmt.Errorf("failed to store pending creator: %w", err)
	}
	return m.transition(StateNeedsPaymentConnection), nil
}

// InitiateConnection は決済アカウントを用意し、登録ページのURLを返す。
// 呼び出し元はこのURLへ遷移させる。決済プロバイダーとの通信に失敗した場合は
// VerificationFailed に遷移する。
func (m *Machine) InitiateConnection(ctx context.Context, sess string, id model.Identity) (Result, error) {
	unlock, ok := m.locks.tryLock(id.Subject)
	if !ok {
		return Result{}, model.NewStepInProgressError()
	}
	defer unlock()

	if err := m.requireNonCreator(ctx, id.Subject); err != nil {
		return Result{}, err
	}

	entry, err := transient.Load(ctx, m.store, sess, id.Subject)
	if err != nil {
		return Result{}, err
	}
	if entry == nil || !entry.IntentSubmitted || entry.Failed {
		return Result{}, model.NewCreatorIntentRequiredError()
	}

	if entry.AccountID == "" {
		accountID, err := m.gateway.CreateConnectedAccount(ctx, id.Subject, id.Email)
		if err != nil {
			return m.fail(ctx, sess, entry, model.NewExternalServiceError("payment"), err)
		}
		entry.AccountID = accountID
		entry.UpdatedAt = m.now().UTC()
		// リンク作成に失敗しても作成済みのアカウントを失わないよう先に保存する
		if err := m.store.Put(ctx, sess, *entry); err != nil {
			return Result{}, fmt.Errorf("failed to store pending creator: %w", err)
		}
	}

	url, err := m.gateway.CreateOnboardingLink(ctx, entry.AccountID, m.cfg.ConnectRefreshURL, m.cfg.ConnectReturnURL)
	if err != nil {
		return m.fail(ctx, sess, entry, model.NewExternalServiceError("payment"), err)
	}

	entry.Awaiting = true
	entry.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, sess, *entry); err != nil {
		return Result{}, fmt.Errorf("failed to store pending creator: %w", err)
	}

	m.logger.Info("payment connection initiated",
		slog.String("user_id", id.Subject),
		slog.String("attempt_id", entry.AttemptID),
		slog.String("account_id", entry.AccountID),
	)
	return Result{State: StateNeedsPaymentConnection, RedirectURL: url}, nil
}

// HandleConnectReturn は決済アカウント登録ページからの戻りを処理する。
// 検証待ちでない場合は何もせず現在の状態を返す。
func (m *Machine) HandleConnectReturn(ctx context.Context, sess string, id model.Identity) (Result, error) {
	unlock, ok := m.locks.tryLock(id.Subject)
	if !ok {
		return Result{}, model.NewStepInProgressError()
	}
	defer unlock()

	entry, err := transient.Load(ctx, m.store, sess, id.Subject)
	if err != nil {
		return Result{}, err
	}
	if entry == nil || !entry.Awaiting {
		st, err := m.State(ctx, sess, id)
		return Result{State: st}, err
	}

	return m.commitCreatorProfile(ctx, sess, id, entry)
}

// commitCreatorProfile はクリエイタープロフィールを確定する。
// 決済連携を開始済み（検証待ち）の一時状態がない場合は必ず拒否する。
func (m *Machine) commitCreatorProfile(ctx context.Context, sess string, id model.Identity, entry *transient.PendingCreator) (Result, error) {
	if entry == nil || !entry.Awaiting || entry.AccountID == "" {
		return Result{}, model.NewPaymentConnectionRequiredError()
	}

	if err := m.committer.CommitCreatorProfile(ctx, id.Subject, *entry); err != nil {
		failure := model.NewExternalServiceError("payment")
		if errors.Is(err, ErrAccountNotVerified) {
			failure = model.NewAccountNotVerifiedError()
		}
		return m.fail(ctx, sess, entry, failure, err)
	}

	if err := m.store.Delete(ctx, sess); err != nil {
		// プロフィールは確定済みのため状態はActiveとして扱う
		m.logger.Warn("failed to clear pending creator",
			slog.String("user_id", id.Subject),
			slog.String("error", err.Error()),
		)
	}
	m.cache.Invalidate(id.Subject)

	m.logger.Info("creator profile committed",
		slog.String("user_id", id.Subject),
		slog.String("attempt_id", entry.AttemptID),
	)
	return m.transition(StateActive), nil
}

// Retry は VerificationFailed から NeedsCreatorIntent に戻す。
// 連携済みの決済アカウントは保持し、プロフィールの確定のみをやり直す。
func (m *Machine) Retry(ctx context.Context, sess string, id model.Identity) (Result, error) {
	unlock, ok := m.locks.tryLock(id.Subject)
	if !ok {
		return Result{}, model.NewStepInProgressError()
	}
	defer unlock()

	entry, err := transient.Load(ctx, m.store, sess, id.Subject)
	if err != nil {
		return Result{}, err
	}
	if entry == nil || !entry.Failed {
		st, err := m.State(ctx, sess, id)
		return Result{State: st}, err
	}

	entry.Failed = false
	entry.Awaiting = false
	entry.IntentSubmitted = false
	entry.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, sess, *entry); err != nil {
		return Result{}, fmt.Errorf("failed to store pending creator: %w", err)
	}
	return m.transition(StateNeedsCreatorIntent), nil
}

// fail は一時状態を保持したまま VerificationFailed に遷移する。
func (m *Machine) fail(ctx context.Context, sess string, entry *transient.PendingCreator, failure *model.APIError, cause error) (Result, error) {
	m.logger.Warn("creator onboarding verification failed",
		slog.String("user_id", entry.Subject),
		slog.String("attempt_id", entry.AttemptID),
		slog.String("code", failure.Code),
		slog.String("error", cause.Error()),
	)

	entry.Awaiting = false
	entry.Failed = true
	entry.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, sess, *entry); err != nil {
		return Result{}, fmt.Errorf("failed to store pending creator: %w", err)
	}

	res := m.transition(StateVerificationFailed)
	res.Failure = failure
	return res, nil
}

func (m *Machine) requireNonCreator(ctx context.Context, subject string) error {
	profile, err := m.users.FindByUserID(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load user profile: %w", err)
	}
	if profile == nil {
		return model.NewProfileRequiredError()
	}

	creator, err := m.creators.FindByUserID(ctx, subject)
	if err != nil {
		return fmt.Errorf("failed to load creator profile: %w", err)
	}
	if creator != nil {
		return model.NewAlreadyCreatorError()
	}
	return nil
}

func (m *Machine) transition(to State) Result {
	m.metrics.RecordOnboardingTransition(string(to))
	return Result{State: to}
}
