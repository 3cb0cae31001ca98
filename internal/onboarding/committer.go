package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/payment"
	"github.com/hitoshi/creatorgate/internal/repository"
	"github.com/hitoshi/creatorgate/internal/transient"
)

// ErrAccountNotVerified は連携先の決済アカウントで決済または入金が有効化されていないことを表す。
var ErrAccountNotVerified = errors.New("payment account not verified")

// Committer はクリエイタープロフィールを確定する。
type Committer interface {
	CommitCreatorProfile(ctx context.Context, subject string, pending transient.PendingCreator) error
}

// VerifiedCommitter は決済プロバイダーでアカウントの有効化を確認してから
// クリエイタープロフィールを作成する。
type VerifiedCommitter struct {
	gateway  payment.Gateway
	creators repository.CreatorProfileRepository
	currency string
	now      func() time.Time
}

// NewVerifiedCommitter はVerifiedCommitterを生成する。
func NewVerifiedCommitter(gateway payment.Gateway, creators repository.CreatorProfileRepository, currency string) *VerifiedCommitter {
	return &VerifiedCommitter{
		gateway:  gateway,
		creators: creators,
		currency: currency,
		now:      time.Now,
	}
}

// CommitCreatorProfile はアカウントの charges_enabled と payouts_enabled を確認し、
// クリエイタープロフィールを作成する。既に作成済みの場合は成功として扱う。
// 決済連携の戻りを待っていない一時状態は受け付けない。
func (c *VerifiedCommitter) CommitCreatorProfile(ctx context.Context, subject string, pending transient.PendingCreator) error {
	if !pending.Awaiting || pending.AccountID == "" {
		return model.NewPaymentConnectionRequiredError()
	}

	status, err := c.gateway.GetAccount(ctx, pending.AccountID)
	if err != nil {
		return fmt.Errorf("failed to verify payment account: %w", err)
	}
	if !status.Verified() {
		return ErrAccountNotVerified
	}

	now := c.now().UTC()
	_, err = c.creators.Create(ctx, &model.CreatorProfile{
		UserID:                 subject,
		StripeAccountID:        pending.AccountID,
		SubscriptionPriceCents: pending.PriceCents,
		Currency:               c.currency,
		Status:                 model.CreatorStatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		return fmt.Errorf("failed to create creator profile: %w", err)
	}
	return nil
}
