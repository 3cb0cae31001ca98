// Package expiry は期限切れレコードを定期的に更新するジョブを提供する。
//
// 一定時間を過ぎても完了しないチェックアウトセッションと、終了日時を過ぎた
// サブスクリプションをexpiredに更新する。どちらも条件付きUPDATEのため冪等。
// 期限切れにしたセッションでも、後から決済完了が照合された場合は閲覧権限が付与される。
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/creatorgate/internal/metrics"
)

// DefaultPendingTTL は未完了のチェックアウトセッションを期限切れにするまでの既定の時間。
// Stripeのチェックアウトセッションの有効期間（24時間）に合わせる。
const DefaultPendingTTL = 24 * time.Hour

// CheckoutExpirer は未完了のチェックアウトセッションを期限切れにする。
type CheckoutExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// SubscriptionExpirer は終了したサブスクリプションを期限切れにする。
type SubscriptionExpirer interface {
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

// Job は期限切れ更新ジョブ。
type Job struct {
	checkouts     CheckoutExpirer
	subscriptions SubscriptionExpirer
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	PendingTTL    time.Duration

	now func() time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(checkouts CheckoutExpirer, subscriptions SubscriptionExpirer, collector metrics.MetricsCollector, logger *slog.Logger) *Job {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		checkouts:     checkouts,
		subscriptions: subscriptions,
		metrics:       collector,
		logger:        logger,
		PendingTTL:    DefaultPendingTTL,
		now:           time.Now,
	}
}

// Start は指定間隔でジョブを実行する。起動直後に1回実行し、ctxがキャンセルされるまで継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("期限切れ更新ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("pending_ttl", j.PendingTTL),
	)

	j.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("期限切れ更新ジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if err := j.RunOnce(ctx); err != nil {
		j.logger.Error("期限切れ更新ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は両方の更新を1回実行する。片方が失敗してももう片方は実行する。
func (j *Job) RunOnce(ctx context.Context) error {
	start := j.now()

	checkouts, errCheckout := j.checkouts.ExpireStale(ctx, start.Add(-j.PendingTTL))
	if errCheckout != nil {
		errCheckout = fmt.Errorf("チェックアウトセッションの期限切れ更新に失敗: %w", errCheckout)
	} else {
		j.metrics.RecordExpired("checkout_session", checkouts)
	}

	subs, errSubs := j.subscriptions.ExpireEnded(ctx, start)
	if errSubs != nil {
		errSubs = fmt.Errorf("サブスクリプションの期限切れ更新に失敗: %w", errSubs)
	} else {
		j.metrics.RecordExpired("subscription", subs)
	}

	if err := errors.Join(errCheckout, errSubs); err != nil {
		return err
	}

	j.logger.Info("期限切れ更新ジョブが完了しました",
		slog.Int64("expired_checkout_sessions", checkouts),
		slog.Int64("expired_subscriptions", subs),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}
