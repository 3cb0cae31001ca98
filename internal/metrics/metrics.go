// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層、ワーカー、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordOnboardingTransition(state string)
	RecordCheckoutStarted(kind string)
	RecordCheckoutOutcome(outcome string)
	RecordReconciliation(result string, duration time.Duration)
	RecordWebhookEvent(eventType, result string)
	RecordEntitlementDecision(reason string)
	RecordHTTPStatus(statusCode int)
	RecordExpired(kind string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	onboarding      *prometheus.CounterVec
	checkoutStarted *prometheus.CounterVec
	checkoutOutcome *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	reconcileTime   prometheus.Histogram
	webhookEvents   *prometheus.CounterVec
	entitlements    *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	expired         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		onboarding: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_onboarding_transitions_total",
			Help: "遷移先状態別のオンボーディング遷移数",
		}, []string{"state"}),
		checkoutStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_checkout_started_total",
			Help: "対象種別別のチェックアウト開始数",
		}, []string{"kind"}),
		checkoutOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_checkout_return_outcomes_total",
			Help: "決済後の戻り処理の結果別件数",
		}, []string{"outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_reconciliations_total",
			Help: "結果別の決済照合数",
		}, []string{"result"}),
		reconcileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creatorgate_reconciliation_duration_seconds",
			Help:    "決済照合の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_webhook_events_total",
			Help: "イベント種別・処理結果別のWebhook受信数",
		}, []string{"type", "result"}),
		entitlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_entitlement_decisions_total",
			Help: "閲覧権限判定の結果別件数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creatorgate_expired_records_total",
			Help: "期限切れとして更新したレコード数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.onboarding,
		c.checkoutStarted,
		c.checkoutOutcome,
		c.reconciliations,
		c.reconcileTime,
		c.webhookEvents,
		c.entitlements,
		c.httpStatus,
		c.expired,
	)

	return c
}

// RecordOnboardingTransition はオンボーディングの遷移先状態を記録する。
func (c *Collector) RecordOnboardingTransition(state string) {
	c.onboarding.WithLabelValues(state).Inc()
}

// RecordCheckoutStarted はチェックアウト開始を記録する。
func (c *Collector) RecordCheckoutStarted(kind string) {
	c.checkoutStarted.WithLabelValues(kind).Inc()
}

// RecordCheckoutOutcome は戻り処理の結果を記録する。
func (c *Collector) RecordCheckoutOutcome(outcome string) {
	c.checkoutOutcome.WithLabelValues(outcome).Inc()
}

// RecordReconciliation は決済照合の結果と所要時間を記録する。
func (c *Collector) RecordReconciliation(result string, duration time.Duration) {
	c.reconciliations.WithLabelValues(result).Inc()
	c.reconcileTime.Observe(duration.Seconds())
}

// RecordWebhookEvent はWebhookの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, result string) {
	c.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// RecordEntitlementDecision は閲覧権限判定を記録する。許可の場合は"granted"を渡す。
func (c *Collector) RecordEntitlementDecision(reason string) {
	c.entitlements.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordExpired は期限切れ更新件数を記録する。
func (c *Collector) RecordExpired(kind string, count int64) {
	c.expired.WithLabelValues(kind).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordOnboardingTransition(string)          {}
func (Nop) RecordCheckoutStarted(string)               {}
func (Nop) RecordCheckoutOutcome(string)               {}
func (Nop) RecordReconciliation(string, time.Duration) {}
func (Nop) RecordWebhookEvent(string, string)          {}
func (Nop) RecordEntitlementDecision(string)           {}
func (Nop) RecordHTTPStatus(int)                       {}
func (Nop) RecordExpired(string, int64)                {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
