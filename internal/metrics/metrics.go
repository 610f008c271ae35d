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
// Stravaクライアント、同期サービス、Webhook処理から利用する。
type MetricsCollector interface {
	RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration)
	RecordTokenRefresh(success bool)
	RecordActivitiesIngested(count int)
	RecordStreamFetch(result string)
	RecordWebhookEvent(aspectType, outcome string)
	SetCircuitBreakerState(name string, state float64)
}

// ストリーム取得結果のラベル値
const (
	StreamResultStored      = "stored"
	StreamResultUnavailable = "unavailable"
	StreamResultError       = "error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	upstreamRequests   *prometheus.CounterVec
	upstreamLatency    *prometheus.HistogramVec
	tokenRefresh       *prometheus.CounterVec
	activitiesIngested prometheus.Counter
	streamFetch        *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stravasync_upstream_requests_total",
			Help: "Strava API呼び出し数（エンドポイント・ステータス別）",
		}, []string{"endpoint", "status_code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stravasync_upstream_latency_seconds",
			Help:    "Strava API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stravasync_token_refresh_total",
			Help: "アクセストークンのリフレッシュ回数",
		}, []string{"result"}),
		activitiesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stravasync_activities_ingested_total",
			Help: "新規登録されたアクティビティの合計数",
		}),
		streamFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stravasync_stream_fetch_total",
			Help: "ストリーム取得の結果別件数",
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stravasync_webhook_events_total",
			Help: "Webhookイベントの処理結果別件数",
		}, []string{"aspect_type", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stravasync_circuit_breaker_state",
			Help: "サーキットブレーカーの状態（0=closed, 1=half-open, 2=open）",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.tokenRefresh,
		c.activitiesIngested,
		c.streamFetch,
		c.webhookEvents,
		c.breakerState,
	)

	return c
}

// RecordUpstreamRequest はStrava API呼び出しを記録する。
// statusCodeが0の場合は通信エラーとして記録する。
func (c *Collector) RecordUpstreamRequest(endpoint string, statusCode int, duration time.Duration) {
	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	c.upstreamRequests.WithLabelValues(endpoint, status).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(success bool) {
	result := "ok"
	if !success {
		result = "fail"
	}
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordActivitiesIngested は新規登録されたアクティビティ数を記録する。
func (c *Collector) RecordActivitiesIngested(count int) {
	c.activitiesIngested.Add(float64(count))
}

// RecordStreamFetch はストリーム取得の結果を記録する。
func (c *Collector) RecordStreamFetch(result string) {
	c.streamFetch.WithLabelValues(result).Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(aspectType, outcome string) {
	c.webhookEvents.WithLabelValues(aspectType, outcome).Inc()
}

// SetCircuitBreakerState はサーキットブレーカーの状態を記録する。
func (c *Collector) SetCircuitBreakerState(name string, state float64) {
	c.breakerState.WithLabelValues(name).Set(state)
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type NopCollector struct{}

func (NopCollector) RecordUpstreamRequest(string, int, time.Duration) {}
func (NopCollector) RecordTokenRefresh(bool)                          {}
func (NopCollector) RecordActivitiesIngested(int)                     {}
func (NopCollector) RecordStreamFetch(string)                         {}
func (NopCollector) RecordWebhookEvent(string, string)                {}
func (NopCollector) SetCircuitBreakerState(string, float64)           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
