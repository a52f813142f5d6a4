// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/fitsync/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// プロバイダー呼び出し、同期、トークンリフレッシュの各コンポーネントのObserverを兼ねる。
type Collector struct {
	syncRuns         *prometheus.CounterVec
	syncImported     *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	syncRetries      *prometheus.CounterVec
	tokenRefresh     *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	disconnects      *prometheus.CounterVec
	revokeFailures   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_sync_runs_total",
			Help: "終了した同期の合計数",
		}, []string{"provider", "status"}),
		syncImported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_sync_imported_activities_total",
			Help: "新規に取り込んだアクティビティの合計数",
		}, []string{"provider"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitsync_sync_duration_seconds",
			Help:    "同期1回の所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		syncRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_sync_page_retries_total",
			Help: "一時的エラーによるページ取得の再試行数",
		}, []string{"provider"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_token_refresh_total",
			Help: "トークンリフレッシュの結果別の合計数",
		}, []string{"provider", "outcome"}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_provider_requests_total",
			Help: "プロバイダーAPI呼び出しのステータスコード別の合計数",
		}, []string{"provider", "operation", "status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitsync_provider_request_duration_seconds",
			Help:    "プロバイダーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_disconnects_total",
			Help: "連携解除の合計数",
		}, []string{"provider"}),
		revokeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitsync_revoke_failures_total",
			Help: "プロバイダー側の連携取り消しに失敗した合計数",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		c.syncRuns,
		c.syncImported,
		c.syncDuration,
		c.syncRetries,
		c.tokenRefresh,
		c.providerRequests,
		c.providerLatency,
		c.disconnects,
		c.revokeFailures,
	)

	return c
}

// ObserveProviderRequest はプロバイダーAPI呼び出しを記録する。
// 通信エラーでステータスがない場合は status_code="error" とする。
func (c *Collector) ObserveProviderRequest(p model.Provider, operation string, statusCode int, duration time.Duration) {
	code := "error"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	c.providerRequests.WithLabelValues(string(p), operation, code).Inc()
	c.providerLatency.WithLabelValues(string(p), operation).Observe(duration.Seconds())
}

// ObserveSync は同期の終了を記録する。
func (c *Collector) ObserveSync(p model.Provider, status model.SyncStatus, imported int, duration time.Duration) {
	c.syncRuns.WithLabelValues(string(p), string(status)).Inc()
	c.syncImported.WithLabelValues(string(p)).Add(float64(imported))
	c.syncDuration.WithLabelValues(string(p)).Observe(duration.Seconds())
}

// ObserveRetry はページ取得の再試行を記録する。
func (c *Collector) ObserveRetry(p model.Provider) {
	c.syncRetries.WithLabelValues(string(p)).Inc()
}

// ObserveRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) ObserveRefresh(p model.Provider, outcome string) {
	c.tokenRefresh.WithLabelValues(string(p), outcome).Inc()
}

// ObserveDisconnect は連携解除を記録する。
func (c *Collector) ObserveDisconnect(p model.Provider, revoked bool) {
	c.disconnects.WithLabelValues(string(p)).Inc()
	if !revoked {
		c.revokeFailures.WithLabelValues(string(p)).Inc()
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
