// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する。
// 利用側(github.Client、customer.Service、HTTPミドルウェア)はそれぞれ必要なメソッドだけをインターフェースとして宣言する。
type Collector struct {
	identityLookups *prometheus.CounterVec
	identityLatency prometheus.Histogram
	customerWrites  *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		identityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customers_identity_lookups_total",
			Help: "GitHubユーザー照会の結果別の合計数",
		}, []string{"outcome"}),
		identityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "customers_identity_lookup_latency_seconds",
			Help:    "GitHubユーザー照会のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		customerWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customers_writes_total",
			Help: "顧客の書き込み操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "customers_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "customers_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		c.identityLookups,
		c.identityLatency,
		c.customerWrites,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordIdentityLookup はGitHubユーザー照会の結果とレイテンシを記録する。
func (c *Collector) RecordIdentityLookup(outcome string, duration time.Duration) {
	c.identityLookups.WithLabelValues(outcome).Inc()
	c.identityLatency.Observe(duration.Seconds())
}

// RecordCustomerWrite は作成・更新・削除の結果を記録する。
func (c *Collector) RecordCustomerWrite(operation, outcome string) {
	c.customerWrites.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はHTTPリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(method string, duration time.Duration) {
	c.requestLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
