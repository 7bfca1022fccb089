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
// コンシューマーやワーカーから利用する。
type MetricsCollector interface {
	RecordLoginResult(status string)
	RecordDiscovery(duration time.Duration, ok bool)
	RecordProviderStatus(statusCode int)
	RecordAssociationCreated()
	RecordAssociationRemoved()
	RecordRegistration()
	RecordCleanup(target string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	loginResults   *prometheus.CounterVec
	discoveryFail  prometheus.Counter
	discoveryTime  prometheus.Histogram
	providerStatus *prometheus.CounterVec
	assocCreated   prometheus.Counter
	assocRemoved   prometheus.Counter
	registrations  prometheus.Counter
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loginResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openidauth_login_results_total",
			Help: "OpenID認証レスポンスの結果別の合計数",
		}, []string{"status"}),
		discoveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openidauth_discovery_fail_total",
			Help: "ディスカバリー失敗の合計数",
		}),
		discoveryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "openidauth_discovery_latency_seconds",
			Help:    "ディスカバリーのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openidauth_provider_http_status_total",
			Help: "プロバイダーへのHTTPリクエストのステータスコード別の数",
		}, []string{"status_code"}),
		assocCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openidauth_associations_created_total",
			Help: "作成されたOpenID紐付けの合計数",
		}),
		assocRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openidauth_associations_removed_total",
			Help: "解除されたOpenID紐付けの合計数",
		}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openidauth_registrations_total",
			Help: "OpenIDによる新規アカウント登録の合計数",
		}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openidauth_cleanup_deleted_total",
			Help: "クリーンアップで削除されたレコード数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.loginResults,
		c.discoveryFail,
		c.discoveryTime,
		c.providerStatus,
		c.assocCreated,
		c.assocRemoved,
		c.registrations,
		c.cleanupDeleted,
	)

	return c
}

// RecordLoginResult は認証レスポンスの結果（success, cancel, failure, setup_needed）を記録する。
func (c *Collector) RecordLoginResult(status string) {
	c.loginResults.WithLabelValues(status).Inc()
}

// RecordDiscovery はディスカバリーのレイテンシと成否を記録する。
func (c *Collector) RecordDiscovery(duration time.Duration, ok bool) {
	c.discoveryTime.Observe(duration.Seconds())
	if !ok {
		c.discoveryFail.Inc()
	}
}

// RecordProviderStatus はプロバイダーから返されたHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordAssociationCreated はOpenID紐付けの作成を記録する。
func (c *Collector) RecordAssociationCreated() {
	c.assocCreated.Inc()
}

// RecordAssociationRemoved はOpenID紐付けの解除を記録する。
func (c *Collector) RecordAssociationRemoved() {
	c.assocRemoved.Inc()
}

// RecordRegistration は新規アカウント登録を記録する。
func (c *Collector) RecordRegistration() {
	c.registrations.Inc()
}

// RecordCleanup はクリーンアップの削除件数を記録する。
func (c *Collector) RecordCleanup(target string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(deleted))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLoginResult(string)            {}
func (Nop) RecordDiscovery(time.Duration, bool) {}
func (Nop) RecordProviderStatus(int)            {}
func (Nop) RecordAssociationCreated()           {}
func (Nop) RecordAssociationRemoved()           {}
func (Nop) RecordRegistration()                 {}
func (Nop) RecordCleanup(string, int64)         {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StatusRecorder はプロバイダーへのHTTPレスポンスのステータスコードを記録するRoundTripper。
type StatusRecorder struct {
	Next      http.RoundTripper
	Collector MetricsCollector
}

// RoundTrip はリクエストを次のRoundTripperに委譲し、ステータスコードを記録する。
func (s *StatusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	next := s.Next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err == nil {
		s.Collector.RecordProviderStatus(resp.StatusCode)
	}
	return resp, err
}
