package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名のメトリクスファミリーを返す。見つからない場合はテストを失敗させる。
func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を持つカウンタ値を返す。
func labelValue(mf *dto.MetricFamily, label, value string) float64 {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestNewCollector_DuplicateRegistration_Panics は同じレジストリへの二重登録でpanicすることを検証する。
func TestNewCollector_DuplicateRegistration_Panics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}

// TestRecordLoginResult_CountsByStatus は結果別にカウンタが増加することを検証する。
func TestRecordLoginResult_CountsByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLoginResult("success")
	c.RecordLoginResult("success")
	c.RecordLoginResult("cancel")

	mf := findMetric(t, reg, "openidauth_login_results_total")
	if got := labelValue(mf, "status", "success"); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	if got := labelValue(mf, "status", "cancel"); got != 1 {
		t.Errorf("cancel = %v, want 1", got)
	}
}

// TestRecordDiscovery_ObservesLatencyAndFailures はレイテンシと失敗数が記録されることを検証する。
func TestRecordDiscovery_ObservesLatencyAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDiscovery(100*time.Millisecond, true)
	c.RecordDiscovery(2*time.Second, false)

	hist := findMetric(t, reg, "openidauth_discovery_latency_seconds")
	if got := hist.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}

	fail := findMetric(t, reg, "openidauth_discovery_fail_total")
	if got := fail.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("discovery_fail_total = %v, want 1", got)
	}
}

// TestRecordAssociations はOpenID紐付けの作成・解除・登録カウンタを検証する。
func TestRecordAssociations(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAssociationCreated()
	c.RecordAssociationCreated()
	c.RecordAssociationRemoved()
	c.RecordRegistration()

	tests := []struct {
		name string
		want float64
	}{
		{"openidauth_associations_created_total", 2},
		{"openidauth_associations_removed_total", 1},
		{"openidauth_registrations_total", 1},
	}
	for _, tt := range tests {
		mf := findMetric(t, reg, tt.name)
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestRecordCleanup_AddsDeletedCount はクリーンアップの削除件数が加算されることを検証する。
func TestRecordCleanup_AddsDeletedCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCleanup("sessions", 5)
	c.RecordCleanup("sessions", 3)
	c.RecordCleanup("nonces", 10)

	mf := findMetric(t, reg, "openidauth_cleanup_deleted_total")
	if got := labelValue(mf, "target", "sessions"); got != 8 {
		t.Errorf("sessions = %v, want 8", got)
	}
	if got := labelValue(mf, "target", "nonces"); got != 10 {
		t.Errorf("nonces = %v, want 10", got)
	}
}

// TestStatusRecorder_RecordsProviderStatus はRoundTripperがステータスコードを記録することを検証する。
func TestStatusRecorder_RecordsProviderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	client := &http.Client{Transport: &StatusRecorder{Next: srv.Client().Transport, Collector: c}}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	mf := findMetric(t, reg, "openidauth_provider_http_status_total")
	if got := labelValue(mf, "status_code", "503"); got != 1 {
		t.Errorf("status 503 = %v, want 1", got)
	}
}
