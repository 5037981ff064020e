package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_RegistersMetrics はメトリクスがレジストリに登録されることを検証する。
func TestNewCollector_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordEnqueued(3)
	c.RecordSent(2)
	c.RecordFailed(1)
	c.RecordOrphaned(1)
	c.RecordCycleDuration(2 * time.Second)
	c.RecordChunkLatency(100 * time.Millisecond)
	c.RecordStuckReset(5)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gatherに失敗: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("メトリクスが登録されているべき")
	}
}

// TestHandler_ServesMetrics はハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSent(1)

	handler := Handler(reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "notifyd_sent_total") {
		t.Error("response should contain notifyd_sent_total metric")
	}
}
