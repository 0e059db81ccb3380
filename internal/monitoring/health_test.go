package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor()
	rec := get(t, hm.Handler(), http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestAlertLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  string
		code  int
	}{
		{"warning stays healthy", LevelWarning, "healthy", http.StatusOK},
		{"error degrades", LevelError, "degraded", http.StatusServiceUnavailable},
		{"critical fails", LevelCritical, "critical", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor()
			hm.AddAlert(tt.level, "engine", "test")
			if got := hm.Status().Status; got != tt.want {
				t.Errorf("Status = %q, want %q", got, tt.want)
			}
			if rec := get(t, hm.Handler(), http.MethodGet, "/health"); rec.Code != tt.code {
				t.Errorf("code = %d, want %d", rec.Code, tt.code)
			}

			hm.ResolveAlert(0)
			if got := hm.Status().Status; got != "healthy" {
				t.Errorf("after resolve Status = %q", got)
			}
		})
	}
}

func TestCheckLayers(t *testing.T) {
	hm := NewHealthMonitor()
	hm.CheckLayers(nil, nil)
	if n := len(hm.Status().Alerts); n != 0 {
		t.Fatalf("got %d alerts for clean trace", n)
	}

	hm.CheckLayers([]int{3}, []int{5, 6})
	alerts := hm.Status().Alerts
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if !strings.Contains(alerts[1].Message, "[5 6]") {
		t.Errorf("message = %q", alerts[1].Message)
	}
	if hm.Status().Status != "degraded" {
		t.Errorf("saturation should degrade health")
	}
}

func TestStatusReportsModel(t *testing.T) {
	hm := NewHealthMonitor()
	hm.SetModel(ModelInfo{Engine: "cpu", NumLayers: 12, Dim: 64, VocabSize: 512, Causal: true})

	rec := get(t, hm.Handler(), http.MethodGet, "/status")
	var st HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Model.Loaded || st.Model.NumLayers != 12 || st.Model.Engine != "cpu" {
		t.Errorf("model = %+v", st.Model)
	}
}

func TestClearAlerts(t *testing.T) {
	hm := NewHealthMonitor()
	hm.AddAlert(LevelError, "store", "boom")
	h := hm.Handler()

	if rec := get(t, h, http.MethodGet, "/admin/clear-alerts"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET code = %d", rec.Code)
	}
	if rec := get(t, h, http.MethodPost, "/admin/clear-alerts"); rec.Code != http.StatusOK {
		t.Errorf("POST code = %d", rec.Code)
	}
	if n := len(hm.Status().Alerts); n != 0 {
		t.Errorf("alerts after clear = %d", n)
	}
}

func TestAlertsBounded(t *testing.T) {
	hm := NewHealthMonitor()
	for i := 0; i < maxAlerts+10; i++ {
		hm.AddAlert(LevelInfo, "engine", "x")
	}
	if n := len(hm.Status().Alerts); n != maxAlerts {
		t.Errorf("alerts = %d, want %d", n, maxAlerts)
	}
}

func TestMetricsRoute(t *testing.T) {
	rec := get(t, NewHealthMonitor().Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Errorf("metrics code = %d", rec.Code)
	}
}
