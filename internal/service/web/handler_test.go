package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tierproxy/internal/shared/settings"
	"tierproxy/internal/shared/types"
	manager "tierproxy/proxypool"
	"tierproxy/proxypool/model"
	"tierproxy/proxypool/storage"
)

type fakeController struct {
	mu        sync.Mutex
	views     []model.ProxyView
	lastTier  model.Tier
	lastLimit int
	running   bool
	imported  []string
	pingErr   error
	released  map[string]string
}

func (c *fakeController) GetAll(_ context.Context, tier model.Tier) ([]model.ProxyView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTier = tier
	var out []model.ProxyView
	for _, v := range c.views {
		if tier == "" || v.Tier == tier {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *fakeController) GetTierCounts(context.Context) (model.TierCounts, error) {
	return model.TierCounts{Gold: 2, Silver: 1}, nil
}

func (c *fakeController) GetHistory(_ context.Context, limit int) ([]model.Snapshot, error) {
	c.mu.Lock()
	c.lastLimit = limit
	c.mu.Unlock()
	return []model.Snapshot{{Timestamp: time.Unix(1700000000, 0).UTC(), TierCounts: model.TierCounts{Gold: 2}}}, nil
}

func (c *fakeController) RunCycleNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *fakeController) Import(raw []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imported = append(c.imported, raw...)
	return len(raw)
}

func (c *fakeController) Allocate(_ context.Context, user string, tier model.Tier) (*model.ProxyRecord, error) {
	if tier == model.TierBronze {
		return nil, storage.ErrNoneAvailable
	}
	return &model.ProxyRecord{IP: "203.0.113.5", Port: 8080, Country: "US", CountryCode: "US", LatencyMs: 250, Tier: model.TierGold, AssignedTo: &user}, nil
}

func (c *fakeController) Release(_ context.Context, endpoint, user string) error {
	owner, ok := c.released[endpoint]
	if !ok {
		return storage.ErrNotFound
	}
	if owner != user {
		return storage.ErrNotAssigned
	}
	return nil
}

func (c *fakeController) Status() manager.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return manager.Status{Running: c.running, Sources: []string{"text-1"}}
}

func (c *fakeController) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

type observed struct {
	lastTier  model.Tier
	lastLimit int
	imported  []string
}

// snapshot 在锁内读取被处理器修改过的字段。
func (c *fakeController) snapshot() observed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return observed{lastTier: c.lastTier, lastLimit: c.lastLimit, imported: append([]string(nil), c.imported...)}
}

func (c *fakeController) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func newTestServer(t *testing.T, ctl *fakeController, web types.WebConf) *httptest.Server {
	t.Helper()
	sm, err := settings.NewSettingsManager("", nil)
	if err != nil {
		t.Fatalf("NewSettingsManager failed: %v", err)
	}
	srv := httptest.NewServer(NewServer(web, sm, ctl, NewHub()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, reqBody string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(method, url, strings.NewReader(reqBody))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHandleProxies(t *testing.T) {
	ctl := &fakeController{views: []model.ProxyView{
		{Endpoint: "203.0.113.5:8080:US:US", Address: "203.0.113.5:8080", LatencyMs: 250, Tier: model.TierGold},
		{Endpoint: "198.51.100.1:80:DE:DE", Address: "198.51.100.1:80", LatencyMs: 500, Tier: model.TierSilver},
	}}
	srv := newTestServer(t, ctl, types.WebConf{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/proxies", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var views []model.ProxyView
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(views) != 2 || views[0].Endpoint != "203.0.113.5:8080:US:US" {
		t.Errorf("Unexpected proxies %+v", views)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/proxies/silver", "")
	json.Unmarshal(body, &views)
	if got := ctl.snapshot().lastTier; len(views) != 1 || got != model.TierSilver {
		t.Errorf("Expected path tier filter, got %+v (tier %q)", views, got)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/proxies?tier=bronze", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("Expected an empty JSON array, got %s", body)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/proxies/platinum", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown tier, got %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/proxies", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestHandleStatsAndHistory(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(t, ctl, types.WebConf{})

	_, body := do(t, http.MethodGet, srv.URL+"/api/stats", "")
	var stats map[string]int
	json.Unmarshal(body, &stats)
	if stats["gold"] != 2 || stats["silver"] != 1 || stats["total"] != 3 {
		t.Errorf("Unexpected stats %v", stats)
	}

	do(t, http.MethodGet, srv.URL+"/api/history", "")
	if got := ctl.snapshot().lastLimit; got != defaultHistoryLimit {
		t.Errorf("Expected default limit %d, got %d", defaultHistoryLimit, got)
	}
	_, body = do(t, http.MethodGet, srv.URL+"/api/history?limit=5", "")
	if got := ctl.snapshot().lastLimit; got != 5 {
		t.Errorf("Expected limit 5, got %d", got)
	}
	var hist []model.Snapshot
	if err := json.Unmarshal(body, &hist); err != nil || len(hist) != 1 || hist[0].Gold != 2 {
		t.Errorf("Unexpected history %s", body)
	}

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/history?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", resp.StatusCode)
	}
}

func TestHandleCycle(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, types.WebConf{})

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/cycle", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected 202 for first trigger, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/cycle", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while running, got %d", resp.StatusCode)
	}
}

func TestHandleImport(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(t, ctl, types.WebConf{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/import", `{"proxies":["1.2.3.4:80","5.6.7.8:3128"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", resp.StatusCode, body)
	}
	if got := ctl.snapshot().imported; len(got) != 2 {
		t.Errorf("Expected 2 imported entries, got %v", got)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/import", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestHandleAllocateAndRelease(t *testing.T) {
	ctl := &fakeController{released: map[string]string{"203.0.113.5:8080": "alice"}}
	srv := newTestServer(t, ctl, types.WebConf{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/allocate?user=alice&tier=gold", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}
	var v model.ProxyView
	json.Unmarshal(body, &v)
	if v.AssignedTo == nil || *v.AssignedTo != "alice" || v.Address != "203.0.113.5:8080" {
		t.Errorf("Unexpected allocation %+v", v)
	}

	testCases := []struct {
		name string
		url  string
		want int
	}{
		{"missing user", "/api/allocate?tier=gold", http.StatusBadRequest},
		{"bad tier", "/api/allocate?user=a&tier=x", http.StatusBadRequest},
		{"none available", "/api/allocate?user=a&tier=bronze", http.StatusConflict},
		{"release ok", "/api/release?endpoint=203.0.113.5:8080&user=alice", http.StatusOK},
		{"release wrong user", "/api/release?endpoint=203.0.113.5:8080&user=bob", http.StatusConflict},
		{"release unknown", "/api/release?endpoint=192.0.2.1:80&user=alice", http.StatusNotFound},
		{"release missing params", "/api/release?user=alice", http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+tc.url, "")
			if resp.StatusCode != tc.want {
				t.Errorf("Expected %d, got %d: %s", tc.want, resp.StatusCode, body)
			}
		})
	}
}

func TestHandleSettings(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, types.WebConf{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/settings/tiers", `{"drop_below":10,"gold_below":200,"silver_below":800,"bronze_below":10000}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}

	_, body = do(t, http.MethodGet, srv.URL+"/api/settings", "")
	var rs settings.RuntimeSettings
	if err := json.Unmarshal(body, &rs); err != nil || rs.Tiers == nil || rs.Tiers.GoldBelow != 200 {
		t.Errorf("Expected updated tiers in settings, got %s", body)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/settings/tiers", `{"gold_below":5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid thresholds, got %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/settings/firewall", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown module, got %d", resp.StatusCode)
	}
}

func TestHealthAndStatus(t *testing.T) {
	ctl := &fakeController{}
	srv := newTestServer(t, ctl, types.WebConf{User: "admin", Password: "secret"})

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy, got %d", resp.StatusCode)
	}
	ctl.setPingErr(errors.New("connection refused"))
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when storage is down, got %d", resp.StatusCode)
	}

	// 状态接口公开，其余 API 需要认证。
	resp, body := do(t, http.MethodGet, srv.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"sources":["text-1"]`) {
		t.Errorf("Unexpected status response %d: %s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/stats", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	req.SetBasicAuth("admin", "secret")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", authed.StatusCode)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("Expected Prometheus metrics, got %d", resp.StatusCode)
	}
}
