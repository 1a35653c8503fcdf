package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"tierproxy/internal/shared/settings"
	"tierproxy/proxypool/classifier"
	"tierproxy/proxypool/model"
	"tierproxy/proxypool/scraper"
	"tierproxy/proxypool/storage"
	"tierproxy/proxypool/validator"
)

type staticSource struct {
	endpoints []string
}

func (s *staticSource) Name() string { return "static" }

func (s *staticSource) Fetch(ctx context.Context) ([]string, error) {
	return s.endpoints, nil
}

// fakeChecker 对 latency 中列出的端点返回可达结果，其他端点不可达。
// gate 非空时每次探测都会阻塞到 gate 关闭。
type fakeChecker struct {
	mu      sync.Mutex
	latency map[string]int
	gate    chan struct{}
}

func (c *fakeChecker) Check(ctx context.Context, endpoint string) model.ProbeResult {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return model.NewUnreachable(endpoint)
		}
	}
	c.mu.Lock()
	ms, ok := c.latency[endpoint]
	c.mu.Unlock()
	if !ok {
		return model.NewUnreachable(endpoint)
	}
	return model.ProbeResult{
		Endpoint:    endpoint,
		Reachable:   true,
		LatencyMs:   ms,
		Country:     "US",
		CountryCode: "US",
		Source:      "probe",
	}
}

func newTestManager(t *testing.T, checker *fakeChecker, endpoints ...string) (*Manager, *storage.FileStorage) {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage failed: %v", err)
	}
	agg := scraper.NewAggregator(time.Second, nil, &staticSource{endpoints: endpoints})
	engine := validator.NewEngine(checker, 50, 3000, 2*time.Second)
	m := NewManager(store, agg, engine, classifier.Default(), time.Hour)
	t.Cleanup(m.Stop)
	return m, store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_EndToEndCycle(t *testing.T) {
	checker := &fakeChecker{latency: map[string]int{"203.0.113.5:8080": 250}}
	m, _ := newTestManager(t, checker, "203.0.113.5:8080", "198.51.100.1:80")
	ctx := context.Background()

	report, ran := m.RunCycle(ctx)
	if !ran {
		t.Fatal("Expected the cycle to run")
	}
	if report.Error != "" {
		t.Fatalf("Cycle failed: %s", report.Error)
	}
	if report.Candidates != 2 || report.Probe.Reachable != 1 || report.Upserted != 1 {
		t.Errorf("Unexpected report %+v", report)
	}

	views, err := m.GetAll(ctx, "")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("Expected 1 proxy, got %d", len(views))
	}
	v := views[0]
	if v.Endpoint != "203.0.113.5:8080:US:US" || v.Tier != model.TierGold || v.LatencyMs != 250 || v.AssignedTo != nil {
		t.Errorf("Unexpected proxy view %+v", v)
	}

	// 第二个周期不应产生重复记录。
	m.RunCycle(ctx)
	views, _ = m.GetAll(ctx, "")
	if len(views) != 1 {
		t.Errorf("Expected re-probe to update in place, got %d records", len(views))
	}

	hist, _ := m.GetHistory(ctx, 10)
	if len(hist) != 2 {
		t.Fatalf("Expected one snapshot per cycle, got %d", len(hist))
	}
	if hist[1].Gold != 1 || hist[1].Silver != 0 || hist[1].Bronze != 0 {
		t.Errorf("Unexpected snapshot %+v", hist[1])
	}

	counts, _ := m.GetTierCounts(ctx)
	if counts.Gold != 1 {
		t.Errorf("Expected 1 gold proxy, got %+v", counts)
	}
}

func TestManager_DropsOutOfRangeLatency(t *testing.T) {
	checker := &fakeChecker{latency: map[string]int{
		"192.0.2.1:80": 5,
		"192.0.2.2:80": 10000,
		"192.0.2.3:80": 900,
	}}
	m, _ := newTestManager(t, checker, "192.0.2.1:80", "192.0.2.2:80", "192.0.2.3:80")

	report, _ := m.RunCycle(context.Background())
	if report.Dropped != 2 {
		t.Errorf("Expected 2 dropped results, got %d", report.Dropped)
	}
	views, _ := m.GetAll(context.Background(), "")
	if len(views) != 1 || views[0].Tier != model.TierBronze {
		t.Errorf("Expected only the bronze proxy to be stored, got %+v", views)
	}
}

func TestManager_SkipsOverlappingTrigger(t *testing.T) {
	gate := make(chan struct{})
	checker := &fakeChecker{latency: map[string]int{"192.0.2.1:80": 100}, gate: gate}
	m, _ := newTestManager(t, checker, "192.0.2.1:80")

	if !m.RunCycleNow() {
		t.Fatal("Expected the first trigger to start a cycle")
	}
	if !m.Running() {
		t.Fatal("Expected the manager to report a running cycle")
	}
	if m.RunCycleNow() {
		t.Error("Expected a trigger during a running cycle to be skipped")
	}
	if _, ran := m.RunCycle(context.Background()); ran {
		t.Error("Expected a synchronous run during a running cycle to be skipped")
	}

	close(gate)
	waitFor(t, "cycle to finish", func() bool { return !m.Running() })

	hist, _ := m.GetHistory(context.Background(), 0)
	if len(hist) != 1 {
		t.Errorf("Expected exactly one snapshot, got %d", len(hist))
	}
	if !m.RunCycleNow() {
		t.Error("Expected a new trigger to run once idle")
	}
}

func TestManager_ThresholdHotReload(t *testing.T) {
	checker := &fakeChecker{latency: map[string]int{"192.0.2.1:80": 250}}
	m, _ := newTestManager(t, checker, "192.0.2.1:80")

	err := m.OnSettingsUpdate(settings.ModuleTiers, &settings.TierSettings{DropBelow: 10, GoldBelow: 200, SilverBelow: 800, BronzeBelow: 10000})
	if err != nil {
		t.Fatalf("OnSettingsUpdate failed: %v", err)
	}
	m.RunCycle(context.Background())

	views, _ := m.GetAll(context.Background(), model.TierSilver)
	if len(views) != 1 {
		t.Errorf("Expected the proxy to be silver under new thresholds, got %+v", views)
	}

	bad := &settings.TierSettings{DropBelow: 10, GoldBelow: 900, SilverBelow: 800, BronzeBelow: 10000}
	if err := m.OnSettingsUpdate(settings.ModuleTiers, bad); err == nil {
		t.Error("Expected non-increasing thresholds to be rejected")
	}
	if m.Thresholds().GoldBelow != 200 {
		t.Errorf("Rejected update must keep previous thresholds, got %+v", m.Thresholds())
	}
}

func TestManager_FallbackAlwaysStored(t *testing.T) {
	const fallback = "192.0.2.9:3128"
	testCases := []struct {
		name    string
		latency int
		reload  *classifier.Thresholds
		want    model.Tier
	}{
		{"inside window", 100, nil, model.TierGold},
		{"zero latency", 0, nil, model.TierGold},
		{"below drop window", 5, nil, model.TierGold},
		{"at bronze ceiling", 10000, nil, model.TierBronze},
		{"drop window raised at runtime", 100, &classifier.Thresholds{DropBelow: 150, GoldBelow: 300, SilverBelow: 800, BronzeBelow: 10000}, model.TierGold},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// 所有候选都不可达，只有兜底端点能进入存储
			m, _ := newTestManager(t, &fakeChecker{}, "198.51.100.7:80", "198.51.100.8:80")
			m.engine.SetFallbacks([]string{fallback}, tc.latency)
			if tc.reload != nil {
				if err := m.SetThresholds(*tc.reload); err != nil {
					t.Fatalf("SetThresholds failed: %v", err)
				}
			}

			report, _ := m.RunCycle(context.Background())
			if report.Error != "" {
				t.Fatalf("Cycle failed: %s", report.Error)
			}
			if report.Dropped != 0 || report.Upserted != 1 {
				t.Errorf("Expected the fallback to be upserted, got %+v", report)
			}

			views, _ := m.GetAll(context.Background(), "")
			if len(views) != 1 {
				t.Fatalf("Expected only the fallback record, got %+v", views)
			}
			if views[0].Address != fallback || views[0].Tier != tc.want {
				t.Errorf("Expected %s in %s, got %+v", fallback, tc.want, views[0])
			}
		})
	}
}

func TestManager_ImportFeedsNextCycle(t *testing.T) {
	checker := &fakeChecker{latency: map[string]int{"192.0.2.50:3128": 120}}
	m, _ := newTestManager(t, checker)

	if n := m.Import([]string{"192.0.2.50:3128", "garbage", "http://192.0.2.50:3128/"}); n != 2 {
		t.Errorf("Expected 2 accepted entries, got %d", n)
	}
	report, _ := m.RunCycle(context.Background())
	if report.Candidates != 1 || report.Upserted != 1 {
		t.Errorf("Expected the imported proxy to be probed and stored, got %+v", report)
	}

	report, _ = m.RunCycle(context.Background())
	if report.Candidates != 0 {
		t.Errorf("Expected imports to be consumed once, got %d candidates", report.Candidates)
	}
}

func TestManager_StartRunsImmediatelyAndStops(t *testing.T) {
	checker := &fakeChecker{latency: map[string]int{"192.0.2.1:80": 100}}
	m, _ := newTestManager(t, checker, "192.0.2.1:80")

	reports := make(chan CycleReport, 4)
	m.OnCycleComplete(func(r CycleReport) { reports <- r })

	m.Start(context.Background())

	select {
	case r := <-reports:
		if r.ID == "" || r.Counts.Gold != 1 {
			t.Errorf("Unexpected report from start-up cycle %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected an immediate cycle on Start")
	}

	st := m.Status()
	if st.LastCycle == nil || st.NextRunAt == nil {
		t.Errorf("Expected status to expose last cycle and next run, got %+v", st)
	}

	m.Stop()
	if m.RunCycleNow() {
		t.Error("Expected triggers after Stop to be refused")
	}
	if got := m.Status().Phase; got != "stopped" {
		t.Errorf("Expected stopped phase, got %q", got)
	}
}

func TestManager_ContextCancelAbortsCycle(t *testing.T) {
	gate := make(chan struct{})
	checker := &fakeChecker{latency: map[string]int{"192.0.2.1:80": 100}, gate: gate}
	m, _ := newTestManager(t, checker, "192.0.2.1:80")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleReport, 1)
	go func() {
		r, _ := m.RunCycle(ctx)
		done <- r
	}()

	waitFor(t, "cycle to start", m.Running)
	cancel()

	select {
	case r := <-done:
		if r.Error == "" {
			t.Error("Expected an aborted cycle to report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cycle did not stop after cancel")
	}
	hist, _ := m.GetHistory(context.Background(), 0)
	if len(hist) != 0 {
		t.Errorf("Expected no snapshot for an aborted cycle, got %d", len(hist))
	}
}

func TestManager_AbortedCycleKeepsImports(t *testing.T) {
	gate := make(chan struct{})
	checker := &fakeChecker{latency: map[string]int{"192.0.2.60:3128": 150}, gate: gate}
	m, _ := newTestManager(t, checker)
	m.Import([]string{"192.0.2.60:3128"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan CycleReport, 1)
	go func() {
		r, _ := m.RunCycle(ctx)
		done <- r
	}()
	waitFor(t, "cycle to start", m.Running)
	cancel()

	select {
	case r := <-done:
		if r.Error == "" {
			t.Fatal("Expected the cycle to be aborted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cycle did not stop after cancel")
	}

	close(gate)
	report, _ := m.RunCycle(context.Background())
	if report.Candidates != 1 || report.Upserted != 1 {
		t.Errorf("Expected the import to survive the aborted cycle, got %+v", report)
	}
}
