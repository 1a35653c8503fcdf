package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tierproxy/internal/shared/config"
	"tierproxy/internal/shared/settings"
	"tierproxy/internal/shared/types"
)

// offlineConfig 返回一个不访问外部网络的配置：没有代理源，也没有种子。
func offlineConfig(t *testing.T) *types.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WebConf.Port = 0
	cfg.DatabaseConf.DataDir = t.TempDir()
	cfg.PoolConf.SeedEndpoints = nil
	cfg.SourcesConf.TextURLs = nil
	cfg.SourcesConf.GeonodeURLs = nil
	cfg.SourcesConf.HTMLURLs = nil
	return cfg
}

func TestNew_FileStorageCycle(t *testing.T) {
	cfg := offlineConfig(t)
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.Stop()

	if _, err := os.Stat(filepath.Join(cfg.DatabaseConf.DataDir, "settings.json")); err != nil {
		t.Errorf("Expected settings.json in data dir: %v", err)
	}

	report, ok := s.poolManager.RunCycle(context.Background())
	if !ok {
		t.Fatal("Expected cycle to run")
	}
	if report.Error != "" {
		t.Fatalf("Cycle failed: %s", report.Error)
	}
	if report.Candidates != 0 || report.Upserted != 0 {
		t.Errorf("Expected an empty cycle, got %+v", report)
	}

	history, err := s.store.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected 1 snapshot, got %d", len(history))
	}
}

func TestNew_SettingsFileOverridesTiers(t *testing.T) {
	cfg := offlineConfig(t)
	first, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	raw := json.RawMessage(`{"drop_below":5,"gold_below":100,"silver_below":200,"bronze_below":400}`)
	if err := first.settingsManager.Update(settings.ModuleTiers, raw); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	first.Stop()

	second, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer second.Stop()

	if got := second.poolManager.Thresholds(); got.GoldBelow != 100 || got.BronzeBelow != 400 {
		t.Errorf("Expected thresholds from settings.json, got %+v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, err := New(context.Background(), offlineConfig(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if phase := s.status.Get().Phase; phase != "stopped" {
		t.Errorf("Expected phase stopped, got %q", phase)
	}
}
