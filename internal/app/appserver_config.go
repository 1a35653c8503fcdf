package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/settings"
	"tierproxy/internal/shared/types"
	manager "tierproxy/proxypool"
	"tierproxy/proxypool/classifier"
	"tierproxy/proxypool/scraper"
	"tierproxy/proxypool/storage"
	"tierproxy/proxypool/validator"
)

// OpenStorage 选择持久化后端: 配置了数据库 URL 时使用 PostgreSQL 并执行迁移，否则使用 data_dir 下的文件存储。
func OpenStorage(ctx context.Context, cfg *types.Config) (storage.Storage, error) {
	l := logger.WithComponent("App")

	if cfg.DatabaseConf.URL == "" {
		l.Info().Str("dir", cfg.DatabaseConf.DataDir).Msg("No database URL configured, using file storage.")
		return storage.NewFileStorage(cfg.DatabaseConf.DataDir)
	}

	pg, err := storage.NewPostgresStorage(ctx, cfg.DatabaseConf.URL, cfg.DatabaseConf.MaxConns)
	if err != nil {
		return nil, err
	}
	if _, err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return pg, nil
}

// NewSettingsManager 以 [tiers] 和 [log] 配置为默认值打开 settings.json。
func NewSettingsManager(cfg *types.Config) (*settings.SettingsManager, error) {
	path := cfg.WebConf.SettingsPath
	if path == "" {
		if err := os.MkdirAll(cfg.DatabaseConf.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join(cfg.DatabaseConf.DataDir, "settings.json")
	}

	defaults := &settings.RuntimeSettings{
		Tiers: &settings.TierSettings{
			DropBelow:   cfg.TierConf.DropBelow,
			GoldBelow:   cfg.TierConf.GoldBelow,
			SilverBelow: cfg.TierConf.SilverBelow,
			BronzeBelow: cfg.TierConf.BronzeBelow,
		},
		Logging: &settings.LoggingSettings{Level: cfg.LogConf.Level},
	}
	return settings.NewSettingsManager(path, defaults)
}

// NewManager 根据配置组装抓取、探测、分级和存储组件。
// sm 非空时，阈值取自运行时配置并订阅其热更新。
func NewManager(cfg *types.Config, store storage.Storage, sm *settings.SettingsManager) (*manager.Manager, error) {
	thresholds := classifier.FromConf(cfg.TierConf)
	if sm != nil {
		ts := sm.Get().Tiers
		thresholds = classifier.Thresholds{
			DropBelow:   ts.DropBelow,
			GoldBelow:   ts.GoldBelow,
			SilverBelow: ts.SilverBelow,
			BronzeBelow: ts.BronzeBelow,
		}
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	agg := scraper.FromConf(cfg.SourcesConf, cfg.PoolConf.SeedEndpoints)
	engine := validator.FromConf(cfg.PoolConf, cfg.ProbeConf)
	m := manager.NewManager(store, agg, engine, thresholds, cfg.PoolConf.CycleInterval)

	if sm != nil {
		sm.Register(settings.ModuleTiers, m)
	}
	return m, nil
}
