package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tierproxy/internal/service/web"
	"tierproxy/internal/shared/globalstate"
	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/settings"
	"tierproxy/internal/shared/types"
	manager "tierproxy/proxypool"
	"tierproxy/proxypool/storage"
)

const shutdownTimeout = 15 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg *types.Config

	store           storage.Storage
	settingsManager *settings.SettingsManager
	status          *globalstate.StatusManager
	poolManager     *manager.Manager
	hub             *web.Hub
	webServer       *web.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New 组装所有组件，但不启动任何后台任务。
func New(ctx context.Context, cfg *types.Config) (*AppServer, error) {
	s := &AppServer{
		cfg:    cfg,
		status: globalstate.NewStatusManager(),
		hub:    web.NewHub(),
	}

	sm, err := NewSettingsManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize settings manager: %w", err)
	}
	s.settingsManager = sm

	// 运行时日志级别覆盖配置文件
	if lv := sm.Get().Logging.Level; lv != "" && lv != cfg.LogConf.Level {
		if err := logger.SetLevel(lv); err != nil {
			logger.Warn().Err(err).Msg("Ignoring invalid runtime log level.")
		}
	}
	sm.Register(settings.ModuleLogging, settings.ModuleFunc(func(_ string, v interface{}) error {
		return logger.SetLevel(v.(*settings.LoggingSettings).Level)
	}))

	store, err := OpenStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	s.store = store

	m, err := NewManager(cfg, store, sm)
	if err != nil {
		store.Close()
		return nil, err
	}
	m.SetStatusManager(s.status)
	m.OnCycleComplete(s.hub.BroadcastCycleReport)
	s.poolManager = m

	s.webServer = web.NewServer(cfg.WebConf, sm, m, s.hub)
	return s, nil
}

// Run 启动所有服务并阻塞到 ctx 被取消，然后优雅退出。
func (s *AppServer) Run(ctx context.Context) error {
	logger.Info().Msg("Starting tierproxy...")

	go s.hub.Run() // 启动 Hub
	if err := s.webServer.Start(&s.waitGroup); err != nil {
		s.Stop()
		return err
	}
	s.poolManager.Start(ctx)

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")
	s.Stop()
	return nil
}

// Stop gracefully shuts down the server.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.status.Set("stopping", "")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.webServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Web server did not shut down cleanly.")
		}

		s.poolManager.Stop()
		s.hub.Stop()
		s.waitGroup.Wait()

		if err := s.store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage.")
		}
		logger.Info().Msg("tierproxy stopped.")
	})
}
