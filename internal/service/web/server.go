package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/settings"
	"tierproxy/internal/shared/types"
)

//go:embed all:static
var staticFiles embed.FS

// basicAuthMiddleware 检查 user 和 password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		// 认证成功，继续处理请求
		next.ServeHTTP(w, r)
	})
}

// Server 是代理池的 HTTP API 与仪表盘。
type Server struct {
	cfg     types.WebConf
	handler *Handler
	hub     *Hub
	srv     *http.Server
}

func NewServer(cfg types.WebConf, settingsManager *settings.SettingsManager, controller PoolController, hub *Hub) *Server {
	return &Server{
		cfg:     cfg,
		handler: NewHandler(settingsManager, controller, hub),
		hub:     hub,
	}
}

// Routes 构建完整的路由表。
func (s *Server) Routes() http.Handler {
	h := s.handler
	mux := http.NewServeMux()
	auth := func(fn http.HandlerFunc) http.Handler {
		return basicAuthMiddleware(fn, s.cfg.User, s.cfg.Password)
	}

	// --- 代理池 API ---
	mux.Handle("/api/proxies", auth(h.HandleProxies))
	mux.Handle("/api/proxies/", auth(h.HandleProxies)) // 捕获 /api/proxies/{tier}
	mux.Handle("/api/stats", auth(h.HandleStats))
	mux.Handle("/api/history", auth(h.HandleHistory))
	mux.Handle("/api/cycle", auth(h.HandleCycle))
	mux.Handle("/api/import", auth(h.HandleImport))
	mux.Handle("/api/allocate", auth(h.HandleAllocate))
	mux.Handle("/api/release", auth(h.HandleRelease))

	// 统一配置管理 API
	mux.Handle("/api/settings", auth(h.HandleGetSettings))
	mux.Handle("/api/settings/", auth(h.HandleUpdateSettings)) // 捕获 /api/settings/{module}

	// --- WebSocket Endpoint (公开，无需认证) ---
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, w, r)
	})

	// 公开的状态、健康检查和指标
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/healthz", h.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// --- 静态文件和主页 ---
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(fmt.Sprintf("static assets: %v", err))
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	// 主页需要认证
	mux.Handle("/", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		index, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			http.Error(w, "Could not load index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(index)
	}))

	return mux
}

// Start 在后台开始监听。Port 为 0 时 API 关闭。
func (s *Server) Start(wg *sync.WaitGroup) error {
	l := logger.WithComponent("WebServer")
	if s.cfg.Port <= 0 {
		l.Info().Msg("HTTP API is disabled (port is 0).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.Info().Msgf("HTTP API is listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	return nil
}

// Shutdown 优雅地关闭 HTTP 服务。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
