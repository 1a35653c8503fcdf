package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/settings"
	manager "tierproxy/proxypool"
	"tierproxy/proxypool/model"
	"tierproxy/proxypool/storage"
)

const (
	defaultHistoryLimit = 100
	maxImportBody       = 1 << 20
)

// PoolController 定义了 web 层与代理池管理器交互所需的接口，使 web 包不依赖具体实现。
type PoolController interface {
	GetAll(ctx context.Context, tier model.Tier) ([]model.ProxyView, error)
	GetTierCounts(ctx context.Context) (model.TierCounts, error)
	GetHistory(ctx context.Context, limit int) ([]model.Snapshot, error)
	RunCycleNow() bool
	Import(raw []string) int
	Allocate(ctx context.Context, user string, tier model.Tier) (*model.ProxyRecord, error)
	Release(ctx context.Context, endpoint, user string) error
	Status() manager.Status
	Ping(ctx context.Context) error
}

type Handler struct {
	settingsManager *settings.SettingsManager
	controller      PoolController
	hub             *Hub
}

func NewHandler(settingsManager *settings.SettingsManager, controller PoolController, hub *Hub) *Handler {
	return &Handler{
		settingsManager: settingsManager,
		controller:      controller,
		hub:             hub,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// parseTier 解析可选的 tier 参数，空字符串表示全部等级。
func parseTier(s string) (model.Tier, error) {
	if s == "" {
		return "", nil
	}
	return model.ParseTier(strings.ToLower(s))
}

// HandleProxies 处理 GET /api/proxies?tier=gold 和 GET /api/proxies/{tier}
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	tierStr := r.URL.Query().Get("tier")
	if rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/proxies"), "/"); rest != "" {
		tierStr = rest
	}
	tier, err := parseTier(tierStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := h.controller.GetAll(r.Context(), tier)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list proxies.")
		writeError(w, http.StatusInternalServerError, "failed to list proxies")
		return
	}
	if views == nil {
		views = []model.ProxyView{}
	}
	writeJSON(w, http.StatusOK, views)
}

type statsResponse struct {
	model.TierCounts
	Total int `json:"total"`
}

// HandleStats 处理 GET /api/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	counts, err := h.controller.GetTierCounts(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to count tiers.")
		writeError(w, http.StatusInternalServerError, "failed to count tiers")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{TierCounts: counts, Total: counts.Gold + counts.Silver + counts.Bronze})
}

// HandleHistory 处理 GET /api/history?limit=N
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := h.controller.GetHistory(r.Context(), limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read history.")
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if history == nil {
		history = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, history)
}

// HandleCycle 处理 POST /api/cycle，手动触发一个周期。
func (h *Handler) HandleCycle(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if !h.controller.RunCycleNow() {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"started": false, "message": "a cycle is already running"})
		return
	}
	if h.hub != nil {
		h.hub.BroadcastStatusUpdate()
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"started": true})
}

type importRequest struct {
	Proxies []string `json:"proxies"`
}

// HandleImport 处理 POST /api/import，把代理加入下一个周期的候选集合。
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req importRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxImportBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"proxies\": [\"ip:port\", ...]}")
		return
	}
	accepted := h.controller.Import(req.Proxies)
	writeJSON(w, http.StatusAccepted, map[string]int{"submitted": len(req.Proxies), "accepted": accepted})
}

// HandleAllocate 处理 POST /api/allocate?user=..&tier=..
func (h *Handler) HandleAllocate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	tier, err := parseTier(r.URL.Query().Get("tier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.controller.Allocate(r.Context(), user, tier)
	if errors.Is(err, storage.ErrNoneAvailable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("user", user).Msg("Failed to allocate proxy.")
		writeError(w, http.StatusInternalServerError, "failed to allocate proxy")
		return
	}
	writeJSON(w, http.StatusOK, rec.View())
}

// HandleRelease 处理 POST /api/release?endpoint=..&user=..
func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if endpoint == "" || user == "" {
		writeError(w, http.StatusBadRequest, "endpoint and user are required")
		return
	}

	err := h.controller.Release(r.Context(), endpoint, user)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotAssigned):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		logger.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to release proxy.")
		writeError(w, http.StatusInternalServerError, "failed to release proxy")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "released"})
	}
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleHealth 处理 GET /healthz，存储不可用时返回 503。
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.controller.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- 统一配置 API ---

// HandleGetSettings 处理 GET /api/settings 请求
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.settingsManager.Get())
}

// HandleUpdateSettings 处理 POST /api/settings/{module} 请求
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	// 从 URL 路径中提取模块名
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxImportBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}

	// 将更新请求委托给 SettingsManager
	if err := h.settingsManager.Update(moduleKey, body); err != nil {
		// 根据错误类型返回不同的状态码
		switch {
		case strings.Contains(err.Error(), "unknown settings module"):
			writeError(w, http.StatusNotFound, err.Error())
		case strings.Contains(err.Error(), "failed to parse JSON"), strings.Contains(err.Error(), "invalid settings"):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Settings updated successfully"})
}
