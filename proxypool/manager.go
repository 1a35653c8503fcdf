package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tierproxy/internal/metrics"
	"tierproxy/internal/shared/globalstate"
	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/settings"
	"tierproxy/proxypool/classifier"
	"tierproxy/proxypool/model"
	"tierproxy/proxypool/scraper"
	"tierproxy/proxypool/storage"
	"tierproxy/proxypool/validator"
)

// CycleReport 汇总一个周期的结果，周期结束后交给观察者。
type CycleReport struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Candidates int              `json:"candidates"`
	Probe      validator.Stats  `json:"probe"`
	Dropped    int              `json:"dropped"`
	Upserted   int              `json:"upserted"`
	Counts     model.TierCounts `json:"counts"`
	Error      string           `json:"error,omitempty"`
}

// Duration 返回周期耗时。
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Manager 是代理池模块的总控制器: 按固定间隔运行 抓取 -> 探测 -> 分级 -> 存储 周期。
// 同一时刻最多只有一个周期在运行。
type Manager struct {
	storage    storage.Storage
	aggregator *scraper.Aggregator
	engine     *validator.Engine
	upserter   *storage.Upserter
	status     *globalstate.StatusManager
	interval   time.Duration

	thresholds atomic.Pointer[classifier.Thresholds]
	running    atomic.Bool
	lastReport atomic.Pointer[CycleReport]
	nextRun    atomic.Int64 // unix nano

	observerMu sync.RWMutex
	observers  []func(CycleReport)

	importMu sync.Mutex
	imported map[string]struct{}

	// 调度器与生命周期管理
	lifeMu   sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	started  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。
func NewManager(store storage.Storage, agg *scraper.Aggregator, engine *validator.Engine, thresholds classifier.Thresholds, interval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		storage:    store,
		aggregator: agg,
		engine:     engine,
		upserter:   storage.NewUpserter(store),
		status:     globalstate.NewStatusManager(),
		interval:   interval,
		imported:   make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
	}
	m.thresholds.Store(&thresholds)
	return m
}

// SetStatusManager 替换状态管理器，需在 Start 之前调用。
func (m *Manager) SetStatusManager(sm *globalstate.StatusManager) {
	m.status = sm
}

// OnCycleComplete 注册一个周期结束时的回调。回调在周期所在的 goroutine 中同步执行。
func (m *Manager) OnCycleComplete(fn func(CycleReport)) {
	m.observerMu.Lock()
	defer m.observerMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Thresholds 返回当前生效的分级阈值。
func (m *Manager) Thresholds() classifier.Thresholds {
	return *m.thresholds.Load()
}

// SetThresholds 替换分级阈值，从下一个周期开始生效。
func (m *Manager) SetThresholds(t classifier.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.thresholds.Store(&t)
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Int("drop_below", t.DropBelow).
		Int("gold_below", t.GoldBelow).
		Int("silver_below", t.SilverBelow).
		Int("bronze_below", t.BronzeBelow).
		Msg("Tier thresholds updated.")
	return nil
}

// OnSettingsUpdate 实现 settings.ConfigurableModule，用于热更新分级阈值。
func (m *Manager) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	if moduleKey != settings.ModuleTiers {
		return nil
	}
	ts, ok := newSettings.(*settings.TierSettings)
	if !ok {
		return fmt.Errorf("unexpected settings type %T for module %s", newSettings, moduleKey)
	}
	return m.SetThresholds(classifier.Thresholds{
		DropBelow:   ts.DropBelow,
		GoldBelow:   ts.GoldBelow,
		SilverBelow: ts.SilverBelow,
		BronzeBelow: ts.BronzeBelow,
	})
}

// Start 启动调度循环，并立即触发一次周期。ctx 取消等同于 Stop。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")

	m.lifeMu.Lock()
	if m.started || m.stopped {
		m.lifeMu.Unlock()
		return
	}
	m.started = true
	m.wg.Add(1)
	m.lifeMu.Unlock()

	l.Info().Dur("interval", m.interval).Strs("sources", m.aggregator.Sources()).Msg("Manager starting...")
	m.status.Set("idle", "")

	go func() {
		select {
		case <-ctx.Done():
			m.cancel()
		case <-m.ctx.Done():
		}
	}()

	m.nextRun.Store(time.Now().Add(m.interval).UnixNano())
	go m.schedulerLoop()
	m.RunCycleNow()
}

// schedulerLoop 是核心的调度循环，监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.nextRun.Store(time.Now().Add(m.interval).UnixNano())
			l.Debug().Msg("Cycle ticker triggered.")
			m.RunCycleNow()

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return

		case <-m.ctx.Done():
			l.Info().Msg("Context cancelled. Shutting down scheduler.")
			return
		}
	}
}

// RunCycleNow 在后台触发一个周期。若已有周期在运行或管理器已停止则返回 false。
func (m *Manager) RunCycleNow() bool {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return false
	}
	if !m.tryAcquire() {
		m.lifeMu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.lifeMu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.release()
		m.runCycle(m.ctx)
	}()
	return true
}

// RunCycle 同步运行一个周期，供命令行的一次性模式和测试使用。
func (m *Manager) RunCycle(ctx context.Context) (CycleReport, bool) {
	if !m.tryAcquire() {
		return CycleReport{}, false
	}
	defer m.release()
	return m.runCycle(ctx), true
}

// Running 报告当前是否有周期在运行。
func (m *Manager) Running() bool {
	return m.running.Load()
}

func (m *Manager) tryAcquire() bool {
	if !m.running.CompareAndSwap(false, true) {
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		l := logger.WithComponent("ProxyPool/Manager")
		l.Warn().Msg("Previous cycle still running, skipping trigger.")
		return false
	}
	return true
}

func (m *Manager) release() {
	m.running.Store(false)
	m.status.Set("idle", "")
}

// runCycle 执行一个完整的 "抓取 -> 探测 -> 分级 -> 存储 -> 快照" 周期。
// 任何错误或 panic 都只影响本周期。
func (m *Manager) runCycle(ctx context.Context) (report CycleReport) {
	report = CycleReport{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	l := logger.WithComponent("ProxyPool/Manager").With().Str("cycle_id", report.ID).Logger()
	l.Info().Msg("Starting new cycle...")

	defer func() {
		if r := recover(); r != nil {
			report.Error = fmt.Sprintf("panic: %v", r)
			l.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Cycle panicked.")
		}
		report.FinishedAt = time.Now().UTC()
		m.finish(report)
	}()

	// 1. 抓取
	m.status.Set("fetching", report.ID)
	candidates := m.aggregator.FetchCandidates(ctx)
	imported := m.drainImported(candidates)
	report.Candidates = len(candidates)

	// 2. 探测 + 分级 + 存储，阈值在周期开始时固定
	thresholds := m.Thresholds()
	var batches int
	report.Probe = m.engine.ProbeAll(ctx, candidates, func(results []model.ProbeResult) {
		batches++
		m.status.Set("probing", fmt.Sprintf("%s batch %d", report.ID, batches))

		tiered := make([]model.TieredResult, 0, len(results))
		for _, r := range results {
			// 兜底端点不经过延迟窗口过滤，保证池子永远不会为空
			if r.Source == model.SourceFallback {
				tiered = append(tiered, model.TieredResult{ProbeResult: r, Tier: thresholds.Clamp(r.LatencyMs)})
				continue
			}
			tier, ok := thresholds.Classify(r.LatencyMs)
			if !ok {
				report.Dropped++
				continue
			}
			tiered = append(tiered, model.TieredResult{ProbeResult: r, Tier: tier})
		}
		report.Upserted += m.upserter.UpsertBatch(ctx, tiered)
	})

	if err := ctx.Err(); err != nil {
		m.requeueImported(imported)
		report.Error = fmt.Sprintf("cycle aborted: %v", err)
		l.Warn().Err(err).Msg("Cycle aborted before snapshot.")
		return report
	}

	// 3. 快照
	m.status.Set("snapshot", report.ID)
	counts, err := m.storage.TierCounts(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("tier counts: %v", err)
		l.Error().Err(err).Msg("Failed to count tiers, snapshot skipped.")
		return report
	}
	report.Counts = counts
	if err := m.storage.AppendSnapshot(ctx, model.Snapshot{Timestamp: time.Now().UTC(), TierCounts: counts}); err != nil {
		report.Error = fmt.Sprintf("append snapshot: %v", err)
		l.Error().Err(err).Msg("Failed to append tier snapshot.")
	}
	return report
}

func (m *Manager) finish(report CycleReport) {
	l := logger.WithComponent("ProxyPool/Manager").With().Str("cycle_id", report.ID).Logger()

	result := "ok"
	if report.Error != "" {
		result = "failed"
	}
	metrics.CyclesTotal.WithLabelValues(result).Inc()
	metrics.CycleDuration.Observe(report.Duration().Seconds())
	if report.Error == "" {
		metrics.ProxiesByTier.WithLabelValues(string(model.TierGold)).Set(float64(report.Counts.Gold))
		metrics.ProxiesByTier.WithLabelValues(string(model.TierSilver)).Set(float64(report.Counts.Silver))
		metrics.ProxiesByTier.WithLabelValues(string(model.TierBronze)).Set(float64(report.Counts.Bronze))
	}

	m.lastReport.Store(&report)

	l.Info().
		Dur("duration", report.Duration()).
		Int("candidates", report.Candidates).
		Int("probed", report.Probe.Probed).
		Int("reachable", report.Probe.Reachable).
		Int("dropped", report.Dropped).
		Int("upserted", report.Upserted).
		Int("gold", report.Counts.Gold).
		Int("silver", report.Counts.Silver).
		Int("bronze", report.Counts.Bronze).
		Str("result", result).
		Msg("Cycle finished.")

	m.observerMu.RLock()
	observers := append([]func(CycleReport){}, m.observers...)
	m.observerMu.RUnlock()
	for _, fn := range observers {
		fn(report)
	}
}

// Import 把手动提交的代理加入下一个周期的候选集合，返回接受的数量。
func (m *Manager) Import(raw []string) int {
	accepted := 0
	m.importMu.Lock()
	defer m.importMu.Unlock()
	for _, s := range raw {
		if ep, ok := scraper.Normalize(s); ok {
			m.imported[ep] = struct{}{}
			accepted++
		}
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("submitted", len(raw)).Int("accepted", accepted).Msg("Queued manual import for next cycle.")
	return accepted
}

// drainImported 把排队的导入合并进 candidates 并清空队列，返回被取出的端点。
func (m *Manager) drainImported(candidates map[string]struct{}) []string {
	m.importMu.Lock()
	defer m.importMu.Unlock()
	taken := make([]string, 0, len(m.imported))
	for ep := range m.imported {
		candidates[ep] = struct{}{}
		taken = append(taken, ep)
	}
	m.imported = make(map[string]struct{})
	return taken
}

// requeueImported 在周期被中止时把导入放回队列，留给下一个周期。
func (m *Manager) requeueImported(endpoints []string) {
	if len(endpoints) == 0 {
		return
	}
	m.importMu.Lock()
	defer m.importMu.Unlock()
	for _, ep := range endpoints {
		m.imported[ep] = struct{}{}
	}
}

// Stop 优雅地停止管理器: 取消在途周期并等待调度循环退出。
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopChan)
	m.cancel()
	m.lifeMu.Unlock()

	m.wg.Wait()
	m.status.Set("stopped", "")
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// --- 查询接口 ---

// GetAll 返回按延迟升序排列的代理视图。tier 为空时返回全部。
func (m *Manager) GetAll(ctx context.Context, tier model.Tier) ([]model.ProxyView, error) {
	records, err := m.storage.ListProxies(ctx, tier)
	if err != nil {
		return nil, err
	}
	views := make([]model.ProxyView, 0, len(records))
	for _, r := range records {
		views = append(views, r.View())
	}
	return views, nil
}

func (m *Manager) GetTierCounts(ctx context.Context) (model.TierCounts, error) {
	return m.storage.TierCounts(ctx)
}

// GetHistory 返回最近 limit 条快照，从旧到新。
func (m *Manager) GetHistory(ctx context.Context, limit int) ([]model.Snapshot, error) {
	return m.storage.History(ctx, limit)
}

func (m *Manager) Allocate(ctx context.Context, user string, tier model.Tier) (*model.ProxyRecord, error) {
	return m.storage.Allocate(ctx, user, tier)
}

func (m *Manager) Release(ctx context.Context, endpoint, user string) error {
	return m.storage.Release(ctx, endpoint, user)
}

// Status 是 /api/status 返回的运行状态。
type Status struct {
	globalstate.Status
	Running    bool                  `json:"running"`
	NextRunAt  *time.Time            `json:"next_run_at,omitempty"`
	Sources    []string              `json:"sources"`
	Thresholds classifier.Thresholds `json:"thresholds"`
	LastCycle  *CycleReport          `json:"last_cycle,omitempty"`
}

func (m *Manager) Status() Status {
	s := Status{
		Status:     m.status.Get(),
		Running:    m.Running(),
		Sources:    m.aggregator.Sources(),
		Thresholds: m.Thresholds(),
		LastCycle:  m.lastReport.Load(),
	}
	if n := m.nextRun.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		s.NextRunAt = &t
	}
	return s
}

// Ping 检查存储后端是否可用。
func (m *Manager) Ping(ctx context.Context) error {
	return m.storage.Ping(ctx)
}
