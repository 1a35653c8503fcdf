package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tierproxy/internal/shared/logger"
	"tierproxy/proxypool/model"
)

const (
	delimiter        = "|"
	numProxyFields   = 10 // IP|Port|Country|CountryCode|Lat|Lon|LatencyMs|Tier|LastChecked|AssignedTo
	numHistoryFields = 4  // Timestamp|Gold|Silver|Bronze

	proxiesFile = "proxies.txt"
	historyFile = "history.txt"
)

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 代理表整体重写到 proxies.txt，快照以追加方式写入 history.txt。
type FileStorage struct {
	dir     string
	mu      sync.RWMutex
	proxies map[string]*model.ProxyRecord
	history []model.Snapshot
	dirty   bool
}

// NewFileStorage 打开 dir 下的数据文件，不存在时以空池启动。
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	fs := &FileStorage{
		dir:     dir,
		proxies: make(map[string]*model.ProxyRecord),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStorage) load() error {
	l := logger.WithComponent("ProxyPool/Storage")

	err := readLines(filepath.Join(fs.dir, proxiesFile), numProxyFields, func(lineNum int, fields []string) {
		p, err := parseProxyRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy record from line, skipping.")
			return
		}
		fs.proxies[p.Endpoint()] = p
	})
	if err != nil {
		return err
	}

	err = readLines(filepath.Join(fs.dir, historyFile), numHistoryFields, func(lineNum int, fields []string) {
		s, err := parseSnapshot(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse snapshot from line, skipping.")
			return
		}
		fs.history = append(fs.history, s)
	})
	if err != nil {
		return err
	}

	l.Info().Int("proxies", len(fs.proxies)).Int("snapshots", len(fs.history)).Str("dir", fs.dir).Msg("Loaded pool from disk.")
	return nil
}

func readLines(path string, numFields int, fn func(lineNum int, fields []string)) error {
	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", path).Msg("Data file not found, starting empty.")
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Str("path", path).Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line.")
			continue
		}
		fn(lineNum, fields)
	}
	return scanner.Err()
}

// UpsertProxy 只更新内存并标记为脏，由 Flush 落盘。
func (fs *FileStorage) UpsertProxy(_ context.Context, rec *model.ProxyRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := rec.Endpoint()
	if existing, ok := fs.proxies[key]; ok {
		mergeRecord(existing, rec)
	} else {
		p := cloneRecord(rec)
		p.AssignedTo = nil
		fs.proxies[key] = p
	}
	fs.dirty = true
	return nil
}

// Flush 在有未落盘的修改时重写 proxies.txt。
func (fs *FileStorage) Flush(_ context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.dirty {
		return nil
	}
	return fs.saveProxiesLocked()
}

func (fs *FileStorage) ListProxies(_ context.Context, tier model.Tier) ([]*model.ProxyRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	list := make([]*model.ProxyRecord, 0, len(fs.proxies))
	for _, p := range fs.proxies {
		if tier != "" && p.Tier != tier {
			continue
		}
		list = append(list, cloneRecord(p))
	}
	sortByLatency(list)
	return list, nil
}

func (fs *FileStorage) TierCounts(_ context.Context) (model.TierCounts, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var c model.TierCounts
	for _, p := range fs.proxies {
		c.Add(p.Tier)
	}
	return c, nil
}

func (fs *FileStorage) AppendSnapshot(_ context.Context, s model.Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(fs.dir, historyFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(formatSnapshot(s) + "\n"); err != nil {
		return err
	}
	fs.history = append(fs.history, s)
	return nil
}

func (fs *FileStorage) History(_ context.Context, limit int) ([]model.Snapshot, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	start := 0
	if limit > 0 && len(fs.history) > limit {
		start = len(fs.history) - limit
	}
	out := make([]model.Snapshot, len(fs.history)-start)
	copy(out, fs.history[start:])
	return out, nil
}

func (fs *FileStorage) Allocate(_ context.Context, user string, tier model.Tier) (*model.ProxyRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var best *model.ProxyRecord
	for _, p := range fs.proxies {
		if p.AssignedTo != nil || (tier != "" && p.Tier != tier) {
			continue
		}
		if best == nil || lessByLatency(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNoneAvailable
	}

	u := user
	best.AssignedTo = &u
	if err := fs.saveProxiesLocked(); err != nil {
		best.AssignedTo = nil
		return nil, err
	}
	return cloneRecord(best), nil
}

func (fs *FileStorage) Release(_ context.Context, endpoint, user string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, ok := fs.proxies[endpoint]
	if !ok {
		return ErrNotFound
	}
	if p.AssignedTo == nil || *p.AssignedTo != user {
		return ErrNotAssigned
	}
	prev := p.AssignedTo
	p.AssignedTo = nil
	if err := fs.saveProxiesLocked(); err != nil {
		p.AssignedTo = prev
		return err
	}
	return nil
}

func (fs *FileStorage) Ping(_ context.Context) error {
	_, err := os.Stat(fs.dir)
	return err
}

// Close 在关闭前落盘未保存的修改。
func (fs *FileStorage) Close() error {
	return fs.Flush(context.Background())
}

// saveProxiesLocked 先写临时文件再重命名，避免崩溃时留下半截文件。调用方需持有写锁。
func (fs *FileStorage) saveProxiesLocked() error {
	list := make([]*model.ProxyRecord, 0, len(fs.proxies))
	for _, p := range fs.proxies {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Endpoint() < list[j].Endpoint()
	})

	var sb strings.Builder
	for _, p := range list {
		sb.WriteString(formatProxyRecord(p))
		sb.WriteString("\n")
	}

	path := filepath.Join(fs.dir, proxiesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	fs.dirty = false
	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(list)).Msg("Saved proxies to file.")
	return nil
}

func lessByLatency(a, b *model.ProxyRecord) bool {
	if a.LatencyMs != b.LatencyMs {
		return a.LatencyMs < b.LatencyMs
	}
	return a.Endpoint() < b.Endpoint()
}

func sortByLatency(list []*model.ProxyRecord) {
	sort.Slice(list, func(i, j int) bool { return lessByLatency(list[i], list[j]) })
}

// clean 去掉会破坏行格式的分隔符和换行。
func clean(s string) string {
	return strings.NewReplacer(delimiter, " ", "\n", " ", "\r", " ").Replace(s)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func parseFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// formatProxyRecord 将 ProxyRecord 格式化为一行文本。
func formatProxyRecord(p *model.ProxyRecord) string {
	assigned := ""
	if p.AssignedTo != nil {
		assigned = clean(*p.AssignedTo)
	}
	return strings.Join([]string{
		p.IP,
		strconv.Itoa(p.Port),
		clean(p.Country),
		clean(p.CountryCode),
		formatFloat(p.Lat),
		formatFloat(p.Lon),
		strconv.Itoa(p.LatencyMs),
		string(p.Tier),
		strconv.FormatInt(p.LastChecked.Unix(), 10),
		assigned,
	}, delimiter)
}

// parseProxyRecord 从字符串切片解析出一个 ProxyRecord。
func parseProxyRecord(fields []string) (*model.ProxyRecord, error) {
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	lat, err := parseFloat(fields[4])
	if err != nil {
		return nil, fmt.Errorf("invalid lat: %w", err)
	}
	lon, err := parseFloat(fields[5])
	if err != nil {
		return nil, fmt.Errorf("invalid lon: %w", err)
	}
	latency, err := strconv.Atoi(fields[6])
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}
	tier, err := model.ParseTier(fields[7])
	if err != nil {
		return nil, err
	}
	lastChecked, err := strconv.ParseInt(fields[8], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}

	p := &model.ProxyRecord{
		IP:          fields[0],
		Port:        port,
		Country:     fields[2],
		CountryCode: fields[3],
		Lat:         lat,
		Lon:         lon,
		LatencyMs:   latency,
		Tier:        tier,
		LastChecked: time.Unix(lastChecked, 0).UTC(),
	}
	if fields[9] != "" {
		a := fields[9]
		p.AssignedTo = &a
	}
	return p, nil
}

func formatSnapshot(s model.Snapshot) string {
	return strings.Join([]string{
		strconv.FormatInt(s.Timestamp.Unix(), 10),
		strconv.Itoa(s.Gold),
		strconv.Itoa(s.Silver),
		strconv.Itoa(s.Bronze),
	}, delimiter)
}

func parseSnapshot(fields []string) (model.Snapshot, error) {
	var s model.Snapshot
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return s, fmt.Errorf("invalid timestamp: %w", err)
	}
	counts := make([]int, 3)
	for i := range counts {
		if counts[i], err = strconv.Atoi(fields[i+1]); err != nil {
			return s, fmt.Errorf("invalid count: %w", err)
		}
	}
	s.Timestamp = time.Unix(ts, 0).UTC()
	s.Gold, s.Silver, s.Bronze = counts[0], counts[1], counts[2]
	return s, nil
}
