package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// UnknownCountry 和 UnknownCountryCode 是地理位置查询失败时的默认值。
	UnknownCountry     = "Unknown"
	UnknownCountryCode = "UN"
)

// Tier 是根据延迟划分的代理质量等级。
type Tier string

const (
	TierGold   Tier = "gold"
	TierSilver Tier = "silver"
	TierBronze Tier = "bronze"
)

// Tiers 按质量从高到低列出所有等级。
var Tiers = []Tier{TierGold, TierSilver, TierBronze}

// ParseTier 将字符串解析为 Tier，未知等级返回错误。
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierGold, TierSilver, TierBronze:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// ProbeResult.Source 的取值。
const (
	SourceProbe    = "probe"
	SourceFallback = "fallback"
)

// ProbeResult 是单个候选代理在一个周期内的探测结果，只存在于内存中。
type ProbeResult struct {
	Endpoint    string
	Reachable   bool
	LatencyMs   int
	Country     string
	CountryCode string
	Lat         *float64
	Lon         *float64

	// Source 标记结果来源: SourceProbe 或 SourceFallback。
	Source string
}

// NewUnreachable 返回一个带默认地理字段的失败结果。
func NewUnreachable(endpoint string) ProbeResult {
	return ProbeResult{
		Endpoint:    endpoint,
		Country:     UnknownCountry,
		CountryCode: UnknownCountryCode,
		Source:      SourceProbe,
	}
}

// TieredResult 是已经通过分级的探测结果，交给 Upserter 持久化。
type TieredResult struct {
	ProbeResult
	Tier Tier
}

// ProxyRecord 是持久化的代理记录。存储主键是 "ip:port"。
type ProxyRecord struct {
	IP          string    `json:"ip"`
	Port        int       `json:"port"`
	Country     string    `json:"country"`
	CountryCode string    `json:"country_code"`
	Lat         *float64  `json:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty"`
	LatencyMs   int       `json:"latency_ms"`
	Tier        Tier      `json:"tier"`
	LastChecked time.Time `json:"last_checked"`
	AssignedTo  *string   `json:"assigned_to,omitempty"`
}

// Endpoint 返回规范化的 "ip:port"。
func (r *ProxyRecord) Endpoint() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// Key 返回 "ip:port:country:country_code" 形式的展示键。
func (r *ProxyRecord) Key() string {
	return fmt.Sprintf("%s:%s:%s", r.Endpoint(), r.Country, r.CountryCode)
}

// View 返回 API 层使用的投影。
func (r *ProxyRecord) View() ProxyView {
	return ProxyView{
		Endpoint:   r.Key(),
		Address:    r.Endpoint(),
		LatencyMs:  r.LatencyMs,
		Tier:       r.Tier,
		AssignedTo: r.AssignedTo,
	}
}

// ProxyView 是对外暴露的代理投影。
type ProxyView struct {
	Endpoint   string  `json:"endpoint"`
	Address    string  `json:"address"`
	LatencyMs  int     `json:"latency_ms"`
	Tier       Tier    `json:"tier"`
	AssignedTo *string `json:"assigned_to,omitempty"`
}

// TierCounts 是各等级的代理数量。
type TierCounts struct {
	Gold   int `json:"gold"`
	Silver int `json:"silver"`
	Bronze int `json:"bronze"`
}

// Add 为指定等级计数加一。
func (c *TierCounts) Add(t Tier) {
	switch t {
	case TierGold:
		c.Gold++
	case TierSilver:
		c.Silver++
	case TierBronze:
		c.Bronze++
	}
}

// Snapshot 是每个周期结束时追加的一条历史记录，从不修改。
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	TierCounts
}

// SplitEndpoint 把规范化的 "ip:port" 拆分为 IP 和端口。
func SplitEndpoint(endpoint string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", endpoint, err)
	}
	return host, port, nil
}
