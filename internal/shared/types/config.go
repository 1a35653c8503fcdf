package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level" validate:"required,oneof=trace debug info warn error fatal panic disabled"`
}

// WebConf 包含 HTTP API 的监听与认证配置
type WebConf struct {
	Port         int    `ini:"port" validate:"gte=0,lte=65535"` // 0 表示关闭 API
	User         string `ini:"user"`
	Password     string `ini:"password"`
	SettingsPath string `ini:"settings_path"` // 运行时可调参数 (settings.json)
}

// DatabaseConf 选择持久化后端。URL 为空时使用文件存储。
type DatabaseConf struct {
	URL      string `ini:"url"`
	MaxConns int    `ini:"max_conns" validate:"gte=1"`
	DataDir  string `ini:"data_dir" validate:"required"`
}

// PoolConf 控制周期调度与批处理规模
type PoolConf struct {
	CycleInterval time.Duration `ini:"cycle_interval" validate:"gte=1s"`
	SampleCap     int           `ini:"sample_cap" validate:"gte=1"`
	BatchSize     int           `ini:"batch_size" validate:"gte=1,lte=1000"`
	SeedEndpoints []string      `ini:"seed_endpoints" delim:","`
	Fallbacks     []string      `ini:"fallback_endpoints" delim:","`
	FallbackMs    int           `ini:"fallback_latency_ms" validate:"gte=0"`
}

// ProbeConf 控制单个代理的探测行为
type ProbeConf struct {
	Protocol        string        `ini:"protocol" validate:"oneof=http socks5"`
	LivenessTargets []string      `ini:"liveness_targets" delim:"," validate:"min=1,dive,url"`
	LivenessTimeout time.Duration `ini:"liveness_timeout" validate:"gte=100ms"`
	GeoURL          string        `ini:"geo_url" validate:"omitempty,url"`
	GeoTimeout      time.Duration `ini:"geo_timeout" validate:"gte=100ms"`
	GeoRate         float64       `ini:"geo_rate" validate:"gte=0"` // 每秒请求数, 0 表示不限速
	GeoBurst        int           `ini:"geo_burst" validate:"gte=1"`
}

// TierConf 延迟分级阈值 (毫秒)，均为左闭右开区间的上界
type TierConf struct {
	DropBelow   int `ini:"drop_below" validate:"gte=0"`
	GoldBelow   int `ini:"gold_below" validate:"gtfield=DropBelow"`
	SilverBelow int `ini:"silver_below" validate:"gtfield=GoldBelow"`
	BronzeBelow int `ini:"bronze_below" validate:"gtfield=SilverBelow"`
}

// SourcesConf 列出外部代理源，按格式分组
type SourcesConf struct {
	Timeout     time.Duration `ini:"timeout" validate:"gte=100ms"`
	TextURLs    []string      `ini:"text_urls" delim:"," validate:"dive,url"`
	GeonodeURLs []string      `ini:"geonode_urls" delim:"," validate:"dive,url"`
	HTMLURLs    []string      `ini:"html_urls" delim:"," validate:"dive,url"`
}

// Config 是 tierproxy 的统一配置结构体
type Config struct {
	LogConf      `ini:"log"`
	WebConf      `ini:"web"`
	DatabaseConf `ini:"database"`
	PoolConf     `ini:"pool"`
	ProbeConf    `ini:"probe"`
	TierConf     `ini:"tiers"`
	SourcesConf  `ini:"sources"`
}
