package settings

// ConfigurableModule 是所有希望其配置能被在线管理的模块必须实现的接口。
// 它定义了一个标准的回调方法，当相关配置发生变更时，SettingsManager会调用此方法。
type ConfigurableModule interface {
	// OnSettingsUpdate 在配置变更时被 SettingsManager 调用。
	// moduleKey: 告知是哪个模块的配置发生了变化 (e.g., "tiers", "logging")。
	// newSettings: 是对应模块的、已经解析好的新配置结构体指针 (e.g., *TierSettings)。
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// ModuleFunc 让普通函数可以作为 ConfigurableModule 注册。
type ModuleFunc func(moduleKey string, newSettings interface{}) error

func (f ModuleFunc) OnSettingsUpdate(moduleKey string, newSettings interface{}) error {
	return f(moduleKey, newSettings)
}

const (
	ModuleTiers   = "tiers"
	ModuleLogging = "logging"
)

// RuntimeSettings 是 settings.json 文件的顶层结构。
// 使用指针类型确保了当JSON文件中缺少某个模块时，对应的字段为nil，而不是一个空的结构体。
type RuntimeSettings struct {
	Tiers   *TierSettings    `json:"tiers"`
	Logging *LoggingSettings `json:"logging"`
}

// TierSettings 对应 settings.json 中的 "tiers" 模块，单位毫秒。
type TierSettings struct {
	DropBelow   int `json:"drop_below" validate:"gte=0"`
	GoldBelow   int `json:"gold_below" validate:"gtfield=DropBelow"`
	SilverBelow int `json:"silver_below" validate:"gtfield=GoldBelow"`
	BronzeBelow int `json:"bronze_below" validate:"gtfield=SilverBelow"`
}

// LoggingSettings 对应 settings.json 中的 "logging" 模块。
type LoggingSettings struct {
	Level string `json:"level" validate:"oneof=trace debug info warn error"`
}
