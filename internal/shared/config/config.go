package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"

	"tierproxy/internal/shared/types"
)

var validate = validator.New()

// Default 返回所有选项的默认值。配置文件中缺失的键保持这些值。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{Level: "info"},
		WebConf: types.WebConf{Port: 8000},
		DatabaseConf: types.DatabaseConf{
			MaxConns: 10,
			DataDir:  "data",
		},
		PoolConf: types.PoolConf{
			CycleInterval: 2 * time.Minute,
			SampleCap:     3000,
			BatchSize:     50,
			SeedEndpoints: []string{"1.1.1.1:80", "8.8.8.8:80"},
			FallbackMs:    100,
		},
		ProbeConf: types.ProbeConf{
			Protocol:        "http",
			LivenessTargets: []string{"http://httpbin.org/ip", "http://ip-api.com/json"},
			LivenessTimeout: 12 * time.Second,
			GeoURL:          "http://ip-api.com/json?fields=status,country,countryCode,lat,lon",
			GeoTimeout:      5 * time.Second,
			GeoRate:         20,
			GeoBurst:        20,
		},
		TierConf: types.TierConf{
			DropBelow:   10,
			GoldBelow:   300,
			SilverBelow: 800,
			BronzeBelow: 10000,
		},
		SourcesConf: types.SourcesConf{
			Timeout: 10 * time.Second,
			TextURLs: []string{
				"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all",
				"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
				"https://raw.githubusercontent.com/monosans/proxy-list/main/proxies/http.txt",
			},
			GeonodeURLs: []string{
				"https://proxylist.geonode.com/api/proxy-list?limit=200&page=1&sort_by=lastChecked&sort_type=desc&protocols=http%2Chttps",
			},
			HTMLURLs: []string{"https://free-proxy-list.net/"},
		},
	}
}

// Load 读取 ini 配置文件，应用环境变量覆盖并校验结果。
// fileName 为空时只使用默认值和环境变量。
func Load(fileName string) (*types.Config, error) {
	cfg := Default()
	if fileName != "" {
		if err := LoadIni(cfg, fileName); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIni 将 ini 文件映射到 cfg 上，文件中没有的键保持原值。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", fileName, err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file %s: %w", fileName, err)
	}
	return nil
}

// Validate 校验配置的取值范围。
func Validate(cfg *types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *types.Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseConf.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogConf.Level = strings.ToLower(v)
	}
	overrideFromEnvInt(&cfg.WebConf.Port, "PORT")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
