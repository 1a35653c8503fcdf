package scraper

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Source 定义了从一个外部代理源获取候选代理的行为。
// 每种源格式一个实现，Aggregator 负责合并。
type Source interface {
	// Fetch 执行一次抓取，返回规范化后的 "ip:port" 列表。
	// 实现者只负责抓取和解析，不做验证，也不重试。
	Fetch(ctx context.Context) ([]string, error)

	// Name 返回源的名称，用于日志记录和指标。
	Name() string
}

// Normalize 把一条原始记录转换成规范的 "ip:port"。
// 支持可选的 scheme 前缀，要求 IP 字面量和 1-65535 的端口。
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"http://", "https://", "socks5://"} {
		if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return "", false
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", false
	}
	return JoinEndpoint(host, portStr)
}

// JoinEndpoint 校验分开给出的 ip 与端口并拼成规范形式。
func JoinEndpoint(host, portStr string) (string, bool) {
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return "", false
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), true
}

func newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}
