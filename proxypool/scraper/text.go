package scraper

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"time"

	"tierproxy/internal/shared/logger"
)

// TextSource 抓取按行分隔的 "ip:port" 纯文本列表 (proxyscrape, GitHub raw 列表等)。
type TextSource struct {
	name   string
	url    string
	client *http.Client
}

// NewTextSource 创建一个新的 TextSource 实例。
func NewTextSource(name, url string, timeout time.Duration) *TextSource {
	return &TextSource{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *TextSource) Name() string {
	return s.name
}

func (s *TextSource) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	req, err := newRequest(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var endpoints []string
	skipped := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		ep, ok := Normalize(line)
		if !ok {
			if line != "" {
				skipped++
			}
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list from %s: %w", s.Name(), err)
	}

	l.Debug().Str("source", s.Name()).Int("count", len(endpoints)).Int("skipped", skipped).Msg("Text list parsed.")
	return endpoints, nil
}
