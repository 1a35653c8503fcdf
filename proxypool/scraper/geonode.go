package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// geonodeResponse 是 proxylist.geonode.com 的返回结构。端口有时是字符串有时是数字。
type geonodeResponse struct {
	Data []struct {
		IP   string          `json:"ip"`
		Port json.RawMessage `json:"port"`
	} `json:"data"`
}

// GeonodeSource 抓取 geonode 风格的 JSON 列表。
type GeonodeSource struct {
	name   string
	url    string
	client *http.Client
}

// NewGeonodeSource 创建一个新的 GeonodeSource 实例。
func NewGeonodeSource(name, url string, timeout time.Duration) *GeonodeSource {
	return &GeonodeSource{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *GeonodeSource) Name() string {
	return s.name
}

func (s *GeonodeSource) Fetch(ctx context.Context) ([]string, error) {
	req, err := newRequest(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch list for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var payload geonodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode JSON from %s: %w", s.Name(), err)
	}

	endpoints := make([]string, 0, len(payload.Data))
	for _, item := range payload.Data {
		port := strings.Trim(string(item.Port), `"`)
		if ep, ok := JoinEndpoint(item.IP, port); ok {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints, nil
}
