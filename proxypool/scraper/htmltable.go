package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"tierproxy/internal/shared/logger"
)

// HTMLTableSource 抓取以 HTML 表格发布的代理列表 (free-proxy-list.net 一类的站点)。
// 每一行中 IP 和端口所在的列由 ipCol/portCol 指定。
type HTMLTableSource struct {
	name     string
	url      string
	selector string
	ipCol    int
	portCol  int
	timeout  time.Duration
}

// NewHTMLTableSource 创建一个新的 HTMLTableSource 实例，使用默认的表格选择器。
func NewHTMLTableSource(name, url string, timeout time.Duration) *HTMLTableSource {
	return &HTMLTableSource{
		name:     name,
		url:      url,
		selector: "table tbody tr",
		ipCol:    0,
		portCol:  1,
		timeout:  timeout,
	}
}

// WithColumns 覆盖行选择器和列位置。
func (s *HTMLTableSource) WithColumns(selector string, ipCol, portCol int) *HTMLTableSource {
	s.selector = selector
	s.ipCol = ipCol
	s.portCol = portCol
	return s
}

func (s *HTMLTableSource) Name() string {
	return s.name
}

func (s *HTMLTableSource) Fetch(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var endpoints []string
	c.OnHTML(s.selector, func(e *colly.HTMLElement) {
		if ep, ok := s.parseRow(e.DOM); ok {
			endpoints = append(endpoints, ep)
		}
	})

	if err := c.Visit(s.url); err != nil {
		return nil, fmt.Errorf("failed to scrape %s: %w", s.Name(), err)
	}

	l.Debug().Str("source", s.Name()).Int("count", len(endpoints)).Msg("HTML table parsed.")
	return endpoints, nil
}

func (s *HTMLTableSource) parseRow(row *goquery.Selection) (string, bool) {
	cells := row.Find("td")
	ip := strings.TrimSpace(cells.Eq(s.ipCol).Text())
	port := strings.TrimSpace(cells.Eq(s.portCol).Text())
	if ip == "" || port == "" {
		return "", false
	}
	return JoinEndpoint(ip, port)
}
