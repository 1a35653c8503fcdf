package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"

	"tierproxy/internal/shared/types"
	"tierproxy/proxypool/model"
)

// maxDrainBytes bounds how much of a response body is read before closing it.
const maxDrainBytes = 64 << 10

// geoAPIResponse covers ip-api.com style responses. Status is absent on other providers.
type geoAPIResponse struct {
	Status      string   `json:"status"`
	Country     string   `json:"country"`
	CountryCode string   `json:"countryCode"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
}

// Checker probes a single candidate endpoint. Implementations must honor ctx.
type Checker interface {
	Check(ctx context.Context, endpoint string) model.ProbeResult
}

// HTTPChecker routes liveness and geolocation requests through the candidate itself.
type HTTPChecker struct {
	protocol        string
	targets         []string
	livenessTimeout time.Duration
	geoURL          string
	geoTimeout      time.Duration
	geoLimiter      *rate.Limiter
}

// NewHTTPChecker builds a checker from the [probe] config section.
func NewHTTPChecker(pc types.ProbeConf) *HTTPChecker {
	c := &HTTPChecker{
		protocol:        pc.Protocol,
		targets:         pc.LivenessTargets,
		livenessTimeout: pc.LivenessTimeout,
		geoURL:          pc.GeoURL,
		geoTimeout:      pc.GeoTimeout,
	}
	if pc.GeoRate > 0 {
		c.geoLimiter = rate.NewLimiter(rate.Limit(pc.GeoRate), pc.GeoBurst)
	}
	return c
}

// Check tries each liveness target in order. The first 200 wins and later targets are not
// tried. Geolocation is best-effort and never turns a reachable result into a failure.
func (c *HTTPChecker) Check(ctx context.Context, endpoint string) model.ProbeResult {
	result := model.NewUnreachable(endpoint)

	transport, err := c.transportFor(endpoint)
	if err != nil {
		return result
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for _, target := range c.targets {
		elapsed, err := c.get(ctx, client, target, c.livenessTimeout, nil)
		if err != nil {
			continue
		}
		result.Reachable = true
		result.LatencyMs = int(elapsed.Milliseconds())
		break
	}
	if !result.Reachable {
		return result
	}

	c.lookupGeo(ctx, client, &result)
	return result
}

// transportFor returns a fresh transport that forwards everything through endpoint.
func (c *HTTPChecker) transportFor(endpoint string) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   c.livenessTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   c.livenessTimeout / 2,
		ResponseHeaderTimeout: c.livenessTimeout,
		IdleConnTimeout:       c.livenessTimeout,
		MaxIdleConns:          2,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch c.protocol {
	case "socks5":
		d, err := proxy.SOCKS5("tcp", endpoint, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", endpoint)
		}
		transport.DialContext = cd.DialContext
	default:
		proxyURL, err := url.Parse("http://" + endpoint)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport, nil
}

// get issues one GET under its own timeout and returns the time until the response headers
// arrived. A non-200 status is an error. When out is not nil the body is decoded into it as JSON.
func (c *HTTPChecker) get(ctx context.Context, client *http.Client, target string, timeout time.Duration, out interface{}) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "tierproxy-probe/1.0")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		return 0, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		return elapsed, nil
	}
	return elapsed, json.NewDecoder(io.LimitReader(resp.Body, maxDrainBytes)).Decode(out)
}

func (c *HTTPChecker) lookupGeo(ctx context.Context, client *http.Client, result *model.ProbeResult) {
	if c.geoURL == "" {
		return
	}
	// 限速等待和请求共用同一个 geo 超时
	ctx, cancel := context.WithTimeout(ctx, c.geoTimeout)
	defer cancel()
	if c.geoLimiter != nil {
		if err := c.geoLimiter.Wait(ctx); err != nil {
			return
		}
	}

	var geo geoAPIResponse
	if _, err := c.get(ctx, client, c.geoURL, c.geoTimeout, &geo); err != nil {
		return
	}
	if geo.Status != "" && geo.Status != "success" {
		return
	}
	if geo.Country == "" || geo.CountryCode == "" {
		return
	}
	result.Country = geo.Country
	result.CountryCode = geo.CountryCode
	result.Lat = geo.Lat
	result.Lon = geo.Lon
}
