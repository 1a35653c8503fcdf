package storage

import (
	"context"
	"time"

	"tierproxy/internal/metrics"
	"tierproxy/internal/shared/logger"
	"tierproxy/proxypool/model"
)

// Upserter 把分级后的探测结果逐条写入 Storage。单条失败只记录日志并跳过。
type Upserter struct {
	store Storage
	now   func() time.Time
}

// NewUpserter 创建一个 Upserter。
func NewUpserter(store Storage) *Upserter {
	return &Upserter{store: store, now: time.Now}
}

// UpsertBatch 写入一批结果并返回成功写入的数量。可以被多个批次并发调用。
func (u *Upserter) UpsertBatch(ctx context.Context, results []model.TieredResult) int {
	l := logger.WithComponent("ProxyPool/Upserter")
	written := 0
	checkedAt := u.now().UTC()

	for _, r := range results {
		rec, err := toRecord(r, checkedAt)
		if err == nil {
			err = u.store.UpsertProxy(ctx, rec)
		}
		if err != nil {
			metrics.UpsertErrors.Inc()
			l.Error().Err(err).Str("endpoint", r.Endpoint).Msg("Failed to upsert proxy, skipping.")
			continue
		}
		written++
	}
	metrics.UpsertsTotal.Add(float64(written))

	if f, ok := u.store.(Flusher); ok && written > 0 {
		if err := f.Flush(ctx); err != nil {
			l.Error().Err(err).Msg("Failed to flush proxies to storage.")
		}
	}
	return written
}

func toRecord(r model.TieredResult, checkedAt time.Time) (*model.ProxyRecord, error) {
	ip, port, err := model.SplitEndpoint(r.Endpoint)
	if err != nil {
		return nil, err
	}
	country, code := r.Country, r.CountryCode
	if country == "" {
		country = model.UnknownCountry
	}
	if code == "" {
		code = model.UnknownCountryCode
	}
	return &model.ProxyRecord{
		IP:          ip,
		Port:        port,
		Country:     country,
		CountryCode: code,
		Lat:         r.Lat,
		Lon:         r.Lon,
		LatencyMs:   r.LatencyMs,
		Tier:        r.Tier,
		LastChecked: checkedAt,
	}, nil
}
