package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tierproxy/internal/metrics"
	"tierproxy/internal/shared/logger"
	"tierproxy/internal/shared/types"
)

// Aggregator 并发查询所有源，容忍部分失败，合并去重后返回候选集合。
type Aggregator struct {
	sources []Source
	seeds   []string
	timeout time.Duration
}

// NewAggregator 创建聚合器。seeds 是固定的种子列表，保证输出非空。
func NewAggregator(timeout time.Duration, seeds []string, sources ...Source) *Aggregator {
	return &Aggregator{
		sources: sources,
		seeds:   seeds,
		timeout: timeout,
	}
}

// FromConf 根据 [sources] 配置构建所有源。
func FromConf(sc types.SourcesConf, seeds []string) *Aggregator {
	a := NewAggregator(sc.Timeout, seeds)
	for i, u := range sc.TextURLs {
		a.AddSource(NewTextSource(fmt.Sprintf("text-%d", i+1), u, sc.Timeout))
	}
	for i, u := range sc.GeonodeURLs {
		a.AddSource(NewGeonodeSource(fmt.Sprintf("geonode-%d", i+1), u, sc.Timeout))
	}
	for i, u := range sc.HTMLURLs {
		a.AddSource(NewHTMLTableSource(fmt.Sprintf("html-%d", i+1), u, sc.Timeout))
	}
	return a
}

// AddSource 添加一个源到聚合器。
func (a *Aggregator) AddSource(s Source) {
	a.sources = append(a.sources, s)
}

// Sources 返回已注册源的名称。
func (a *Aggregator) Sources() []string {
	names := make([]string, 0, len(a.sources))
	for _, s := range a.sources {
		names = append(names, s.Name())
	}
	return names
}

// FetchCandidates 返回本周期的候选集合。单个源的任何错误只会让它贡献零个候选。
func (a *Aggregator) FetchCandidates(ctx context.Context) map[string]struct{} {
	l := logger.WithComponent("ProxyPool/Aggregator")

	var wg sync.WaitGroup
	fetchedChan := make(chan []string, len(a.sources))

	for _, s := range a.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			endpoints, err := a.fetchOne(ctx, src)
			if err != nil {
				metrics.SourceFailures.WithLabelValues(src.Name()).Inc()
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source failed, contributing no candidates.")
				return
			}
			metrics.SourceCandidates.WithLabelValues(src.Name()).Set(float64(len(endpoints)))
			l.Info().Str("source", src.Name()).Int("count", len(endpoints)).Msg("Source fetched.")
			fetchedChan <- endpoints
		}(s)
	}

	wg.Wait()
	close(fetchedChan)

	candidates := make(map[string]struct{})
	for _, seed := range a.seeds {
		if ep, ok := Normalize(seed); ok {
			candidates[ep] = struct{}{}
		}
	}
	for endpoints := range fetchedChan {
		for _, ep := range endpoints {
			candidates[ep] = struct{}{}
		}
	}

	l.Info().Int("sources", len(a.sources)).Int("unique", len(candidates)).Msg("Candidate fetch finished.")
	return candidates
}

// fetchOne 在独立的超时下运行一个源，并把 panic 转换为错误。
func (a *Aggregator) fetchOne(ctx context.Context, src Source) (endpoints []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return src.Fetch(ctx)
}
