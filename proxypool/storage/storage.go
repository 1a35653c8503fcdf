package storage

import (
	"context"
	"errors"

	"tierproxy/proxypool/model"
)

var (
	// ErrNotFound is returned when no record exists for an endpoint.
	ErrNotFound = errors.New("proxy not found")
	// ErrNoneAvailable is returned by Allocate when every matching proxy is assigned.
	ErrNoneAvailable = errors.New("no unassigned proxy available")
	// ErrNotAssigned is returned by Release when the proxy is not held by the user.
	ErrNotAssigned = errors.New("proxy is not assigned to this user")
)

// Storage 接口定义了代理数据持久化的行为。每个方法都是独立的原子操作，可并发调用。
type Storage interface {
	// UpsertProxy 按 "ip:port" 插入或更新一条记录。已有记录只覆盖延迟、等级、检查时间，
	// 以及在新结果解析出国家时覆盖地理字段；AssignedTo 永远不被修改。
	UpsertProxy(ctx context.Context, rec *model.ProxyRecord) error

	// ListProxies 按延迟升序返回记录。tier 为空时返回全部等级。
	ListProxies(ctx context.Context, tier model.Tier) ([]*model.ProxyRecord, error)

	TierCounts(ctx context.Context) (model.TierCounts, error)

	// AppendSnapshot 追加一条分级计数快照。
	AppendSnapshot(ctx context.Context, s model.Snapshot) error

	// History 返回最近 limit 条快照，按时间从旧到新。limit <= 0 返回全部。
	History(ctx context.Context, limit int) ([]model.Snapshot, error)

	// Allocate 把延迟最低的未分配代理分配给 user。tier 为空时不限等级。
	Allocate(ctx context.Context, user string, tier model.Tier) (*model.ProxyRecord, error)

	// Release 解除 user 对 endpoint 的占用。
	Release(ctx context.Context, endpoint, user string) error

	// Ping 检查后端是否可用，供健康检查使用。
	Ping(ctx context.Context) error

	Close() error
}

// Flusher 由缓冲写入的后端实现，Upserter 在每批结束后调用。
type Flusher interface {
	Flush(ctx context.Context) error
}

// mergeRecord 把新的探测结果合并进已有记录。
func mergeRecord(existing, incoming *model.ProxyRecord) {
	existing.LatencyMs = incoming.LatencyMs
	existing.Tier = incoming.Tier
	existing.LastChecked = incoming.LastChecked
	if incoming.CountryCode != "" && incoming.CountryCode != model.UnknownCountryCode {
		existing.Country = incoming.Country
		existing.CountryCode = incoming.CountryCode
		existing.Lat = incoming.Lat
		existing.Lon = incoming.Lon
	}
}

func cloneRecord(r *model.ProxyRecord) *model.ProxyRecord {
	c := *r
	if r.AssignedTo != nil {
		v := *r.AssignedTo
		c.AssignedTo = &v
	}
	if r.Lat != nil {
		v := *r.Lat
		c.Lat = &v
	}
	if r.Lon != nil {
		v := *r.Lon
		c.Lon = &v
	}
	return &c
}
