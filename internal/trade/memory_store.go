package trade

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
)

// MemoryStore 以内存方式保存交易记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]*Trade
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]*Trade)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "trade 不能为空")
	}
	if trade.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.trades[trade.ID]; ok {
		return ErrTradeConflict
	}
	now := time.Now().Unix()
	if trade.CreatedAt == 0 {
		trade.CreatedAt = now
	}
	trade.UpdatedAt = now
	m.trades[trade.ID] = cloneTrade(trade)
	return nil
}

// Get 返回交易记录的拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return cloneTrade(trade), nil
}

// Update 整条替换已存在的交易记录。
func (m *MemoryStore) Update(_ context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade == nil || trade.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	existing, ok := m.trades[trade.ID]
	if !ok {
		return ErrTradeNotFound
	}
	trade.CreatedAt = existing.CreatedAt
	trade.UpdatedAt = time.Now().Unix()
	m.trades[trade.ID] = cloneTrade(trade)
	return nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Trade, 0, len(m.trades))
	for _, trade := range m.trades {
		if !matchesListFilters(trade, opts) {
			continue
		}
		results = append(results, cloneTrade(trade))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Trade{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TradeStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TradeStats{}
	for _, trade := range m.trades {
		if !matchesListFilters(trade, opts) {
			continue
		}
		stats.Total++
		switch trade.Status {
		case StatusPending:
			stats.Pending++
		case StatusAccepted:
			stats.Accepted++
		case StatusPendingReview:
			stats.PendingReview++
		case StatusCompleted:
			stats.Completed++
		case StatusCompletedAutonomous:
			stats.CompletedAutonomous++
		}
		if trade.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = trade.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (trade.UpdatedAt != 0 && trade.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = trade.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(trade *Trade, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if trade.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.ProducerID != "" && trade.ProducerID != opts.ProducerID {
		return false
	}
	if opts.Crop != "" && trade.Crop != opts.Crop {
		return false
	}
	if opts.UpdatedGTE > 0 && trade.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && trade.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
