package trade

import "context"

// Store 抽象了交易记录的持久化接口。Update 做整条记录替换，
// 并发纪律由服务层的每交易互斥锁保证，存储层不做乐观锁。
type Store interface {
	Create(ctx context.Context, trade *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, trade *Trade) error
	List(ctx context.Context, opts ListOptions) ([]*Trade, error)
	Stats(ctx context.Context, opts ListOptions) (TradeStats, error)
	Close() error
}
