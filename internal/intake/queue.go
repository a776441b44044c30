package intake

import (
	"context"
)

// Handler 处理来自采集队列的一条原始请求负载（JSON 编码）。
// 返回非 nil 错误表示瞬时失败，队列驱动会将消息重新投递。
type Handler func(ctx context.Context, payload []byte) error

// Producer 负责向队列投递交易请求。
type Producer interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Consumer 负责从队列中消费交易请求。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
