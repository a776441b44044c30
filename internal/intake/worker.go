package intake

import (
	"context"
	"encoding/json"
	"log/slog"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/trade"
	"AgroTrack-Lite/pkg/logger"
)

// Submitter 定义了工作池所需的交易受理能力。
type Submitter interface {
	Submit(ctx context.Context, req trade.SubmitRequest) (*trade.Trade, error)
}

// Worker 从采集队列消费结构化交易请求并交给交易服务受理。
// 负载无法解析或业务上被拒绝的请求直接丢弃并写审计日志，
// 永不重试；瞬时失败交还队列重投。
type Worker struct {
	submitter   Submitter
	consumer    Consumer
	workerCount int
}

// WorkerOption 定义可选配置。
type WorkerOption func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) WorkerOption {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// NewWorker 构造 Worker。
func NewWorker(submitter Submitter, consumer Consumer, opts ...WorkerOption) *Worker {
	w := &Worker{
		submitter:   submitter,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，阻塞直至上下文取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置采集消费者")
	}
	return w.consumer.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, payload []byte) error {
	if w.submitter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "采集工作池未初始化")
	}

	var req trade.SubmitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Audit().Warn("采集负载无法解析，已丢弃",
			slog.String("error", err.Error()),
			slog.Int("payload_bytes", len(payload)),
		)
		return nil
	}

	result, err := w.submitter.Submit(ctx, req)
	if err != nil {
		if xerrors.RetryableError(err) {
			logger.L().Warn("交易受理瞬时失败，消息回队",
				slog.Any("error", err),
				slog.String("producer_id", req.ProducerID),
			)
			return err
		}
		logger.Audit().Warn("交易请求被拒绝，已丢弃",
			slog.String("error", err.Error()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("producer_id", req.ProducerID),
			slog.String("crop", req.Crop),
		)
		return nil
	}

	logger.Audit().Info("采集请求受理成功",
		slog.String("trade_id", result.ID),
		slog.String("producer_id", req.ProducerID),
		slog.String("crop", req.Crop),
	)
	return nil
}
