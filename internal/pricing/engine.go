package pricing

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/marketdata"
	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/pkg/logger"
)

// 定价算法标识。
const (
	AlgorithmLLM      = "llm_market_seasonal_v1"
	AlgorithmFallback = "base_price_table_v1"
)

// CodeInvalidQuantity 表示数量无法解析为非负数。
const CodeInvalidQuantity xerrors.Code = "INVALID_QUANTITY"

func init() {
	xerrors.Register(CodeInvalidQuantity, xerrors.Attributes{
		Message:   "quantity is not a valid non-negative number",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Quote 是一次定价结果。
type Quote struct {
	UnitPrice  float64
	TotalPrice float64
	Currency   string
	Season     string
	Algorithm  string
}

// Engine 计算公允单价与总价。季节上下文由固定日历规则推导，
// 行情上下文由 marketdata 提供。
type Engine struct {
	client       oracle.Client
	market       marketdata.Provider
	basePrices   map[string]float64
	defaultPrice float64
	currency     string
	timeout      time.Duration
	now          func() time.Time
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithOracleTimeout 设置推荐服务调用的超时时间。
func WithOracleTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.timeout = timeout
	}
}

// WithClock 注入时钟，用于测试季节规则。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建定价引擎。client 与 market 均可为 nil。
func NewEngine(client oracle.Client, market marketdata.Provider, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		market: market,
		basePrices: map[string]float64{
			"maize":    45,
			"beans":    120,
			"tomatoes": 60,
			"potatoes": 35,
		},
		defaultPrice: 50,
		currency:     "KES",
		timeout:      10 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Price 计算报价。数量非正时返回 INVALID_QUANTITY。
func (e *Engine) Price(ctx context.Context, crop string, quantityKG float64, location string) (Quote, error) {
	if math.IsNaN(quantityKG) || quantityKG <= 0 {
		return Quote{}, xerrors.New(CodeInvalidQuantity, "数量必须是正数")
	}

	season := e.season()
	unit, algorithm := e.unitPrice(ctx, crop, quantityKG, location, season)

	return Quote{
		UnitPrice:  unit,
		TotalPrice: roundHalfUp(unit * quantityKG),
		Currency:   e.currency,
		Season:     season,
		Algorithm:  algorithm,
	}, nil
}

// unitPrice 优先咨询推荐服务，失败时回退到静态基准价表。
func (e *Engine) unitPrice(ctx context.Context, crop string, quantityKG float64, location, season string) (float64, string) {
	if e.client != nil {
		if e.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		marketData := "No recent data"
		if e.market != nil {
			marketData = e.market.Context(crop)
		}
		rec, err := e.client.Recommend(ctx, oracle.Request{
			Kind:       oracle.KindPrice,
			Crop:       crop,
			QuantityKG: quantityKG,
			Location:   location,
			Season:     season,
			MarketData: marketData,
		})
		if err == nil && rec.UnitPrice > 0 {
			return rec.UnitPrice, AlgorithmLLM
		}
		if err != nil {
			logger.L().Warn("定价推荐失败，回退到基准价表",
				slog.Any("error", err), slog.String("crop", crop))
		}
	}

	unit, ok := e.basePrices[strings.ToLower(strings.TrimSpace(crop))]
	if !ok {
		unit = e.defaultPrice
	}
	return unit, AlgorithmFallback
}

// season 按固定日历规则推导季节：3-5 月为收获季，其余为播种季。
func (e *Engine) season() string {
	switch e.now().Month() {
	case time.March, time.April, time.May:
		return "Harvest season"
	default:
		return "Planting season"
	}
}

// roundHalfUp 四舍五入保留两位小数。
func roundHalfUp(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}
