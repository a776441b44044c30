package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/pkg/logger"
)

// 撮合算法标识，写入报价供审计区分策略来源。
const (
	AlgorithmLLM      = "llm_proximity_reliability_v1"
	AlgorithmFallback = "nearest_distance_v1"
)

// defaultProximityKM 是就近过滤的默认半径。
const defaultProximityKM = 50.0

// MatchInput 描述一次撮合请求。候选集合非空是调用方的前置条件；
// 过滤后为空时引擎回退到未过滤的输入。
type MatchInput struct {
	Crop       string
	QuantityKG float64
	Location   string
	Candidates []Buyer
}

// Match 是撮合结果。
type Match struct {
	Buyer     Buyer
	Rationale string
	Algorithm string
}

// Engine 负责为交易请求挑选买家。自身无副作用，
// 仅依赖输入与推荐服务调用。
type Engine struct {
	client      oracle.Client
	proximityKM float64
	timeout     time.Duration
}

// Option 定义可选的 Engine 配置。
type Option func(*Engine)

// WithProximityKM 设置就近过滤半径。
func WithProximityKM(km float64) Option {
	return func(e *Engine) {
		if km > 0 {
			e.proximityKM = km
		}
	}
}

// WithOracleTimeout 设置推荐服务调用的超时时间。
func WithOracleTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		e.timeout = timeout
	}
}

// NewEngine 创建撮合引擎。client 可以为 nil，此时直接走确定性回退。
func NewEngine(client oracle.Client, opts ...Option) *Engine {
	e := &Engine{
		client:      client,
		proximityKM: defaultProximityKM,
		timeout:     10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Match 先做就近过滤，再咨询推荐服务；推荐不可用或不可解析时
// 确定性回退到距离最近的候选。
func (e *Engine) Match(ctx context.Context, input MatchInput) (Match, error) {
	if len(input.Candidates) == 0 {
		return Match{}, fmt.Errorf("候选买家集合为空")
	}

	candidates := e.filterByProximity(input.Location, input.Candidates)

	if e.client != nil {
		if match, ok := e.consultOracle(ctx, input, candidates); ok {
			return match, nil
		}
	}
	return e.fallback(candidates), nil
}

// filterByProximity 保留同城或半径内的候选；全部被过滤时返回原集合。
func (e *Engine) filterByProximity(location string, candidates []Buyer) []Buyer {
	nearby := make([]Buyer, 0, len(candidates))
	for _, b := range candidates {
		if b.Location == location || b.DistanceKM < e.proximityKM {
			nearby = append(nearby, b)
		}
	}
	if len(nearby) == 0 {
		return candidates
	}
	return nearby
}

func (e *Engine) consultOracle(ctx context.Context, input MatchInput, candidates []Buyer) (Match, bool) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	facts := make([]oracle.Candidate, 0, len(candidates))
	for _, b := range candidates {
		facts = append(facts, oracle.Candidate{
			ID:          b.ID,
			Name:        b.Name,
			Location:    b.Location,
			DistanceKM:  b.DistanceKM,
			Reliability: b.Reliability,
			CapacityKG:  b.CapacityKG,
		})
	}

	rec, err := e.client.Recommend(ctx, oracle.Request{
		Kind:       oracle.KindMatch,
		Crop:       input.Crop,
		QuantityKG: input.QuantityKG,
		Location:   input.Location,
		Candidates: facts,
	})
	if err != nil {
		logger.L().Warn("撮合推荐失败，回退到就近策略",
			slog.Any("error", err), slog.String("crop", input.Crop))
		return Match{}, false
	}

	for _, b := range candidates {
		if b.ID == rec.Choice {
			return Match{Buyer: b, Rationale: rec.Rationale, Algorithm: AlgorithmLLM}, true
		}
	}
	logger.L().Warn("撮合推荐返回未知买家，回退到就近策略", slog.String("choice", rec.Choice))
	return Match{}, false
}

// fallback 选择距离最近的候选；距离相同取可靠性更高者，再相同保持输入顺序。
func (e *Engine) fallback(candidates []Buyer) Match {
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.DistanceKM < best.DistanceKM ||
			(b.DistanceKM == best.DistanceKM && b.Reliability > best.Reliability) {
			best = b
		}
	}
	return Match{
		Buyer:     best,
		Rationale: fmt.Sprintf("Closest buyer in %s", best.Location),
		Algorithm: AlgorithmFallback,
	}
}
