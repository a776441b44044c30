package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"
	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/pkg/logger"
)

// CodeInvalidExpectedWeight 表示预期重量非正，方差无法计算。
const CodeInvalidExpectedWeight xerrors.Code = "INVALID_EXPECTED_WEIGHT"

func init() {
	xerrors.Register(CodeInvalidExpectedWeight, xerrors.Attributes{
		Message:   "expected weight must be positive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// 结算决策算法标识。
const (
	AlgorithmLLM      = "llm_settlement_v1"
	AlgorithmFallback = "hard_rules_v1"
)

// 硬性边界。推荐服务只能在边界内收紧，永远无法放宽。
const (
	maxVariancePct       = 5.0
	adjustmentBandStart  = 3.0
	minBuyerReliability  = 80.0
	defaultScaling       = 0.1
	defaultMinConfidence = 0.90
)

// Facts 汇总一次交割核验的全部事实。
type Facts struct {
	TradeID          string
	CodeMatch        bool
	ExpectedWeightKG float64
	ActualWeightKG   float64
	Grade            string
	BuyerReliability float64
	BuyerHistory     string
	ProducerHistory  string
}

// Outcome 是结算决策结果。Adjustment 作用于应付总额，取值 [0,1]。
type Outcome struct {
	Decision    oracle.Decision
	Adjustment  float64
	Confidence  float64
	VariancePct float64
	Rationale   string
	Algorithm   string
}

// Policy 决定一笔已交割的交易是自主结算还是转人工复核。
// 决策分两层：硬性前置条件是确定性规则，任何一条不满足都直接
// 转人工，推荐服务无权推翻；前置条件全部通过后才咨询推荐服务，
// 且推荐只能向下收紧（降级为人工复核、调低扣减系数）。
type Policy struct {
	client        oracle.Client
	scaling       float64
	minConfidence float64
	timeout       time.Duration
}

// Option 定义可选的 Policy 配置。
type Option func(*Policy)

// WithScaling 设置 3%-5% 方差区间的扣减斜率系数。
func WithScaling(scaling float64) Option {
	return func(p *Policy) {
		if scaling >= 0 {
			p.scaling = scaling
		}
	}
}

// WithMinConfidence 设置自主结算要求的最低置信度。
func WithMinConfidence(min float64) Option {
	return func(p *Policy) {
		if min > 0 && min <= 1 {
			p.minConfidence = min
		}
	}
}

// WithOracleTimeout 设置推荐服务调用的超时时间。
func WithOracleTimeout(timeout time.Duration) Option {
	return func(p *Policy) {
		p.timeout = timeout
	}
}

// NewPolicy 创建结算策略。client 可为 nil，此时只走确定性规则。
func NewPolicy(client oracle.Client, opts ...Option) *Policy {
	p := &Policy{
		client:        client,
		scaling:       defaultScaling,
		minConfidence: defaultMinConfidence,
		timeout:       10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Decide 给出结算决策。预期重量非正时返回 INVALID_EXPECTED_WEIGHT。
func (p *Policy) Decide(ctx context.Context, facts Facts) (Outcome, error) {
	if facts.ExpectedWeightKG <= 0 || math.IsNaN(facts.ExpectedWeightKG) {
		return Outcome{}, xerrors.New(CodeInvalidExpectedWeight, "预期重量必须为正数")
	}

	variance := math.Abs(facts.ActualWeightKG-facts.ExpectedWeightKG) / facts.ExpectedWeightKG * 100

	if reason, ok := p.checkPreconditions(facts, variance); !ok {
		return Outcome{
			Decision:    oracle.DecisionRequireReview,
			Adjustment:  0,
			Confidence:  1.0,
			VariancePct: variance,
			Rationale:   reason,
			Algorithm:   AlgorithmFallback,
		}, nil
	}

	baseline := Outcome{
		Decision:    oracle.DecisionAutoSettle,
		Adjustment:  p.adjustment(variance),
		Confidence:  1.0,
		VariancePct: variance,
		Rationale:   "All settlement conditions met",
		Algorithm:   AlgorithmFallback,
	}

	if p.client == nil {
		return baseline, nil
	}
	return p.consultOracle(ctx, facts, variance, baseline), nil
}

// checkPreconditions 逐条检查硬性前置条件，返回首个不满足的原因。
func (p *Policy) checkPreconditions(facts Facts, variance float64) (string, bool) {
	if !facts.CodeMatch {
		return "Verification code mismatch", false
	}
	if variance > maxVariancePct {
		return fmt.Sprintf("Weight variance %.1f%% exceeds %.0f%% limit", variance, maxVariancePct), false
	}
	if !gradeAtLeastB(facts.Grade) {
		return fmt.Sprintf("Quality grade %q below minimum B", facts.Grade), false
	}
	if facts.BuyerReliability < minBuyerReliability {
		return fmt.Sprintf("Buyer reliability %.0f%% below %.0f%% threshold", facts.BuyerReliability, minBuyerReliability), false
	}
	return "", true
}

// adjustment 计算扣减系数：方差不超过 3% 全额支付，
// (3%,5%] 区间按斜率线性扣减，结果始终落在 [0,1]。
func (p *Policy) adjustment(variance float64) float64 {
	if variance <= adjustmentBandStart {
		return 1.0
	}
	adj := 1.0 - (variance-adjustmentBandStart)/2*p.scaling
	if adj < 0 {
		return 0
	}
	if adj > 1 {
		return 1
	}
	return adj
}

// consultOracle 咨询推荐服务，并把结果约束在确定性基线之内：
// 推荐只能降级为人工复核或调低扣减系数，不可能放宽基线。
// 推荐不可用时直接采用基线。
func (p *Policy) consultOracle(ctx context.Context, facts Facts, variance float64, baseline Outcome) Outcome {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	rec, err := p.client.Recommend(ctx, oracle.Request{
		Kind: oracle.KindSettlement,
		Settlement: &oracle.SettlementFacts{
			CodeMatch:         facts.CodeMatch,
			WeightVariancePct: variance,
			Grade:             facts.Grade,
			BuyerHistory:      facts.BuyerHistory,
			ProducerHistory:   facts.ProducerHistory,
		},
	})
	if err != nil {
		logger.L().Warn("结算推荐失败，采用确定性基线",
			slog.Any("error", err), slog.String("trade_id", facts.TradeID))
		return baseline
	}

	out := baseline
	out.Confidence = rec.Confidence
	if rec.Rationale != "" {
		out.Rationale = rec.Rationale
	}

	if rec.Decision == oracle.DecisionRequireReview || rec.Confidence < p.minConfidence {
		out.Decision = oracle.DecisionRequireReview
		out.Algorithm = AlgorithmLLM
		return out
	}
	if rec.Adjustment >= 0 && rec.Adjustment < out.Adjustment {
		out.Adjustment = rec.Adjustment
	}
	out.Algorithm = AlgorithmLLM
	return out
}

// gradeAtLeastB 判断质量等级是否不低于 B。
func gradeAtLeastB(grade string) bool {
	switch strings.ToUpper(strings.TrimSpace(grade)) {
	case "A+", "A", "B+", "B":
		return true
	default:
		return false
	}
}

// Reliability 根据账本历史计算参与方可靠率：已完成支付的交易占
// 已接受交易的比例（百分比）。无历史时返回 50.0。
func Reliability(records []ledger.Record) float64 {
	accepted := make(map[string]bool)
	paid := make(map[string]bool)
	for _, rec := range records {
		switch rec.Type {
		case ledger.EventBuyerAccept:
			accepted[rec.TradeID] = true
		case ledger.EventPayoutCompleted, ledger.EventAutonomousSettlement:
			paid[rec.TradeID] = true
		}
	}
	if len(accepted) == 0 {
		return 50.0
	}
	completed := 0
	for id := range accepted {
		if paid[id] {
			completed++
		}
	}
	return float64(completed) / float64(len(accepted)) * 100
}
