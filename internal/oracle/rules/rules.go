package rules

import (
	"context"
	"fmt"
	"strings"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/oracle"
)

// Engine 是确定性的规则推荐引擎，与大模型实现满足同一接口。
// 在未配置大模型、或测试环境下，系统完全依赖它运行。
type Engine struct {
	basePrices   map[string]float64
	defaultPrice float64
}

// 规则引擎给出的置信度。结果完全可复现，置信度高于大模型输出。
const ruleConfidence = 0.95

// NewEngine 创建规则引擎。
func NewEngine() *Engine {
	return &Engine{
		basePrices: map[string]float64{
			"maize":    45,
			"beans":    120,
			"tomatoes": 60,
			"potatoes": 35,
		},
		defaultPrice: 50,
	}
}

// Recommend 按类别走对应的规则分支。
func (e *Engine) Recommend(_ context.Context, req oracle.Request) (*oracle.Recommendation, error) {
	switch req.Kind {
	case oracle.KindMatch:
		return e.match(req)
	case oracle.KindPrice:
		return e.price(req)
	case oracle.KindRisk:
		return e.risk(req)
	case oracle.KindSettlement:
		return e.settle(req)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的推荐类别: %s", req.Kind))
	}
}

// match 选择距离最近的候选，距离相同时取可靠性更高者，再相同保持输入顺序。
func (e *Engine) match(req oracle.Request) (*oracle.Recommendation, error) {
	if len(req.Candidates) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "候选买家集合为空")
	}
	best := req.Candidates[0]
	for _, c := range req.Candidates[1:] {
		if c.DistanceKM < best.DistanceKM ||
			(c.DistanceKM == best.DistanceKM && c.Reliability > best.Reliability) {
			best = c
		}
	}
	return &oracle.Recommendation{
		Choice:     best.ID,
		Confidence: ruleConfidence,
		Rationale:  fmt.Sprintf("Closest buyer in %s", best.Location),
	}, nil
}

// price 查静态基准价表，未收录的作物使用默认价。
func (e *Engine) price(req oracle.Request) (*oracle.Recommendation, error) {
	unit, ok := e.basePrices[strings.ToLower(strings.TrimSpace(req.Crop))]
	if !ok {
		unit = e.defaultPrice
	}
	return &oracle.Recommendation{
		UnitPrice:  unit,
		Confidence: ruleConfidence,
		Rationale:  "base price table",
	}, nil
}

// risk 以失败交易占比作为风险分数。
func (e *Engine) risk(req oracle.Request) (*oracle.Recommendation, error) {
	total := len(req.History)
	if total == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易历史为空，应由风险闸门直接给出新用户默认值")
	}
	completed := 0
	for _, h := range req.History {
		if strings.EqualFold(h.Status, "completed") {
			completed++
		}
	}
	score := int(float64(total-completed) / float64(total) * 100)
	return &oracle.Recommendation{
		Score:      score,
		Confidence: ruleConfidence,
		Rationale:  fmt.Sprintf("%d/%d completed transactions", completed, total),
	}, nil
}

// settle 复述结算策略的硬性前置条件。规则引擎给出的建议与策略基线一致，
// 因此策略层的事后校验不会推翻这里的结论。
func (e *Engine) settle(req oracle.Request) (*oracle.Recommendation, error) {
	facts := req.Settlement
	if facts == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算推荐缺少交割事实")
	}

	if !facts.CodeMatch {
		return reviewRecommendation("verification code mismatch"), nil
	}
	if facts.WeightVariancePct > 5 {
		return reviewRecommendation(fmt.Sprintf("weight variance %.1f%% exceeds 5%%", facts.WeightVariancePct)), nil
	}
	if !gradeAtLeastB(facts.Grade) {
		return reviewRecommendation(fmt.Sprintf("grade %s below required B", facts.Grade)), nil
	}

	adjustment := 1.0
	rationale := "all settlement conditions met"
	if facts.WeightVariancePct > 3 {
		// 3-5% 区间按线性比例缩减；具体曲线由策略层配置，这里仅提示。
		rationale = fmt.Sprintf("conditions met with %.1f%% weight variance, proportional payout", facts.WeightVariancePct)
	}

	return &oracle.Recommendation{
		Decision:   oracle.DecisionAutoSettle,
		Confidence: ruleConfidence,
		Adjustment: adjustment,
		Rationale:  rationale,
	}, nil
}

func reviewRecommendation(reason string) *oracle.Recommendation {
	return &oracle.Recommendation{
		Decision:   oracle.DecisionRequireReview,
		Confidence: ruleConfidence,
		Adjustment: 0,
		Rationale:  reason,
	}
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
