package oracle

import "context"

// Kind 表示一次推荐请求的类别。
type Kind string

const (
	KindMatch      Kind = "match"
	KindPrice      Kind = "price"
	KindRisk       Kind = "risk"
	KindSettlement Kind = "settlement"
)

// Candidate 描述撮合时提供给推荐服务的候选买家画像。
type Candidate struct {
	ID          string
	Name        string
	Location    string
	DistanceKM  float64
	Reliability int
	CapacityKG  float64
}

// HistoryEntry 描述一笔历史交易，用于风险评估的上下文。
type HistoryEntry struct {
	Date   string
	Crop   string
	Status string
	Amount float64
}

// SettlementFacts 汇总交割核验后的事实，供结算推荐使用。
// 所有字段均为结构化数值，推荐服务不做任何核验，只给出建议。
type SettlementFacts struct {
	CodeMatch         bool
	WeightVariancePct float64
	Grade             string
	BuyerHistory      string
	ProducerHistory   string
}

// Request 描述发送给推荐服务的结构化事实。
// 不同 Kind 只使用与之相关的字段。
type Request struct {
	Kind       Kind
	Crop       string
	QuantityKG float64
	Location   string
	Season     string
	MarketData string
	PartyID    string
	Candidates []Candidate
	History    []HistoryEntry
	Settlement *SettlementFacts
}

// Decision 是结算推荐的终态取值。
type Decision string

const (
	DecisionAutoSettle    Decision = "AUTO_SETTLE"
	DecisionRequireReview Decision = "REQUIRE_REVIEW"
)

// Recommendation 是推荐服务返回的结构化结果。
// Choice/Score/Decision 按 Kind 取用，Confidence 与 Rationale 始终有效。
type Recommendation struct {
	Choice     string
	Score      int
	UnitPrice  float64
	Decision   Decision
	Confidence float64
	Adjustment float64
	Rationale  string
}

// Client 定义了调用推荐服务的统一接口。
// 实现可以是大模型，也可以是确定性规则引擎，调用方不感知差异。
type Client interface {
	Recommend(ctx context.Context, req Request) (*Recommendation, error)
}
