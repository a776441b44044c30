package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/pkg/logger"
)

// Level 是风险分档。
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Action 是风险评估给出的处置建议。
type Action string

const (
	ActionProceed                       Action = "proceed"
	ActionProceedWithCaution            Action = "proceed_with_caution"
	ActionRequireAdditionalVerification Action = "require_additional_verification"
)

// 风险算法标识。
const (
	AlgorithmLLM      = "llm_history_risk_v1"
	AlgorithmFallback = "failure_ratio_v1"
)

// historyWindow 是参与评估的最近历史条数。
const historyWindow = 10

// Assessment 是一次风险评估结果。
type Assessment struct {
	Score     int
	Level     Level
	Action    Action
	Rationale string
	Algorithm string
}

// Gate 基于参与方历史给出风险分数与处置建议。
// 分数越高风险越高；分档边界固定：<30 低、<60 中、其余高。
type Gate struct {
	client  oracle.Client
	timeout time.Duration
}

// Option 定义可选的 Gate 配置。
type Option func(*Gate)

// WithOracleTimeout 设置推荐服务调用的超时时间。
func WithOracleTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		g.timeout = timeout
	}
}

// NewGate 创建风险闸门。client 可为 nil，此时只走确定性规则。
func NewGate(client oracle.Client, opts ...Option) *Gate {
	g := &Gate{
		client:  client,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Assess 评估参与方风险。无历史的新参与方固定得到 15 分、
// 低风险、谨慎推进，不咨询推荐服务。
func (g *Gate) Assess(ctx context.Context, partyID string, history []oracle.HistoryEntry) Assessment {
	if len(history) == 0 {
		return Assessment{
			Score:     15,
			Level:     LevelLow,
			Action:    ActionProceedWithCaution,
			Rationale: "No trade history for new participant",
			Algorithm: AlgorithmFallback,
		}
	}

	window := history
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}

	if g.client != nil {
		if a, ok := g.consultOracle(ctx, partyID, window); ok {
			return a
		}
	}
	return g.fallback(window)
}

func (g *Gate) consultOracle(ctx context.Context, partyID string, history []oracle.HistoryEntry) (Assessment, bool) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	rec, err := g.client.Recommend(ctx, oracle.Request{
		Kind:    oracle.KindRisk,
		PartyID: partyID,
		History: history,
	})
	if err != nil {
		logger.L().Warn("风险推荐失败，回退到失败率规则",
			slog.Any("error", err), slog.String("party_id", partyID))
		return Assessment{}, false
	}
	if rec.Score < 0 || rec.Score > 100 {
		logger.L().Warn("风险推荐分数越界，回退到失败率规则", slog.Int("score", rec.Score))
		return Assessment{}, false
	}

	a := classify(rec.Score)
	a.Rationale = rec.Rationale
	a.Algorithm = AlgorithmLLM
	return a, true
}

// fallback 以窗口内未完成交易的占比作为风险分数。
func (g *Gate) fallback(history []oracle.HistoryEntry) Assessment {
	completed := 0
	for _, h := range history {
		if h.Status == "completed" || h.Status == "completed_autonomous" {
			completed++
		}
	}
	score := (len(history) - completed) * 100 / len(history)

	a := classify(score)
	a.Rationale = fmt.Sprintf("%d of %d recent trades completed", completed, len(history))
	a.Algorithm = AlgorithmFallback
	return a
}

// classify 按固定边界把分数映射到分档与处置建议。
func classify(score int) Assessment {
	switch {
	case score < 30:
		return Assessment{Score: score, Level: LevelLow, Action: ActionProceed}
	case score < 60:
		return Assessment{Score: score, Level: LevelMedium, Action: ActionProceedWithCaution}
	default:
		return Assessment{Score: score, Level: LevelHigh, Action: ActionRequireAdditionalVerification}
	}
}
