package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// EventType 表示写入不可变日志的事件类别。
type EventType string

const (
	EventFarmerRequest        EventType = "FARMER_REQUEST"
	EventAIMatch              EventType = "AI_MATCH"
	EventBuyerAccept          EventType = "BUYER_ACCEPT"
	EventDeliveryConfirmed    EventType = "DELIVERY_CONFIRMED"
	EventPayoutCompleted      EventType = "PAYOUT_COMPLETED"
	EventAutonomousSettlement EventType = "AUTONOMOUS_SETTLEMENT"
)

// Event 描述一次追加写请求。
// DedupeKey 用于幂等：同一 key 的重复追加必须返回首次写入的引用，
// 且不产生第二条日志（账本追加是至少一次语义）。
type Event struct {
	Topic     string
	Type      EventType
	TradeID   string
	PartyID   string
	DedupeKey string
	Payload   json.RawMessage
}

// Record 是账本中已落盘的一条事件。
type Record struct {
	Ref       string          `json:"ref"`
	Topic     string          `json:"topic"`
	Type      EventType       `json:"type"`
	TradeID   string          `json:"trade_id"`
	PartyID   string          `json:"party_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Filter 描述事件查询条件，零值字段表示不过滤。
type Filter struct {
	Topic   string
	TradeID string
	PartyID string
	Types   []EventType
}

// TokenRef 指向账本上托管资金使用的价值代币。
type TokenRef string

// Gateway 抽象不可变日志与价值转移能力。所有调用都是远程调用，
// 可能瞬时失败；调用方负责有界重试与降级。
type Gateway interface {
	// AppendEvent 追加一条事件并返回其引用。
	AppendEvent(ctx context.Context, event Event) (string, error)
	// CreateEscrowToken 创建托管代币并返回引用。
	CreateEscrowToken(ctx context.Context, name, symbol string, decimals uint8) (TokenRef, error)
	// Transfer 将指定数量（最小币值单位）转给目标账户，返回交易引用。
	Transfer(ctx context.Context, token TokenRef, amount int64, destination string) (string, error)
	// Events 按条件查询历史事件，按写入顺序返回。
	Events(ctx context.Context, filter Filter) ([]Record, error)
	// Close 释放底层连接。
	Close()
}

// MatchesFilter 判断记录是否命中查询条件，供驱动实现复用。
func MatchesFilter(rec Record, filter Filter) bool {
	if filter.Topic != "" && rec.Topic != filter.Topic {
		return false
	}
	if filter.TradeID != "" && rec.TradeID != filter.TradeID {
		return false
	}
	if filter.PartyID != "" && rec.PartyID != filter.PartyID {
		return false
	}
	if len(filter.Types) > 0 {
		matched := false
		for _, t := range filter.Types {
			if rec.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
