package trade

import (
	xerrors "AgroTrack-Lite/internal/errors"
)

// Status 表示交易在生命周期中的状态。
// 合法迁移：pending → accepted → {pending_review, completed, completed_autonomous}。
// 任何边都不会回到 pending 或 accepted。
type Status string

const (
	StatusPending             Status = "pending"
	StatusAccepted            Status = "accepted"
	StatusPendingReview       Status = "pending_review"
	StatusCompleted           Status = "completed"
	StatusCompletedAutonomous Status = "completed_autonomous"
)

// EscrowStatus 表示托管资金的状态，迁移单调不可逆。
type EscrowStatus string

const (
	EscrowLocked    EscrowStatus = "locked"
	EscrowReleased  EscrowStatus = "released"
	EscrowCancelled EscrowStatus = "cancelled"
)

// Offer 是撮合与定价的产物，创建后不再变化。
type Offer struct {
	BuyerID          string  `json:"buyer_id"`
	BuyerName        string  `json:"buyer_name"`
	UnitPrice        float64 `json:"unit_price"`
	TotalPrice       float64 `json:"total_price"`
	Currency         string  `json:"currency"`
	Season           string  `json:"season"`
	MatchRationale   string  `json:"match_rationale"`
	MatchAlgorithm   string  `json:"match_algorithm"`
	PriceAlgorithm   string  `json:"price_algorithm"`
	VerificationCode string  `json:"verification_code"`
	PickupTime       string  `json:"pickup_time"`
}

// Escrow 表示锁定在账本上的托管资金，金额为最小币值单位。
type Escrow struct {
	Amount int64        `json:"amount"`
	Token  string       `json:"token"`
	Status EscrowStatus `json:"status"`
}

// Delivery 记录一次交割确认的事实。
type Delivery struct {
	Code           string  `json:"code"`
	ActualWeightKG float64 `json:"actual_weight_kg"`
	Grade          string  `json:"grade"`
	ConfirmedAt    int64   `json:"confirmed_at"`
}

// Decision 记录结算策略的产出，产生后不再变化。
type Decision struct {
	Outcome     string  `json:"outcome"`
	Confidence  float64 `json:"confidence"`
	Adjustment  float64 `json:"adjustment"`
	VariancePct float64 `json:"variance_pct"`
	Rationale   string  `json:"rationale"`
	Algorithm   string  `json:"algorithm"`
}

// Payout 是交易的终态产物。
type Payout struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Method   string  `json:"method"`
	Status   string  `json:"status"`
	TxRef    string  `json:"tx_ref,omitempty"`
}

// Trade 是交易的权威记录。除 Status 与沿生命周期各附加一次的
// 子结构外，创建后其余字段不可变。EventRefs 按写入顺序保存
// 该交易全部账本事件的引用。
type Trade struct {
	ID         string    `json:"id"`
	ProducerID string    `json:"producer_id"`
	Crop       string    `json:"crop"`
	QuantityKG float64   `json:"quantity_kg"`
	Location   string    `json:"location"`
	Status     Status    `json:"status"`
	Offer      *Offer    `json:"offer,omitempty"`
	Escrow     *Escrow   `json:"escrow,omitempty"`
	Delivery   *Delivery `json:"delivery,omitempty"`
	Decision   *Decision `json:"decision,omitempty"`
	Payout     *Payout   `json:"payout,omitempty"`
	EventRefs  []string  `json:"event_refs,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

var (
	// ErrTradeNotFound 表示指定的交易不存在。
	ErrTradeNotFound = xerrors.New(CodeTradeNotFound, "trade not found")
	// ErrTradeConflict 表示交易 ID 已存在。
	ErrTradeConflict = xerrors.New(CodeTradeConflict, "trade already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidState 表示交易当前状态不允许所请求的迁移。
	ErrInvalidState = xerrors.New(CodeInvalidState, "illegal trade state transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidCode 表示交割核验码不匹配。
	ErrInvalidCode = xerrors.New(CodeInvalidCode, "verification code mismatch", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeMalformedRequest xerrors.Code = "MALFORMED_REQUEST"
	CodeTradeNotFound    xerrors.Code = "TRADE_NOT_FOUND"
	CodeTradeConflict    xerrors.Code = "TRADE_CONFLICT"
	CodeRiskRejected     xerrors.Code = "RISK_REJECTED"
	CodeInvalidState     xerrors.Code = "INVALID_STATE"
	CodeInvalidCode      xerrors.Code = "INVALID_CODE"
)

func init() {
	xerrors.Register(CodeMalformedRequest, xerrors.Attributes{
		Message:   "malformed trade request",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeNotFound, xerrors.Attributes{
		Message:   "trade not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTradeConflict, xerrors.Attributes{
		Message:   "trade already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRiskRejected, xerrors.Attributes{
		Message:   "counterparty rejected by risk gate",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInvalidState, xerrors.Attributes{
		Message:   "illegal trade state transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidCode, xerrors.Attributes{
		Message:   "verification code mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAccepted, StatusPendingReview, StatusCompleted, StatusCompletedAutonomous:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusPendingReview, StatusCompleted, StatusCompletedAutonomous:
		return true
	default:
		return false
	}
}

func cloneTrade(t *Trade) *Trade {
	clone := *t
	if t.Offer != nil {
		offerCopy := *t.Offer
		clone.Offer = &offerCopy
	}
	if t.Escrow != nil {
		escrowCopy := *t.Escrow
		clone.Escrow = &escrowCopy
	}
	if t.Delivery != nil {
		deliveryCopy := *t.Delivery
		clone.Delivery = &deliveryCopy
	}
	if t.Decision != nil {
		decisionCopy := *t.Decision
		clone.Decision = &decisionCopy
	}
	if t.Payout != nil {
		payoutCopy := *t.Payout
		clone.Payout = &payoutCopy
	}
	clone.EventRefs = append([]string(nil), t.EventRefs...)
	return &clone
}
