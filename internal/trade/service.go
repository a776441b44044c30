package trade

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"
	"AgroTrack-Lite/internal/market"
	"AgroTrack-Lite/internal/observability/alerting"
	"AgroTrack-Lite/internal/observability/metrics"
	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/internal/pricing"
	"AgroTrack-Lite/internal/risk"
	"AgroTrack-Lite/internal/settlement"
	"AgroTrack-Lite/pkg/logger"
)

// 托管代币的固定参数。代币在首次托管时懒创建，进程内复用。
const (
	escrowTokenName     = "AgroTrack Escrow Shilling"
	escrowTokenSymbol   = "ATES"
	escrowTokenDecimals = 2
)

const defaultPickupTime = "Tomorrow 10:00 AM"

// SubmitRequest 是进入状态机的结构化交易请求。
// 文本解析是外部采集方的职责，这里只接受已解析的字段。
type SubmitRequest struct {
	ProducerID string  `json:"producer_id"`
	Crop       string  `json:"crop"`
	QuantityKG float64 `json:"quantity_kg"`
	Location   string  `json:"location"`
}

// Proof 汇总一笔交易的全部账本事件引用，供外部展示审计链路。
type Proof struct {
	TradeID   string          `json:"trade_id"`
	Status    Status          `json:"status"`
	Topic     string          `json:"topic"`
	Token     string          `json:"token,omitempty"`
	EventRefs []string        `json:"event_refs"`
	Events    []ledger.Record `json:"events,omitempty"`
}

// Service 持有交易的权威状态机。不同交易之间完全并发，
// 同一交易上的操作经每交易互斥锁串行化。所有状态变更遵循
// 先写账本日志、成功后再落存储的顺序。
type Service struct {
	store         Store
	gateway       ledger.Gateway
	topic         string
	directory     *market.Directory
	matcher       *market.Engine
	pricer        *pricing.Engine
	gate          *risk.Gate
	policy        *settlement.Policy
	alerts        alerting.Dispatcher
	minConfidence float64
	appendRetries int
	appendBackoff time.Duration

	locks lockTable

	tokenMu sync.Mutex
	token   ledger.TokenRef
}

// ServiceOption 定义可选的 Service 配置。
type ServiceOption func(*Service)

// WithRiskGate 替换默认的风险闸门。
func WithRiskGate(gate *risk.Gate) ServiceOption {
	return func(s *Service) {
		if gate != nil {
			s.gate = gate
		}
	}
}

// WithPolicy 设置自主结算策略。未设置时交割走人工核验路径。
func WithPolicy(policy *settlement.Policy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) {
		s.alerts = dispatcher
	}
}

// WithTopic 设置账本日志主题。
func WithTopic(topic string) ServiceOption {
	return func(s *Service) {
		if strings.TrimSpace(topic) != "" {
			s.topic = topic
		}
	}
}

// WithMinConfidence 设置自主结算要求的最低置信度。
func WithMinConfidence(min float64) ServiceOption {
	return func(s *Service) {
		if min > 0 && min <= 1 {
			s.minConfidence = min
		}
	}
}

// WithAppendRetries 设置账本追加的有界重试次数。
func WithAppendRetries(retries int) ServiceOption {
	return func(s *Service) {
		if retries > 0 {
			s.appendRetries = retries
		}
	}
}

// NewService 构造交易服务。
func NewService(store Store, gateway ledger.Gateway, directory *market.Directory,
	matcher *market.Engine, pricer *pricing.Engine, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		gateway:       gateway,
		topic:         "agrotrack.trades",
		directory:     directory,
		matcher:       matcher,
		pricer:        pricer,
		gate:          risk.NewGate(nil),
		minConfidence: 0.90,
		appendRetries: 3,
		appendBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 受理一笔新交易：持久化 pending 记录、记录 FARMER_REQUEST、
// 撮合与定价生成报价并记录 AI_MATCH，返回带报价的交易。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Trade, error) {
	if s.store == nil || s.gateway == nil || s.matcher == nil || s.pricer == nil || s.directory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}
	req.ProducerID = strings.TrimSpace(req.ProducerID)
	req.Crop = strings.TrimSpace(req.Crop)
	req.Location = strings.TrimSpace(req.Location)
	if req.ProducerID == "" || req.Crop == "" || req.Location == "" {
		return nil, xerrors.New(CodeMalformedRequest, "producer_id、crop、location 均不能为空")
	}
	if math.IsNaN(req.QuantityKG) || req.QuantityKG <= 0 {
		return nil, xerrors.New(CodeMalformedRequest, "quantity_kg 必须是正数")
	}

	tradeID := uuid.NewString()
	unlock := s.locks.acquire(tradeID)
	defer unlock()

	// 先写账本，成功后才持久化本地状态。
	reqRef, err := s.appendEvent(ctx, tradeID, req.ProducerID, ledger.EventFarmerRequest, map[string]any{
		"crop":        req.Crop,
		"quantity_kg": req.QuantityKG,
		"location":    req.Location,
	})
	if err != nil {
		s.alertLedgerFailure(ctx, tradeID, req.ProducerID, err)
		return nil, err
	}

	trade := &Trade{
		ID:         tradeID,
		ProducerID: req.ProducerID,
		Crop:       req.Crop,
		QuantityKG: req.QuantityKG,
		Location:   req.Location,
		Status:     StatusPending,
		EventRefs:  []string{reqRef},
	}
	if err := s.store.Create(ctx, trade); err != nil {
		return nil, err
	}

	match, err := s.matcher.Match(ctx, market.MatchInput{
		Crop:       req.Crop,
		QuantityKG: req.QuantityKG,
		Location:   req.Location,
		Candidates: s.directory.All(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "撮合失败")
	}
	quote, err := s.pricer.Price(ctx, req.Crop, req.QuantityKG, req.Location)
	if err != nil {
		return nil, err
	}

	offer := &Offer{
		BuyerID:          match.Buyer.ID,
		BuyerName:        match.Buyer.Name,
		UnitPrice:        quote.UnitPrice,
		TotalPrice:       quote.TotalPrice,
		Currency:         quote.Currency,
		Season:           quote.Season,
		MatchRationale:   match.Rationale,
		MatchAlgorithm:   match.Algorithm,
		PriceAlgorithm:   quote.Algorithm,
		VerificationCode: newVerificationCode(),
		PickupTime:       defaultPickupTime,
	}

	matchRef, err := s.appendEvent(ctx, tradeID, match.Buyer.ID, ledger.EventAIMatch, map[string]any{
		"buyer_id":    offer.BuyerID,
		"unit_price":  offer.UnitPrice,
		"total_price": offer.TotalPrice,
		"currency":    offer.Currency,
		"algorithm":   offer.MatchAlgorithm,
	})
	if err != nil {
		// 交易保持 pending 且无报价，等待调用方重试。
		s.alertLedgerFailure(ctx, tradeID, req.ProducerID, err)
		return nil, err
	}

	trade.Offer = offer
	trade.EventRefs = append(trade.EventRefs, matchRef)
	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	logger.Audit().Info("交易受理成功",
		slog.String("trade_id", tradeID),
		slog.String("producer_id", req.ProducerID),
		slog.String("crop", req.Crop),
		slog.String("buyer_id", offer.BuyerID),
		slog.Float64("total_price", offer.TotalPrice),
	)
	return cloneTrade(trade), nil
}

// Accept 处理买家接受：风险闸门放行后锁定托管资金并迁移到 accepted。
// 闸门给出 require_additional_verification 时硬性拒绝。
func (s *Service) Accept(ctx context.Context, tradeID, buyerID string) (*Trade, error) {
	if s.store == nil || s.gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}

	unlock := s.locks.acquire(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != StatusPending || trade.Offer == nil {
		return nil, ErrInvalidState
	}

	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		buyerID = trade.Offer.BuyerID
	}
	if _, ok := s.directory.Get(buyerID); !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知买家: %s", buyerID))
	}

	history := s.partyHistory(ctx, buyerID)
	assessment := s.gate.Assess(ctx, buyerID, history)
	if assessment.Action == risk.ActionRequireAdditionalVerification {
		s.alert(ctx, alerting.Event{
			Kind:     alerting.KindRiskRejected,
			Code:     CodeRiskRejected,
			Message:  assessment.Rationale,
			Severity: xerrors.SeverityWarning,
			TradeID:  tradeID,
			PartyID:  buyerID,
			Metadata: map[string]string{"risk_score": fmt.Sprintf("%d", assessment.Score)},
		})
		return nil, xerrors.New(CodeRiskRejected, assessment.Rationale,
			xerrors.WithMetadata("risk_score", fmt.Sprintf("%d", assessment.Score)),
			xerrors.WithMetadata("risk_level", string(assessment.Level)))
	}

	token, err := s.escrowToken(ctx)
	if err != nil {
		s.alertLedgerFailure(ctx, tradeID, buyerID, err)
		return nil, err
	}
	amount := int64(math.Round(trade.Offer.TotalPrice * 100))

	acceptRef, err := s.appendEvent(ctx, tradeID, buyerID, ledger.EventBuyerAccept, map[string]any{
		"buyer_id":      buyerID,
		"escrow_amount": amount,
		"risk_score":    assessment.Score,
		"risk_level":    string(assessment.Level),
	})
	if err != nil {
		s.alertLedgerFailure(ctx, tradeID, buyerID, err)
		return nil, err
	}

	trade.Escrow = &Escrow{Amount: amount, Token: string(token), Status: EscrowLocked}
	trade.Status = StatusAccepted
	trade.EventRefs = append(trade.EventRefs, acceptRef)
	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	logger.Audit().Info("买家接受交易",
		slog.String("trade_id", tradeID),
		slog.String("buyer_id", buyerID),
		slog.Int64("escrow_amount", amount),
		slog.Int("risk_score", assessment.Score),
	)
	return cloneTrade(trade), nil
}

// ConfirmDelivery 处理交割确认。配置了结算策略时由策略决定
// 自主结算或升级人工复核；否则走人工核验路径（核验码精确匹配，
// 全额释放托管）。托管释放以 locked→released 的单调迁移做闸，
// 同一交易的重复确认至多放款一次。
func (s *Service) ConfirmDelivery(ctx context.Context, tradeID, code string, weightKG float64, grade string) (*Trade, error) {
	if s.store == nil || s.gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化")
	}
	if math.IsNaN(weightKG) || weightKG <= 0 {
		return nil, xerrors.New(CodeMalformedRequest, "实际重量必须是正数")
	}

	unlock := s.locks.acquire(tradeID)
	defer unlock()

	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != StatusAccepted || trade.Offer == nil || trade.Escrow == nil {
		return nil, ErrInvalidState
	}
	if trade.Escrow.Status != EscrowLocked {
		return nil, ErrInvalidState
	}

	delivery := &Delivery{
		Code:           code,
		ActualWeightKG: weightKG,
		Grade:          grade,
		ConfirmedAt:    time.Now().Unix(),
	}

	if s.policy == nil {
		return s.settleManually(ctx, trade, delivery)
	}
	return s.settleByPolicy(ctx, trade, delivery)
}

// settleManually 是无结算策略时的人工核验路径。
func (s *Service) settleManually(ctx context.Context, trade *Trade, delivery *Delivery) (*Trade, error) {
	if delivery.Code != trade.Offer.VerificationCode {
		return nil, ErrInvalidCode
	}

	deliveryRef, err := s.appendEvent(ctx, trade.ID, trade.Offer.BuyerID, ledger.EventDeliveryConfirmed, map[string]any{
		"weight_kg": delivery.ActualWeightKG,
		"grade":     delivery.Grade,
	})
	if err != nil {
		s.alertLedgerFailure(ctx, trade.ID, trade.Offer.BuyerID, err)
		return nil, err
	}

	txRef, err := s.gateway.Transfer(ctx, ledger.TokenRef(trade.Escrow.Token), trade.Escrow.Amount, trade.ProducerID)
	if err != nil {
		// 资金未动，交易停留在 accepted，托管保持 locked。
		s.alertLedgerFailure(ctx, trade.ID, trade.ProducerID, err)
		return nil, err
	}

	payoutRef, err := s.appendEvent(ctx, trade.ID, trade.ProducerID, ledger.EventPayoutCompleted, map[string]any{
		"amount": trade.Escrow.Amount,
		"tx_ref": txRef,
	})
	if err != nil {
		// 资金已经划出，本地状态必须前进；缺失的日志靠告警人工补账。
		s.alertLedgerFailure(ctx, trade.ID, trade.ProducerID, err)
		payoutRef = ""
	}

	trade.Delivery = delivery
	trade.Escrow.Status = EscrowReleased
	trade.Payout = &Payout{
		Amount:   float64(trade.Escrow.Amount) / 100,
		Currency: trade.Offer.Currency,
		Method:   "mpesa_manual",
		Status:   "completed",
		TxRef:    txRef,
	}
	trade.Status = StatusCompleted
	trade.EventRefs = append(trade.EventRefs, deliveryRef)
	if payoutRef != "" {
		trade.EventRefs = append(trade.EventRefs, payoutRef)
	}
	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	logger.Audit().Info("人工核验交割完成",
		slog.String("trade_id", trade.ID),
		slog.Int64("payout_amount", trade.Escrow.Amount),
		slog.String("tx_ref", txRef),
	)
	return cloneTrade(trade), nil
}

// settleByPolicy 交给自主结算策略评估，按结果放款或升级复核。
func (s *Service) settleByPolicy(ctx context.Context, trade *Trade, delivery *Delivery) (*Trade, error) {
	buyerID := trade.Offer.BuyerID
	buyerRecords := excludeTrade(s.partyRecords(ctx, buyerID), trade.ID)
	producerRecords := excludeTrade(s.partyRecords(ctx, trade.ProducerID), trade.ID)

	outcome, err := s.policy.Decide(ctx, settlement.Facts{
		TradeID:          trade.ID,
		CodeMatch:        delivery.Code == trade.Offer.VerificationCode,
		ExpectedWeightKG: trade.QuantityKG,
		ActualWeightKG:   delivery.ActualWeightKG,
		Grade:            delivery.Grade,
		BuyerReliability: settlement.Reliability(buyerRecords),
		BuyerHistory:     historySummary(buyerRecords),
		ProducerHistory:  historySummary(producerRecords),
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveSettlement(string(outcome.Decision), outcome.Algorithm)

	deliveryRef, err := s.appendEvent(ctx, trade.ID, buyerID, ledger.EventDeliveryConfirmed, map[string]any{
		"weight_kg":    delivery.ActualWeightKG,
		"grade":        delivery.Grade,
		"variance_pct": outcome.VariancePct,
		"outcome":      string(outcome.Decision),
	})
	if err != nil {
		s.alertLedgerFailure(ctx, trade.ID, buyerID, err)
		return nil, err
	}

	trade.Delivery = delivery
	trade.Decision = &Decision{
		Outcome:     string(outcome.Decision),
		Confidence:  outcome.Confidence,
		Adjustment:  outcome.Adjustment,
		VariancePct: outcome.VariancePct,
		Rationale:   outcome.Rationale,
		Algorithm:   outcome.Algorithm,
	}
	trade.EventRefs = append(trade.EventRefs, deliveryRef)

	if outcome.Decision != oracle.DecisionAutoSettle || outcome.Confidence < s.minConfidence {
		trade.Status = StatusPendingReview
		if err := s.store.Update(ctx, trade); err != nil {
			return nil, err
		}
		s.alert(ctx, alerting.Event{
			Kind:     alerting.KindReviewRequired,
			Message:  outcome.Rationale,
			Severity: xerrors.SeverityWarning,
			TradeID:  trade.ID,
			PartyID:  buyerID,
			Metadata: map[string]string{
				"confidence":   fmt.Sprintf("%.2f", outcome.Confidence),
				"variance_pct": fmt.Sprintf("%.2f", outcome.VariancePct),
			},
		})
		logger.Audit().Info("交割升级人工复核",
			slog.String("trade_id", trade.ID),
			slog.Float64("confidence", outcome.Confidence),
			slog.String("rationale", outcome.Rationale),
		)
		return cloneTrade(trade), nil
	}

	payoutAmount := int64(math.Round(float64(trade.Escrow.Amount) * outcome.Adjustment))
	txRef, err := s.gateway.Transfer(ctx, ledger.TokenRef(trade.Escrow.Token), payoutAmount, trade.ProducerID)
	if err != nil {
		// 资金未动，交易停留在 accepted，等待重试或人工处理。
		s.alertLedgerFailure(ctx, trade.ID, trade.ProducerID, err)
		return nil, err
	}

	settleRef, err := s.appendEvent(ctx, trade.ID, trade.ProducerID, ledger.EventAutonomousSettlement, map[string]any{
		"payout_amount": payoutAmount,
		"adjustment":    outcome.Adjustment,
		"confidence":    outcome.Confidence,
		"tx_ref":        txRef,
	})
	if err != nil {
		// 资金已经划出，本地状态必须前进；缺失的日志靠告警人工补账。
		s.alertLedgerFailure(ctx, trade.ID, trade.ProducerID, err)
		settleRef = ""
	}

	trade.Escrow.Status = EscrowReleased
	trade.Payout = &Payout{
		Amount:   float64(payoutAmount) / 100,
		Currency: trade.Offer.Currency,
		Method:   "escrow_release",
		Status:   "completed",
		TxRef:    txRef,
	}
	trade.Status = StatusCompletedAutonomous
	if settleRef != "" {
		trade.EventRefs = append(trade.EventRefs, settleRef)
	}
	if err := s.store.Update(ctx, trade); err != nil {
		return nil, err
	}

	logger.Audit().Info("自主结算完成",
		slog.String("trade_id", trade.ID),
		slog.Int64("payout_amount", payoutAmount),
		slog.Float64("adjustment", outcome.Adjustment),
		slog.Float64("confidence", outcome.Confidence),
		slog.String("tx_ref", txRef),
	)
	return cloneTrade(trade), nil
}

// GetProof 组装一笔交易的审计链路。
func (s *Service) GetProof(ctx context.Context, tradeID string) (*Proof, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	proof := &Proof{
		TradeID:   trade.ID,
		Status:    trade.Status,
		Topic:     s.topic,
		EventRefs: append([]string(nil), trade.EventRefs...),
	}
	if trade.Escrow != nil {
		proof.Token = trade.Escrow.Token
	}

	if s.gateway != nil {
		records, err := s.gateway.Events(ctx, ledger.Filter{Topic: s.topic, TradeID: tradeID})
		if err != nil {
			logger.L().Warn("查询账本事件失败，审计链路仅含本地引用",
				slog.Any("error", err), slog.String("trade_id", tradeID))
		} else {
			proof.Events = records
		}
	}
	return proof, nil
}

// Get 返回指定交易。
func (s *Service) Get(ctx context.Context, tradeID string) (*Trade, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return s.store.Get(ctx, tradeID)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Trade, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TradeStats, error) {
	if s.store == nil {
		return TradeStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.gateway != nil {
		s.gateway.Close()
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// appendEvent 以有界重试追加账本事件。同一逻辑事件的各次重试共享
// 去重键，账本侧至少一次的重放不会产生重复审计条目。
func (s *Service) appendEvent(ctx context.Context, tradeID, partyID string, eventType ledger.EventType, payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件负载失败")
	}
	event := ledger.Event{
		Topic:     s.topic,
		Type:      eventType,
		TradeID:   tradeID,
		PartyID:   partyID,
		DedupeKey: fmt.Sprintf("%s/%s/%s", tradeID, eventType, uuid.NewString()),
		Payload:   raw,
	}

	var lastErr error
	for attempt := 0; attempt < s.appendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "账本追加被取消")
			case <-time.After(s.appendBackoff << (attempt - 1)):
			}
		}
		ref, err := s.gateway.AppendEvent(ctx, event)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			break
		}
		logger.L().Warn("账本追加失败，准备重试",
			slog.Any("error", err),
			slog.String("trade_id", tradeID),
			slog.String("event_type", string(eventType)),
			slog.Int("attempt", attempt+1),
		)
	}
	return "", lastErr
}

// escrowToken 懒创建托管代币，进程内只创建一次。
func (s *Service) escrowToken(ctx context.Context) (ledger.TokenRef, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.gateway.CreateEscrowToken(ctx, escrowTokenName, escrowTokenSymbol, escrowTokenDecimals)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// partyRecords 返回参与方相关交易的完整账本记录。先找出该参与方
// 出现过的交易，再取这些交易的全部事件：支付事件记在对端名下，
// 只按 PartyID 过滤会漏掉完成证据。查询失败时按无历史处理。
func (s *Service) partyRecords(ctx context.Context, partyID string) []ledger.Record {
	records, err := s.gateway.Events(ctx, ledger.Filter{Topic: s.topic})
	if err != nil {
		logger.L().Warn("查询参与方历史失败，按无历史处理",
			slog.Any("error", err), slog.String("party_id", partyID))
		return nil
	}

	related := make(map[string]bool)
	for _, rec := range records {
		if rec.PartyID == partyID {
			related[rec.TradeID] = true
		}
	}

	results := make([]ledger.Record, 0, len(records))
	for _, rec := range records {
		if related[rec.TradeID] {
			results = append(results, rec)
		}
	}
	return results
}

// excludeTrade 过滤掉指定交易的事件。进行中的交易不计入参与方历史，
// 否则刚写入的 BUYER_ACCEPT 会把买家的可靠率压低。
func excludeTrade(records []ledger.Record, tradeID string) []ledger.Record {
	results := make([]ledger.Record, 0, len(records))
	for _, rec := range records {
		if rec.TradeID != tradeID {
			results = append(results, rec)
		}
	}
	return results
}

// partyHistory 把账本记录折算成按时间排列的历史交易条目。
func (s *Service) partyHistory(ctx context.Context, partyID string) []oracle.HistoryEntry {
	records := s.partyRecords(ctx, partyID)
	if len(records) == 0 {
		return nil
	}

	paid := make(map[string]bool)
	for _, rec := range records {
		if rec.Type == ledger.EventPayoutCompleted || rec.Type == ledger.EventAutonomousSettlement {
			paid[rec.TradeID] = true
		}
	}

	entries := make([]oracle.HistoryEntry, 0, len(records))
	for _, rec := range records {
		if rec.Type != ledger.EventBuyerAccept {
			continue
		}
		status := "accepted"
		if paid[rec.TradeID] {
			status = "completed"
		}
		entries = append(entries, oracle.HistoryEntry{
			Date:   rec.Timestamp.Format("2006-01-02"),
			Status: status,
		})
	}
	return entries
}

func historySummary(records []ledger.Record) string {
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
		return "no prior trades"
	}
	completed := 0
	for id := range accepted {
		if paid[id] {
			completed++
		}
	}
	return fmt.Sprintf("%d of %d trades completed", completed, len(accepted))
}

func (s *Service) alert(ctx context.Context, event alerting.Event) {
	if s.alerts == nil {
		return
	}
	event.OccurredAt = time.Now()
	if err := s.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err), slog.String("trade_id", event.TradeID))
	}
}

func (s *Service) alertLedgerFailure(ctx context.Context, tradeID, partyID string, cause error) {
	s.alert(ctx, alerting.Event{
		Kind:     alerting.KindLedgerFailure,
		Code:     xerrors.CodeOf(cause),
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		TradeID:  tradeID,
		PartyID:  partyID,
	})
}

// newVerificationCode 生成 6 位数字核验码。
func newVerificationCode() string {
	u := uuid.New()
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(u[:4])%1000000)
}

// lockTable 维护每交易互斥锁。粒度恰好是单笔交易：不同交易完全
// 并发，同一交易上的 accept 与 confirmDelivery 不会交错。
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) acquire(id string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}
