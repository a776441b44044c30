package trade

import (
	"context"
	"fmt"
	"sync"
	"testing"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"
	ledgermem "AgroTrack-Lite/internal/ledger/memory"
	"AgroTrack-Lite/internal/market"
	"AgroTrack-Lite/internal/observability/alerting"
	"AgroTrack-Lite/internal/oracle"
	"AgroTrack-Lite/internal/pricing"
	"AgroTrack-Lite/internal/settlement"
)

type stubOracle struct {
	rec *oracle.Recommendation
	err error
}

func (s *stubOracle) Recommend(context.Context, oracle.Request) (*oracle.Recommendation, error) {
	return s.rec, s.err
}

func testDirectory(t *testing.T) *market.Directory {
	t.Helper()
	directory, err := market.NewDirectory([]market.Buyer{
		{ID: "buyer-kisumu", Name: "Kisumu Fresh Traders", Location: "Kisumu", DistanceKM: 5, Reliability: 92, CapacityKG: 5000},
		{ID: "buyer-eldoret", Name: "Eldoret Grain Co", Location: "Eldoret", DistanceKM: 15, Reliability: 88, CapacityKG: 8000},
		{ID: "buyer-nairobi", Name: "Nairobi Agri Hub", Location: "Nairobi", DistanceKM: 350, Reliability: 75, CapacityKG: 20000},
	})
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	return directory
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *ledgermem.Ledger) {
	t.Helper()
	gw := ledgermem.New()
	service := NewService(
		NewMemoryStore(),
		gw,
		testDirectory(t),
		market.NewEngine(nil),
		pricing.NewEngine(nil, nil),
		opts...,
	)
	return service, gw
}

// seedBuyerHistory 为买家写入历史交易事件。completed 为真时同一笔交易
// 额外写入支付事件，模拟已完成的历史。
func seedBuyerHistory(t *testing.T, gw *ledgermem.Ledger, buyerID string, trades int, completed bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < trades; i++ {
		tradeID := fmt.Sprintf("seed-%s-%d", buyerID, i)
		if _, err := gw.AppendEvent(ctx, ledger.Event{
			Topic:   "agrotrack.trades",
			Type:    ledger.EventBuyerAccept,
			TradeID: tradeID,
			PartyID: buyerID,
		}); err != nil {
			t.Fatalf("seed accept event: %v", err)
		}
		if !completed {
			continue
		}
		if _, err := gw.AppendEvent(ctx, ledger.Event{
			Topic:   "agrotrack.trades",
			Type:    ledger.EventPayoutCompleted,
			TradeID: tradeID,
			PartyID: "producer-history",
		}); err != nil {
			t.Fatalf("seed payout event: %v", err)
		}
	}
}

func TestSubmitCreatesOfferAndLedgerTrail(t *testing.T) {
	service, gw := newTestService(t)
	ctx := context.Background()

	result, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "+254700000001",
		Crop:       "Maize",
		QuantityKG: 200,
		Location:   "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if result.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", result.Status)
	}
	if result.Offer == nil {
		t.Fatal("expected offer to be attached")
	}
	if result.Offer.BuyerID != "buyer-kisumu" {
		t.Fatalf("expected nearest buyer, got %s", result.Offer.BuyerID)
	}
	if result.Offer.UnitPrice != 45 || result.Offer.TotalPrice != 9000 {
		t.Fatalf("unexpected pricing: %.2f / %.2f", result.Offer.UnitPrice, result.Offer.TotalPrice)
	}
	if result.Offer.Currency != "KES" {
		t.Fatalf("unexpected currency: %s", result.Offer.Currency)
	}
	if len(result.Offer.VerificationCode) != 6 {
		t.Fatalf("expected 6-digit verification code, got %q", result.Offer.VerificationCode)
	}
	if len(result.EventRefs) != 2 {
		t.Fatalf("expected 2 ledger refs, got %d", len(result.EventRefs))
	}

	records, err := gw.Events(ctx, ledger.Filter{Topic: "agrotrack.trades", TradeID: result.ID})
	if err != nil {
		t.Fatalf("query ledger: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 ledger records, got %d", len(records))
	}
	if records[0].Type != ledger.EventFarmerRequest || records[1].Type != ledger.EventAIMatch {
		t.Fatalf("unexpected event order: %s, %s", records[0].Type, records[1].Type)
	}
}

func TestSubmitRejectsMalformedRequest(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	cases := []SubmitRequest{
		{ProducerID: "", Crop: "maize", QuantityKG: 100, Location: "Kisumu"},
		{ProducerID: "p1", Crop: "", QuantityKG: 100, Location: "Kisumu"},
		{ProducerID: "p1", Crop: "maize", QuantityKG: 100, Location: ""},
		{ProducerID: "p1", Crop: "maize", QuantityKG: 0, Location: "Kisumu"},
		{ProducerID: "p1", Crop: "maize", QuantityKG: -5, Location: "Kisumu"},
	}
	for i, req := range cases {
		if _, err := service.Submit(ctx, req); xerrors.CodeOf(err) != CodeMalformedRequest {
			t.Fatalf("case %d: expected MALFORMED_REQUEST, got %v", i, err)
		}
	}
}

func TestAcceptLocksEscrow(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	submitted, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "+254700000001", Crop: "maize", QuantityKG: 200, Location: "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	accepted, err := service.Accept(ctx, submitted.ID, "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted status, got %s", accepted.Status)
	}
	if accepted.Escrow == nil {
		t.Fatal("expected escrow to be created")
	}
	if accepted.Escrow.Amount != 900000 {
		t.Fatalf("expected escrow of 900000 minor units, got %d", accepted.Escrow.Amount)
	}
	if accepted.Escrow.Status != EscrowLocked {
		t.Fatalf("expected locked escrow, got %s", accepted.Escrow.Status)
	}
	if accepted.Escrow.Token == "" {
		t.Fatal("expected escrow token reference")
	}

	// 重复接受应被状态机拒绝。
	if _, err := service.Accept(ctx, submitted.ID, ""); xerrors.CodeOf(err) != CodeInvalidState {
		t.Fatalf("expected INVALID_STATE on second accept, got %v", err)
	}
}

func TestAcceptRejectsHighRiskBuyer(t *testing.T) {
	service, gw := newTestService(t)
	ctx := context.Background()

	// 买家有 3 笔接受却从未完成支付，失败率 100%。
	seedBuyerHistory(t, gw, "buyer-kisumu", 3, false)

	submitted, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "+254700000001", Crop: "maize", QuantityKG: 200, Location: "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = service.Accept(ctx, submitted.ID, "buyer-kisumu")
	if xerrors.CodeOf(err) != CodeRiskRejected {
		t.Fatalf("expected RISK_REJECTED, got %v", err)
	}

	current, err := service.Get(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusPending {
		t.Fatalf("expected trade to remain pending, got %s", current.Status)
	}
	if current.Escrow != nil {
		t.Fatal("escrow must not be created for rejected buyer")
	}
}

func TestAcceptUnknownTradeAndBuyer(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.Accept(ctx, "missing", ""); xerrors.CodeOf(err) != CodeTradeNotFound {
		t.Fatalf("expected TRADE_NOT_FOUND, got %v", err)
	}

	submitted, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "p1", Crop: "maize", QuantityKG: 100, Location: "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.Accept(ctx, submitted.ID, "buyer-unknown"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown buyer, got %v", err)
	}
}

func acceptTrade(t *testing.T, service *Service, crop string, quantity float64) *Trade {
	t.Helper()
	ctx := context.Background()
	submitted, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "+254700000001", Crop: crop, QuantityKG: quantity, Location: "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accepted, err := service.Accept(ctx, submitted.ID, "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

func TestConfirmDeliveryAutonomousSettlement(t *testing.T) {
	service, gw := newTestService(t, WithPolicy(settlement.NewPolicy(nil)))
	ctx := context.Background()

	// 买家有 4 笔全部完成的历史，可靠率 100%。
	seedBuyerHistory(t, gw, "buyer-kisumu", 4, true)

	accepted := acceptTrade(t, service, "maize", 200)
	balanceBefore := gw.Balance(ledger.TokenRef(accepted.Escrow.Token))

	settled, err := service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 200, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	if settled.Status != StatusCompletedAutonomous {
		t.Fatalf("expected completed_autonomous, got %s", settled.Status)
	}
	if settled.Escrow.Status != EscrowReleased {
		t.Fatalf("expected released escrow, got %s", settled.Escrow.Status)
	}
	if settled.Payout == nil || settled.Payout.Amount != 9000 {
		t.Fatalf("unexpected payout: %+v", settled.Payout)
	}
	if settled.Payout.Method != "escrow_release" {
		t.Fatalf("unexpected payout method: %s", settled.Payout.Method)
	}
	if settled.Decision == nil || settled.Decision.Outcome != string(oracle.DecisionAutoSettle) {
		t.Fatalf("unexpected decision: %+v", settled.Decision)
	}
	if settled.Decision.Adjustment != 1.0 {
		t.Fatalf("expected full payout adjustment, got %.2f", settled.Decision.Adjustment)
	}

	balanceAfter := gw.Balance(ledger.TokenRef(settled.Escrow.Token))
	if balanceBefore-balanceAfter != 900000 {
		t.Fatalf("expected escrow transfer of 900000, balance moved %d", balanceBefore-balanceAfter)
	}
}

func TestConfirmDeliveryVarianceBandReducesPayout(t *testing.T) {
	service, gw := newTestService(t, WithPolicy(settlement.NewPolicy(nil)))
	ctx := context.Background()

	seedBuyerHistory(t, gw, "buyer-kisumu", 4, true)
	accepted := acceptTrade(t, service, "maize", 200)

	// 实际 208kg，方差 4%，落在 3%-5% 的比例扣减区间。
	settled, err := service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 208, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	if settled.Status != StatusCompletedAutonomous {
		t.Fatalf("expected completed_autonomous, got %s", settled.Status)
	}
	if settled.Decision.Adjustment >= 1.0 || settled.Decision.Adjustment <= 0 {
		t.Fatalf("adjustment must be strictly between 0 and 1, got %.4f", settled.Decision.Adjustment)
	}
	if settled.Decision.Adjustment != 0.95 {
		t.Fatalf("expected adjustment 0.95 at 4%% variance, got %.4f", settled.Decision.Adjustment)
	}
	if settled.Payout.Amount >= 9000 {
		t.Fatalf("payout must be below full escrow amount, got %.2f", settled.Payout.Amount)
	}
	if settled.Payout.Amount != 8550 {
		t.Fatalf("expected payout 8550.00, got %.2f", settled.Payout.Amount)
	}
}

func TestConfirmDeliveryHardRuleOverridesOracle(t *testing.T) {
	// 推荐服务坚持自主结算，但 10% 的重量方差触发硬性前置条件。
	optimistic := &stubOracle{rec: &oracle.Recommendation{
		Decision:   oracle.DecisionAutoSettle,
		Confidence: 0.99,
		Adjustment: 1.0,
	}}
	service, gw := newTestService(t, WithPolicy(settlement.NewPolicy(optimistic)))
	ctx := context.Background()

	seedBuyerHistory(t, gw, "buyer-kisumu", 4, true)
	accepted := acceptTrade(t, service, "maize", 200)

	settled, err := service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 220, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	if settled.Status != StatusPendingReview {
		t.Fatalf("expected pending_review, got %s", settled.Status)
	}
	if settled.Escrow.Status != EscrowLocked {
		t.Fatalf("escrow must stay locked, got %s", settled.Escrow.Status)
	}
	if settled.Payout != nil {
		t.Fatalf("no payout expected, got %+v", settled.Payout)
	}
	if settled.Decision.Outcome != string(oracle.DecisionRequireReview) {
		t.Fatalf("unexpected decision outcome: %s", settled.Decision.Outcome)
	}
}

func TestConfirmDeliveryCodeMismatchEscalates(t *testing.T) {
	service, gw := newTestService(t, WithPolicy(settlement.NewPolicy(nil)))
	ctx := context.Background()

	seedBuyerHistory(t, gw, "buyer-kisumu", 4, true)
	accepted := acceptTrade(t, service, "maize", 200)
	balanceBefore := gw.Balance(ledger.TokenRef(accepted.Escrow.Token))

	settled, err := service.ConfirmDelivery(ctx, accepted.ID, "000000", 200, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if settled.Status != StatusPendingReview {
		t.Fatalf("expected pending_review on code mismatch, got %s", settled.Status)
	}
	if settled.Escrow.Status != EscrowLocked {
		t.Fatalf("escrow must stay locked, got %s", settled.Escrow.Status)
	}
	if gw.Balance(ledger.TokenRef(accepted.Escrow.Token)) != balanceBefore {
		t.Fatal("funds must not move on code mismatch")
	}
}

func TestManualVerificationPath(t *testing.T) {
	service, gw := newTestService(t)
	ctx := context.Background()

	accepted := acceptTrade(t, service, "beans", 50)
	balanceBefore := gw.Balance(ledger.TokenRef(accepted.Escrow.Token))

	// 核验码不匹配：拒绝且托管保持锁定。
	if _, err := service.ConfirmDelivery(ctx, accepted.ID, "000000", 50, "A"); xerrors.CodeOf(err) != CodeInvalidCode {
		t.Fatalf("expected INVALID_CODE, got %v", err)
	}
	current, err := service.Get(ctx, accepted.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != StatusAccepted || current.Escrow.Status != EscrowLocked {
		t.Fatalf("trade must stay accepted/locked, got %s/%s", current.Status, current.Escrow.Status)
	}

	// 核验码匹配：全额释放并完成交易。
	settled, err := service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 50, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if settled.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if settled.Payout == nil || settled.Payout.Method != "mpesa_manual" {
		t.Fatalf("unexpected payout: %+v", settled.Payout)
	}
	if balanceBefore-gw.Balance(ledger.TokenRef(settled.Escrow.Token)) != settled.Escrow.Amount {
		t.Fatal("full escrow amount must be transferred")
	}
}

func TestConcurrentConfirmDeliveryReleasesOnce(t *testing.T) {
	service, gw := newTestService(t)
	ctx := context.Background()

	accepted := acceptTrade(t, service, "maize", 200)
	balanceBefore := gw.Balance(ledger.TokenRef(accepted.Escrow.Token))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 200, "A")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if xerrors.CodeOf(err) != CodeInvalidState {
			t.Fatalf("unexpected error from concurrent confirm: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one confirm must succeed, got %d", succeeded)
	}
	if balanceBefore-gw.Balance(ledger.TokenRef(accepted.Escrow.Token)) != accepted.Escrow.Amount {
		t.Fatal("escrow must be released exactly once")
	}
}

func TestGetProofAssemblesAuditTrail(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	accepted := acceptTrade(t, service, "maize", 200)
	settled, err := service.ConfirmDelivery(ctx, accepted.ID, accepted.Offer.VerificationCode, 200, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	proof, err := service.GetProof(ctx, settled.ID)
	if err != nil {
		t.Fatalf("get proof: %v", err)
	}
	if proof.TradeID != settled.ID || proof.Status != StatusCompleted {
		t.Fatalf("unexpected proof header: %+v", proof)
	}
	if proof.Topic != "agrotrack.trades" {
		t.Fatalf("unexpected topic: %s", proof.Topic)
	}
	if proof.Token == "" {
		t.Fatal("expected token reference in proof")
	}
	// FARMER_REQUEST、AI_MATCH、BUYER_ACCEPT、DELIVERY_CONFIRMED、PAYOUT_COMPLETED
	if len(proof.EventRefs) != 5 {
		t.Fatalf("expected 5 event refs, got %d", len(proof.EventRefs))
	}
	if len(proof.Events) != 5 {
		t.Fatalf("expected 5 ledger events, got %d", len(proof.Events))
	}

	if _, err := service.GetProof(ctx, "missing"); xerrors.CodeOf(err) != CodeTradeNotFound {
		t.Fatalf("expected TRADE_NOT_FOUND, got %v", err)
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) byKind(kind alerting.Kind) []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []alerting.Event
	for _, event := range d.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

func TestAlertsEmittedOnRiskAndReview(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	service, gw := newTestService(t,
		WithPolicy(settlement.NewPolicy(nil)),
		WithAlerts(dispatcher),
	)
	ctx := context.Background()

	// 风险拦截要产生告警。
	seedBuyerHistory(t, gw, "buyer-eldoret", 3, false)
	submitted, err := service.Submit(ctx, SubmitRequest{
		ProducerID: "+254700000001", Crop: "maize", QuantityKG: 200, Location: "Kisumu",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := service.Accept(ctx, submitted.ID, "buyer-eldoret"); xerrors.CodeOf(err) != CodeRiskRejected {
		t.Fatalf("expected RISK_REJECTED, got %v", err)
	}
	rejected := dispatcher.byKind(alerting.KindRiskRejected)
	if len(rejected) != 1 {
		t.Fatalf("expected 1 risk alert, got %d", len(rejected))
	}
	if rejected[0].TradeID != submitted.ID || rejected[0].PartyID != "buyer-eldoret" {
		t.Fatalf("unexpected risk alert: %+v", rejected[0])
	}

	// 升级人工复核同样要告警。
	seedBuyerHistory(t, gw, "buyer-kisumu", 4, true)
	accepted := acceptTrade(t, service, "maize", 200)
	settled, err := service.ConfirmDelivery(ctx, accepted.ID, "000000", 200, "A")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if settled.Status != StatusPendingReview {
		t.Fatalf("expected pending_review, got %s", settled.Status)
	}
	reviews := dispatcher.byKind(alerting.KindReviewRequired)
	if len(reviews) != 1 {
		t.Fatalf("expected 1 review alert, got %d", len(reviews))
	}
	if reviews[0].TradeID != accepted.ID {
		t.Fatalf("unexpected review alert: %+v", reviews[0])
	}
}
