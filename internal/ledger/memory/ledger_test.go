package memory

import (
	"context"
	"testing"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/ledger"
)

func TestAppendEventDedupeIdempotence(t *testing.T) {
	l := New()
	ctx := context.Background()

	event := ledger.Event{
		Topic:     "agrotrack.trades",
		Type:      ledger.EventFarmerRequest,
		TradeID:   "trade-1",
		PartyID:   "producer-1",
		DedupeKey: "trade-1/FARMER_REQUEST/nonce-1",
	}

	first, err := l.AppendEvent(ctx, event)
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	second, err := l.AppendEvent(ctx, event)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if first != second {
		t.Fatalf("replay must return the original ref: %s vs %s", first, second)
	}

	records, err := l.Events(ctx, ledger.Filter{TradeID: "trade-1"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("replay must not produce a second audit entry, got %d", len(records))
	}

	// 不同去重键的同类事件照常追加。
	event.DedupeKey = "trade-1/FARMER_REQUEST/nonce-2"
	if _, err := l.AppendEvent(ctx, event); err != nil {
		t.Fatalf("append with new key: %v", err)
	}
	records, _ = l.Events(ctx, ledger.Filter{TradeID: "trade-1"})
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}

func TestAppendEventRejectsMissingType(t *testing.T) {
	l := New()
	if _, err := l.AppendEvent(context.Background(), ledger.Event{TradeID: "t1"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestTransferDebitsEscrowBalance(t *testing.T) {
	l := New()
	ctx := context.Background()

	token, err := l.CreateEscrowToken(ctx, "AgroTrack Escrow Shilling", "ATES", 2)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	before := l.Balance(token)

	ref, err := l.Transfer(ctx, token, 900000, "+254700000001")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ref == "" {
		t.Fatal("expected transaction ref")
	}
	if before-l.Balance(token) != 900000 {
		t.Fatalf("expected balance to drop by 900000, got %d", before-l.Balance(token))
	}
}

func TestTransferRejectsInsufficientFunds(t *testing.T) {
	l := New()
	ctx := context.Background()

	token, err := l.CreateEscrowToken(ctx, "AgroTrack Escrow Shilling", "ATES", 2)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	balance := l.Balance(token)

	_, err = l.Transfer(ctx, token, balance+1, "+254700000001")
	if xerrors.CodeOf(err) != xerrors.CodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	if l.Balance(token) != balance {
		t.Fatal("failed transfer must not move funds")
	}

	if _, err := l.Transfer(ctx, "token-unknown", 1, "dest"); xerrors.CodeOf(err) != xerrors.CodeLedgerRejected {
		t.Fatalf("expected LEDGER_REJECTED for unknown token, got %v", err)
	}
}

func TestEventsAppliesFilter(t *testing.T) {
	l := New()
	ctx := context.Background()

	events := []ledger.Event{
		{Topic: "agrotrack.trades", Type: ledger.EventFarmerRequest, TradeID: "t1", PartyID: "p1"},
		{Topic: "agrotrack.trades", Type: ledger.EventBuyerAccept, TradeID: "t1", PartyID: "b1"},
		{Topic: "agrotrack.trades", Type: ledger.EventBuyerAccept, TradeID: "t2", PartyID: "b2"},
		{Topic: "other.topic", Type: ledger.EventFarmerRequest, TradeID: "t3", PartyID: "p1"},
	}
	for _, event := range events {
		if _, err := l.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byTopic, _ := l.Events(ctx, ledger.Filter{Topic: "agrotrack.trades"})
	if len(byTopic) != 3 {
		t.Fatalf("expected 3 records for topic, got %d", len(byTopic))
	}

	byParty, _ := l.Events(ctx, ledger.Filter{PartyID: "b1"})
	if len(byParty) != 1 || byParty[0].TradeID != "t1" {
		t.Fatalf("unexpected party filter result: %+v", byParty)
	}

	byType, _ := l.Events(ctx, ledger.Filter{Types: []ledger.EventType{ledger.EventBuyerAccept}})
	if len(byType) != 2 {
		t.Fatalf("expected 2 accept records, got %d", len(byType))
	}
}
