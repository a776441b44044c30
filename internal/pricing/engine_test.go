package pricing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/oracle"
)

type stubOracle struct {
	rec *oracle.Recommendation
	err error
}

func (s *stubOracle) Recommend(context.Context, oracle.Request) (*oracle.Recommendation, error) {
	return s.rec, s.err
}

func TestPriceFallsBackToBaseTable(t *testing.T) {
	engine := NewEngine(nil, nil)

	quote, err := engine.Price(context.Background(), "maize", 200, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.UnitPrice != 45 {
		t.Fatalf("expected unit price 45, got %.2f", quote.UnitPrice)
	}
	if quote.TotalPrice != 9000 {
		t.Fatalf("expected total 9000.00, got %.2f", quote.TotalPrice)
	}
	if quote.Currency != "KES" {
		t.Fatalf("expected KES, got %s", quote.Currency)
	}
	if quote.Algorithm != AlgorithmFallback {
		t.Fatalf("expected fallback algorithm tag, got %s", quote.Algorithm)
	}

	// 基准价表对大小写与空白不敏感。
	quote, err = engine.Price(context.Background(), "  Beans ", 10, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.UnitPrice != 120 {
		t.Fatalf("expected unit price 120, got %.2f", quote.UnitPrice)
	}

	// 未收录的作物使用默认价。
	quote, err = engine.Price(context.Background(), "avocado", 10, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.UnitPrice != 50 {
		t.Fatalf("expected default price 50, got %.2f", quote.UnitPrice)
	}
}

func TestPriceUsesOracleUnitPrice(t *testing.T) {
	engine := NewEngine(&stubOracle{rec: &oracle.Recommendation{UnitPrice: 52.5}}, nil)

	quote, err := engine.Price(context.Background(), "maize", 100, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.UnitPrice != 52.5 || quote.TotalPrice != 5250 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if quote.Algorithm != AlgorithmLLM {
		t.Fatalf("expected llm algorithm tag, got %s", quote.Algorithm)
	}
}

func TestPriceIgnoresUnusableOracleReply(t *testing.T) {
	// 推荐失败或给出非正单价时回退到基准价表。
	for _, client := range []oracle.Client{
		&stubOracle{err: errors.New("oracle down")},
		&stubOracle{rec: &oracle.Recommendation{UnitPrice: 0}},
	} {
		engine := NewEngine(client, nil)
		quote, err := engine.Price(context.Background(), "maize", 200, "Kisumu")
		if err != nil {
			t.Fatalf("price: %v", err)
		}
		if quote.UnitPrice != 45 || quote.Algorithm != AlgorithmFallback {
			t.Fatalf("expected base table fallback, got %+v", quote)
		}
	}
}

func TestPriceSeasonFollowsCalendar(t *testing.T) {
	harvest := NewEngine(nil, nil, WithClock(func() time.Time {
		return time.Date(2026, time.April, 10, 0, 0, 0, 0, time.UTC)
	}))
	quote, err := harvest.Price(context.Background(), "maize", 10, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Season != "Harvest season" {
		t.Fatalf("expected harvest season in April, got %s", quote.Season)
	}

	planting := NewEngine(nil, nil, WithClock(func() time.Time {
		return time.Date(2026, time.September, 10, 0, 0, 0, 0, time.UTC)
	}))
	quote, err = planting.Price(context.Background(), "maize", 10, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Season != "Planting season" {
		t.Fatalf("expected planting season in September, got %s", quote.Season)
	}
}

func TestPriceRejectsInvalidQuantity(t *testing.T) {
	engine := NewEngine(nil, nil)
	for _, quantity := range []float64{0, -10, math.NaN()} {
		if _, err := engine.Price(context.Background(), "maize", quantity, "Kisumu"); xerrors.CodeOf(err) != CodeInvalidQuantity {
			t.Fatalf("expected INVALID_QUANTITY for %v, got %v", quantity, err)
		}
	}
}

func TestPriceRoundsTotalToCents(t *testing.T) {
	engine := NewEngine(&stubOracle{rec: &oracle.Recommendation{UnitPrice: 33.333}}, nil)
	quote, err := engine.Price(context.Background(), "maize", 3, "Kisumu")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.TotalPrice != 100 {
		t.Fatalf("expected total rounded to 100.00, got %v", quote.TotalPrice)
	}
}
