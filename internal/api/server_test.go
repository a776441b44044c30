package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ledgermem "AgroTrack-Lite/internal/ledger/memory"
	"AgroTrack-Lite/internal/market"
	"AgroTrack-Lite/internal/pricing"
	"AgroTrack-Lite/internal/settlement"
	"AgroTrack-Lite/internal/trade"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	directory, err := market.NewDirectory([]market.Buyer{
		{ID: "buyer-kisumu", Name: "Kisumu Fresh Traders", Location: "Kisumu", DistanceKM: 5, Reliability: 92, CapacityKG: 5000},
		{ID: "buyer-eldoret", Name: "Eldoret Grain Co", Location: "Eldoret", DistanceKM: 15, Reliability: 88, CapacityKG: 8000},
	})
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}
	service := trade.NewService(
		trade.NewMemoryStore(),
		ledgermem.New(),
		directory,
		market.NewEngine(nil),
		pricing.NewEngine(nil, nil),
		trade.WithPolicy(settlement.NewPolicy(nil)),
	)
	server := NewServer(":0", service)
	return server, server.routes()
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func submitTrade(t *testing.T, handler http.Handler) trade.Trade {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades",
		`{"producer_id":"+254700000001","crop":"maize","quantity_kg":200,"location":"Kisumu"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status: got %d want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var result trade.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return result
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	_, handler := newTestServer(t)

	submitted := submitTrade(t, handler)
	if submitted.Status != trade.StatusPending || submitted.Offer == nil {
		t.Fatalf("unexpected submit result: %+v", submitted)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades/"+submitted.ID+"/accept", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("accept status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var accepted trade.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode accept response: %v", err)
	}
	if accepted.Status != trade.StatusAccepted || accepted.Escrow == nil {
		t.Fatalf("unexpected accept result: %+v", accepted)
	}

	// 首次交易的买家缺少可靠历史，策略升级人工复核而非放款。
	body := `{"code":"` + submitted.Offer.VerificationCode + `","weight_kg":200,"grade":"A"}`
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/trades/"+submitted.ID+"/delivery", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("delivery status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var settled trade.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &settled); err != nil {
		t.Fatalf("decode delivery response: %v", err)
	}
	if settled.Status != trade.StatusPendingReview {
		t.Fatalf("expected pending_review for first-time buyer, got %s", settled.Status)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/trades/"+submitted.ID+"/proof", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("proof status: got %d", rec.Code)
	}
	var proof trade.Proof
	if err := json.Unmarshal(rec.Body.Bytes(), &proof); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if proof.TradeID != submitted.ID || len(proof.EventRefs) == 0 {
		t.Fatalf("unexpected proof: %+v", proof)
	}
}

func TestListAndStatsEndpoints(t *testing.T) {
	_, handler := newTestServer(t)

	first := submitTrade(t, handler)
	submitTrade(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/trades?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d", rec.Code)
	}
	var trades []trade.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/trades?status=pending&producer_id=%2B254700000001", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list status: got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("decode filtered list: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 pending trades for producer, got %d", len(trades))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/trades/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status: got %d", rec.Code)
	}
	var stats trade.TradeStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/trades/"+first.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", rec.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	_, handler := newTestServer(t)

	t.Run("malformed submit", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades", `{"crop":"maize"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if resp.Code != string(trade.CodeMalformedRequest) {
			t.Fatalf("unexpected error code: %s", resp.Code)
		}
	})

	t.Run("unparseable body", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades", "{{{")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("trade not found", func(t *testing.T) {
		rec := doJSON(t, handler, http.MethodGet, "/api/v1/trades/missing", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("invalid state conflict", func(t *testing.T) {
		submitted := submitTrade(t, handler)
		body := `{"code":"123456","weight_kg":200,"grade":"A"}`
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades/"+submitted.ID+"/delivery", body)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409 for delivery before accept, got %d", rec.Code)
		}
	})

	t.Run("unknown buyer", func(t *testing.T) {
		submitted := submitTrade(t, handler)
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/trades/"+submitted.ID+"/accept", `{"buyer_id":"buyer-ghost"}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for unknown buyer, got %d", rec.Code)
		}
	})
}

func TestMetricsEndpointExposed(t *testing.T) {
	_, handler := newTestServer(t)
	submitTrade(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agrotrack_http_requests_total") {
		t.Fatal("expected request counter in metrics output")
	}
}
