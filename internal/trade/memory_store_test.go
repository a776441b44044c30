package trade

import (
	"context"
	"testing"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
)

func TestMemoryStoreCreateGetUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sample := &Trade{
		ID: "t1", ProducerID: "p1", Crop: "maize", QuantityKG: 200, Location: "Kisumu",
		Status: StatusPending,
	}
	if err := store.Create(ctx, sample); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, sample); xerrors.CodeOf(err) != CodeTradeConflict {
		t.Fatalf("expected TRADE_CONFLICT on duplicate create, got %v", err)
	}

	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Fatal("expected timestamps to be set")
	}

	// 返回的是拷贝，修改不应影响存储内的记录。
	got.Status = StatusCompleted
	again, _ := store.Get(ctx, "t1")
	if again.Status != StatusPending {
		t.Fatal("store must hand out copies")
	}

	got.Status = StatusAccepted
	got.Escrow = &Escrow{Amount: 900000, Token: "token-1", Status: EscrowLocked}
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := store.Get(ctx, "t1")
	if updated.Status != StatusAccepted || updated.Escrow == nil || updated.Escrow.Amount != 900000 {
		t.Fatalf("unexpected updated trade: %+v", updated)
	}

	if _, err := store.Get(ctx, "missing"); xerrors.CodeOf(err) != CodeTradeNotFound {
		t.Fatalf("expected TRADE_NOT_FOUND, got %v", err)
	}
	if err := store.Update(ctx, &Trade{ID: "missing"}); xerrors.CodeOf(err) != CodeTradeNotFound {
		t.Fatalf("expected TRADE_NOT_FOUND on update, got %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	trades := []*Trade{
		{ID: "t1", ProducerID: "p1", Crop: "maize", Status: StatusPending},
		{ID: "t2", ProducerID: "p1", Crop: "beans", Status: StatusAccepted},
		{ID: "t3", ProducerID: "p2", Crop: "maize", Status: StatusCompletedAutonomous},
	}
	for _, tr := range trades {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("create %s: %v", tr.ID, err)
		}
	}

	store.mu.Lock()
	store.trades["t1"].UpdatedAt = base.Unix()
	store.trades["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.trades["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest trade first, got %s", all[0].ID)
	}

	byProducer, err := store.List(ctx, buildListOptions([]ListOption{WithProducer("p1")}))
	if err != nil {
		t.Fatalf("list by producer: %v", err)
	}
	if len(byProducer) != 2 {
		t.Fatalf("expected 2 trades for p1, got %d", len(byProducer))
	}

	byCrop, err := store.List(ctx, buildListOptions([]ListOption{WithCrop("beans")}))
	if err != nil {
		t.Fatalf("list by crop: %v", err)
	}
	if len(byCrop) != 1 || byCrop[0].ID != "t2" {
		t.Fatalf("unexpected crop filter result: %+v", byCrop)
	}

	byStatus, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusPending, StatusAccepted)}))
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 2 {
		t.Fatalf("expected 2 non-terminal trades, got %d", len(byStatus))
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent trades, got %d", len(recent))
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if asc[0].ID != "t1" {
		t.Fatalf("expected oldest trade first, got %s", asc[0].ID)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	trades := []*Trade{
		{ID: "a", ProducerID: "p1", Crop: "maize", Status: StatusPending},
		{ID: "b", ProducerID: "p1", Crop: "maize", Status: StatusAccepted},
		{ID: "c", ProducerID: "p2", Crop: "beans", Status: StatusPendingReview},
		{ID: "d", ProducerID: "p2", Crop: "beans", Status: StatusCompleted},
		{ID: "e", ProducerID: "p3", Crop: "maize", Status: StatusCompletedAutonomous},
	}
	for _, tr := range trades {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatalf("create %s: %v", tr.ID, err)
		}
	}

	store.mu.Lock()
	store.trades["a"].UpdatedAt = base.Unix()
	store.trades["e"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Pending != 1 || stats.Accepted != 1 ||
		stats.PendingReview != 1 || stats.Completed != 1 || stats.CompletedAutonomous != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}

	producerStats, err := store.Stats(ctx, buildListOptions([]ListOption{WithProducer("p2")}))
	if err != nil {
		t.Fatalf("stats for producer: %v", err)
	}
	if producerStats.Total != 2 || producerStats.PendingReview != 1 || producerStats.Completed != 1 {
		t.Fatalf("unexpected producer stats: %+v", producerStats)
	}

	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithCrop("tomatoes")}))
	if err != nil {
		t.Fatalf("stats empty: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("unexpected empty stats: %+v", empty)
	}
}
