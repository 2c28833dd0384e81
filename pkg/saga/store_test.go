package saga

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Type: "T", Status: StatusPending, Data: Data{"k": "v"}}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.ID == "" || rec.Version != 1 || rec.CreatedAt.IsZero() {
		t.Fatalf("expected store-assigned fields, got %+v", rec)
	}

	rec.Data["k"] = "mutated"
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["k"] != "v" {
		t.Fatalf("stored record shares caller data: %v", got.Data)
	}
	got.Data["k"] = "again"
	if again, _ := store.Get(ctx, rec.ID); again.Data["k"] != "v" {
		t.Fatalf("stored record shares returned data: %v", again.Data)
	}

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save existing: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpdateVersionCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{ID: "s-1", Type: "T", Status: StatusPending}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale := *rec

	rec.Status = StatusProcessing
	if err := store.Update(ctx, rec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("expected version 2, got %d", rec.Version)
	}
	if err := store.Update(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.Update(ctx, &Record{ID: "missing", Version: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreListStale(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	save := func(id string, status Status, at time.Time) {
		store.now = func() time.Time { return at }
		if err := store.Save(ctx, &Record{ID: id, Type: "T", Status: status}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	save("a", StatusProcessing, base.Add(-3*time.Hour))
	save("b", StatusCompensating, base.Add(-2*time.Hour))
	save("c", StatusDone, base.Add(-4*time.Hour))
	save("d", StatusProcessing, base)

	recs, err := store.ListStale(ctx, []Status{StatusProcessing, StatusCompensating}, base.Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("unexpected stale records: %+v", recs)
	}

	recs, _ = store.ListStale(ctx, []Status{StatusProcessing, StatusCompensating}, base.Add(-time.Hour), 1)
	if len(recs) != 1 || recs[0].ID != "a" {
		t.Fatalf("expected limit to keep the oldest, got %+v", recs)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryStore().Save(ctx, &Record{Type: "T"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStoreKeepsNumbersExact(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{Type: "T", Status: StatusPending, Data: Data{
		"orderId": int64(9007199254740993),
		"amount":  12.5,
		"items":   []any{map[string]any{"skuId": uint64(18446744073709551615)}},
	}}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["orderId"] != json.Number("9007199254740993") {
		t.Fatalf("orderId changed: %#v", got.Data["orderId"])
	}
	if got.Data["amount"] != json.Number("12.5") {
		t.Fatalf("amount changed: %#v", got.Data["amount"])
	}
	raw, err := json.Marshal(got.Data)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"amount":12.5,"items":[{"skuId":18446744073709551615}],"orderId":9007199254740993}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}
}

func TestDecodeData(t *testing.T) {
	data, err := DecodeData([]byte(`{"orderId":9007199254740993}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if data["orderId"] != json.Number("9007199254740993") {
		t.Fatalf("unexpected value %#v", data["orderId"])
	}
	if empty, err := DecodeData(nil); err != nil || len(empty) != 0 {
		t.Fatalf("expected empty data, got %v (%v)", empty, err)
	}
	if _, err := DecodeData([]byte(`[1]`)); err == nil {
		t.Fatal("expected error for non-object data")
	}
}
