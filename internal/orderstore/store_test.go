package orderstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, nil)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func makeOrder(t *testing.T, store *Store, userID int64, side, price, qty string) *Order {
	t.Helper()
	ctx := context.Background()
	id, err := store.NextOrderID(ctx)
	if err != nil {
		t.Fatalf("next order id: %v", err)
	}
	o := &Order{
		ID:       id,
		UserID:   userID,
		Symbol:   "BTC-USDT",
		Side:     side,
		Type:     TypeLimit,
		Price:    dec(price),
		Quantity: dec(qty),
		Status:   StatusPending,
	}
	if err := store.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestOrderIDsAreMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	prev := int64(0)
	for i := 0; i < 5; i++ {
		id, err := store.NextOrderID(ctx)
		if err != nil {
			t.Fatalf("next order id: %v", err)
		}
		if id <= prev {
			t.Fatalf("expected monotonic ids, got %d after %d", id, prev)
		}
		prev = id
	}
}

func TestCreateGetOrderRoundtrip(t *testing.T) {
	store := newTestStore(t)
	o := makeOrder(t, store, 42, SideBuy, "100.5", "2.5")

	got, err := store.GetOrder(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.UserID != 42 || got.Symbol != "BTC-USDT" || got.Side != SideBuy {
		t.Fatalf("unexpected order %+v", got)
	}
	if got.Price.String() != "100.5" || got.Quantity.String() != "2.5" {
		t.Fatalf("unexpected amounts %s %s", got.Price, got.Quantity)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetOrder(context.Background(), 9999)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestActiveOrdersPriceTimePriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// bids at 100, 99, and a second 100 placed later
	first := makeOrder(t, store, 1, SideBuy, "100", "1")
	lower := makeOrder(t, store, 2, SideBuy, "99", "1")
	second := makeOrder(t, store, 3, SideBuy, "100", "1")
	for _, o := range []*Order{first, lower, second} {
		if err := store.AddToBook(ctx, o); err != nil {
			t.Fatalf("add to book: %v", err)
		}
	}

	bids, err := store.GetActiveOrders(ctx, "BTC-USDT", SideBuy, 0, 10)
	if err != nil {
		t.Fatalf("active bids: %v", err)
	}
	if len(bids) != 3 {
		t.Fatalf("expected 3 bids, got %d", len(bids))
	}
	if bids[0].ID != first.ID || bids[1].ID != second.ID || bids[2].ID != lower.ID {
		t.Fatalf("bad bid priority: %d %d %d", bids[0].ID, bids[1].ID, bids[2].ID)
	}

	// asks: cheapest first
	cheap := makeOrder(t, store, 4, SideSell, "101", "1")
	rich := makeOrder(t, store, 5, SideSell, "105", "1")
	for _, o := range []*Order{rich, cheap} {
		if err := store.AddToBook(ctx, o); err != nil {
			t.Fatalf("add to book: %v", err)
		}
	}
	asks, err := store.GetActiveOrders(ctx, "BTC-USDT", SideSell, 0, 10)
	if err != nil {
		t.Fatalf("active asks: %v", err)
	}
	if len(asks) != 2 || asks[0].ID != cheap.ID {
		t.Fatalf("expected cheapest ask first")
	}
}

func TestUpdateStatusWeightedAverageAndFill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := makeOrder(t, store, 1, SideBuy, "100", "10")
	if err := store.AddToBook(ctx, o); err != nil {
		t.Fatalf("add to book: %v", err)
	}

	updated, err := store.UpdateStatus(ctx, o.ID, StatusActive, dec("4"), dec("99"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusPartiallyFilled {
		t.Fatalf("expected partially filled, got %s", updated.Status)
	}
	if updated.AvgPrice.String() != "99" {
		t.Fatalf("expected avg 99, got %s", updated.AvgPrice)
	}

	updated, err = store.UpdateStatus(ctx, o.ID, StatusActive, dec("6"), dec("100"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusFilled {
		t.Fatalf("expected filled, got %s", updated.Status)
	}
	// (4*99 + 6*100) / 10 = 99.6
	if updated.AvgPrice.String() != "99.6" {
		t.Fatalf("expected avg 99.6, got %s", updated.AvgPrice)
	}

	// terminal orders leave the active index
	bids, err := store.GetActiveOrders(ctx, "BTC-USDT", SideBuy, 0, 10)
	if err != nil {
		t.Fatalf("active bids: %v", err)
	}
	if len(bids) != 0 {
		t.Fatalf("expected empty book after fill, got %d", len(bids))
	}

	if _, err := store.UpdateStatus(ctx, o.ID, StatusCancelled, decimal.Zero, decimal.Zero); !errors.Is(err, ErrOrderFinalized) {
		t.Fatalf("expected ErrOrderFinalized, got %v", err)
	}
}

func TestUpdateStatusRejectsOverfill(t *testing.T) {
	store := newTestStore(t)
	o := makeOrder(t, store, 1, SideSell, "100", "1")

	_, err := store.UpdateStatus(context.Background(), o.ID, StatusActive, dec("1.5"), dec("100"))
	if !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}
}

func TestCancelKeepsCancelledStatusDespiteFills(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := makeOrder(t, store, 1, SideBuy, "100", "10")
	if _, err := store.UpdateStatus(ctx, o.ID, StatusActive, dec("3"), dec("100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	updated, err := store.UpdateStatus(ctx, o.ID, StatusCancelled, decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
}

func TestTradeRoundtripAndLastPrice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastPrice(ctx, "BTC-USDT"); err != nil || ok {
		t.Fatalf("expected no last price before trading, ok=%v err=%v", ok, err)
	}

	id, err := store.NextTradeID(ctx)
	if err != nil {
		t.Fatalf("next trade id: %v", err)
	}
	trade := &Trade{
		ID:          id,
		Symbol:      "BTC-USDT",
		BuyOrderID:  1,
		SellOrderID: 2,
		BuyerID:     10,
		SellerID:    20,
		Price:       dec("101.25"),
		Quantity:    dec("0.5"),
		Fee:         dec("0.001"),
		FeeAsset:    "BTC",
	}
	if err := store.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}

	got, err := store.GetTrade(ctx, id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if got.Price.String() != "101.25" || got.Quantity.String() != "0.5" {
		t.Fatalf("unexpected trade %+v", got)
	}
	if got.FeeAsset != "BTC" || got.Fee.String() != "0.001" {
		t.Fatalf("unexpected fee %s %s", got.Fee, got.FeeAsset)
	}
	if got.ExecutedAt.IsZero() {
		t.Fatalf("expected executed_at to be set")
	}

	last, ok, err := store.LastPrice(ctx, "BTC-USDT")
	if err != nil || !ok {
		t.Fatalf("last price: ok=%v err=%v", ok, err)
	}
	if last.String() != "101.25" {
		t.Fatalf("expected last 101.25, got %s", last)
	}
}

func TestOpenOrderIDsTracksBookMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o := makeOrder(t, store, 7, SideSell, "100", "1")
	if err := store.AddToBook(ctx, o); err != nil {
		t.Fatalf("add to book: %v", err)
	}
	ids, err := store.OpenOrderIDs(ctx, 7)
	if err != nil {
		t.Fatalf("open ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != o.ID {
		t.Fatalf("expected [%d], got %v", o.ID, ids)
	}

	if _, err := store.UpdateStatus(ctx, o.ID, StatusActive, dec("1"), dec("100")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	ids, err = store.OpenOrderIDs(ctx, 7)
	if err != nil {
		t.Fatalf("open ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no open orders after fill, got %v", ids)
	}
}
