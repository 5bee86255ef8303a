package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/durable"
	"github.com/liuzhixin405/netcorespot-sub000/internal/engine"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/internal/settlement"
)

type fakeDurable struct {
	orders map[int64]*orderstore.Order
}

func (f *fakeDurable) GetOrder(_ context.Context, id int64) (*orderstore.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return o, nil
}

func (f *fakeDurable) ListOrders(_ context.Context, userID int64, symbol string, limit, offset int) ([]*orderstore.Order, error) {
	var out []*orderstore.Order
	for _, o := range f.orders {
		if o.UserID == userID && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeDurable) ListTrades(context.Context, string, int) ([]*orderstore.Trade, error) {
	return nil, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newService(t *testing.T) (*TradeService, *fakeDurable, *ledger.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	symbols, err := market.NewRegistry([]market.Symbol{{
		Name: "BTC-USDT", BaseAsset: "BTC", QuoteAsset: "USDT",
		PricePrecision: 2, QuantityPrecision: 5,
	}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	led := ledger.New(client, nil)
	ords := orderstore.New(client, nil)
	settler := settlement.New(led, ords, 0, nil)
	eng := engine.New(symbols, led, ords, settler, nil, engine.Topics{}, engine.Config{}, nil, nil)
	dur := &fakeDurable{orders: make(map[int64]*orderstore.Order)}
	return New(eng, led, ords, dur, symbols, nil), dur, led
}

func TestGetOrderFallsBackToDurable(t *testing.T) {
	svc, dur, led := newService(t)
	ctx := context.Background()

	if err := led.Deposit(ctx, 1, "USDT", dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	placed, err := svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID: 1, Symbol: "BTC-USDT", Side: orderstore.SideBuy,
		Type: orderstore.TypeLimit, Price: dec("100"), Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	// Fast store path.
	got, err := svc.GetOrder(ctx, 1, placed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != placed.ID {
		t.Fatalf("got order %d", got.ID)
	}

	// Only in Postgres.
	archived := &orderstore.Order{
		ID: 9999, UserID: 1, Symbol: "BTC-USDT",
		Side: orderstore.SideSell, Type: orderstore.TypeLimit,
		Price: dec("120"), Quantity: dec("1"), Filled: dec("1"),
		Status: orderstore.StatusFilled, CreatedAt: time.Now().UTC(),
	}
	dur.orders[archived.ID] = archived
	got, err = svc.GetOrder(ctx, 1, 9999)
	if err != nil {
		t.Fatalf("durable fallback: %v", err)
	}
	if got.Status != orderstore.StatusFilled {
		t.Fatalf("status %s", got.Status)
	}

	// Nowhere.
	if _, err := svc.GetOrder(ctx, 1, 123456); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestGetOrderHidesOtherUsersOrders(t *testing.T) {
	svc, _, led := newService(t)
	ctx := context.Background()

	if err := led.Deposit(ctx, 1, "USDT", dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	placed, err := svc.PlaceOrder(ctx, PlaceOrderInput{
		UserID: 1, Symbol: "BTC-USDT", Side: orderstore.SideBuy,
		Type: orderstore.TypeLimit, Price: dec("100"), Quantity: dec("1"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := svc.GetOrder(ctx, 2, placed.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign order, got %v", err)
	}
}

func TestGetBalancesCoversAllConfiguredAssets(t *testing.T) {
	svc, _, led := newService(t)
	ctx := context.Background()

	if err := led.Deposit(ctx, 1, "BTC", dec("2")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	balances, err := svc.GetBalances(ctx, 1)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("got %d balances, want 2", len(balances))
	}
	if balances[0].Asset != "BTC" || !balances[0].Available.Equal(dec("2")) {
		t.Fatalf("btc balance %+v", balances[0])
	}
	if balances[1].Asset != "USDT" || !balances[1].Available.IsZero() {
		t.Fatalf("usdt balance %+v", balances[1])
	}
}

func TestDepositReturnsUpdatedBalance(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	b, err := svc.Deposit(ctx, 5, "USDT", dec("250"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !b.Available.Equal(dec("250")) {
		t.Fatalf("available %s", b.Available)
	}
}
