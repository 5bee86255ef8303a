package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

var btcUsdt = market.Symbol{
	Name:              "BTC-USDT",
	BaseAsset:         "BTC",
	QuoteAsset:        "USDT",
	PricePrecision:    2,
	QuantityPrecision: 5,
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newFixture(t *testing.T) (*Settler, *ledger.Store, *orderstore.Store) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	led := ledger.New(client, nil)
	ords := orderstore.New(client, nil)
	return New(led, ords, 20, nil), led, ords
}

func fundAndFreeze(t *testing.T, led *ledger.Store, userID int64, asset, amount string) {
	t.Helper()
	ctx := context.Background()
	if err := led.Deposit(ctx, userID, asset, dec(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := led.Freeze(ctx, userID, asset, dec(amount)); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestSettleCreatesTradeAndMovesFunds(t *testing.T) {
	settler, led, ords := newFixture(t)
	ctx := context.Background()

	fundAndFreeze(t, led, 1, "USDT", "50000")
	fundAndFreeze(t, led, 2, "BTC", "1")

	buy := &orderstore.Order{ID: 100, UserID: 1, Symbol: "BTC-USDT", Side: orderstore.SideBuy}
	sell := &orderstore.Order{ID: 101, UserID: 2, Symbol: "BTC-USDT", Side: orderstore.SideSell}

	trade, err := settler.Settle(ctx, btcUsdt, buy, sell, orderstore.SideBuy, dec("50000"), dec("1"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if trade.ID == 0 {
		t.Fatalf("expected assigned trade id")
	}
	if trade.BuyOrderID != 100 || trade.SellOrderID != 101 {
		t.Fatalf("unexpected order refs %+v", trade)
	}
	// taker bought, fee charged in base at 20 bps
	if trade.FeeAsset != "BTC" || trade.Fee.String() != "0.002" {
		t.Fatalf("unexpected fee %s %s", trade.Fee, trade.FeeAsset)
	}
	if trade.ExecutedAt.IsZero() {
		t.Fatalf("expected execution timestamp")
	}

	stored, err := ords.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if stored.Price.String() != "50000" {
		t.Fatalf("unexpected stored price %s", stored.Price)
	}

	buyerBase, err := led.GetBalance(ctx, 1, "BTC")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if buyerBase.Available.String() != "1" {
		t.Fatalf("expected buyer credited 1 BTC, got %s", buyerBase.Available)
	}
	sellerQuote, err := led.GetBalance(ctx, 2, "USDT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if sellerQuote.Available.String() != "50000" {
		t.Fatalf("expected seller credited 50000 USDT, got %s", sellerQuote.Available)
	}
}

func TestSettleFailureCreatesNothing(t *testing.T) {
	settler, led, ords := newFixture(t)
	ctx := context.Background()

	// buyer has frozen quote, seller froze nothing
	fundAndFreeze(t, led, 1, "USDT", "50000")
	if err := led.Deposit(ctx, 2, "BTC", dec("1")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	buy := &orderstore.Order{ID: 100, UserID: 1, Side: orderstore.SideBuy}
	sell := &orderstore.Order{ID: 101, UserID: 2, Side: orderstore.SideSell}

	_, err := settler.Settle(ctx, btcUsdt, buy, sell, orderstore.SideBuy, dec("50000"), dec("1"))
	if !errors.Is(err, ledger.ErrInsufficientFrozen) {
		t.Fatalf("expected ErrInsufficientFrozen, got %v", err)
	}

	// no trade record may exist
	if _, err := ords.GetTrade(ctx, 1); !errors.Is(err, orderstore.ErrTradeNotFound) {
		t.Fatalf("expected no trade, got %v", err)
	}
	// buyer's frozen quote untouched
	b, err := led.GetBalance(ctx, 1, "USDT")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Frozen.String() != "50000" {
		t.Fatalf("expected frozen 50000, got %s", b.Frozen)
	}
}

func TestSellerTakerFeeInQuote(t *testing.T) {
	settler, led, _ := newFixture(t)
	ctx := context.Background()

	fundAndFreeze(t, led, 1, "USDT", "1000")
	fundAndFreeze(t, led, 2, "BTC", "2")

	buy := &orderstore.Order{ID: 1, UserID: 1, Side: orderstore.SideBuy}
	sell := &orderstore.Order{ID: 2, UserID: 2, Side: orderstore.SideSell}

	trade, err := settler.Settle(ctx, btcUsdt, buy, sell, orderstore.SideSell, dec("500"), dec("2"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if trade.FeeAsset != "USDT" {
		t.Fatalf("expected quote fee asset, got %s", trade.FeeAsset)
	}
	// 1000 * 0.002 = 2
	if trade.Fee.String() != "2" {
		t.Fatalf("expected fee 2, got %s", trade.Fee)
	}
}
