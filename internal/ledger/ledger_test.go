package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/changelog"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, nil), s, client
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mustBalance(t *testing.T, store *Store, userID int64, asset string) Balance {
	t.Helper()
	b, err := store.GetBalance(context.Background(), userID, asset)
	if err != nil {
		t.Fatalf("get balance %d %s: %v", userID, asset, err)
	}
	return b
}

func TestFreezeMovesAvailableToFrozen(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Deposit(ctx, 1, "USDT", dec("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Freeze(ctx, 1, "USDT", dec("40")); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	b := mustBalance(t, store, 1, "USDT")
	if b.Available.String() != "60" {
		t.Fatalf("expected available 60, got %s", b.Available)
	}
	if b.Frozen.String() != "40" {
		t.Fatalf("expected frozen 40, got %s", b.Frozen)
	}
	if b.UpdatedAt.IsZero() {
		t.Fatalf("expected audit timestamp to be set")
	}
}

func TestFreezeInsufficientAvailableNoMutation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Deposit(ctx, 1, "USDT", dec("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	err := store.Freeze(ctx, 1, "USDT", dec("10.00000001"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	b := mustBalance(t, store, 1, "USDT")
	if b.Available.String() != "10" || !b.Frozen.IsZero() {
		t.Fatalf("expected untouched balance, got available=%s frozen=%s", b.Available, b.Frozen)
	}
}

func TestUnfreezeAndDeductFrozenRequireFrozen(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Deposit(ctx, 2, "BTC", dec("1")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Freeze(ctx, 2, "BTC", dec("0.5")); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if err := store.Unfreeze(ctx, 2, "BTC", dec("0.6")); !errors.Is(err, ErrInsufficientFrozen) {
		t.Fatalf("expected ErrInsufficientFrozen on unfreeze, got %v", err)
	}
	if err := store.DeductFrozen(ctx, 2, "BTC", dec("0.6")); !errors.Is(err, ErrInsufficientFrozen) {
		t.Fatalf("expected ErrInsufficientFrozen on deduct, got %v", err)
	}

	if err := store.Unfreeze(ctx, 2, "BTC", dec("0.2")); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if err := store.DeductFrozen(ctx, 2, "BTC", dec("0.3")); err != nil {
		t.Fatalf("deduct frozen: %v", err)
	}

	b := mustBalance(t, store, 2, "BTC")
	if b.Available.String() != "0.7" {
		t.Fatalf("expected available 0.7, got %s", b.Available)
	}
	if !b.Frozen.IsZero() {
		t.Fatalf("expected frozen 0, got %s", b.Frozen)
	}
}

func TestInvalidAmountRejectedBeforeStore(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Freeze(ctx, 1, "USDT", dec("0")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := store.AddAvailable(ctx, 1, "USDT", dec("-5")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if err := store.Freeze(ctx, 1, "  ", dec("1")); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestAmountBeyondUnitRangeRejected(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// Past ~92,233,720,368 the int64 unit conversion wraps, so the store
	// must refuse the amount instead of crediting a corrupted figure.
	if err := store.Deposit(ctx, 1, "BTC", dec("200000000000")); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
	b := mustBalance(t, store, 1, "BTC")
	if !b.Available.IsZero() || !b.Frozen.IsZero() {
		t.Fatalf("balance touched: %s/%s", b.Available, b.Frozen)
	}

	if err := store.Transfer4Leg(ctx, 1, 2, "BTC", "USDT", dec("200000000000"), dec("1")); !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange on transfer, got %v", err)
	}
}

func TestTransfer4LegConservesHoldings(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// buyer 10 holds quote, seller 20 holds base
	if err := store.Deposit(ctx, 10, "USDT", dec("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Deposit(ctx, 20, "BTC", dec("2")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Freeze(ctx, 10, "USDT", dec("500")); err != nil {
		t.Fatalf("freeze quote: %v", err)
	}
	if err := store.Freeze(ctx, 20, "BTC", dec("1")); err != nil {
		t.Fatalf("freeze base: %v", err)
	}

	if err := store.Transfer4Leg(ctx, 10, 20, "BTC", "USDT", dec("1"), dec("500")); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	buyerQuote := mustBalance(t, store, 10, "USDT")
	buyerBase := mustBalance(t, store, 10, "BTC")
	sellerBase := mustBalance(t, store, 20, "BTC")
	sellerQuote := mustBalance(t, store, 20, "USDT")

	if buyerQuote.Total().String() != "500" {
		t.Fatalf("expected buyer quote total 500, got %s", buyerQuote.Total())
	}
	if buyerBase.Available.String() != "1" {
		t.Fatalf("expected buyer base 1, got %s", buyerBase.Available)
	}
	if sellerBase.Total().String() != "1" {
		t.Fatalf("expected seller base total 1, got %s", sellerBase.Total())
	}
	if sellerQuote.Available.String() != "500" {
		t.Fatalf("expected seller quote 500, got %s", sellerQuote.Available)
	}

	// system-wide holdings unchanged by settlement
	totalUSDT := buyerQuote.Total().Add(sellerQuote.Total())
	totalBTC := buyerBase.Total().Add(sellerBase.Total())
	if totalUSDT.String() != "1000" || totalBTC.String() != "2" {
		t.Fatalf("conservation violated: USDT=%s BTC=%s", totalUSDT, totalBTC)
	}
}

func TestTransfer4LegPreconditionFailureLeavesNoTrace(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	if err := store.Deposit(ctx, 10, "USDT", dec("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Deposit(ctx, 20, "BTC", dec("1")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := store.Freeze(ctx, 10, "USDT", dec("100")); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	// seller froze nothing: the second precondition must fail after the
	// first one passed, with zero mutations.
	queueBefore, err := client.LLen(ctx, changelog.BalanceQueueKey).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}

	err = store.Transfer4Leg(ctx, 10, 20, "BTC", "USDT", dec("1"), dec("100"))
	if !errors.Is(err, ErrInsufficientFrozen) {
		t.Fatalf("expected ErrInsufficientFrozen, got %v", err)
	}

	buyer := mustBalance(t, store, 10, "USDT")
	if buyer.Frozen.String() != "100" {
		t.Fatalf("expected buyer frozen untouched, got %s", buyer.Frozen)
	}
	seller := mustBalance(t, store, 20, "BTC")
	if seller.Available.String() != "1" {
		t.Fatalf("expected seller available untouched, got %s", seller.Available)
	}

	queueAfter, err := client.LLen(ctx, changelog.BalanceQueueKey).Result()
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if queueAfter != queueBefore {
		t.Fatalf("expected no change records, queue grew from %d to %d", queueBefore, queueAfter)
	}
}

func TestMutationsEnqueueChangeRecords(t *testing.T) {
	store, _, client := newTestStore(t)
	ctx := context.Background()

	if err := store.Deposit(ctx, 7, "ETH", dec("3")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	raw, err := client.LIndex(ctx, changelog.BalanceQueueKey, 0).Result()
	if err != nil {
		t.Fatalf("lindex: %v", err)
	}
	rec, err := changelog.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Entity != changelog.EntityBalance || rec.Key != "7:ETH" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Ts == 0 {
		t.Fatalf("expected timestamp on record")
	}
}

func TestParseBalanceChangeKey(t *testing.T) {
	userID, asset, err := ParseBalanceChangeKey("42:BTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if userID != 42 || asset != "BTC" {
		t.Fatalf("got %d %s", userID, asset)
	}
	if _, _, err := ParseBalanceChangeKey("nope"); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
