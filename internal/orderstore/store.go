// Package orderstore keeps order and trade records in the fast store, plus
// the per-(symbol, side) priority indexes the matching engine walks. All
// mutating calls for one symbol happen under the engine's symbol lock; the
// store itself only guarantees per-call atomicity.
package orderstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/changelog"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
)

const (
	orderKeyPrefix = "cex:ord:"
	tradeKeyPrefix = "cex:trd:"
	orderSeqKey    = "cex:seq:order"
	tradeSeqKey    = "cex:seq:trade"
	lastPrefix     = "cex:last:"
	openSetPrefix  = "cex:open:"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrTradeNotFound  = errors.New("trade not found")
	ErrOrderFinalized = errors.New("order already in terminal state")
	ErrOverfill       = errors.New("fill exceeds order quantity")
)

type Store struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

func orderKey(id int64) string { return orderKeyPrefix + strconv.FormatInt(id, 10) }
func tradeKey(id int64) string { return tradeKeyPrefix + strconv.FormatInt(id, 10) }
func openSetKey(userID int64) string {
	return openSetPrefix + strconv.FormatInt(userID, 10)
}

func (s *Store) NextOrderID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, orderSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next order id: %w", err)
	}
	return id, nil
}

func (s *Store) NextTradeID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, tradeSeqKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next trade id: %w", err)
	}
	return id, nil
}

func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	if o == nil || o.ID == 0 {
		return fmt.Errorf("order with assigned id required")
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	return s.writeOrder(ctx, o)
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	fields, err := s.client.HGetAll(ctx, orderKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	return orderFromHash(id, fields)
}

// UpdateStatus applies a fill delta and/or status change. With a positive
// delta it accumulates the running volume-weighted execution price and
// recomputes the status: Filled once fully matched, PartiallyFilled while a
// non-cancelled order has both fills and remainder. Terminal orders leave
// the active index.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string, filledDelta, execPrice decimal.Decimal) (*Order, error) {
	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(o.Status) {
		return o, fmt.Errorf("%w: %d is %s", ErrOrderFinalized, id, o.Status)
	}

	execQuoteUnits, err := s.execQuoteUnits(ctx, id)
	if err != nil {
		return nil, err
	}

	if filledDelta.IsPositive() {
		newFilled := o.Filled.Add(filledDelta)
		if newFilled.GreaterThan(o.Quantity) {
			return nil, fmt.Errorf("%w: order %d filled %s of %s", ErrOverfill, id, newFilled, o.Quantity)
		}
		o.Filled = newFilled
		execQuoteUnits += market.QuoteUnits(filledDelta, execPrice)
		if filledUnits := market.ToUnits(o.Filled); filledUnits > 0 {
			o.AvgPrice = market.FromUnits(execQuoteUnits).
				Div(o.Filled).
				Truncate(market.MaxFractionDigits)
		}
	}

	switch {
	case o.Filled.GreaterThanOrEqual(o.Quantity):
		o.Status = StatusFilled
	case o.Filled.IsPositive() && status != StatusCancelled && status != StatusRejected:
		o.Status = StatusPartiallyFilled
	default:
		o.Status = status
	}
	o.UpdatedAt = time.Now().UTC()

	if err := s.writeOrderWithExec(ctx, o, execQuoteUnits); err != nil {
		return nil, err
	}
	if IsTerminal(o.Status) {
		if err := s.RemoveFromBook(ctx, o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// AddToBook rests a limit order in its side's priority index.
func (s *Store) AddToBook(ctx context.Context, o *Order) error {
	member := priorityMember(o.Side, market.ToUnits(o.Price), o.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, bookKey(o.Symbol, o.Side), redis.Z{Score: 0, Member: member})
		pipe.SAdd(ctx, openSetKey(o.UserID), o.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add order %d to book: %w", o.ID, err)
	}
	return nil
}

func (s *Store) RemoveFromBook(ctx context.Context, o *Order) error {
	member := priorityMember(o.Side, market.ToUnits(o.Price), o.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, bookKey(o.Symbol, o.Side), member)
		pipe.SRem(ctx, openSetKey(o.UserID), o.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove order %d from book: %w", o.ID, err)
	}
	return nil
}

// GetActiveOrders returns resting orders for one side in matching priority
// order: best price first, oldest first within a price level.
func (s *Store) GetActiveOrders(ctx context.Context, symbol, side string, offset, count int64) ([]*Order, error) {
	members, err := s.client.ZRangeByLex(ctx, bookKey(symbol, side), &redis.ZRangeBy{
		Min:    "-",
		Max:    "+",
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan book %s %s: %w", symbol, side, err)
	}

	orders := make([]*Order, 0, len(members))
	for _, member := range members {
		id, err := memberOrderID(member)
		if err != nil {
			return nil, err
		}
		o, err := s.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				// index entry outlived its order; drop it and move on
				s.logger.Warn("dangling book entry", "symbol", symbol, "side", side, "order_id", id)
				s.client.ZRem(ctx, bookKey(symbol, side), member)
				continue
			}
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *Store) OpenOrderIDs(ctx context.Context, userID int64) ([]int64, error) {
	raw, err := s.client.SMembers(ctx, openSetKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("open orders for user %d: %w", userID, err)
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed open order id %q: %w", r, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) CreateTrade(ctx context.Context, t *Trade) error {
	if t == nil || t.ID == 0 {
		return fmt.Errorf("trade with assigned id required")
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	record, err := changelog.NewRecord(changelog.EntityTrade, strconv.FormatInt(t.ID, 10), t.ExecutedAt).Encode()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tradeKey(t.ID),
			"symbol", t.Symbol,
			"buy_order_id", t.BuyOrderID,
			"sell_order_id", t.SellOrderID,
			"buyer_id", t.BuyerID,
			"seller_id", t.SellerID,
			"price", market.ToUnits(t.Price),
			"quantity", market.ToUnits(t.Quantity),
			"fee", market.ToUnits(t.Fee),
			"fee_asset", t.FeeAsset,
			"executed_at", t.ExecutedAt.UnixNano(),
		)
		pipe.Set(ctx, lastPrefix+t.Symbol, market.ToUnits(t.Price), 0)
		pipe.RPush(ctx, changelog.TradeQueueKey, record)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create trade %d: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTrade(ctx context.Context, id int64) (*Trade, error) {
	fields, err := s.client.HGetAll(ctx, tradeKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
	}
	return tradeFromHash(id, fields)
}

// LastPrice reports the most recent execution price for a symbol. The bool
// is false when the symbol has never traded.
func (s *Store) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	raw, err := s.client.Get(ctx, lastPrefix+symbol).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("last price %s: %w", symbol, err)
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("malformed last price %q: %w", raw, err)
	}
	return market.FromUnits(units), true, nil
}

// RestoreOrder loads an order into the fast store without enqueueing a
// change record. Cold-start bootstrap only.
func (s *Store) RestoreOrder(ctx context.Context, o *Order) error {
	if err := s.setOrderHash(ctx, s.client, o, market.QuoteUnits(o.Filled, o.AvgPrice)); err != nil {
		return err
	}
	if o.Status == StatusActive || o.Status == StatusPartiallyFilled {
		return s.AddToBook(ctx, o)
	}
	return nil
}

// RestoreLastPrice seeds a symbol's last execution price. Cold-start
// bootstrap only.
func (s *Store) RestoreLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	return s.client.Set(ctx, lastPrefix+symbol, market.ToUnits(price), 0).Err()
}

// AdvanceSequences moves the id sequences to at least the given values so
// ids assigned after a restore never collide with restored records.
func (s *Store) AdvanceSequences(ctx context.Context, orderID, tradeID int64) error {
	for _, kv := range []struct {
		key string
		val int64
	}{{orderSeqKey, orderID}, {tradeSeqKey, tradeID}} {
		if kv.val <= 0 {
			continue
		}
		current, err := s.client.Get(ctx, kv.key).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read sequence %s: %w", kv.key, err)
		}
		if kv.val <= current {
			continue
		}
		if err := s.client.Set(ctx, kv.key, kv.val, 0).Err(); err != nil {
			return fmt.Errorf("advance sequence %s: %w", kv.key, err)
		}
	}
	return nil
}

func (s *Store) writeOrder(ctx context.Context, o *Order) error {
	return s.writeOrderWithExec(ctx, o, market.QuoteUnits(o.Filled, o.AvgPrice))
}

func (s *Store) writeOrderWithExec(ctx context.Context, o *Order, execQuoteUnits int64) error {
	record, err := changelog.NewRecord(changelog.EntityOrder, strconv.FormatInt(o.ID, 10), o.UpdatedAt).Encode()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.setOrderHash(ctx, pipe, o, execQuoteUnits); err != nil {
			return err
		}
		pipe.RPush(ctx, changelog.OrderQueueKey, record)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write order %d: %w", o.ID, err)
	}
	return nil
}

func (s *Store) setOrderHash(ctx context.Context, c redis.Cmdable, o *Order, execQuoteUnits int64) error {
	return c.HSet(ctx, orderKey(o.ID),
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"side", o.Side,
		"type", o.Type,
		"price", market.ToUnits(o.Price),
		"quantity", market.ToUnits(o.Quantity),
		"filled", market.ToUnits(o.Filled),
		"avg_price", market.ToUnits(o.AvgPrice),
		"exec_quote", execQuoteUnits,
		"status", o.Status,
		"created_at", o.CreatedAt.UnixNano(),
		"updated_at", o.UpdatedAt.UnixNano(),
	).Err()
}

func (s *Store) execQuoteUnits(ctx context.Context, id int64) (int64, error) {
	raw, err := s.client.HGet(ctx, orderKey(id), "exec_quote").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("exec quote for order %d: %w", id, err)
	}
	units, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed exec quote %q: %w", raw, err)
	}
	return units, nil
}

func orderFromHash(id int64, fields map[string]string) (*Order, error) {
	o := &Order{ID: id}
	var err error
	if o.UserID, err = parseInt(fields, "user_id"); err != nil {
		return nil, err
	}
	o.Symbol = fields["symbol"]
	o.Side = fields["side"]
	o.Type = fields["type"]
	o.Status = fields["status"]

	var units int64
	if units, err = parseInt(fields, "price"); err != nil {
		return nil, err
	}
	o.Price = market.FromUnits(units)
	if units, err = parseInt(fields, "quantity"); err != nil {
		return nil, err
	}
	o.Quantity = market.FromUnits(units)
	if units, err = parseInt(fields, "filled"); err != nil {
		return nil, err
	}
	o.Filled = market.FromUnits(units)
	if units, err = parseInt(fields, "avg_price"); err != nil {
		return nil, err
	}
	o.AvgPrice = market.FromUnits(units)

	var nanos int64
	if nanos, err = parseInt(fields, "created_at"); err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(0, nanos).UTC()
	if nanos, err = parseInt(fields, "updated_at"); err != nil {
		return nil, err
	}
	o.UpdatedAt = time.Unix(0, nanos).UTC()
	return o, nil
}

func tradeFromHash(id int64, fields map[string]string) (*Trade, error) {
	t := &Trade{ID: id}
	var err error
	t.Symbol = fields["symbol"]
	t.FeeAsset = fields["fee_asset"]
	if t.BuyOrderID, err = parseInt(fields, "buy_order_id"); err != nil {
		return nil, err
	}
	if t.SellOrderID, err = parseInt(fields, "sell_order_id"); err != nil {
		return nil, err
	}
	if t.BuyerID, err = parseInt(fields, "buyer_id"); err != nil {
		return nil, err
	}
	if t.SellerID, err = parseInt(fields, "seller_id"); err != nil {
		return nil, err
	}

	var units int64
	if units, err = parseInt(fields, "price"); err != nil {
		return nil, err
	}
	t.Price = market.FromUnits(units)
	if units, err = parseInt(fields, "quantity"); err != nil {
		return nil, err
	}
	t.Quantity = market.FromUnits(units)
	if units, err = parseInt(fields, "fee"); err != nil {
		return nil, err
	}
	t.Fee = market.FromUnits(units)

	var nanos int64
	if nanos, err = parseInt(fields, "executed_at"); err != nil {
		return nil, err
	}
	t.ExecutedAt = time.Unix(0, nanos).UTC()
	return t, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed field %s=%q: %w", name, raw, err)
	}
	return v, nil
}
