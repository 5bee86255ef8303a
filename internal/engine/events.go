package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
	"github.com/liuzhixin405/netcorespot-sub000/libs/kafka"
)

const (
	eventTypeTradeExecuted = "trade.executed"
	eventTypeBookDelta     = "book.delta"
)

// TradeExecutedEvent is pushed once per trade participant, keyed by user so
// a consumer can fan each user's fills out to their session.
type TradeExecutedEvent struct {
	kafka.Envelope
	TradeID     int64  `json:"trade_id"`
	Symbol      string `json:"symbol"`
	UserID      int64  `json:"user_id"`
	OrderID     int64  `json:"order_id"`
	Side        string `json:"side"`
	CounterSide string `json:"counter_side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	ExecutedAt  string `json:"executed_at"`
}

// BookDeltaEvent carries the post-trade state of every price level a match
// cycle touched. A zero quantity means the level was cleared.
type BookDeltaEvent struct {
	kafka.Envelope
	Symbol string           `json:"symbol"`
	Levels []BookLevelDelta `json:"levels"`
}

type BookLevelDelta struct {
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Orders   int    `json:"orders"`
}

// publishTrades emits one event per trade participant. Publish failures are
// logged and dropped; the trade itself is already settled and durable.
func (e *Engine) publishTrades(ctx context.Context, sym market.Symbol, trades []*orderstore.Trade) {
	if e.publisher == nil || len(trades) == 0 {
		return
	}
	for _, t := range trades {
		e.publishTradeFor(ctx, t, t.BuyerID, t.BuyOrderID, orderstore.SideBuy)
		e.publishTradeFor(ctx, t, t.SellerID, t.SellOrderID, orderstore.SideSell)
	}
}

func (e *Engine) publishTradeFor(ctx context.Context, t *orderstore.Trade, userID, orderID int64, side string) {
	eventID := kafka.DeterministicEventID(
		eventTypeTradeExecuted,
		strconv.FormatInt(t.ID, 10),
		strconv.FormatInt(userID, 10),
	)
	env, err := kafka.NewEnvelopeWithID(eventID, eventTypeTradeExecuted, 1, strconv.FormatInt(t.ID, 10))
	if err != nil {
		e.logger.Error("build trade envelope", "trade_id", t.ID, "error", err)
		return
	}
	event := TradeExecutedEvent{
		Envelope:    env,
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		UserID:      userID,
		OrderID:     orderID,
		Side:        side,
		CounterSide: oppositeSide(side),
		Price:       t.Price.String(),
		Quantity:    t.Quantity.String(),
		ExecutedAt:  t.ExecutedAt.UTC().Format(time.RFC3339Nano),
	}
	key := strconv.FormatInt(userID, 10)
	if _, _, err := e.publisher.PublishJSON(ctx, e.topics.TradesExecuted, key, event); err != nil {
		e.logger.Error("publish trade event", "trade_id", t.ID, "user_id", userID, "error", err)
	}
}

// publishBookDeltas re-reads each touched level and emits its current state.
// Reading happens under the symbol lock held by the caller, so the snapshot
// is consistent with the cycle that just ran.
func (e *Engine) publishBookDeltas(ctx context.Context, sym market.Symbol, touched *touchedLevels) {
	if e.publisher == nil || touched == nil || touched.empty() {
		return
	}

	levels := make([]BookLevelDelta, 0, len(touched.list))
	idParts := []string{eventTypeBookDelta, sym.Name}
	for _, tl := range touched.list {
		level, err := e.levelAt(ctx, sym.Name, tl.Side, tl.Price)
		if err != nil {
			e.logger.Error("read touched level", "symbol", sym.Name, "side", tl.Side, "error", err)
			continue
		}
		levels = append(levels, BookLevelDelta{
			Side:     tl.Side,
			Price:    level.Price.String(),
			Quantity: level.Quantity.String(),
			Orders:   level.Orders,
		})
		idParts = append(idParts, fmt.Sprintf("%s@%s=%s", tl.Side, level.Price.String(), level.Quantity.String()))
	}
	if len(levels) == 0 {
		return
	}

	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(idParts...), eventTypeBookDelta, 1, "")
	if err != nil {
		e.logger.Error("build book delta envelope", "symbol", sym.Name, "error", err)
		return
	}
	event := BookDeltaEvent{Envelope: env, Symbol: sym.Name, Levels: levels}
	if _, _, err := e.publisher.PublishJSON(ctx, e.topics.BookDeltas, sym.Name, event); err != nil {
		e.logger.Error("publish book delta", "symbol", sym.Name, "error", err)
	}
}
