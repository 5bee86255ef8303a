// Package settlement turns a matched (buy, sell, price, quantity) into the
// four-leg balance transfer and the immutable trade record. The transfer is
// the safety-critical step: it either applies completely on the ledger or
// not at all, and no trade record exists unless it applied.
package settlement

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

type Ledger interface {
	Transfer4Leg(ctx context.Context, buyerID, sellerID int64, baseAsset, quoteAsset string, baseAmount, quoteAmount decimal.Decimal) error
}

type TradeStore interface {
	NextTradeID(ctx context.Context) (int64, error)
	CreateTrade(ctx context.Context, t *orderstore.Trade) error
}

type Settler struct {
	ledger      Ledger
	trades      TradeStore
	takerFeeBps int64
	logger      *slog.Logger
}

func New(ledger Ledger, trades TradeStore, takerFeeBps int, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	if takerFeeBps < 0 {
		takerFeeBps = 0
	}
	return &Settler{
		ledger:      ledger,
		trades:      trades,
		takerFeeBps: int64(takerFeeBps),
		logger:      logger,
	}
}

// Settle executes one match. takerSide is the side of the incoming order;
// the fee is charged against the asset the taker receives and recorded on
// the trade. The trade is created only after the transfer committed.
func (s *Settler) Settle(ctx context.Context, sym market.Symbol, buy, sell *orderstore.Order, takerSide string, price, quantity decimal.Decimal) (*orderstore.Trade, error) {
	if price.LessThanOrEqual(decimal.Zero) || quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price and quantity must be positive")
	}

	baseAmount := quantity
	quoteAmount := quantity.Mul(price).Truncate(market.MaxFractionDigits)

	if err := s.ledger.Transfer4Leg(ctx, buy.UserID, sell.UserID, sym.BaseAsset, sym.QuoteAsset, baseAmount, quoteAmount); err != nil {
		return nil, fmt.Errorf("settle %s %s@%s: %w", sym.Name, quantity, price, err)
	}

	fee, feeAsset := s.takerFee(sym, takerSide, baseAmount, quoteAmount)

	id, err := s.trades.NextTradeID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate trade id: %w", err)
	}
	trade := &orderstore.Trade{
		ID:          id,
		Symbol:      sym.Name,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		BuyerID:     buy.UserID,
		SellerID:    sell.UserID,
		Price:       price,
		Quantity:    quantity,
		Fee:         fee,
		FeeAsset:    feeAsset,
	}
	if err := s.trades.CreateTrade(ctx, trade); err != nil {
		// balances already moved; the trade record is the authoritative
		// evidence, so this is fatal for the current match
		s.logger.Error("trade record write failed after transfer",
			"symbol", sym.Name, "buy_order", buy.ID, "sell_order", sell.ID, "error", err)
		return nil, fmt.Errorf("record trade: %w", err)
	}
	return trade, nil
}

func (s *Settler) takerFee(sym market.Symbol, takerSide string, baseAmount, quoteAmount decimal.Decimal) (decimal.Decimal, string) {
	if s.takerFeeBps == 0 {
		return decimal.Zero, sym.QuoteAsset
	}
	rate := decimal.New(s.takerFeeBps, -4)
	if takerSide == orderstore.SideBuy {
		return baseAmount.Mul(rate).Truncate(market.MaxFractionDigits), sym.BaseAsset
	}
	return quoteAmount.Mul(rate).Truncate(market.MaxFractionDigits), sym.QuoteAsset
}
