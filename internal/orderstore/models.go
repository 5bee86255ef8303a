package orderstore

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"
)

const (
	StatusPending         = "pending"
	StatusActive          = "active"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
)

func IsTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Order is the venue's order record. IDs are venue-unique and monotonically
// assigned from the fast store's sequence. Price is zero for market orders.
type Order struct {
	ID        int64
	UserID    int64
	Symbol    string
	Side      string
	Type      string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	AvgPrice  decimal.Decimal
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

func (o *Order) IsBuy() bool {
	return o.Side == SideBuy
}

// Trade is immutable once created; only settlement creates trades.
type Trade struct {
	ID          int64
	Symbol      string
	BuyOrderID  int64
	SellOrderID int64
	BuyerID     int64
	SellerID    int64
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	ExecutedAt  time.Time
}
