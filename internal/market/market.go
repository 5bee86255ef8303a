package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Symbol describes a traded pair and its declared precisions. Quantities and
// prices submitted for the pair are truncated (never rounded up) to these
// precisions before any balance is frozen.
type Symbol struct {
	Name              string
	BaseAsset         string
	QuoteAsset        string
	PricePrecision    int32
	QuantityPrecision int32
}

type Registry struct {
	symbols map[string]Symbol
}

func NewRegistry(symbols []Symbol) (*Registry, error) {
	byName := make(map[string]Symbol, len(symbols))
	for _, s := range symbols {
		name := strings.ToUpper(strings.TrimSpace(s.Name))
		if name == "" {
			return nil, fmt.Errorf("symbol name required")
		}
		if strings.TrimSpace(s.BaseAsset) == "" || strings.TrimSpace(s.QuoteAsset) == "" {
			return nil, fmt.Errorf("symbol %s: base and quote assets required", name)
		}
		if s.PricePrecision < 0 || s.PricePrecision > MaxFractionDigits {
			return nil, fmt.Errorf("symbol %s: price precision out of range", name)
		}
		if s.QuantityPrecision < 0 || s.QuantityPrecision > MaxFractionDigits {
			return nil, fmt.Errorf("symbol %s: quantity precision out of range", name)
		}
		s.Name = name
		s.BaseAsset = strings.ToUpper(strings.TrimSpace(s.BaseAsset))
		s.QuoteAsset = strings.ToUpper(strings.TrimSpace(s.QuoteAsset))
		byName[name] = s
	}
	return &Registry{symbols: byName}, nil
}

func (r *Registry) Get(name string) (Symbol, error) {
	s, ok := r.symbols[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return Symbol{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, name)
	}
	return s, nil
}

func (r *Registry) All() []Symbol {
	out := make([]Symbol, 0, len(r.symbols))
	for _, s := range r.symbols {
		out = append(out, s)
	}
	return out
}

// TruncatePrice and TruncateQuantity drop excess fractional digits toward
// zero. Truncation bounds what an order can spend; rounding up could commit
// the user to more than was authorized.
func (s Symbol) TruncatePrice(p decimal.Decimal) decimal.Decimal {
	return p.Truncate(s.PricePrecision)
}

func (s Symbol) TruncateQuantity(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(s.QuantityPrecision)
}
