package market

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFitsUnitsBoundary(t *testing.T) {
	max := decimal.New(math.MaxInt64, -8)
	if !FitsUnits(max) {
		t.Fatalf("expected %s to fit", max)
	}
	if ToUnits(max) != math.MaxInt64 {
		t.Fatalf("expected max units, got %d", ToUnits(max))
	}

	over := max.Add(decimal.New(1, -8))
	if FitsUnits(over) {
		t.Fatalf("expected %s not to fit", over)
	}
	if FitsUnits(decimal.New(2, 11)) {
		t.Fatalf("expected 2e11 not to fit")
	}
	if !FitsUnits(max.Neg()) {
		t.Fatalf("expected negated max to fit")
	}
}
