package orderstore

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Active orders rest in one sorted set per (symbol, side), all at score zero,
// ordered by their member string alone. The member embeds a price key and the
// order id, both zero-padded, so a plain lexicographic range walks the book
// in price-time priority: asks use the price directly (cheapest first), bids
// invert the price so the highest bid sorts first. Ties at one price level
// fall back to the order id, which is monotonic in creation time.
func bookKey(symbol, side string) string {
	if side == SideBuy {
		return "cex:book:" + symbol + ":bids"
	}
	return "cex:book:" + symbol + ":asks"
}

func priorityMember(side string, priceUnits, orderID int64) string {
	key := priceUnits
	if side == SideBuy {
		key = math.MaxInt64 - priceUnits
	}
	return fmt.Sprintf("%019d:%019d", key, orderID)
}

func memberOrderID(member string) (int64, error) {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 {
		return 0, fmt.Errorf("malformed book member %q", member)
	}
	id, err := strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed book member %q: %w", member, err)
	}
	return id, nil
}
