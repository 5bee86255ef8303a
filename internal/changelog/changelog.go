// Package changelog defines the change-queue records the fast stores emit on
// every successful mutation and the durable sync pipeline drains. A record
// carries only the entity identity; the pipeline re-reads current state from
// the fast store before replaying it, so records are safe to replay twice.
package changelog

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EntityBalance = "balance"
	EntityOrder   = "order"
	EntityTrade   = "trade"
)

const (
	BalanceQueueKey = "cex:sync:balances"
	OrderQueueKey   = "cex:sync:orders"
	TradeQueueKey   = "cex:sync:trades"
)

type Record struct {
	Entity string `json:"entity"`
	Key    string `json:"key"`
	Ts     int64  `json:"ts"`
}

func NewRecord(entity, key string, at time.Time) Record {
	return Record{Entity: entity, Key: key, Ts: at.UnixNano()}
}

func (r Record) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal change record: %w", err)
	}
	return string(b), nil
}

func Decode(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("decode change record: %w", err)
	}
	if r.Entity == "" || r.Key == "" {
		return Record{}, fmt.Errorf("change record missing entity or key")
	}
	return r, nil
}

func QueueKey(entity string) (string, error) {
	switch entity {
	case EntityBalance:
		return BalanceQueueKey, nil
	case EntityOrder:
		return OrderQueueKey, nil
	case EntityTrade:
		return TradeQueueKey, nil
	default:
		return "", fmt.Errorf("unknown change entity %q", entity)
	}
}
