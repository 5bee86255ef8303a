// Package ledger is the authoritative balance store. Each (user, asset) pair
// is one Redis hash with integer-unit available/frozen fields; the four
// permitted mutations and the settlement transfer are Lua scripts, so their
// precondition checks and writes execute as one unit on the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/changelog"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
)

const balanceKeyPrefix = "cex:bal:"

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAmountOutOfRange    = errors.New("amount exceeds ledger range")
	ErrInvalidAsset        = errors.New("asset is required")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientFrozen  = errors.New("insufficient frozen balance")
)

type Balance struct {
	UserID    int64
	Asset     string
	Available decimal.Decimal
	Frozen    decimal.Decimal
	UpdatedAt time.Time
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Frozen)
}

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

func balanceKey(userID int64, asset string) string {
	return balanceKeyPrefix + strconv.FormatInt(userID, 10) + ":" + asset
}

func balanceChangeKey(userID int64, asset string) string {
	return strconv.FormatInt(userID, 10) + ":" + asset
}

// ParseBalanceChangeKey splits a change-record key back into (user, asset).
func ParseBalanceChangeKey(key string) (int64, string, error) {
	idx := strings.IndexByte(key, ':')
	if idx <= 0 || idx == len(key)-1 {
		return 0, "", fmt.Errorf("malformed balance change key %q", key)
	}
	userID, err := strconv.ParseInt(key[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed balance change key %q: %w", key, err)
	}
	return userID, key[idx+1:], nil
}

func normalizeAsset(asset string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(asset))
	if trimmed == "" {
		return "", ErrInvalidAsset
	}
	return trimmed, nil
}

func (s *Store) Freeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return s.runMutation(ctx, freezeScript, userID, asset, amount, ErrInsufficientBalance)
}

func (s *Store) Unfreeze(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return s.runMutation(ctx, unfreezeScript, userID, asset, amount, ErrInsufficientFrozen)
}

func (s *Store) DeductFrozen(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return s.runMutation(ctx, deductFrozenScript, userID, asset, amount, ErrInsufficientFrozen)
}

func (s *Store) AddAvailable(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return s.runMutation(ctx, addAvailableScript, userID, asset, amount, nil)
}

// Deposit credits available balance. Same primitive as AddAvailable; named
// separately because seeding and funding flows call it directly.
func (s *Store) Deposit(ctx context.Context, userID int64, asset string, amount decimal.Decimal) error {
	return s.AddAvailable(ctx, userID, asset, amount)
}

func (s *Store) runMutation(ctx context.Context, script *redis.Script, userID int64, asset string, amount decimal.Decimal, precondErr error) error {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return err
	}
	if !market.FitsUnits(amount) {
		return ErrAmountOutOfRange
	}
	units := market.ToUnits(amount)
	if units <= 0 {
		return ErrInvalidAmount
	}

	now := time.Now().UTC()
	record, err := changelog.NewRecord(changelog.EntityBalance, balanceChangeKey(userID, asset), now).Encode()
	if err != nil {
		return err
	}

	res, err := script.Run(ctx, s.client,
		[]string{balanceKey(userID, asset), changelog.BalanceQueueKey},
		units, now.UnixNano(), record,
	).Int()
	if err != nil {
		return fmt.Errorf("ledger mutation: %w", err)
	}
	if res != 1 {
		if precondErr != nil {
			return precondErr
		}
		return fmt.Errorf("ledger mutation returned %d", res)
	}
	return nil
}

// Transfer4Leg settles one trade: buyer frozen quote and seller frozen base
// are consumed, buyer receives base as available, seller receives quote as
// available. All four legs apply in one script or not at all.
func (s *Store) Transfer4Leg(ctx context.Context, buyerID, sellerID int64, baseAsset, quoteAsset string, baseAmount, quoteAmount decimal.Decimal) error {
	baseAsset, err := normalizeAsset(baseAsset)
	if err != nil {
		return err
	}
	quoteAsset, err = normalizeAsset(quoteAsset)
	if err != nil {
		return err
	}
	if !market.FitsUnits(baseAmount) || !market.FitsUnits(quoteAmount) {
		return ErrAmountOutOfRange
	}
	baseUnits := market.ToUnits(baseAmount)
	quoteUnits := market.ToUnits(quoteAmount)
	if baseUnits <= 0 || quoteUnits <= 0 {
		return ErrInvalidAmount
	}

	now := time.Now().UTC()
	records := make([]any, 0, 4)
	for _, ck := range []string{
		balanceChangeKey(buyerID, quoteAsset),
		balanceChangeKey(buyerID, baseAsset),
		balanceChangeKey(sellerID, baseAsset),
		balanceChangeKey(sellerID, quoteAsset),
	} {
		record, err := changelog.NewRecord(changelog.EntityBalance, ck, now).Encode()
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	args := append([]any{baseUnits, quoteUnits, now.UnixNano()}, records...)
	res, err := transfer4LegScript.Run(ctx, s.client,
		[]string{
			balanceKey(buyerID, quoteAsset),
			balanceKey(buyerID, baseAsset),
			balanceKey(sellerID, baseAsset),
			balanceKey(sellerID, quoteAsset),
			changelog.BalanceQueueKey,
		},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("transfer4leg: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("buyer %d %s: %w", buyerID, quoteAsset, ErrInsufficientFrozen)
	case -1:
		return fmt.Errorf("seller %d %s: %w", sellerID, baseAsset, ErrInsufficientFrozen)
	default:
		return fmt.Errorf("transfer4leg returned %d", res)
	}
}

func (s *Store) GetBalance(ctx context.Context, userID int64, asset string) (Balance, error) {
	asset, err := normalizeAsset(asset)
	if err != nil {
		return Balance{}, err
	}

	vals, err := s.client.HMGet(ctx, balanceKey(userID, asset), "available", "frozen", "updated_at").Result()
	if err != nil {
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}

	b := Balance{
		UserID:    userID,
		Asset:     asset,
		Available: decimal.Zero,
		Frozen:    decimal.Zero,
	}
	if units, ok := parseUnitsField(vals[0]); ok {
		b.Available = market.FromUnits(units)
	}
	if units, ok := parseUnitsField(vals[1]); ok {
		b.Frozen = market.FromUnits(units)
	}
	if nanos, ok := parseUnitsField(vals[2]); ok {
		b.UpdatedAt = time.Unix(0, nanos).UTC()
	}
	return b, nil
}

// RestoreBalance writes a balance straight into the fast store without
// touching the change queue. Cold-start bootstrap only.
func (s *Store) RestoreBalance(ctx context.Context, b Balance) error {
	asset, err := normalizeAsset(b.Asset)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, balanceKey(b.UserID, asset),
		"available", market.ToUnits(b.Available),
		"frozen", market.ToUnits(b.Frozen),
		"updated_at", time.Now().UTC().UnixNano(),
	).Err()
}

func parseUnitsField(v any) (int64, bool) {
	str, ok := v.(string)
	if !ok || str == "" {
		return 0, false
	}
	units, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, false
	}
	return units, true
}
