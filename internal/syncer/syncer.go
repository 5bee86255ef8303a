// Package syncer drains the fast store's change queues into Postgres and
// rebuilds the fast store from Postgres on cold start. Records name an
// entity, not a delta; the pipeline re-reads the entity's current fast-store
// state and upserts it, which makes every record safe to replay.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/liuzhixin405/netcorespot-sub000/internal/changelog"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/internal/market"
	"github.com/liuzhixin405/netcorespot-sub000/internal/orderstore"
)

// Durable is the slice of the Postgres store the pipeline writes and the
// bootstrap reads.
type Durable interface {
	UpsertBalance(ctx context.Context, b ledger.Balance) error
	UpsertOrder(ctx context.Context, o *orderstore.Order) error
	UpsertTrade(ctx context.Context, t *orderstore.Trade) error
	ListBalances(ctx context.Context) ([]ledger.Balance, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*orderstore.Order, error)
	ListTrades(ctx context.Context, symbol string, limit int) ([]*orderstore.Trade, error)
	MaxIDs(ctx context.Context) (int64, int64, error)
}

type Config struct {
	Interval   time.Duration
	BatchSize  int64
	LeaseKey   string
	LeaseTTL   time.Duration
	HolderName string
}

type Syncer struct {
	client  *redis.Client
	ledger  *ledger.Store
	orders  *orderstore.Store
	durable Durable
	symbols *market.Registry
	lease   *Lease
	logger  *slog.Logger
	metrics *Metrics

	interval  time.Duration
	batchSize int64
}

func New(client *redis.Client, led *ledger.Store, orders *orderstore.Store, durable Durable, symbols *market.Registry, cfg Config, logger *slog.Logger, metrics *Metrics) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "cex:sync:lease"
	}
	if cfg.HolderName == "" {
		cfg.HolderName = "tradecore"
	}
	return &Syncer{
		client:    client,
		ledger:    led,
		orders:    orders,
		durable:   durable,
		symbols:   symbols,
		lease:     NewLease(client, cfg.LeaseKey, cfg.HolderName, cfg.LeaseTTL),
		logger:    logger,
		metrics:   metrics,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Run drains the queues on every tick while this instance holds the lease.
// On shutdown it performs one final drain before releasing the lease, so a
// clean stop leaves the durable store caught up.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if held, err := s.lease.Acquire(flushCtx); err == nil && held {
				s.DrainOnce(flushCtx)
			}
			if err := s.lease.Release(flushCtx); err != nil {
				s.logger.Warn("release sync lease", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			held, err := s.lease.Acquire(ctx)
			if err != nil {
				s.logger.Error("acquire sync lease", "error", err)
				continue
			}
			if !held {
				continue
			}
			s.DrainOnce(ctx)
		}
	}
}

// DrainOnce applies one batch from every change queue. Failed records stay
// queued and are retried on the next tick.
func (s *Syncer) DrainOnce(ctx context.Context) {
	for _, entity := range []string{changelog.EntityBalance, changelog.EntityOrder, changelog.EntityTrade} {
		if err := s.drainQueue(ctx, entity); err != nil {
			s.logger.Error("drain change queue", "entity", entity, "error", err)
		}
	}
}

func (s *Syncer) drainQueue(ctx context.Context, entity string) error {
	queue, err := changelog.QueueKey(entity)
	if err != nil {
		return err
	}
	raws, err := s.client.LRange(ctx, queue, 0, s.batchSize-1).Result()
	if err != nil {
		return fmt.Errorf("peek %s: %w", queue, err)
	}
	if len(raws) == 0 {
		return nil
	}

	// The same entity often mutates several times per batch; applying it
	// once writes the newest state for all of its records.
	applied := make(map[string]bool, len(raws))
	for _, raw := range raws {
		record, err := changelog.Decode(raw)
		if err != nil {
			// A malformed record would wedge the queue head forever.
			s.logger.Error("drop malformed change record", "queue", queue, "raw", raw, "error", err)
			s.client.LRem(ctx, queue, 1, raw)
			s.metrics.ObserveRecord(entity, "malformed")
			continue
		}

		ok, seen := applied[record.Key]
		if !seen {
			ok = s.applyRecord(ctx, record) == nil
			applied[record.Key] = ok
		}
		if !ok {
			s.metrics.ObserveRecord(entity, "failed")
			continue
		}
		if err := s.client.LRem(ctx, queue, 1, raw).Err(); err != nil {
			return fmt.Errorf("ack record on %s: %w", queue, err)
		}
		s.metrics.ObserveRecord(entity, "applied")
	}

	depth, err := s.client.LLen(ctx, queue).Result()
	if err == nil {
		s.metrics.SetQueueDepth(entity, depth)
	}
	return nil
}

func (s *Syncer) applyRecord(ctx context.Context, record changelog.Record) error {
	var err error
	switch record.Entity {
	case changelog.EntityBalance:
		err = s.applyBalance(ctx, record.Key)
	case changelog.EntityOrder:
		err = s.applyOrder(ctx, record.Key)
	case changelog.EntityTrade:
		err = s.applyTrade(ctx, record.Key)
	default:
		err = fmt.Errorf("unknown entity %q", record.Entity)
	}
	if err != nil {
		s.logger.Error("apply change record", "entity", record.Entity, "key", record.Key, "error", err)
	}
	return err
}

func (s *Syncer) applyBalance(ctx context.Context, key string) error {
	userID, asset, err := ledger.ParseBalanceChangeKey(key)
	if err != nil {
		return err
	}
	b, err := s.ledger.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	return s.durable.UpsertBalance(ctx, b)
}

func (s *Syncer) applyOrder(ctx context.Context, key string) error {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("order change key %q: %w", key, err)
	}
	o, err := s.orders.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return s.durable.UpsertOrder(ctx, o)
}

func (s *Syncer) applyTrade(ctx context.Context, key string) error {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("trade change key %q: %w", key, err)
	}
	t, err := s.orders.GetTrade(ctx, id)
	if err != nil {
		return err
	}
	return s.durable.UpsertTrade(ctx, t)
}

// Bootstrap rebuilds the fast store from Postgres. It refuses to run when
// the fast store already carries state, so a live instance never gets
// clobbered by a restart race.
func (s *Syncer) Bootstrap(ctx context.Context) error {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return fmt.Errorf("probe fast store: %w", err)
	}
	if keys > 0 {
		s.logger.Info("fast store already populated, skipping bootstrap")
		return nil
	}

	balances, err := s.durable.ListBalances(ctx)
	if err != nil {
		return fmt.Errorf("list balances: %w", err)
	}
	for _, b := range balances {
		if err := s.ledger.RestoreBalance(ctx, b); err != nil {
			return fmt.Errorf("restore balance %d/%s: %w", b.UserID, b.Asset, err)
		}
	}

	restored := 0
	for _, sym := range s.symbols.All() {
		open, err := s.durable.ListOpenOrders(ctx, sym.Name)
		if err != nil {
			return fmt.Errorf("list open orders %s: %w", sym.Name, err)
		}
		for _, o := range open {
			if err := s.orders.RestoreOrder(ctx, o); err != nil {
				return fmt.Errorf("restore order %d: %w", o.ID, err)
			}
		}
		restored += len(open)

		trades, err := s.durable.ListTrades(ctx, sym.Name, 1)
		if err != nil {
			return fmt.Errorf("list trades %s: %w", sym.Name, err)
		}
		if len(trades) > 0 {
			if err := s.orders.RestoreLastPrice(ctx, sym.Name, trades[0].Price); err != nil {
				return fmt.Errorf("restore last price %s: %w", sym.Name, err)
			}
		}
	}

	maxOrderID, maxTradeID, err := s.durable.MaxIDs(ctx)
	if err != nil {
		return fmt.Errorf("read max ids: %w", err)
	}
	if err := s.orders.AdvanceSequences(ctx, maxOrderID, maxTradeID); err != nil {
		return err
	}

	s.logger.Info("bootstrap complete",
		"balances", len(balances),
		"open_orders", restored,
		"max_order_id", maxOrderID,
		"max_trade_id", maxTradeID,
	)
	return nil
}

// QueueDepths reports the outstanding change records per entity.
func (s *Syncer) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, 3)
	for _, entity := range []string{changelog.EntityBalance, changelog.EntityOrder, changelog.EntityTrade} {
		queue, _ := changelog.QueueKey(entity)
		n, err := s.client.LLen(ctx, queue).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		depths[entity] = n
	}
	return depths, nil
}
