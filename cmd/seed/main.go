// Command seed deposits starter balances into the fast store so a fresh
// environment can trade immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/liuzhixin405/netcorespot-sub000/internal/config"
	"github.com/liuzhixin405/netcorespot-sub000/internal/ledger"
	"github.com/liuzhixin405/netcorespot-sub000/libs/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path")
		userID     = flag.Int64("user", 0, "user id to fund (0 funds demo users 1 and 2)")
		asset      = flag.String("asset", "", "asset to deposit")
		amount     = flag.String("amount", "", "amount to deposit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, "seed", cfg.App.Env)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	store := ledger.New(client, logger)

	if *userID > 0 {
		if *asset == "" || *amount == "" {
			fmt.Fprintln(os.Stderr, "-asset and -amount are required with -user")
			os.Exit(2)
		}
		amt, err := decimal.NewFromString(*amount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid amount %q\n", *amount)
			os.Exit(2)
		}
		deposit(ctx, store, logger, *userID, *asset, amt)
		return
	}

	// Demo funding: both sides of every configured pair for users 1 and 2.
	for _, sym := range cfg.Symbols {
		for _, uid := range []int64{1, 2} {
			deposit(ctx, store, logger, uid, sym.QuoteAsset, decimal.NewFromInt(1_000_000))
			deposit(ctx, store, logger, uid, sym.BaseAsset, decimal.NewFromInt(100))
		}
	}
}

func deposit(ctx context.Context, store *ledger.Store, logger *slog.Logger, userID int64, asset string, amount decimal.Decimal) {
	if err := store.Deposit(ctx, userID, asset, amount); err != nil {
		logger.Error("deposit failed", "user_id", userID, "asset", asset, "error", err)
		os.Exit(1)
	}
	logger.Info("deposited", "user_id", userID, "asset", asset, "amount", amount.String())
}
