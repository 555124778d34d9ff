package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/voucherhub/voucherhub/cache"
	"github.com/voucherhub/voucherhub/config"
	"github.com/voucherhub/voucherhub/idgen"
	"github.com/voucherhub/voucherhub/logger"
	"github.com/voucherhub/voucherhub/shop"
	"github.com/voucherhub/voucherhub/voucher"
)

var configPath string

// deps bundles the wired backend components shared by the commands.
type deps struct {
	cfg   config.Config
	log   logger.Logger
	rdb   *redis.Client
	db    *bun.DB
	cache *cache.Client
}

func setup(ctx context.Context) (*deps, func(), error) {
	log := logger.NewConsoleLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, err
	}

	sqldb, err := sql.Open("sqlite3", cfg.DatabaseDSN)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	if err := voucher.NewStore(db).Init(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, err
	}
	if err := shop.NewStore(db).Init(ctx); err != nil {
		db.Close()
		rdb.Close()
		return nil, nil, err
	}

	cacheClient := cache.NewClient(ctx, rdb, log,
		cache.WithNegativeTTL(cfg.Cache.NegativeTTL.Std()),
		cache.WithLockTTL(cfg.Cache.LockTTL.Std()),
		cache.WithRebuildWorkers(cfg.Cache.RebuildWorkers),
	)

	cleanup := func() {
		cacheClient.Close()
		db.Close()
		rdb.Close()
	}
	return &deps{cfg: cfg, log: log, rdb: rdb, db: db, cache: cacheClient}, cleanup, nil
}

var rootCmd = &cobra.Command{
	Use:   "voucherhubd",
	Short: "voucherhub backend daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		d, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		worker := voucher.NewWorker(d.rdb, voucher.NewFinalizer(d.db, d.log), d.log,
			voucher.WithGroup(d.cfg.Worker.Group),
			voucher.WithConsumer(d.cfg.Worker.Consumer),
			voucher.WithBlock(d.cfg.Worker.Block.Std()),
		)
		if err := worker.Start(ctx); err != nil {
			return err
		}

		d.log.Info("voucherhubd started")
		<-ctx.Done()
		d.log.Info("shutting down")
		worker.Stop()
		return nil
	},
}

var addVoucherCmd = func() *cobra.Command {
	var id, stock int64
	var title string
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "add-voucher",
		Short: "create a flash-sale voucher and seed its stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			svc := voucher.NewService(d.rdb, idgen.NewWorker(d.rdb), voucher.NewStore(d.db), d.log)
			now := time.Now()
			if err := svc.AddVoucher(ctx, &voucher.Voucher{
				ID:        id,
				Title:     title,
				Stock:     stock,
				BeginTime: now,
				EndTime:   now.Add(window),
			}); err != nil {
				return err
			}
			d.log.Info("voucher %d created with stock %d", id, stock)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "voucher id")
	cmd.Flags().Int64Var(&stock, "stock", 0, "initial stock")
	cmd.Flags().StringVar(&title, "title", "", "voucher title")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "sale window length")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("stock")
	return cmd
}()

var warmShopCmd = func() *cobra.Command {
	var id int64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "warm-shop",
		Short: "pre-warm the logical-expiration cache entry for a hot shop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			d, cleanup, err := setup(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			svc := shop.NewService(d.cache, d.rdb, shop.NewStore(d.db), d.log)
			if err := svc.WarmUp(ctx, id, ttl); err != nil {
				return err
			}
			d.log.Info("shop %d warmed for %s", id, ttl)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "shop id")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "logical ttl")
	cmd.MarkFlagRequired("id")
	return cmd
}()

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "voucherhub.yaml", "path to the configuration file")
	rootCmd.AddCommand(addVoucherCmd, warmShopCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
