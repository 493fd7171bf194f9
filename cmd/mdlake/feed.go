package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/broker"
	"github.com/dgnsrekt/mdlake/internal/catalog"
	"github.com/dgnsrekt/mdlake/internal/config"
	"github.com/dgnsrekt/mdlake/internal/feed"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

func subscribeMode(name string) int {
	switch name {
	case "LTP":
		return feed.ModeLTP
	case "QUOTE":
		return feed.ModeQuote
	default:
		return feed.ModeSnapQuote
	}
}

func feedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feed",
		Short: "Run the broker feed producer and option subscription planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := cfg.ValidateBroker(); err != nil {
				return err
			}
			symbols, err := config.LoadSymbols(cfg.Feed.SymbolsFile)
			if err != nil {
				return err
			}

			rdb, err := stream.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			catalogURL := cfg.Catalog.URL
			if catalogURL == "" {
				catalogURL = catalog.DefaultURL
			}
			cat, err := catalog.Load(ctx,
				&http.Client{Timeout: 2 * time.Minute},
				catalogURL, cfg.Catalog.CachePath, cfg.CatalogMaxAge(), logger)
			if err != nil {
				return err
			}

			equities := cat.ResolveEquities(symbols)
			logger.Info("resolved equities",
				zap.Int("requested", len(symbols)),
				zap.Int("resolved", len(equities)),
			)

			session, err := broker.NewAuth(brokerCredentials(), logger).Login(ctx)
			if err != nil {
				return err
			}

			var manager *feed.Manager
			conn, err := broker.DialFeed(ctx, session, func(t feed.RawTick) {
				manager.OnTick(ctx, t)
			}, logger)
			if err != nil {
				return err
			}

			manager, err = feed.NewManager(rdb, rdb, cat, conn, feed.Config{
				Warmup:         cfg.Warmup(),
				StrikesAround:  cfg.Feed.StrikesAround,
				MaxSubs:        cfg.Feed.MaxSubs,
				SubscribeBatch: cfg.Feed.SubscribeBatch,
				Mode:           subscribeMode(cfg.Feed.Mode),
				EqStream:       cfg.Streams.Equity.Name,
				EqMaxLen:       cfg.Streams.Equity.MaxLen,
				OptStream:      cfg.Streams.Option.Name,
				OptMaxLen:      cfg.Streams.Option.MaxLen,
			}, symbols, equities, logger)
			if err != nil {
				return err
			}

			if err := manager.OnOpen(ctx); err != nil {
				return err
			}
			return conn.Run(ctx)
		},
	}
}

func brokerCredentials() broker.Credentials {
	return broker.Credentials{
		APIKey:     cfg.Broker.APIKey,
		ClientCode: cfg.Broker.ClientCode,
		PIN:        cfg.Broker.PIN,
		TOTP:       cfg.Broker.TOTP,
	}
}
