package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/broker"
	"github.com/dgnsrekt/mdlake/internal/poller"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

func greeksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "greeks",
		Short: "Poll option greeks for active expiries and cache snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := cfg.ValidateBroker(); err != nil {
				return err
			}

			rdb, err := stream.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			auth := broker.NewAuth(brokerCredentials(), logger)
			session, err := auth.Login(ctx)
			if err != nil {
				return err
			}

			p := poller.New(rdb, rdb,
				broker.NewGreeksClient(session, cfg.RequestDelay(), logger),
				poller.Config{
					Stream:    cfg.Streams.Greeks.Name,
					MaxLen:    cfg.Streams.Greeks.MaxLen,
					Interval:  cfg.PollInterval(),
					LatestTTL: cfg.LatestTTL(),
				}, logger)

			// On session expiry the poller re-authenticates and rebuilds its
			// greeks client, then resumes.
			p.Reauth = func(ctx context.Context) (poller.Fetcher, error) {
				session, err := auth.Login(ctx)
				if err != nil {
					return nil, err
				}
				return broker.NewGreeksClient(session, cfg.RequestDelay(), logger), nil
			}

			logger.Info("greeks poller starting", zap.String("stream", cfg.Streams.Greeks.Name))
			return p.Run(ctx)
		},
	}
}
