package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/consumer"
	"github.com/dgnsrekt/mdlake/internal/enrich"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Enrich option ticks with cached greeks and republish them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rdb, err := stream.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			cache := enrich.NewCache(rdb, cfg.CacheRefresh(), logger)
			joiner := enrich.NewJoiner(rdb, cache, enrich.JoinerConfig{
				OutStream: cfg.Streams.Features.Name,
				OutMaxLen: cfg.Streams.Features.MaxLen,
			}, logger)

			engine := consumer.New(rdb, consumer.Config{
				Stream:    cfg.Streams.Option.Name,
				Group:     cfg.Joiner.Group,
				Consumer:  cfg.Joiner.Consumer,
				ReadCount: cfg.Joiner.ReadCount,
				Block:     cfg.JoinerBlock(),
			}, joiner.Process, logger)

			logger.Info("joiner starting",
				zap.String("in", cfg.Streams.Option.Name),
				zap.String("out", cfg.Streams.Features.Name),
			)
			return engine.Run(ctx)
		},
	}
}
