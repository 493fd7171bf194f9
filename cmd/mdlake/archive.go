package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/archive"
	"github.com/dgnsrekt/mdlake/internal/consumer"
	"github.com/dgnsrekt/mdlake/internal/stream"
)

// defaultConsumerName derives a stable identity from the stream. Recovery
// drains the consumer's own pending entries, so a restarted archiver must
// come back under the same name to finish in-flight work from before the
// crash.
func defaultConsumerName(streamName string) string {
	return "archiver-" + strings.ReplaceAll(streamName, ":", "-")
}

func archiveCmd() *cobra.Command {
	var (
		streamName   string
		groupName    string
		consumerName string
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Consume a stream and archive it to partitioned parquet files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if streamName == "" {
				return fmt.Errorf("--stream is required")
			}
			if groupName == "" {
				groupName = cfg.Archiver.Group
			}
			if consumerName == "" {
				consumerName = defaultConsumerName(streamName)
			}

			rdb, err := stream.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			archiver := archive.New(archive.Config{
				Stream:      streamName,
				OutDir:      cfg.Archiver.OutDir,
				BatchSize:   cfg.Archiver.BatchSize,
				FlushEvery:  cfg.FlushInterval(),
				PartitionBy: cfg.Archiver.PartitionBySymbol,
			}, archive.NewParquetWriter(cfg.Archiver.Compression), logger)

			engine := consumer.New(rdb, consumer.Config{
				Stream:      streamName,
				Group:       groupName,
				Consumer:    consumerName,
				ReadCount:   cfg.Archiver.ReadCount,
				Block:       cfg.ArchiverBlock(),
				DeleteAcked: cfg.Archiver.DeleteAfterAck,
			}, archiver.Process, logger)

			logger.Info("archiver starting",
				zap.String("stream", streamName),
				zap.String("consumer", consumerName),
				zap.String("out_dir", cfg.Archiver.OutDir),
			)
			return engine.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&streamName, "stream", "s", "", "stream to archive (required)")
	cmd.Flags().StringVarP(&groupName, "group", "g", "", "consumer group (default from config)")
	cmd.Flags().StringVarP(&consumerName, "consumer", "n", "", "consumer name (default derived from stream)")
	return cmd
}
