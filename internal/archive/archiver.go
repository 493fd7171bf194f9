// Package archive consumes a stream through the reliable consumer engine and
// writes partitioned columnar files. Messages are buffered until a row-count
// threshold or a flush interval fires, then written in one bulk flush; their
// IDs are released for acknowledgment only after every file of the flush has
// been renamed into place.
package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/mdlake/internal/stream"
)

// partitionColumns is the preference order for the optional partition key;
// the first column present in a batch wins.
var partitionColumns = []string{"underlying", "symbol"}

// BatchWriter writes one batch of rows as a single file under dir. The write
// must be atomic from a reader's perspective: no partial file may ever be
// visible under a final name.
type BatchWriter interface {
	WriteBatch(dir string, rows []map[string]string) error
}

type Config struct {
	Stream      string
	OutDir      string
	BatchSize   int
	FlushEvery  time.Duration
	PartitionBy bool
}

type Archiver struct {
	cfg    Config
	writer BatchWriter
	logger *zap.Logger
	now    func() time.Time

	rows      []map[string]string
	ids       []string
	lastFlush time.Time
}

func New(cfg Config, writer BatchWriter, logger *zap.Logger) *Archiver {
	a := &Archiver{
		cfg:    cfg,
		writer: writer,
		logger: logger,
		now:    time.Now,
	}
	a.lastFlush = a.now()
	return a
}

// Process buffers the batch and flushes when the row threshold or the flush
// interval is reached. It returns the IDs covered by a successful flush; on a
// write failure the buffer is retained, nothing is acknowledged, and the same
// flush is retried on the next pass.
func (a *Archiver) Process(ctx context.Context, msgs []stream.Message) ([]string, error) {
	for _, m := range msgs {
		row := make(map[string]string, len(m.Fields)+2)
		for k, v := range m.Fields {
			row[k] = v
		}
		row["_log_id"] = m.ID
		row["_stream"] = a.cfg.Stream
		a.rows = append(a.rows, row)
		a.ids = append(a.ids, m.ID)
	}

	if len(a.rows) >= a.cfg.BatchSize || a.now().Sub(a.lastFlush) >= a.cfg.FlushEvery {
		return a.flush()
	}
	return nil, nil
}

func (a *Archiver) flush() ([]string, error) {
	if len(a.rows) == 0 {
		a.lastFlush = a.now()
		return nil, nil
	}

	if err := a.writeBatch(a.rows); err != nil {
		return nil, fmt.Errorf("writing batch of %d rows: %w", len(a.rows), err)
	}

	flushed := a.ids
	a.logger.Info("flushed batch",
		zap.String("stream", a.cfg.Stream),
		zap.Int("rows", len(a.rows)),
	)
	a.rows = nil
	a.ids = nil
	a.lastFlush = a.now()
	return flushed, nil
}

// writeBatch derives the partition layout and performs one file write per
// partition key value (or a single write when no key column is present).
func (a *Archiver) writeBatch(rows []map[string]string) error {
	defaultTs := strconv.FormatInt(a.now().UnixMilli(), 10)
	for _, row := range rows {
		// Every row must be partitionable.
		if _, err := strconv.ParseInt(row["ts_recv"], 10, 64); err != nil {
			row["ts_recv"] = defaultTs
		}
	}

	base := filepath.Join(
		a.cfg.OutDir,
		"stream="+strings.ReplaceAll(a.cfg.Stream, ":", "_"),
		"dt="+utcDate(rows[0]["ts_recv"]),
	)

	if a.cfg.PartitionBy {
		if col := partitionColumn(rows); col != "" {
			for value, part := range splitBy(rows, col) {
				dir := filepath.Join(base, col+"="+value)
				if err := a.writer.WriteBatch(dir, part); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return a.writer.WriteBatch(base, rows)
}

func partitionColumn(rows []map[string]string) string {
	for _, col := range partitionColumns {
		for _, row := range rows {
			if _, ok := row[col]; ok {
				return col
			}
		}
	}
	return ""
}

// splitBy groups rows by the distinct values of col, preserving arrival
// order within each group.
func splitBy(rows []map[string]string, col string) map[string][]map[string]string {
	parts := make(map[string][]map[string]string)
	for _, row := range rows {
		parts[row[col]] = append(parts[row[col]], row)
	}
	return parts
}

func utcDate(tsMillis string) string {
	ms, _ := strconv.ParseInt(tsMillis, 10, 64)
	return time.UnixMilli(ms).UTC().Format("2006-01-02")
}
