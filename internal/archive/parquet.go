package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

// ParquetWriter writes row batches as parquet files named part-<epoch_ms>.
// Data goes to a dot-prefixed temp path first and is renamed into place only
// after the writer closed cleanly, so readers never see a partial file under
// a final name.
type ParquetWriter struct {
	compression compress.Compression
	allocator   memory.Allocator
	now         func() time.Time
}

func NewParquetWriter(codec string) *ParquetWriter {
	return &ParquetWriter{
		compression: codecFor(codec),
		allocator:   memory.DefaultAllocator,
		now:         time.Now,
	}
}

func codecFor(name string) compress.Compression {
	switch name {
	case "none":
		return compress.Codecs.Uncompressed
	case "snappy":
		return compress.Codecs.Snappy
	case "gzip":
		return compress.Codecs.Gzip
	case "lz4":
		return compress.Codecs.Lz4
	default:
		return compress.Codecs.Zstd
	}
}

func (w *ParquetWriter) WriteBatch(dir string, rows []map[string]string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating partition dir: %w", err)
	}

	ts := w.now().UnixMilli()
	tmpPath := filepath.Join(dir, fmt.Sprintf(".tmp-part-%d.parquet", ts))
	finalPath := filepath.Join(dir, fmt.Sprintf("part-%d.parquet", ts))

	if err := w.writeFile(tmpPath, rows); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (w *ParquetWriter) writeFile(path string, rows []map[string]string) error {
	record := w.buildRecord(rows)
	defer record.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	props := parquet.NewWriterProperties(
		parquet.WithCompression(w.compression),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(record.Schema(), f, props, arrowProps)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("creating parquet writer: %w", err)
	}

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	// Close finalizes the footer and closes the underlying file.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	return nil
}

// buildRecord assembles an all-utf8 record over the union of the batch's
// columns; rows missing a column contribute a null.
func (w *ParquetWriter) buildRecord(rows []map[string]string) arrow.Record {
	columns := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			columns[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(columns))
	for k := range columns {
		names = append(names, k)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(w.allocator, schema)
	defer builder.Release()

	for i, name := range names {
		col := builder.Field(i).(*array.StringBuilder)
		for _, row := range rows {
			if v, ok := row[name]; ok {
				col.Append(v)
			} else {
				col.AppendNull()
			}
		}
	}
	return builder.NewRecord()
}
