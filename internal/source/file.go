package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/pkg/utils"
)

// File formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// maxLineSize bounds one JSON line.
const maxLineSize = 16 << 20

// FileConfig configures a File source.
type FileConfig struct {
	Path string `yaml:"path"`
	// Format is jsonl or csv; inferred from the extension when empty.
	Format string `yaml:"format"`
}

// File reads one JSON-lines or CSV file, optionally gzip compressed, as a
// single partition 0. The offset of a record is its index among the data
// lines; CSV rows become JSON objects keyed by the cleaned header.
type File struct {
	path   string
	format string
	gz     bool
}

// NewFile validates cfg.
func NewFile(cfg FileConfig) (*File, error) {
	if cfg.Path == "" {
		return nil, errors.New("file source: path is required")
	}
	name := strings.ToLower(cfg.Path)
	gz := strings.HasSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".gz")

	format := strings.ToLower(cfg.Format)
	if format == "" {
		switch filepath.Ext(name) {
		case ".csv":
			format = FormatCSV
		default:
			format = FormatJSONL
		}
	}
	if format != FormatJSONL && format != FormatCSV {
		return nil, fmt.Errorf("file source: unknown format %q", cfg.Format)
	}
	return &File{path: cfg.Path, format: format, gz: gz}, nil
}

func (f *File) String() string { return "file:" + f.path }

// AvailableRange counts the records currently in the file.
func (f *File) AvailableRange(ctx context.Context) (model.SourceRange, error) {
	var n int64
	err := f.scan(ctx, func(int64, []byte) (bool, error) {
		n++
		return true, nil
	})
	if err != nil {
		return model.SourceRange{}, err
	}
	return model.SourceRange{Partitions: []model.PartitionWatermarks{{Partition: 0, Low: 0, High: n}}}, nil
}

// Read delivers the records of the partition 0 range of unit.
func (f *File) Read(ctx context.Context, unit model.WorkUnit, fn func(model.RawRecord) error) error {
	var r *model.PartitionRange
	for i := range unit.Ranges {
		if unit.Ranges[i].Partition == 0 {
			r = &unit.Ranges[i]
		} else if unit.Ranges[i].Count() > 0 {
			return fmt.Errorf("file source has no partition %d", unit.Ranges[i].Partition)
		}
	}
	if r == nil || r.Count() == 0 {
		return nil
	}

	next := r.Start
	err := f.scan(ctx, func(offset int64, value []byte) (bool, error) {
		if offset < r.Start {
			return true, nil
		}
		if offset >= r.End {
			return false, nil
		}
		next = offset + 1
		return true, fn(model.RawRecord{
			Partition: 0,
			Offset:    offset,
			Value:     value,
			Metadata:  map[string]string{"path": f.path},
		})
	})
	if err != nil {
		return err
	}
	if next < r.End {
		return fmt.Errorf("file %s ended at offset %d before %d", f.path, next, r.End)
	}
	return nil
}

func (f *File) Close() error { return nil }

// scan calls fn for every record in order until fn returns false.
func (f *File) scan(ctx context.Context, fn func(offset int64, value []byte) (bool, error)) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if f.gz {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	if f.format == FormatCSV {
		return scanCSV(ctx, reader, fn)
	}
	return scanJSONL(ctx, reader, fn)
}

func scanJSONL(ctx context.Context, r io.Reader, fn func(int64, []byte) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var offset int64
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if offset%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		more, err := fn(offset, append([]byte(nil), line...))
		if err != nil || !more {
			return err
		}
		offset++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("JSON lines read error: %w", err)
	}
	return nil
}

func scanCSV(ctx context.Context, r io.Reader, fn func(int64, []byte) (bool, error)) error {
	csvReader := csv.NewReader(r)
	csvReader.LazyQuotes = true
	csvReader.FieldsPerRecord = -1
	headers, err := csvReader.Read()
	if err == io.EOF {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range headers {
		headers[i] = utils.CleanHeader(headers[i])
	}

	var offset int64
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			return nil
		}
		if offset%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		// A malformed row still takes its offset; conversion rejects it.
		var value []byte
		var perr *csv.ParseError
		if err != nil && !errors.As(err, &perr) {
			return fmt.Errorf("CSV read error: %w", err)
		} else if err != nil {
			value = []byte(fmt.Sprintf("CSV read error: %v", err))
		} else {
			recMap := make(model.GenericRecord, len(headers))
			for i, h := range headers {
				if i < len(record) {
					recMap[h] = utils.ParseValue(record[i])
				}
			}
			if value, err = json.Marshal(recMap); err != nil {
				return fmt.Errorf("encoding CSV row %d: %w", offset, err)
			}
		}

		more, err := fn(offset, value)
		if err != nil || !more {
			return err
		}
		offset++
	}
}
