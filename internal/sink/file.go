package sink

import (
	"bufio"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/pgzip"
	"github.com/segmentio/encoding/json"

	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/pkg/utils"
)

// FileConfig configures a File sink.
type FileConfig struct {
	Dir          string `yaml:"dir"`
	Compression  string `yaml:"compression"` // none or gzip
	MaxKeyLength int    `yaml:"maxKeyLength"`
	MaxErrors    int    `yaml:"-"`
}

// File writes JSON-lines files below Dir, one per partition path and batch.
// The file name is derived from the ordered record keys, so committing the
// same batch again replaces the same files.
type File struct {
	out          *utils.OutputManager
	gzip         bool
	maxKeyLength int
	maxErrors    int
}

// fileRow is one line of an output file.
type fileRow struct {
	RecordKey       string              `json:"record_key"`
	PartitionPath   string              `json:"partition_path"`
	SourcePartition int32               `json:"source_partition"`
	SourceOffset    int64               `json:"source_offset"`
	Payload         model.GenericRecord `json:"payload"`
}

// NewFile creates the output directory.
func NewFile(cfg FileConfig) (*File, error) {
	if cfg.Dir == "" {
		return nil, errors.New("file sink: dir is required")
	}
	var gz bool
	switch cfg.Compression {
	case "", "none":
	case "gzip":
		gz = true
	default:
		return nil, fmt.Errorf("file sink: unknown compression %q", cfg.Compression)
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = DefaultMaxKeyLength
	}
	out := utils.NewOutputManager(cfg.Dir)
	if err := out.EnsureOutputDirExists(); err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	return &File{out: out, gzip: gz, maxKeyLength: cfg.MaxKeyLength, maxErrors: cfg.MaxErrors}, nil
}

func (f *File) String() string { return "file:" + f.out.BaseOutputDir }

// FileName is the name of the file holding rows of one partition, given the
// ordered keys of the rows.
func (f *File) FileName(keys []string) string {
	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
	}
	name := fmt.Sprintf("part-%016x.jsonl", h.Sum64())
	if f.gzip {
		name += ".gz"
	}
	return name
}

// Commit implements pipeline.Sink. Every partition file is written to a
// temporary name first; the files are renamed into place only once all of
// them were written. When a rename fails, the files this commit already
// renamed into new names are removed again. A file that replaced one of an
// earlier identical commit stays, since its content is the same.
func (f *File) Commit(ctx context.Context, records []model.ConvertedRecord) (*model.WriteOutcome, error) {
	start := time.Now()
	outcome := model.NewWriteOutcome(f.maxErrors)

	groups := make(map[string][]model.ConvertedRecord)
	for _, rec := range records {
		if len(rec.RecordKey) > f.maxKeyLength {
			outcome.MarkFailure(model.NewWriteError(rec, fmt.Errorf("record key of %d bytes exceeds %d", len(rec.RecordKey), f.maxKeyLength)))
			continue
		}
		if _, err := utils.CleanRelative(rec.PartitionPath); err != nil {
			outcome.MarkFailure(model.NewWriteError(rec, err))
			continue
		}
		groups[rec.PartitionPath] = append(groups[rec.PartitionPath], rec)
	}

	type pending struct {
		tmp, final string
		replaced   bool
	}
	var written []pending
	cleanup := func() {
		for _, p := range written {
			os.Remove(p.tmp)
		}
	}

	partitions := make([]string, 0, len(groups))
	for p := range groups {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)

	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		rows := groups[partition]
		keys := make([]string, len(rows))
		for i, r := range rows {
			keys[i] = r.RecordKey
		}
		final, err := f.out.GetOutputFilePath(partition, f.FileName(keys))
		if err != nil {
			cleanup()
			return nil, err
		}
		tmp, err := f.writeTemp(filepath.Dir(final), rows)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("writing partition %s: %w", partition, err)
		}
		written = append(written, pending{tmp: tmp, final: final})
	}

	for i := range written {
		p := &written[i]
		_, err := os.Lstat(p.final)
		p.replaced = err == nil
		if err := os.Rename(p.tmp, p.final); err != nil {
			for _, done := range written[:i] {
				if !done.replaced {
					os.Remove(done.final)
				}
			}
			for _, rest := range written[i:] {
				os.Remove(rest.tmp)
			}
			return nil, fmt.Errorf("renaming %s: %w", p.final, err)
		}
	}
	for _, rows := range groups {
		outcome.MarkSuccesses(int64(len(rows)))
	}
	outcome.Elapsed = time.Since(start)
	return outcome, nil
}

func (f *File) writeTemp(dir string, rows []model.ConvertedRecord) (string, error) {
	file, err := os.CreateTemp(dir, ".part-*.tmp")
	if err != nil {
		return "", err
	}
	name := file.Name()
	if err := f.writeRows(file, rows); err != nil {
		file.Close()
		os.Remove(name)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func (f *File) writeRows(file *os.File, rows []model.ConvertedRecord) error {
	var w io.Writer = file
	var zw *pgzip.Writer
	if f.gzip {
		var err error
		if zw, err = pgzip.NewWriterLevel(file, flate.BestSpeed); err != nil {
			return err
		}
		w = zw
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range rows {
		if err := enc.Encode(fileRow{
			RecordKey:       r.RecordKey,
			PartitionPath:   r.PartitionPath,
			SourcePartition: r.SourcePartition,
			SourceOffset:    r.SourceOffset,
			Payload:         r.Payload,
		}); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return err
		}
	}
	return file.Sync()
}

func (f *File) Close() error { return nil }
