// Package execlog records one newline-delimited JSON line per agent execution
// attempt. Writers only ever append.
package execlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var now = time.Now

// Record is one line of the execution log.
type Record struct {
	Timestamp       time.Time `json:"timestamp"`
	Agent           string    `json:"agent"`
	Status          string    `json:"status"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	Error           string    `json:"error,omitempty"`
	RunID           string    `json:"run_id,omitempty"`
}

// Sink accepts execution records.
type Sink interface {
	Append(rec Record) error
}

// File appends records to a log file. When MaxSize is positive and the file
// has grown past it, the file is moved aside into a zstd archive before the
// next write and a fresh file is started.
type File struct {
	path    string
	maxSize int64
	mu      sync.Mutex
}

func NewFile(path string, maxSize int64) *File {
	return &File{path: path, maxSize: maxSize}
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	if f.maxSize > 0 {
		if err := f.rotateIfNeeded(); err != nil {
			slog.Warn("execution log rotation failed", "path", f.path, "error", err)
		}
	}

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := fh.Write(line); err != nil {
		fh.Close()
		return fmt.Errorf("write log: %w", err)
	}
	return fh.Close()
}

func (f *File) rotateIfNeeded() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < f.maxSize {
		return nil
	}

	rotated := fmt.Sprintf("%s.%s", f.path, now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(f.path, rotated); err != nil {
		return err
	}
	if err := compressFile(rotated, rotated+".zst"); err != nil {
		// Keep the uncompressed copy rather than lose records.
		return err
	}
	return os.Remove(rotated)
}

// compressFile writes a zstd copy of src to dst. On failure dst is removed.
func compressFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("close zstd: %w", err)
	}
	return out.Close()
}

// Multi fans each record out to every sink. All sinks are attempted; the
// returned error joins any failures.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Append(rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Read parses records from r, one per line. Blank lines are skipped.
func Read(r io.Reader) ([]Record, error) {
	var records []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return records, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// ReadFile parses the log at path. A rotated archive (.zst) is decompressed
// transparently.
func ReadFile(path string) ([]Record, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	if filepath.Ext(path) == ".zst" {
		zr, err := zstd.NewReader(fh)
		if err != nil {
			return nil, fmt.Errorf("open zstd: %w", err)
		}
		defer zr.Close()
		return Read(zr)
	}
	return Read(fh)
}
