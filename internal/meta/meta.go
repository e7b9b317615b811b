// Package meta reads and writes the "key: value" result files consumed
// by the judging pipeline.
package meta

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed metadata")

// Writer collects entries in insertion order and writes them in one
// atomic step. A Writer with an empty path discards everything.
type Writer struct {
	path    string
	keys    []string
	values  map[string]string
	flushed bool
}

func NewWriter(path string) *Writer {
	return &Writer{path: path, values: make(map[string]string)}
}

// Path returns the destination file, empty if disabled.
func (w *Writer) Path() string {
	return w.path
}

// Set records key. Setting a key again replaces its value but keeps its
// position.
func (w *Writer) Set(key, value string) {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
}

func (w *Writer) SetInt(key string, v int64) {
	w.Set(key, strconv.FormatInt(v, 10))
}

// SetSeconds records d in seconds with millisecond precision.
func (w *Writer) SetSeconds(key string, d time.Duration) {
	w.Set(key, fmt.Sprintf("%.3f", d.Seconds()))
}

func (w *Writer) SetBool(key string, v bool) {
	w.Set(key, strconv.FormatBool(v))
}

// Flushed reports whether Flush already ran.
func (w *Writer) Flushed() bool {
	return w.flushed
}

// Flush writes the file through a temporary file in the same directory
// and a rename, so readers see either nothing or the complete record.
// Only the first call writes.
func (w *Writer) Flush() error {
	if w.flushed || w.path == "" {
		w.flushed = true
		return nil
	}
	w.flushed = true

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary metadata file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("renaming metadata file: %w", err)
	}
	return nil
}

// WriteTo writes the entries in file format.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var total int64
	for _, k := range w.keys {
		n, err := fmt.Fprintf(out, "%s: %s\n", k, w.values[k])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Record is a parsed metadata file.
type Record struct {
	Keys   []string
	Values map[string]string
}

// Read parses r. Every non-empty line must be "key: value".
func Read(r io.Reader) (*Record, error) {
	rec := &Record{Values: make(map[string]string)}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		key, value, ok := strings.Cut(text, ": ")
		if !ok || key == "" {
			// "key:" with an empty value is written as "key: ".
			if k, found := strings.CutSuffix(text, ":"); found && k != "" && !strings.Contains(k, " ") {
				key, value = k, ""
			} else {
				return nil, fmt.Errorf("%w: line %d: %q", ErrMalformed, line, text)
			}
		}
		if _, dup := rec.Values[key]; dup {
			return nil, fmt.Errorf("%w: line %d: duplicate key %q", ErrMalformed, line, key)
		}
		rec.Keys = append(rec.Keys, key)
		rec.Values[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadFile parses the metadata file at path.
func ReadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func (r *Record) Get(key string) (string, bool) {
	v, ok := r.Values[key]
	return v, ok
}

func (r *Record) Int(key string) (int64, error) {
	v, ok := r.Values[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrMalformed, key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrMalformed, key, err)
	}
	return n, nil
}

// Seconds parses a value written by SetSeconds.
func (r *Record) Seconds(key string) (time.Duration, error) {
	v, ok := r.Values[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing key %q", ErrMalformed, key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrMalformed, key, err)
	}
	return time.Duration(f * float64(time.Second)).Round(time.Millisecond), nil
}

func (r *Record) Bool(key string) (bool, error) {
	v, ok := r.Values[key]
	if !ok {
		return false, fmt.Errorf("%w: missing key %q", ErrMalformed, key)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: key %q: %v", ErrMalformed, key, err)
	}
	return b, nil
}
