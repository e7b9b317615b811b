package meta

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.meta")
	w := NewWriter(path)
	w.SetInt("exitcode", 0)
	w.SetSeconds("wall-time", 1234567*time.Microsecond)
	w.Set("time-result", "")
	w.SetInt("exitcode", 3)
	w.SetBool("validator-exited-first", true)

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "exitcode: 3\nwall-time: 1.235\ntime-result: \nvalidator-exited-first: true\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}

	// Only the first flush writes.
	w.SetInt("exitcode", 9)
	if err := w.Flush(); err != nil {
		t.Fatalf("second Flush() = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != want {
		t.Errorf("file changed after second Flush: %q", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the metadata file", len(entries))
	}
}

func TestWriterDisabled(t *testing.T) {
	w := NewWriter("")
	w.SetInt("exitcode", 1)
	if err := w.Flush(); err != nil {
		t.Errorf("Flush() = %v, want nil", err)
	}
	if !w.Flushed() {
		t.Error("Flushed() = false")
	}
}

func TestRead(t *testing.T) {
	in := "exitcode: 42\nwall-time: 0.500\ntime-result: \noutput-truncated: stdout,stderr\n"
	rec, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if n, err := rec.Int("exitcode"); err != nil || n != 42 {
		t.Errorf("Int(exitcode) = %d, %v", n, err)
	}
	if d, err := rec.Seconds("wall-time"); err != nil || d != 500*time.Millisecond {
		t.Errorf("Seconds(wall-time) = %s, %v", d, err)
	}
	if v, ok := rec.Get("time-result"); !ok || v != "" {
		t.Errorf("Get(time-result) = %q, %v", v, ok)
	}
	if v, _ := rec.Get("output-truncated"); v != "stdout,stderr" {
		t.Errorf("Get(output-truncated) = %q", v)
	}
	if len(rec.Keys) != 4 || rec.Keys[0] != "exitcode" {
		t.Errorf("Keys = %v", rec.Keys)
	}
}

func TestReadMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no separator", "exitcode 3\n"},
		{"empty key", ": 3\n"},
		{"duplicate", "a: 1\na: 2\n"},
		{"garbage", "\x00\x01binary\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(tt.in)); !errors.Is(err, ErrMalformed) {
				t.Errorf("Read() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestRecordTypeErrors(t *testing.T) {
	rec, err := Read(strings.NewReader("exitcode: x\nflag: maybe\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Int("exitcode"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Int() = %v, want ErrMalformed", err)
	}
	if _, err := rec.Bool("flag"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Bool() = %v, want ErrMalformed", err)
	}
	if _, err := rec.Seconds("missing"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Seconds(missing) = %v, want ErrMalformed", err)
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile() = %v, want ErrNotExist", err)
	}
}
