package pipe

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// ProxyLog records every chunk passing through the proxy as
//
//	[ elapsed s/length]direction: data
//
// where direction is '>' for data from command #1 and '<' for data
// from command #2.
type ProxyLog struct {
	f     *os.File
	w     *bufio.Writer
	start time.Time
	err   error
}

func CreateProxyLog(path string, start time.Time) (*ProxyLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &ProxyLog{f: f, w: bufio.NewWriter(f), start: start}, nil
}

// Record appends one chunk. Errors are sticky and reported by Err.
func (l *ProxyLog) Record(from int, chunk []byte) {
	if l.err != nil {
		return
	}
	dir := '<'
	if from == 0 {
		dir = '>'
	}
	elapsed := time.Since(l.start).Seconds()
	fmt.Fprintf(l.w, "[ %6.3fs/%d]%c: ", elapsed, len(chunk), dir)
	l.w.Write(chunk)
	l.w.WriteByte('\n')
	l.err = l.w.Flush()
}

func (l *ProxyLog) Err() error {
	return l.err
}

func (l *ProxyLog) Close() error {
	err := l.w.Flush()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	if l.err != nil {
		return l.err
	}
	return err
}
