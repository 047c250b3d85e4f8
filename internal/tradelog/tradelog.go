// Package tradelog appends trading activity to daily JSONL files. Files are
// named by KST trading date; older files can be gzip-compressed in place.
package tradelog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// KST is the exchange timezone; trading dates roll over on it regardless of
// where the process runs.
var KST = time.FixedZone("KST", 9*60*60)

// Entry is one trade-log record. Approx marks entries priced from the
// submission-time quote rather than a confirmed fill.
type Entry struct {
	Time     string `json:"time"`
	Event    string `json:"event"`
	Symbol   string `json:"symbol,omitempty"`
	Name     string `json:"name,omitempty"`
	Side     string `json:"side,omitempty"`
	Qty      int64  `json:"qty,omitempty"`
	Price    int64  `json:"price,omitempty"`
	Approx   bool   `json:"approx,omitempty"`
	Reason   string `json:"reason,omitempty"`
	OrderRef string `json:"order_ref,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Logger writes entries to <dir>/trades-YYYYMMDD.jsonl, rolling to a new file
// when the KST date changes.
type Logger struct {
	dir string

	mu      sync.Mutex
	f       *os.File
	curDate string

	now func() time.Time
}

func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trade log dir: %w", err)
	}
	return &Logger{dir: dir, now: time.Now}, nil
}

func (l *Logger) path(date string) string {
	return filepath.Join(l.dir, "trades-"+date+".jsonl")
}

// Append writes one record. Time and file rotation are handled here; callers
// only fill the domain fields.
func (l *Logger) Append(e Entry) error {
	now := l.now().In(KST)
	e.Time = now.Format("2006-01-02 15:04:05")
	date := now.Format("20060102")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil || l.curDate != date {
		if l.f != nil {
			l.f.Close()
		}
		f, err := os.OpenFile(l.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open trade log: %w", err)
		}
		l.f = f
		l.curDate = date
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(b, '\n')); err != nil {
		return err
	}
	return l.f.Sync()
}

// Close releases the current file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// CompressOlder gzips log files older than keepDays and removes the
// originals. The file currently being written is never touched.
func (l *Logger) CompressOlder(keepDays int) error {
	cutoff := l.now().In(KST).AddDate(0, 0, -keepDays).Format("20060102")

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	l.mu.Lock()
	cur := l.curDate
	l.mu.Unlock()

	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, "trades-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(strings.TrimPrefix(name, "trades-"), ".jsonl")
		if date >= cutoff || date == cur {
			continue
		}
		if err := gzipFile(filepath.Join(l.dir, name)); err != nil {
			return fmt.Errorf("compress %s: %w", name, err)
		}
	}
	return nil
}

func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(dst)

	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		dst.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
