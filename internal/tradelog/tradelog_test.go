package tradelog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	fixed := time.Date(2026, 8, 28, 10, 30, 0, 0, KST)
	l.now = func() time.Time { return fixed }

	require.NoError(t, l.Append(Entry{Event: "order_accepted", Symbol: "005930", Side: "BUY", Qty: 1, Price: 10000, Approx: true}))
	require.NoError(t, l.Append(Entry{Event: "execution", Symbol: "005930", Side: "BUY", Qty: 1, Price: 10050}))

	f, err := os.Open(filepath.Join(dir, "trades-20260828.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "2026-08-28 10:30:00", entries[0].Time)
	assert.True(t, entries[0].Approx)
	assert.Equal(t, int64(10050), entries[1].Price)
}

func TestAppendRollsOverAtMidnightKST(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	day1 := time.Date(2026, 8, 28, 23, 59, 0, 0, KST)
	l.now = func() time.Time { return day1 }
	require.NoError(t, l.Append(Entry{Event: "order_accepted"}))

	day2 := day1.Add(2 * time.Minute)
	l.now = func() time.Time { return day2 }
	require.NoError(t, l.Append(Entry{Event: "order_accepted"}))

	_, err = os.Stat(filepath.Join(dir, "trades-20260828.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "trades-20260829.jsonl"))
	assert.NoError(t, err)
}

func TestCompressOlder(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	require.NoError(t, err)
	defer l.Close()

	old := filepath.Join(dir, "trades-20260801.jsonl")
	require.NoError(t, os.WriteFile(old, []byte(`{"event":"x"}`+"\n"), 0o644))

	l.now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, KST) }
	require.NoError(t, l.CompressOlder(7))

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	gz, err := os.Open(old + ".gz")
	require.NoError(t, err)
	defer gz.Close()
	gr, err := gzip.NewReader(gz)
	require.NoError(t, err)
	defer gr.Close()

	buf := make([]byte, 64)
	n, _ := gr.Read(buf)
	assert.Contains(t, string(buf[:n]), `"event":"x"`)
}
