package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obd-uplink/internal/obd"
)

func csvFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "coolant_*.csv"))
	require.NoError(t, err)
	sort.Strings(matches)
	return matches
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecordWritesRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	defer l.Close()

	base := time.Date(2026, 10, 18, 8, 30, 0, 0, time.UTC)
	l.Observe(obd.Reading{Coolant: 21, Decoder: "elm327", Raw: "41 05 3D", Time: base})
	l.Observe(obd.Reading{Coolant: 22, Decoder: "elm327", Raw: "41 05 3E", Time: base.Add(time.Second)})

	files := csvFiles(t, dir)
	require.Len(t, files, 1)

	rows := readCSV(t, files[0])
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2026-10-18T08:30:00Z", "21", "elm327", "41 05 3D"}, rows[1])
	assert.Equal(t, "22", rows[2][1])
}

func TestRecordRespectsInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 1000})
	defer l.Close()

	base := time.Date(2026, 10, 18, 8, 30, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Record(obd.Reading{Coolant: i, Time: base.Add(time.Duration(i) * 250 * time.Millisecond)})
	}

	rows := readCSV(t, csvFiles(t, dir)[0])
	// header + readings at 0s, 1s and 2s
	assert.Len(t, rows, 4)
}

func TestRecordRotates(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	defer l.Close()

	base := time.Date(2026, 10, 18, 8, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(obd.Reading{Coolant: i, Time: base.Add(time.Duration(i) * time.Second)})
	}

	files := csvFiles(t, dir)
	require.Len(t, files, 3)
	assert.Len(t, readCSV(t, files[0]), 3)
	assert.Len(t, readCSV(t, files[2]), 2)
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	assert.False(t, l.IsEnabled())

	l.Record(obd.Reading{Coolant: 80, Time: time.Now()})
	assert.Empty(t, csvFiles(t, dir))

	l.SetEnabled(true)
	l.Record(obd.Reading{Coolant: 80, Time: time.Now()})
	assert.Len(t, csvFiles(t, dir), 1)

	l.SetEnabled(false)
	assert.False(t, l.IsEnabled())
}
