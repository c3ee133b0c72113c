//go:build linux
// +build linux

package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/bufferedfile/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReportAppendsRows(t *testing.T) {
	r, err := reactor.New(reactor.Config{DisableIoUring: true})
	require.NoError(t, err)
	defer r.Close()

	path := filepath.Join(t.TempDir(), "report.csv")
	opts := options{plan: "copy", workers: 4, blockKB: 64, sizeMB: 1}
	require.NoError(t, writeReport(path, opts, r, time.Second))
	opts.plan = "sparse"
	require.NoError(t, writeReport(path, opts, r, 2*time.Second))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, reportHeader, rows[0])
	assert.Equal(t, "copy", rows[1][1])
	assert.Equal(t, "sparse", rows[2][1])
	assert.Equal(t, "2000", rows[2][6])
}

func TestNormalDistIntStaysInRange(t *testing.T) {
	assert.Zero(t, normalDistInt(0))
	for i := 0; i < 10_000; i++ {
		v := normalDistInt(100)
		require.GreaterOrEqual(t, v, 0)
		require.Less(t, v, 100)
	}
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.5))
	d := []time.Duration{5, 1, 4, 2, 3}
	assert.Equal(t, time.Duration(3), percentile(d, 0.5))
	assert.Equal(t, time.Duration(5), percentile(d, 1))
}
