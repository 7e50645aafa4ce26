package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/eustall/internal/calc"
	"github.com/ethpandaops/eustall/internal/capture"
	"github.com/ethpandaops/eustall/internal/report"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func records(ips ...uint64) []byte {
	var out []byte

	for _, ip := range ips {
		r := report.RawReport{IP: ip}
		r.Counters[report.CounterActive] = 1

		out = report.AppendRecord(out, r)
	}

	return out
}

func writeCapture(t *testing.T, perDevice ...[]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.eusc")

	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	w, err := capture.NewWriter(f, uint32(len(perDevice)), false)
	require.NoError(t, err)

	for i, data := range perDevice {
		require.NoError(t, w.WriteChunk(uint32(i), data))
	}

	require.NoError(t, w.Close())

	return path
}

// dataLines returns the table body lines, skipping borders and header.
func dataLines(out string) []string {
	var lines []string

	for i, line := range strings.Split(out, "\n") {
		if i < 3 || !strings.HasPrefix(line, "|") {
			continue
		}

		lines = append(lines, line)
	}

	return lines
}

func TestCalculate_SingleDevice(t *testing.T) {
	path := writeCapture(t, records(0x10, 0x20, 0x10, 0x30))

	tests := []struct {
		name   string
		batch  int
		wantIP []string
	}{
		{
			name:   "all available",
			batch:  0,
			wantIP: []string{"0x10", "0x20", "0x30"},
		},
		{
			// Early stops emit the cache, so a repeated IP comes back.
			name:   "one row per call",
			batch:  1,
			wantIP: []string{"0x10", "0x20", "0x10", "0x30"},
		},
		{
			name:   "two rows per call",
			batch:  2,
			wantIP: []string{"0x10", "0x20", "0x10", "0x30"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer

			err := calculate(context.Background(), testLog(), &out, calcOptions{
				in:         path,
				metrics:    []string{"IP", "Active"},
				batch:      tt.batch,
				maxReports: 8192,
			})
			require.NoError(t, err)

			text := out.String()
			assert.Contains(t, text, "compute_0.IP")
			assert.Contains(t, text, "compute_0.Active")

			lines := dataLines(text)
			require.Len(t, lines, len(tt.wantIP))

			for i, ip := range tt.wantIP {
				assert.Contains(t, lines[i], ip)
			}
		})
	}
}

func TestCalculate_MergesRepeatedIPs(t *testing.T) {
	path := writeCapture(t, records(0x10, 0x10, 0x10))

	var out bytes.Buffer

	err := calculate(context.Background(), testLog(), &out, calcOptions{
		in:         path,
		metrics:    []string{"Active"},
		maxReports: 8192,
	})
	require.NoError(t, err)

	lines := dataLines(out.String())
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "3")
}

func TestCalculate_MultiDeviceAggregated(t *testing.T) {
	path := writeCapture(t, records(0x10, 0x20), records(0x20))

	var out bytes.Buffer

	err := calculate(context.Background(), testLog(), &out, calcOptions{
		in:         path,
		metrics:    []string{"IP"},
		aggregated: true,
		maxReports: 8192,
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "aggregated.IP")
	assert.Contains(t, text, "compute_0.IP")
	assert.Contains(t, text, "compute_1.IP")

	// Sub-device 1 runs out of IPs on the second row.
	lines := dataLines(text)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "-")
}

func TestCalculate_Errors(t *testing.T) {
	path := writeCapture(t, records(0x10))

	tests := []struct {
		name string
		opts calcOptions
	}{
		{
			name: "missing capture",
			opts: calcOptions{in: filepath.Join(t.TempDir(), "missing"), maxReports: 1},
		},
		{
			name: "unknown metric",
			opts: calcOptions{in: path, metrics: []string{"Bogus"}, maxReports: 1},
		},
		{
			name: "negative batch",
			opts: calcOptions{in: path, batch: -1, maxReports: 1},
		},
		{
			name: "aggregated single device",
			opts: calcOptions{in: path, aggregated: true, maxReports: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calculate(context.Background(), testLog(), io.Discard, tt.opts)
			require.Error(t, err)
		})
	}
}

func TestFormatRow(t *testing.T) {
	format := []calc.FormatEntry{
		{Metric: report.Metric{ID: report.MetricIP}, Scope: report.ComputeScope(0)},
		{Metric: report.Metric{ID: report.MetricActive}, Scope: report.ComputeScope(0)},
		{Metric: report.Metric{ID: report.MetricIP}, Scope: report.ComputeScope(1)},
	}

	row := formatRow(format, []calc.Value{
		{Value: 0xbeef, Valid: true},
		{Value: 7, Valid: true},
		{},
	})

	assert.Equal(t, []string{"0xbeef", "7", "-"}, row)
	assert.Equal(t,
		[]string{"compute_0.IP", "compute_0.Active", "compute_1.IP"},
		formatHeader(format),
	)
}
