package dataset

import (
	"Go2FlowGuard/internal/config"
	"Go2FlowGuard/internal/engine/features"
	"Go2FlowGuard/internal/model"
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecords(t *testing.T) []model.FlowRecord {
	t.Helper()
	ts := time.Unix(1700000000, 500000000)
	samples := []model.FlowStatsSample{
		{
			Priority: 1, DurationSec: 10, DurationNsec: 5, PacketCount: 100, ByteCount: 6400,
			Match: model.Match{EthType: 0x0800, IPv4Src: "10.0.0.1", IPv4Dst: "10.0.0.2", IPProto: 6, TCPSrc: 40000, TCPDst: 80},
		},
		{
			Priority: 1, DurationSec: 0, PacketCount: 7, ByteCount: 700, IdleTimeout: 20, HardTimeout: 100,
			Match: model.Match{EthType: 0x0800, IPv4Src: "10.0.0.3", IPv4Dst: "10.0.0.4", IPProto: 17, UDPSrc: 53, UDPDst: 5353},
		},
	}
	var recs []model.FlowRecord
	for _, s := range samples {
		rec, err := features.NewRecord(model.DeviceID(1), ts, s)
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestCSVWriterAppendsWithSingleHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "FlowStatsfile.csv")
	recs := testRecords(t)

	// 1. First writer creates the file with a header
	w, err := NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(recs, model.LabelBenign))
	require.NoError(t, w.Close())

	// 2. Second writer appends without repeating it
	w, err = NewCSVWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(recs[:1], model.LabelMalicious))
	require.NoError(t, w.Write(nil, model.LabelMalicious))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	table, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, table, 4)
	assert.Equal(t, Columns, table[0])
	assert.Equal(t, "1", table[1][1])
	assert.Equal(t, "10.0.0.14000010.0.0.2806", table[1][2])
	assert.Equal(t, "1700000000.500000", table[1][0])
	assert.Equal(t, "10", table[1][17])
	assert.Equal(t, "0", table[2][17], "zero duration yields zero rate")
	assert.Equal(t, "0", table[1][21])
	assert.Equal(t, "1", table[3][21])

	// 3. What was written loads back as training rows
	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, recs[0].Features, rows[0].Features)
	assert.Equal(t, recs[1].Features, rows[1].Features)
	assert.Equal(t, recs[0].FlowID, rows[0].FlowID)
	assert.Equal(t, []int{0, 0, 1}, []int{rows[0].Label, rows[1].Label, rows[2].Label})
}

func TestLoadReaderErrors(t *testing.T) {
	header := strings.Join(Columns, ",")
	valid := "1.0,1,f,10.0.0.1,1,10.0.0.2,2,6,-1,-1,10,0,0,0,0,100,6400,10,0,640,0,"

	testCases := []struct {
		name   string
		input  string
		column string
	}{
		{name: "empty file", input: ""},
		{name: "header only", input: header + "\n"},
		{name: "missing feature column", input: "timestamp,flow_duration_sec,label\n1,2,0\n", column: "flow_duration_nsec"},
		{name: "missing label column", input: strings.TrimSuffix(header, ",label") + "\n", column: "label"},
		{name: "unparseable number", input: header + "\n" + strings.Replace(valid, ",100,", ",lots,", 1) + "0\n", column: "packet_count"},
		{name: "label out of range", input: header + "\n" + valid + "2\n", column: "label"},
		{name: "label not a number", input: header + "\n" + valid + "ddos\n", column: "label"},
		{name: "ragged row", input: header + "\n1,2,3\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := LoadReader(strings.NewReader(tc.input), "test.csv")
			require.Error(t, err)
			assert.Nil(t, rows)
			assert.ErrorIs(t, err, model.ErrDataset)

			var de *model.DatasetError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, "test.csv", de.Path)
			if tc.column != "" {
				assert.Equal(t, tc.column, de.Column)
			}
		})
	}
}

func TestLoadAcceptsLogicalColumnNames(t *testing.T) {
	input := "device_id,duration_sec,duration_nsec,idle_timeout,hard_timeout,flags,packet_count,byte_count,packet_rate,byte_rate,label\n" +
		"1,4,0,0,0,0,40,400,10,100,1\n" +
		"1,0,9,0,0,0,3,30,0,0,0\n"

	rows, err := LoadReader(strings.NewReader(input), "logical.csv")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.FeatureVector{4, 0, 0, 0, 0, 40, 400, 10, 100}, rows[0].Features)
	assert.Equal(t, model.LabelMalicious, rows[0].Label)
	assert.Equal(t, model.LabelBenign, rows[1].Label)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
	assert.ErrorIs(t, err, model.ErrDataset)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRelabel(t *testing.T) {
	windows, err := ParseWindows(strings.NewReader("# attack runs\n100,200\n\n300, 350\n"))
	require.NoError(t, err)
	require.Equal(t, []Window{{100, 200}, {300, 350}}, windows)

	input := "timestamp,flow_id,label\n" +
		"50,a,1\n" +
		"100,b,0\n" +
		"250,c,1\n" +
		"350,d,0\n"

	var out bytes.Buffer
	stats, err := Relabel(strings.NewReader(input), &out, windows)
	require.NoError(t, err)
	assert.Equal(t, LabelStats{Benign: 2, Malicious: 2}, stats)
	assert.Equal(t, "timestamp,flow_id,label\n50,a,0\n100,b,1\n250,c,0\n350,d,1\n", out.String())
}

func TestRelabelAddsLabelColumn(t *testing.T) {
	var out bytes.Buffer
	_, err := Relabel(strings.NewReader("timestamp,flow_id\n150,x\n"), &out, []Window{{100, 200}})
	require.NoError(t, err)
	assert.Equal(t, "timestamp,flow_id,label\n150,x,1\n", out.String())
}

func TestParseWindowsErrors(t *testing.T) {
	for _, in := range []string{"100", "a,2", "1,b", "5,1"} {
		_, err := ParseWindows(strings.NewReader(in))
		assert.Error(t, err, in)
	}
}

func TestRelabelFileInPlace(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "flows.csv")
	win := filepath.Join(dir, "windows.txt")
	require.NoError(t, os.WriteFile(data, []byte("timestamp,label\n10,0\n20,0\n"), 0644))
	require.NoError(t, os.WriteFile(win, []byte("15,25\n"), 0644))

	stats, err := RelabelFile(data, win, data)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Malicious)

	got, err := os.ReadFile(data)
	require.NoError(t, err)
	assert.Equal(t, "timestamp,label\n10,0\n20,1\n", string(got))
}

type fakeWriter struct {
	batches int
	err     error
	closed  bool
}

func (f *fakeWriter) Write([]model.FlowRecord, int) error { f.batches++; return f.err }
func (f *fakeWriter) Close() error { f.closed = true; return nil }

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	ok, bad := &fakeWriter{}, &fakeWriter{err: boom}
	fan := NewFanout(bad, ok)

	err := fan.Write(testRecords(t), model.LabelBenign)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.batches, "a failing writer must not starve the others")

	require.NoError(t, fan.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestNewWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.csv")

	fan, err := NewWriters(config.DatasetConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, fan.Write(testRecords(t), model.LabelBenign))
	require.NoError(t, fan.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = NewWriters(config.DatasetConfig{Writers: []config.DatasetWriterDef{{Type: "parquet", Enabled: true}}})
	assert.ErrorContains(t, err, "unknown dataset writer type")

	_, err = NewWriters(config.DatasetConfig{Writers: []config.DatasetWriterDef{{Type: "csv", Enabled: false}}})
	assert.Error(t, err)
}
