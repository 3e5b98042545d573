package dataset

import (
	"Go2FlowGuard/internal/model"
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Window is a closed interval of unix seconds during which attack traffic
// was generated.
type Window struct {
	Start float64
	End   float64
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts float64) bool {
	return ts >= w.Start && ts <= w.End
}

// ParseWindows reads one "start,end" pair per line. Blank lines and lines
// starting with '#' are ignored.
func ParseWindows(r io.Reader) ([]Window, error) {
	var windows []Window
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		start, end, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("line %d: expected 'start,end', got %q", line, text)
		}
		s, err := strconv.ParseFloat(strings.TrimSpace(start), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid start: %w", line, err)
		}
		e, err := strconv.ParseFloat(strings.TrimSpace(end), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid end: %w", line, err)
		}
		if e < s {
			return nil, fmt.Errorf("line %d: window ends before it starts", line)
		}
		windows = append(windows, Window{Start: s, End: e})
	}
	return windows, sc.Err()
}

// LabelStats counts the rows written by Relabel.
type LabelStats struct {
	Benign    int
	Malicious int
}

// Relabel copies the table from in to out, setting the label of every row
// whose timestamp falls inside any window to 1 and all others to 0.
func Relabel(in io.Reader, out io.Writer, windows []Window) (LabelStats, error) {
	var stats LabelStats
	cr := csv.NewReader(in)
	cr.TrimLeadingSpace = true
	cw := csv.NewWriter(out)

	header, err := cr.Read()
	if err == io.EOF {
		return stats, &model.DatasetError{Err: errors.New("file is empty")}
	}
	if err != nil {
		return stats, csvError("", err)
	}

	tsIdx, labelIdx := -1, -1
	for i, h := range header {
		switch canonical(strings.TrimSpace(h)) {
		case "timestamp":
			tsIdx = i
		case LabelColumn:
			labelIdx = i
		}
	}
	if tsIdx < 0 {
		return stats, &model.DatasetError{Line: 1, Column: "timestamp", Err: errors.New("missing required column")}
	}
	if labelIdx < 0 {
		header = append(header, LabelColumn)
		labelIdx = len(header) - 1
	}
	if err := cw.Write(header); err != nil {
		return stats, err
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, csvError("", err)
		}
		line, _ := cr.FieldPos(0)

		ts, err := strconv.ParseFloat(strings.TrimSpace(record[tsIdx]), 64)
		if err != nil {
			return stats, &model.DatasetError{Line: line, Column: "timestamp", Err: fmt.Errorf("not a number: %q", record[tsIdx])}
		}
		label := model.LabelBenign
		for _, w := range windows {
			if w.Contains(ts) {
				label = model.LabelMalicious
				break
			}
		}
		if label == model.LabelMalicious {
			stats.Malicious++
		} else {
			stats.Benign++
		}

		if labelIdx == len(record) {
			record = append(record, "")
		}
		record[labelIdx] = strconv.Itoa(label)
		if err := cw.Write(record); err != nil {
			return stats, err
		}
	}
	cw.Flush()
	return stats, cw.Error()
}

// RelabelFile applies Relabel to the table at path using the windows file,
// writing the result to outPath. When outPath equals path the file is
// replaced atomically.
func RelabelFile(path, windowsPath, outPath string) (LabelStats, error) {
	wf, err := os.Open(windowsPath)
	if err != nil {
		return LabelStats{}, fmt.Errorf("failed to open attack windows: %w", err)
	}
	windows, err := ParseWindows(wf)
	wf.Close()
	if err != nil {
		return LabelStats{}, fmt.Errorf("failed to parse attack windows '%s': %w", windowsPath, err)
	}

	in, err := os.Open(path)
	if err != nil {
		return LabelStats{}, &model.DatasetError{Path: path, Err: err}
	}
	defer in.Close()

	tmp := outPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return LabelStats{}, fmt.Errorf("failed to create '%s': %w", tmp, err)
	}
	stats, err := Relabel(in, out, windows)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		var de *model.DatasetError
		if errors.As(err, &de) && de.Path == "" {
			de.Path = path
		}
		return stats, err
	}
	return stats, os.Rename(tmp, outPath)
}
