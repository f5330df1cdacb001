package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Filter selects records for Export. Zero fields match everything.
type Filter struct {
	CampaignID string
	Kinds      []string
	Since      time.Time
	Until      time.Time
}

func (f Filter) match(r Record) bool {
	if f.CampaignID != "" && r.CampaignID != f.CampaignID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	if !f.Since.IsZero() && r.TS.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.TS.Before(f.Until) {
		return false
	}
	return true
}

// Files returns the event log files in dir in chronological order.
func Files(dir, prefix string) ([]string, error) {
	if prefix == "" {
		prefix = "events"
	}
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

// Export decompresses the log files in dir and writes matching records to
// out as plain JSON lines. It returns how many records were written.
// Files whose hour lies wholly outside the filter window are skipped.
func Export(dir, prefix string, f Filter, out io.Writer) (int, error) {
	files, err := Files(dir, prefix)
	if err != nil {
		return 0, err
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	bw := bufio.NewWriter(out)
	n := 0
	for _, path := range files {
		if !f.hourInWindow(path) {
			continue
		}
		c, err := exportFile(dec, path, f, bw)
		n += c
		if err != nil {
			return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return n, bw.Flush()
}

func exportFile(dec *zstd.Decoder, path string, f Filter, out *bufio.Writer) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	if err := dec.Reset(file); err != nil {
		return 0, err
	}

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !f.match(rec) {
			continue
		}
		if _, err := out.Write(line); err != nil {
			return n, err
		}
		if err := out.WriteByte('\n'); err != nil {
			return n, err
		}
		n++
	}
	// A file still being written may end mid-frame.
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, err
	}
	return n, nil
}

func (f Filter) hourInWindow(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), ".jsonl.zst")
	i := strings.LastIndex(base, "-")
	if i < 0 || len(base) < len(hourLayout) {
		return true
	}
	start, err := time.Parse(hourLayout, base[len(base)-len(hourLayout):])
	if err != nil {
		return true
	}
	end := start.Add(time.Hour)
	if !f.Since.IsZero() && !end.After(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !start.Before(f.Until) {
		return false
	}
	return true
}
