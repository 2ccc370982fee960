package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// maxLineSize bounds one JSON Lines record; results can be long.
const maxLineSize = 16 * 1024 * 1024

// Dump writes events as JSON Lines, one event per line, in sequence order.
func Dump(w io.Writer, events []models.Event) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
	}
	return bw.Flush()
}

// DumpFile writes events to path, creating parent directories. The file is
// written to a temporary name first and renamed into place.
func DumpFile(path string, events []models.Event) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dump directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	if err := Dump(f, events); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close dump file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads events written by Dump. Blank lines are skipped.
func Load(r io.Reader) ([]models.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	var events []models.Event
	line := 0
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// LoadFile reads a dump written by DumpFile.
func LoadFile(path string) ([]models.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return Load(f)
}
