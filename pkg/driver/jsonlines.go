package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nova-truth/nova/pkg/canon"
	"github.com/nova-truth/nova/pkg/lanes"
)

// jsonLineRecord is the line shape JSONLinesDriver appends per event.
type jsonLineRecord struct {
	EventID            string         `json:"eventId"`
	Lane               string         `json:"lane"`
	MessageType        string         `json:"messageType"`
	SourceTruthTime    string         `json:"sourceTruthTime"`
	CanonicalTruthTime string         `json:"canonicalTruthTime"`
	Payload            map[string]any `json:"payload"`
}

// JSONLinesDriver writes one canonical-JSON line per event to an
// "events.ndjson" file per target directory. It handles every lane
// except raw, whose binary frames RawFrameDriver preserves instead.
type JSONLinesDriver struct {
	id, version string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewJSONLinesDriver constructs a JSONLinesDriver with the given
// identifier and version (§4.8: "each driver declares an identifier [and]
// a version").
func NewJSONLinesDriver(id, version string) *JSONLinesDriver {
	return &JSONLinesDriver{id: id, version: version, files: make(map[string]*os.File)}
}

func (d *JSONLinesDriver) ID() string      { return d.id }
func (d *JSONLinesDriver) Version() string { return d.version }

// Matches selects every non-raw lane; the raw lane belongs to
// RawFrameDriver.
func (d *JSONLinesDriver) Matches(lane lanes.Lane, _ string, _ int) bool {
	return lane != lanes.LaneRaw
}

func (d *JSONLinesDriver) Write(ctx context.Context, dir string, e *lanes.Envelope) (string, error) {
	payload, err := e.CanonicalPayload()
	if err != nil {
		return "", fmt.Errorf("driver: jsonlines canonical payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("driver: jsonlines decode payload: %w", err)
	}

	rec := jsonLineRecord{
		EventID:         e.EventID,
		Lane:            string(e.Lane),
		MessageType:     e.MessageType,
		SourceTruthTime: e.SourceTruthTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		Payload:         m,
	}
	if !e.CanonicalTruthTime.IsZero() {
		rec.CanonicalTruthTime = e.CanonicalTruthTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}

	line, err := canon.Canonicalize(rec)
	if err != nil {
		return "", fmt.Errorf("driver: jsonlines canonicalize record: %w", err)
	}

	target := filepath.Join(dir, "events.ndjson")
	f, err := d.fileFor(target)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("driver: jsonlines write: %w", err)
	}
	return target, nil
}

func (d *JSONLinesDriver) fileFor(target string) (*os.File, error) {
	d.mu.Lock()
	if f, ok := d.files[target]; ok {
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("driver: jsonlines mkdir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("driver: jsonlines open: %w", err)
	}

	d.mu.Lock()
	if existing, ok := d.files[target]; ok {
		d.mu.Unlock()
		_ = f.Close()
		return existing, nil
	}
	d.files[target] = f
	d.mu.Unlock()
	return f, nil
}

// Close closes every file this driver instance has opened.
func (d *JSONLinesDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for target, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("driver: jsonlines close %s: %w", target, err)
		}
		delete(d.files, target)
	}
	return firstErr
}
