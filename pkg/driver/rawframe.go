package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nova-truth/nova/pkg/lanes"
)

// RawFrameDriver preserves raw-lane frame bytes without rechunking,
// appending each frame to a single "frames.bin" file per target
// directory as a 4-byte big-endian length prefix followed by the frame
// bytes. The framing is purely sequential, so the same stream fed in
// commit order through both the real-time writer and the export path
// produces byte-identical files (§4.8's parity invariant).
type RawFrameDriver struct {
	id, version string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewRawFrameDriver constructs a RawFrameDriver with the given
// identifier and version.
func NewRawFrameDriver(id, version string) *RawFrameDriver {
	return &RawFrameDriver{id: id, version: version, files: make(map[string]*os.File)}
}

func (d *RawFrameDriver) ID() string      { return d.id }
func (d *RawFrameDriver) Version() string { return d.version }

// Matches selects only the raw lane.
func (d *RawFrameDriver) Matches(lane lanes.Lane, _ string, _ int) bool {
	return lane == lanes.LaneRaw
}

func (d *RawFrameDriver) Write(ctx context.Context, dir string, e *lanes.Envelope) (string, error) {
	if e.Raw == nil {
		return "", fmt.Errorf("driver: rawframe requires a raw payload")
	}

	target := filepath.Join(dir, "frames.bin")
	f, err := d.fileFor(target)
	if err != nil {
		return "", err
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(e.Raw.Bytes)))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := f.Write(lenPrefix[:]); err != nil {
		return "", fmt.Errorf("driver: rawframe write length: %w", err)
	}
	if _, err := f.Write(e.Raw.Bytes); err != nil {
		return "", fmt.Errorf("driver: rawframe write frame: %w", err)
	}
	return target, nil
}

func (d *RawFrameDriver) fileFor(target string) (*os.File, error) {
	d.mu.Lock()
	if f, ok := d.files[target]; ok {
		d.mu.Unlock()
		return f, nil
	}
	d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("driver: rawframe mkdir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("driver: rawframe open: %w", err)
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
func (d *RawFrameDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for target, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("driver: rawframe close %s: %w", target, err)
		}
		delete(d.files, target)
	}
	return firstErr
}
