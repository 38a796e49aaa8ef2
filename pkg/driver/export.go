package driver

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// Exporter implements the windowed export path (§4.8's export path): a
// bounded [T0, T1] scan in ingest (commit) order, fed through the same
// drivers the real-time path used, writing into an isolated directory
// with identical folder structure, then archived as a single bundle.
type Exporter struct {
	newRegistry RegistryFactory
	store       *truthstore.Store
	exportDir   string
}

// NewExporter wires an Exporter. newRegistry is called once per Export
// call to build a fresh set of driver instances — the exporter never
// reuses or shares driver instances with the real-time writer, so
// finalizing an export's drivers can never close the real-time writer's
// open file handles.
func NewExporter(newRegistry RegistryFactory, store *truthstore.Store, exportDir string) *Exporter {
	return &Exporter{newRegistry: newRegistry, store: store, exportDir: exportDir}
}

// Export runs the full §4.8 export sequence for one scope/system window
// and returns the path to the archived bundle.
func (ex *Exporter) Export(ctx context.Context, scopeID, systemID string, t0, t1 time.Time, exportID string) (string, error) {
	registry := ex.newRegistry()

	bindings, err := ex.store.QueryDriverBindings(ctx, systemID, sql.NullTime{Time: t1, Valid: true})
	if err != nil {
		return "", fmt.Errorf("driver: export: preload bindings: %w", err)
	}
	resolver := newBindingResolver(bindings)

	events, err := ex.store.QueryWindow(ctx, truthstore.WindowQuery{
		ScopeID:     scopeID,
		T0:          sql.NullTime{Time: t0, Valid: true},
		T1:          sql.NullTime{Time: t1, Valid: true},
		Filters:     truthstore.Filters{SystemID: systemID},
		IngestOrder: true, // §4.8 step 1: commit order, not timebase order
	})
	if err != nil {
		return "", fmt.Errorf("driver: export: query window: %w", err)
	}

	bundleDir := filepath.Join(ex.exportDir, exportID)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", fmt.Errorf("driver: export: mkdir: %w", err)
	}

	usedDrivers := make(map[string]Driver)
	for _, e := range events {
		drv, ok := ex.resolveDriver(registry, resolver, e)
		if !ok {
			return "", fmt.Errorf("driver: export: %w: lane=%s messageType=%s", ErrNoMatchingDriver, e.Lane, e.MessageType)
		}
		usedDrivers[drv.ID()+"|"+drv.Version()] = drv

		dir := TargetDir(bundleDir, e)
		if _, err := drv.Write(ctx, dir, e); err != nil {
			ex.closeAll(usedDrivers)
			return "", fmt.Errorf("driver: export: write event %s: %w", e.EventID, err)
		}
	}
	ex.closeAll(usedDrivers)

	archivePath := bundleDir + ".tar.gz"
	if err := archiveDirectory(bundleDir, archivePath); err != nil {
		return "", fmt.Errorf("driver: export: archive: %w", err)
	}
	return archivePath, nil
}

func (ex *Exporter) resolveDriver(registry *Registry, resolver *bindingResolver, e *lanes.Envelope) (Driver, bool) {
	if binding, ok := resolver.resolve(e.SystemID, e.ContainerID, e.UniqueID, e.Lane, e.SourceTruthTime); ok {
		if drv, ok := registry.Lookup(binding.DriverID, binding.DriverVersion); ok {
			return drv, true
		}
	}
	return registry.Select(e.Lane, e.MessageType, schemaVersionOf(e))
}

func (ex *Exporter) closeAll(drivers map[string]Driver) {
	for _, d := range drivers {
		_ = d.Close()
	}
}

// bindingResolver answers "which driver wrote this identity+lane at
// time t" from a preloaded, per-key time-sorted slice of bindings,
// picking the binding with the greatest effective time at or before t
// (§4.8 step 3).
type bindingResolver struct {
	byKey map[string][]truthstore.DriverBindingRow
}

func newBindingResolver(rows []truthstore.DriverBindingRow) *bindingResolver {
	r := &bindingResolver{byKey: make(map[string][]truthstore.DriverBindingRow)}
	for _, row := range rows {
		key := bindingKey(row.SystemID, row.ContainerID, row.UniqueID, row.Lane)
		r.byKey[key] = append(r.byKey[key], row)
	}
	for key := range r.byKey {
		rows := r.byKey[key]
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].EffectiveTime.Time.Before(rows[j].EffectiveTime.Time)
		})
		r.byKey[key] = rows
	}
	return r
}

func (r *bindingResolver) resolve(systemID, containerID, uniqueID string, lane lanes.Lane, t time.Time) (truthstore.DriverBindingRow, bool) {
	rows := r.byKey[bindingKey(systemID, containerID, uniqueID, lane)]
	var best truthstore.DriverBindingRow
	found := false
	for _, row := range rows {
		if row.EffectiveTime.Valid && row.EffectiveTime.Time.After(t) {
			break
		}
		best = row
		found = true
	}
	return best, found
}

func bindingKey(systemID, containerID, uniqueID string, lane lanes.Lane) string {
	return systemID + "|" + containerID + "|" + uniqueID + "|" + string(lane)
}

// archiveDirectory writes dir's contents into a gzip-compressed tar
// bundle at archivePath (§4.8 step 6).
func archiveDirectory(dir, archivePath string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}
