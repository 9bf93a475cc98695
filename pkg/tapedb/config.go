package tapedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tailscale/hujson"
)

// Options configures a [Controller].
//
// The zero value is not usable on its own: Path is required. Every other
// field has a default chosen to match a read-heavy single-writer workload.
type Options struct {
	// Path is the SQLite database path or URI, e.g. "data/docs.sqlite",
	// ":memory:", or "file:docs?mode=memory&cache=shared".
	Path string `json:"path"`

	// BusyTimeoutMS bounds how long SQLite waits on a locked database
	// before surfacing SQLITE_BUSY. Default: 5000.
	BusyTimeoutMS int `json:"busy_timeout_ms"`

	// CacheKiB is the page cache size in KiB. Default: 64000 (64MB).
	CacheKiB int `json:"cache_kib"`

	// MmapBytes is the memory-map window size. Default: 268435456 (256MB).
	MmapBytes int64 `json:"mmap_bytes"`

	// Synchronous is the fsync aggressiveness: OFF, NORMAL, FULL or EXTRA.
	// Default: NORMAL, trading a few transactions on power loss for write
	// throughput; the database file itself stays intact under WAL.
	Synchronous string `json:"synchronous"`

	// Logger receives debug-level operational events. Default: discard.
	Logger *slog.Logger `json:"-"`
}

var validSynchronous = map[string]struct{}{
	"OFF":    {},
	"NORMAL": {},
	"FULL":   {},
	"EXTRA":  {},
}

// withDefaults fills unset fields and validates the ones that end up
// interpolated into PRAGMA text.
func (o Options) withDefaults() (Options, error) {
	if o.Path == "" {
		return Options{}, errors.New("Options.Path is required")
	}

	if o.BusyTimeoutMS == 0 {
		o.BusyTimeoutMS = 5000
	}

	if o.CacheKiB == 0 {
		o.CacheKiB = 64000
	}

	if o.MmapBytes == 0 {
		o.MmapBytes = 268435456
	}

	if o.Synchronous == "" {
		o.Synchronous = "NORMAL"
	}

	if _, ok := validSynchronous[o.Synchronous]; !ok {
		return Options{}, fmt.Errorf("invalid synchronous mode %q", o.Synchronous)
	}

	if o.BusyTimeoutMS < 0 || o.CacheKiB < 0 || o.MmapBytes < 0 {
		return Options{}, errors.New("pragma sizes must not be negative")
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	return o, nil
}

// LoadOptions reads Options from a JSONC file (JSON with comments and
// trailing commas allowed).
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("load options: %w", err)
	}

	// Standardize JSONC to JSON.
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Options{}, fmt.Errorf("load options %s: invalid JSONC: %w", path, err)
	}

	var opts Options

	err = json.Unmarshal(standardized, &opts)
	if err != nil {
		return Options{}, fmt.Errorf("load options %s: invalid JSON: %w", path, err)
	}

	return opts, nil
}
