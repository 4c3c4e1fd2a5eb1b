// Package resume glues snapshot persistence to the iterator's freeze/thaw
// contract so a multi-hour harvest survives interruption.
package resume

import (
	"time"

	"instaharvest/pkg/iterator"
	"instaharvest/pkg/logger"
)

// Resumable is the freeze/thaw capability the orchestrator needs. Any
// sequence lacking it is silently treated as non-resumable.
type Resumable interface {
	Magic() string
	TotalIndex() int
	Thaw(*iterator.Frozen) error
}

// Options configures one resumable iteration.
type Options struct {
	// Load fetches a previously persisted snapshot from a path. Any
	// failure, e.g. nothing persisted yet, starts the iteration fresh.
	Load func(path string) (*iterator.Frozen, error)
	// FormatPath derives the persistence path from the stream magic.
	FormatPath func(magic string) string
	// CheckBestBefore rejects expired snapshots instead of thawing them.
	CheckBestBefore bool
	// Enabled turns resuming off entirely when false.
	Enabled bool
	Logger  logger.Logger
}

// DefaultOptions wires a Store as the persistence backend.
func DefaultOptions(store *Store) Options {
	return Options{
		Load:            store.Load,
		FormatPath:      store.SnapshotPath,
		CheckBestBefore: true,
		Enabled:         true,
	}
}

// ResumableIteration tries to restore seq's position from a persisted
// snapshot. It reports whether the iteration resumes and at which
// cumulative index it starts. It never persists anything itself: saving a
// snapshot on interruption is the caller's responsibility. The only error
// it returns is a failed thaw of a loaded, valid, unexpired snapshot;
// every expected fallback simply starts fresh.
func ResumableIteration(seq interface{}, opts Options) (bool, int, error) {
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	if !opts.Enabled {
		return false, 0, nil
	}
	res, ok := seq.(Resumable)
	if !ok {
		return false, 0, nil
	}
	if opts.Load == nil || opts.FormatPath == nil {
		return false, 0, nil
	}

	path := opts.FormatPath(res.Magic())
	frozen, err := opts.Load(path)
	if err != nil || frozen == nil {
		log.DebugWithFields("no resume snapshot, starting fresh", map[string]interface{}{
			"path": path,
		})
		return false, 0, nil
	}

	if !frozen.Valid() {
		log.WarnWithFields("ignoring structurally invalid resume snapshot", map[string]interface{}{
			"path": path,
		})
		return false, 0, nil
	}
	if opts.CheckBestBefore && frozen.Expired(time.Now()) {
		log.WarnWithFields("ignoring expired resume snapshot", map[string]interface{}{
			"path":        path,
			"best_before": *frozen.BestBefore,
		})
		return false, 0, nil
	}

	if err := res.Thaw(frozen); err != nil {
		return false, 0, err
	}

	log.InfoWithFields("resuming interrupted iteration", map[string]interface{}{
		"path":        path,
		"total_index": res.TotalIndex(),
	})
	return true, res.TotalIndex(), nil
}
