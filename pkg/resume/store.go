package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"instaharvest/pkg/iterator"
	"instaharvest/pkg/logger"
)

// Store persists frozen snapshots as JSON files under one directory, named
// by their stream magic.
type Store struct {
	dir    string
	logger logger.Logger
}

// NewStore creates a Store. An empty dir selects the OS-appropriate data
// directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dataDir, err := dataDirectory()
		if err != nil {
			return nil, fmt.Errorf("failed to get data directory: %w", err)
		}
		dir = filepath.Join(dataDir, "snapshots")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{dir: dir, logger: logger.GetLogger()}, nil
}

// SnapshotPath derives the persistence path for a stream magic.
func (s *Store) SnapshotPath(magic string) string {
	return filepath.Join(s.dir, fmt.Sprintf("resume_%s.json", magic))
}

// Load reads a snapshot from disk.
func (s *Store) Load(path string) (*iterator.Frozen, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var frozen iterator.Frozen
	if err := json.NewDecoder(file).Decode(&frozen); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.logger.DebugWithFields("snapshot loaded", map[string]interface{}{
		"path":        path,
		"total_index": frozen.TotalIndex,
	})
	return &frozen, nil
}

// Save writes a snapshot to disk atomically.
func (s *Store) Save(frozen *iterator.Frozen, path string) error {
	tempPath := path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(frozen); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}

	s.logger.DebugWithFields("snapshot saved", map[string]interface{}{
		"path":        path,
		"total_index": frozen.TotalIndex,
	})
	return nil
}

// Delete removes a persisted snapshot, e.g. after its stream completed.
func (s *Store) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// dataDirectory returns the per-user application data directory.
func dataDirectory() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "instaharvest"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", "instaharvest"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "instaharvest"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "instaharvest"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}
