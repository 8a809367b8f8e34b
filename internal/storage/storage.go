package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/proxy-rotator/internal/types"
)

// PoolState is the persisted form of the pool: every record with its full
// health history, so EWMA latencies, quarantine counts and terminal dead
// markers survive a restart.
type PoolState struct {
	Records []types.ProxyRecord `json:"records"`
	SavedAt time.Time           `json:"saved_at"`
}

type Storage interface {
	Save(state *PoolState) error
	Load() (*PoolState, error)
	Close() error
}

func NewStorage(storageType string, path string) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "redis":
		return NewRedisStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// FileStorage stores pool state as a JSON file.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(state *PoolState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Atomic write: write to temp file, then rename.
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (f *FileStorage) Load() (*PoolState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No saved state yet
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var state PoolState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &state, nil
}

func (f *FileStorage) Close() error {
	return nil
}
