package downloads

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DownloadProgress tracks the progress of a download operation
type DownloadProgress struct {
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
	Percent    int    `json:"percent"`
	Status     string `json:"status"`
	Tile       string `json:"tile,omitempty"` // Local path of the tile that completed
}

// Constants for downloads
const (
	DefaultWorkers = 5                     // Default pool size for parallel tile downloads
	MaxWorkers     = 20                    // Upper bound accepted for the pool size
	TileSize       = 550                   // Provider tile size in pixels (550x550)
	MaxBlocks      = 20                    // Largest grid edge the provider defines (20d)
	MaxTiles       = MaxBlocks * MaxBlocks // Upper bound on tiles in one run
	DefaultTimeout = 30 * time.Second      // Per-attempt tile request timeout
)

// ValidateWorkers clamps a requested pool size into [1, MaxWorkers]
func ValidateWorkers(workers int) int {
	if workers <= 0 {
		return DefaultWorkers
	}
	if workers > MaxWorkers {
		return MaxWorkers
	}
	return workers
}

// ValidateTempPath validates that a file path is within the run's temp directory
// This prevents remote names from escaping the scoped storage
func ValidateTempPath(tempDir, filePath string) error {
	if tempDir == "" || filePath == "" {
		return fmt.Errorf("temp directory or file path is empty")
	}

	relPath, err := filepath.Rel(filepath.Clean(tempDir), filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}

	// Check for path traversal attempts
	if relPath == "." || strings.HasPrefix(relPath, "..") {
		return fmt.Errorf("path traversal attempt detected: %s is outside temp directory %s", filePath, tempDir)
	}

	return nil
}

// ProgressCounter hands out monotonically increasing completion counts
type ProgressCounter struct {
	completed int
	total     int
	mu        sync.Mutex
}

// NewProgressCounter creates a new progress counter
func NewProgressCounter(total int) *ProgressCounter {
	return &ProgressCounter{total: total}
}

// Next increments the completed count and returns the progress snapshot
func (pc *ProgressCounter) Next(tile string) DownloadProgress {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.completed++
	return DownloadProgress{
		Downloaded: pc.completed,
		Total:      pc.total,
		Percent:    pc.completed * 100 / max(pc.total, 1),
		Status:     fmt.Sprintf("Downloading %d/%d tiles", pc.completed, pc.total),
		Tile:       tile,
	}
}

// Completed returns the number of completed tiles
func (pc *ProgressCounter) Completed() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.completed
}
