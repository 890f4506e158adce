package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputManager handles output file organization and path management
type OutputManager struct {
	BaseOutputDir string
}

// NewOutputManager creates a new output manager
func NewOutputManager(baseOutputDir string) *OutputManager {
	return &OutputManager{
		BaseOutputDir: baseOutputDir,
	}
}

// CleanRelative validates a relative path that must stay below the base
// directory and returns it cleaned.
func CleanRelative(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the output directory", rel)
	}
	return clean, nil
}

// CreatePartitionDir creates the directory of a partition path below the base.
func (om *OutputManager) CreatePartitionDir(partitionPath string) (string, error) {
	rel, err := CleanRelative(partitionPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(om.BaseOutputDir, rel)

	// Create the directory if it doesn't exist
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create partition directory: %w", err)
	}
	return dir, nil
}

// GetOutputFilePath generates a full path for an output file of a partition
func (om *OutputManager) GetOutputFilePath(partitionPath, fileName string) (string, error) {
	dir, err := om.CreatePartitionDir(partitionPath)
	if err != nil {
		return "", err
	}

	// Clean the filename to remove any path separators
	return filepath.Join(dir, filepath.Base(fileName)), nil
}

// EnsureOutputDirExists ensures the base output directory exists
func (om *OutputManager) EnsureOutputDirExists() error {
	return os.MkdirAll(om.BaseOutputDir, 0755)
}
