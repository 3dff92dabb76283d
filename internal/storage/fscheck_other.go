//go:build !darwin && !linux

package storage

import (
	"errors"
	"fmt"
)

func FilesystemType(path string) (string, error) {
	return "", fmt.Errorf("filesystem type of %q: %w", path, errors.ErrUnsupported)
}
