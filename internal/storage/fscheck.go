package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a path whose mount cannot give mender the
// exclusive-create, rename and SQLite locking guarantees it relies on.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// FilesystemError reports which configured path sits on which mount type.
type FilesystemError struct {
	Path string
	Type string
	// Use names what the path is for, e.g. "workspace" or "state database".
	Use string
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s is on network filesystem %q", e.Use, e.Path, e.Type)
}

func (e *FilesystemError) Unwrap() error { return ErrNetworkFilesystem }

// Detector returns the filesystem type name of an existing path.
type Detector func(path string) (string, error)

// CheckLocal returns a *FilesystemError when path, or its nearest existing
// parent, is on a network mount. Platforms without detection always pass.
func CheckLocal(path, use string) error {
	return CheckLocalWith(path, use, FilesystemType)
}

// CheckLocalWith is CheckLocal with a replaceable detector.
func CheckLocalWith(path, use string, detect Detector) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", use)
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", use, path, err)
	}
	fsType, err := detect(inspect)
	if errors.Is(err, errors.ErrUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %s %q: %w", use, inspect, err)
	}
	if isNetworkFilesystem(fsType) {
		return &FilesystemError{Path: path, Type: fsType, Use: use}
	}
	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
