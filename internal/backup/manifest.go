package backup

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/mender/internal/workspace"
)

const manifestVersion = 1

type entryType string

const (
	entryFile    entryType = "file"
	entryDir     entryType = "dir"
	entrySymlink entryType = "symlink"
)

type entry struct {
	Path   string      `yaml:"path"`
	Type   entryType   `yaml:"type"`
	Mode   os.FileMode `yaml:"mode"`
	Size   int64       `yaml:"size,omitempty"`
	Hash   string      `yaml:"blake3,omitempty"`
	Target string      `yaml:"target,omitempty"`
}

type manifest struct {
	Version int `yaml:"version"`
	Backup  `yaml:",inline"`
	Entries []entry `yaml:"entries"`
}

func buildManifest(ctx context.Context, fs afero.Fs, treeDir string) (*manifest, error) {
	m := &manifest{Version: manifestVersion}
	linkReader, canReadLinks := fs.(afero.LinkReader)

	err := afero.Walk(fs, treeDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == treeDir {
			return nil
		}
		rel, err := filepath.Rel(treeDir, path)
		if err != nil {
			return err
		}
		e := entry{Path: filepath.ToSlash(rel), Mode: info.Mode().Perm()}
		switch {
		case info.IsDir():
			e.Type = entryDir
		case info.Mode().IsRegular():
			e.Type = entryFile
			e.Size = info.Size()
			if e.Hash, err = hashFile(fs, path); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0 && canReadLinks:
			e.Type = entrySymlink
			if e.Target, err = linkReader.ReadlinkIfPossible(path); err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
		default:
			return nil
		}
		m.Entries = append(m.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })
	return m, nil
}

func hashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifest(fs afero.Fs, path string, m *manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return workspace.WriteFileAtomic(fs, path, data, 0o644)
}

func readManifest(fs afero.Fs, path string) (*manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("manifest %s: unsupported version %d", path, m.Version)
	}
	return &m, nil
}
