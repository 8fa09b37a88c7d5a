// Package sink writes rendered documents under an output directory.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConflictPolicy decides what happens when the target file exists.
type ConflictPolicy string

const (
	Uniquify  ConflictPolicy = "uniquify"
	Overwrite ConflictPolicy = "overwrite"
	Prompt    ConflictPolicy = "prompt"
)

// ErrExists is returned for the Prompt policy when the target exists; the
// caller decides what to do.
var ErrExists = errors.New("file already exists")

type FileSink struct {
	root string
}

func NewFileSink(root string) *FileSink {
	return &FileSink{root: root}
}

// Save writes data to folder/filename below the sink root and returns the
// path that was written.
func (s *FileSink) Save(ctx context.Context, data []byte, filename, folder string, policy ConflictPolicy) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := s.resolve(folder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	if filename == "" || strings.ContainsAny(filename, `/\`) {
		return "", fmt.Errorf("invalid file name %q", filename)
	}

	target := filepath.Join(dir, filename)
	switch policy {
	case Overwrite:
		return target, writeAtomic(target, data)
	case Prompt:
		if _, err := os.Stat(target); err == nil {
			return target, fmt.Errorf("%s: %w", target, ErrExists)
		}
		return target, writeAtomic(target, data)
	default:
		return writeUnique(target, data)
	}
}

// writeUnique stages data in a temp file and hard-links it to the first free
// name in the base, base_2, base_3... sequence. The target only ever appears
// complete.
func writeUnique(target string, data []byte) (string, error) {
	tmp, err := writeTemp(filepath.Dir(target), data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for n := 2; ; n++ {
		err := os.Link(tmp, target)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("link %s: %w", target, err)
		}
		target = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
}

// resolve maps a slash-separated folder onto the root, rejecting escapes.
func (s *FileSink) resolve(folder string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + folder))
	dir := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("folder %q escapes output root", folder)
	}
	return dir, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("chmod temp: %w", err)
	}
	return tmp.Name(), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
