// Package workspace materializes server-held workspace files on the local
// machine.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/SecureAI-Team/creator-sub000/internal/protocol"
)

var ErrPathEscape = errors.New("path escapes workspace")

type SyncResult struct {
	Written   int
	Unchanged int
}

// CleanPath normalizes a workspace-relative path to slash form and rejects
// absolute paths and paths that leave the workspace.
func CleanPath(rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimSpace(rel))
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	clean := filepath.Clean(rel)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return filepath.ToSlash(clean), nil
}

// Resolve joins rel onto root after CleanPath.
func Resolve(root, rel string) (string, error) {
	clean, err := CleanPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// Sync writes files under root. Files whose content already matches are
// left alone. A file whose declared checksum does not match its content
// fails the sync before anything is written.
func Sync(root string, files []protocol.WorkspaceFile) (SyncResult, error) {
	var res SyncResult
	targets := make([]string, len(files))
	for i, f := range files {
		p, err := Resolve(root, f.Path)
		if err != nil {
			return res, err
		}
		if f.SHA256 != "" && f.SHA256 != checksum(f.Content) {
			return res, fmt.Errorf("checksum mismatch for %s", f.Path)
		}
		targets[i] = p
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return res, err
	}
	for i, f := range files {
		if cur, err := os.ReadFile(targets[i]); err == nil && checksum(cur) == checksum(f.Content) {
			res.Unchanged++
			continue
		}
		if err := writeAtomically(targets[i], f.Content); err != nil {
			return res, fmt.Errorf("write %s: %w", f.Path, err)
		}
		res.Written++
	}
	return res, nil
}

// CheckWritable verifies that root exists (creating it if needed) and
// accepts writes.
func CheckWritable(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func writeAtomically(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
