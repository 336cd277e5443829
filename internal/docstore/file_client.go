package docstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileClient keeps one file per document path under a root directory. The
// version token is the hex SHA-1 of the file contents, checked on every
// write, so concurrent writers within one host see real conflicts.
type FileClient struct {
	root string
}

func NewFileClient(root string) *FileClient {
	return &FileClient{root: strings.TrimSpace(root)}
}

func (c *FileClient) resolve(path string) (string, error) {
	if c == nil || c.root == "" {
		return "", ErrNotConfigured
	}
	path = strings.TrimSpace(path)
	if path == "" || strings.Contains(path, "..") {
		return "", ErrInvalidInput
	}
	return filepath.Join(c.root, filepath.FromSlash(path)), nil
}

func (c *FileClient) Get(ctx context.Context, path string) (Document, error) {
	full, err := c.resolve(path)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Document{}, nil
		}
		return Document{}, err
	}
	return Document{Content: data, VersionToken: contentToken(data)}, nil
}

func (c *FileClient) Put(ctx context.Context, path string, content []byte, versionToken, message string) (string, error) {
	full, err := c.resolve(path)
	if err != nil {
		return versionToken, err
	}

	current := ""
	if data, err := os.ReadFile(full); err == nil {
		current = contentToken(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return versionToken, err
	}
	if versionToken != current {
		return versionToken, &ConflictError{Path: path, StaleToken: versionToken, CurrentToken: current}
	}

	dir := filepath.Dir(full)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return versionToken, err
		}
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return versionToken, err
	}
	if err := os.Rename(tmp, full); err != nil {
		return versionToken, err
	}
	return contentToken(content), nil
}

func contentToken(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:])
}
