// Package local writes fetched pages to the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/browser-fleet/internal/hash/sha256"
	"github.com/JakeFAU/browser-fleet/internal/policy/ratelimit"
)

// Config captures the parameters for the page store.
type Config struct {
	// BaseDir is the root directory pages are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Page describes one stored body.
type Page struct {
	URL    string `json:"url"`
	Host   string `json:"host"`
	Digest string `json:"digest"`
	Path   string `json:"path"`
	URI    string `json:"uri"`
	Bytes  int    `json:"bytes"`
}

// PageStore lays pages out as <host>/<sha256>.html under BaseDir.
type PageStore struct {
	baseDir string
	hasher  *sha256.Hasher
}

// New creates a page store, creating BaseDir if needed and checking it is writable.
func New(cfg Config) (*PageStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}

	return &PageStore{baseDir: cfg.BaseDir, hasher: sha256.New()}, nil
}

// StorePage writes html for rawURL and returns where it landed. Identical
// bodies from the same host share one file.
func (s *PageStore) StorePage(ctx context.Context, rawURL string, html []byte) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, fmt.Errorf("store page: %w", err)
	}
	digest, err := s.hasher.Hash(html)
	if err != nil {
		return Page{}, fmt.Errorf("hash page: %w", err)
	}
	host := ratelimit.Host(rawURL)
	rel := filepath.Join(host, digest+".html")
	uri, err := s.put(rel, html)
	if err != nil {
		return Page{}, err
	}
	return Page{
		URL:    rawURL,
		Host:   host,
		Digest: digest,
		Path:   rel,
		URI:    uri,
		Bytes:  len(html),
	}, nil
}

// put writes data to rel via a temp file and rename, returning a file:// URI.
func (s *PageStore) put(rel string, data []byte) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, rel)

	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".page-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename file: %w", err)
	}
	return "file://" + fullPath, nil
}
