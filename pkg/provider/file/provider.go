// Package file serves a result layout from a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3leaps/slidescan/pkg/provider"
)

// Provider implements provider.Provider for local filesystem paths.
//
// Keys are treated as slash-separated paths relative to BaseDir.
type Provider struct {
	baseDir string
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.ObjectGetter  = (*Provider)(nil)
	_ provider.PrefixChecker = (*Provider)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// BaseDir returns the directory keys are resolved against.
func (p *Provider) BaseDir() string { return p.baseDir }

func (p *Provider) Close() error { return nil }

func (p *Provider) List(ctx context.Context, opts provider.ListOptions) (*provider.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	keys, err := p.collectKeys(opts.Prefix)
	if err != nil {
		return nil, p.wrapError("List", opts.Prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		start = sort.SearchStrings(keys, opts.ContinuationToken)
		for start < len(keys) && keys[start] <= opts.ContinuationToken {
			start++
		}
	}
	end := min(start+maxKeys, len(keys))

	objects := make([]provider.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		full, err := p.fullPath(k)
		if err != nil {
			continue
		}
		st, err := os.Stat(full)
		if err != nil || st.IsDir() {
			continue
		}
		objects = append(objects, provider.ObjectSummary{Key: k, Size: st.Size(), LastModified: st.ModTime()})
	}

	res := &provider.ListResult{Objects: objects}
	if end < len(keys) {
		res.IsTruncated = true
		res.ContinuationToken = keys[end-1]
	}
	return res, nil
}

func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Head", key, err)
	}
	if st.IsDir() {
		return nil, &provider.StorageError{Op: "Head", Provider: provider.ProviderFile, Root: p.baseDir, Key: key, Err: provider.ErrNotFound}
	}

	return &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{Key: strings.TrimPrefix(key, "/"), Size: st.Size(), LastModified: st.ModTime()},
		ContentType:   contentType(key),
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.wrapError("GetObject", key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, 0, &provider.StorageError{Op: "GetObject", Provider: provider.ProviderFile, Root: p.baseDir, Key: key, Err: provider.ErrNotFound}
	}
	return f, st.Size(), nil
}

// PrefixExists reports whether prefix names an existing directory.
func (p *Provider) PrefixExists(ctx context.Context, prefix string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := p.fullPath(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return false, p.wrapError("PrefixExists", prefix, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, p.wrapError("PrefixExists", prefix, err)
	}
	return st.IsDir(), nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path")
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

// collectKeys walks everything under prefix. A prefix that does not end in
// "/" also matches sibling entries sharing the leading characters, the same
// as object storage.
func (p *Provider) collectKeys(prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	dirPart := prefix
	if !strings.HasSuffix(prefix, "/") {
		dirPart = pathDir(prefix)
	}
	root, err := p.fullPath(dirPart)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var keys []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	return keys, nil
}

func pathDir(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i+1]
}

func contentType(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	default:
		return ""
	}
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.StorageError{Op: op, Provider: provider.ProviderFile, Root: p.baseDir, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}
