// Package resultcache decides whether the analysis pipeline has already
// produced a usable result for a job, without running it.
//
// The pipeline writes each job's output into a directory named after the
// slide folder, the slide file stem and the variant:
//
//	<results root>/<folder base>_<file stem>_<variant>/
//
// A directory holding at least one JSON file is a finished prediction. A
// directory without one means segmentation ran but prediction did not.
package resultcache

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/slidescan/pkg/analysis"
	"github.com/3leaps/slidescan/pkg/provider"
)

// Probe is the outcome of inspecting the result layout for one job.
type Probe struct {
	// Dir is the job's result directory, relative to the results root.
	Dir string

	// Segmented is true when Dir exists.
	Segmented bool

	// Predicted is true when Dir holds at least one result artifact.
	Predicted bool

	// BaseVariantSegmented is true when Dir is absent but the base
	// variant's directory exists, so segmentation can be reused.
	BaseVariantSegmented bool

	// ArtifactKey is the chosen result artifact when Predicted is true.
	ArtifactKey string
}

// DirName returns the result directory name for key.
func DirName(key analysis.JobKey) string {
	return FolderBase(key.ContainerPath) + "_" + FileStem(key.FileID) + "_" + string(key.Variant)
}

// FolderBase returns the last element of a container path. Both slash
// styles are accepted so Windows paths resolve the same everywhere.
func FolderBase(containerPath string) string {
	p := strings.TrimRight(strings.ReplaceAll(containerPath, `\`, "/"), "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// FileStem returns the file id without its final extension.
//
// Any extension is dropped, not only ".svs", so slides in other formats
// (x.tiff, x.ndpi) get their own stem instead of keeping the suffix in the
// result directory name. This is intentional.
func FileStem(fileID string) string {
	return strings.TrimSuffix(fileID, path.Ext(fileID))
}

// Cache probes a result layout through a provider.
//
// Cache is read-only: it never writes to the layout and never touches job
// status.
type Cache struct {
	p      provider.Provider
	logger *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Cache reading from p.
func New(p provider.Provider, opts ...Option) *Cache {
	c := &Cache{p: p, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the provider backing the cache.
func (c *Cache) Provider() provider.Provider {
	return c.p
}

// Probe inspects the result layout for key.
func (c *Cache) Probe(ctx context.Context, key analysis.JobKey) (Probe, error) {
	dir := DirName(key)
	out := Probe{Dir: dir}

	exists, err := c.prefixExists(ctx, dir)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", analysis.ErrCacheProbe, dir, err)
	}

	if !exists {
		if key.Variant.NeedsBase() {
			base := key
			base.Variant = analysis.BaseVariant
			baseDir := DirName(base)
			ok, err := c.prefixExists(ctx, baseDir)
			if err != nil {
				return out, fmt.Errorf("%w: %s: %w", analysis.ErrCacheProbe, baseDir, err)
			}
			out.BaseVariantSegmented = ok
		}
		return out, nil
	}

	out.Segmented = true
	artifact, err := c.firstArtifact(ctx, dir)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", analysis.ErrCacheProbe, dir, err)
	}
	if artifact != "" {
		out.Predicted = true
		out.ArtifactKey = artifact
	}

	c.logger.Debug("Probed result layout",
		zap.String("dir", dir),
		zap.Bool("segmented", out.Segmented),
		zap.Bool("predicted", out.Predicted),
		zap.String("artifact", out.ArtifactKey))
	return out, nil
}

// Load reads an artifact by key.
func (c *Cache) Load(ctx context.Context, artifactKey string) ([]byte, error) {
	getter, ok := c.p.(provider.ObjectGetter)
	if !ok {
		return nil, fmt.Errorf("%w: provider cannot read objects", analysis.ErrArtifactRead)
	}
	body, _, err := getter.GetObject(ctx, artifactKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", analysis.ErrArtifactRead, err)
	}
	defer func() { _ = body.Close() }()

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", analysis.ErrArtifactRead, artifactKey, err)
	}
	return b, nil
}

func (c *Cache) prefixExists(ctx context.Context, dir string) (bool, error) {
	if pc, ok := c.p.(provider.PrefixChecker); ok {
		return pc.PrefixExists(ctx, dir+"/")
	}
	res, err := c.p.List(ctx, provider.ListOptions{Prefix: dir + "/", MaxKeys: 1})
	if err != nil {
		return false, err
	}
	return len(res.Objects) > 0, nil
}

// firstArtifact returns the lexicographically smallest JSON file directly
// inside dir, or "" when there is none.
func (c *Cache) firstArtifact(ctx context.Context, dir string) (string, error) {
	prefix := dir + "/"
	var candidates []string
	token := ""
	for {
		res, err := c.p.List(ctx, provider.ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return "", err
		}
		for _, obj := range res.Objects {
			name := strings.TrimPrefix(obj.Key, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			if strings.EqualFold(path.Ext(name), ".json") {
				candidates = append(candidates, obj.Key)
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Strings(candidates)
	return candidates[0], nil
}
