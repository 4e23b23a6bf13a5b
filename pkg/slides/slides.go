// Package slides discovers whole-slide image files in a container folder.
package slides

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns matches Aperio slide files.
var DefaultPatterns = []string{"*.svs"}

// ValidatePatterns reports the first malformed pattern.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid slide pattern %q", p)
		}
	}
	return nil
}

// List returns the sorted names of regular files directly inside folder
// that match any of patterns. Matching is case-insensitive, so *.svs also
// finds SLIDE.SVS. Empty patterns use DefaultPatterns.
func List(ctx context.Context, folder string, patterns []string) ([]string, error) {
	if strings.TrimSpace(folder) == "" {
		return nil, fmt.Errorf("folder path is required")
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if err := ValidatePatterns(patterns); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read slide folder: %w", err)
	}

	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}

	var out []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		name := strings.ToLower(entry.Name())
		for _, p := range lowered {
			if ok, _ := doublestar.Match(p, name); ok {
				out = append(out, entry.Name())
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
