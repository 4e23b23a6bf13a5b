package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/slidescan/pkg/provider/file"
	"github.com/3leaps/slidescan/pkg/statusstore"
)

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "slidescan",
			envPrefix:  "SLIDESCAN",
			configName: "slidescan",
		},
		{
			name:       "missing binary name",
			envPrefix:  "SLIDESCAN",
			configName: "slidescan",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "slidescan",
			configName: "slidescan",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "slidescan",
			envPrefix:  "SLIDESCAN",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type fakeStoreStats struct{ stats statusstore.Stats }

func (f *fakeStoreStats) Stats() statusstore.Stats { return f.stats }

func TestStoreHealthChecker(t *testing.T) {
	store := &fakeStoreStats{}
	checker := &storeHealthChecker{store: store}

	assert.NoError(t, checker.CheckHealth(context.Background()))

	store.stats.PersistFailures = 2
	err := checker.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 persistence failures")

	// Only new failures since the previous check count.
	assert.NoError(t, checker.CheckHealth(context.Background()))
}

func TestResultsHealthChecker(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slide_f1_normalized.json"), []byte(`{"tsr":0.5}`), 0o644))

	p, err := file.New(file.Config{BaseDir: dir})
	require.NoError(t, err)
	checker := resultsHealthChecker{provider: p}

	assert.NoError(t, checker.CheckHealth(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, checker.CheckHealth(ctx))
}
