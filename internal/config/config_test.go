package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/imgopt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IMGOPT_SOURCE", "")
	t.Setenv("IMGOPT_OUTPUT_DIR", "")
	t.Setenv("IMGOPT_VARIANTS_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultSourcePath, cfg.Runner.Source)
	assert.Equal(t, domain.DefaultOutputDir, cfg.Runner.OutputDir)
	assert.Equal(t, domain.DefaultVariants(), cfg.Runner.Variants)
	assert.Equal(t, 500*time.Millisecond, cfg.Runner.WatchDebounce)
	assert.False(t, cfg.Runner.Publish)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("IMGOPT_SOURCE", "/data/in.jpg")
	t.Setenv("IMGOPT_OUTPUT_DIR", "/data/out")
	t.Setenv("IMGOPT_PUBLISH", "true")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("IMGOPT_WATCH_DEBOUNCE", "2s")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/in.jpg", cfg.Runner.Source)
	assert.Equal(t, "/data/out", cfg.Runner.OutputDir)
	assert.True(t, cfg.Runner.Publish)
	assert.Equal(t, 3, cfg.Queue.RedisDB)
	assert.Equal(t, 2*time.Second, cfg.Runner.WatchDebounce)
	assert.Positive(t, cfg.Worker.Concurrency)
}

func TestLoadVariantsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	body := `
source: /photos/hero.jpg
output_dir: public/img
variants:
  - name: hero
    filename: hero.jpg
    width: 1600
    height: 900
    quality: 82
  - name: thumb
    filename: hero-thumb.jpg
    width: 320
    quality: 60
    without_enlargement: true
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("IMGOPT_VARIANTS_FILE", path)
	t.Setenv("IMGOPT_SOURCE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/photos/hero.jpg", cfg.Runner.Source)
	assert.Equal(t, "public/img", cfg.Runner.OutputDir)
	require.Len(t, cfg.Runner.Variants, 2)
	assert.Equal(t, domain.Variant{Name: "hero", Filename: "hero.jpg", Width: 1600, Height: 900, Quality: 82}, cfg.Runner.Variants[0])
	assert.True(t, cfg.Runner.Variants[1].WithoutEnlargement)
}

func TestApplyVariantsFileKeepsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output_dir: build\n"), 0o644))

	runner := RunnerConfig{
		Source:    "/in.jpg",
		OutputDir: "out",
		Variants:  domain.DefaultVariants(),
	}
	require.NoError(t, runner.ApplyVariantsFile(path))

	assert.Equal(t, "/in.jpg", runner.Source)
	assert.Equal(t, "build", runner.OutputDir)
	assert.Equal(t, domain.DefaultVariants(), runner.Variants)
}

func TestApplyVariantsFileErrors(t *testing.T) {
	dir := t.TempDir()

	var runner RunnerConfig
	assert.Error(t, runner.ApplyVariantsFile(filepath.Join(dir, "missing.yaml")))

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("variants: [\n"), 0o644))
	assert.Error(t, runner.ApplyVariantsFile(broken))

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("variants:\n  - name: x\n    filename: x.jpg\n    width: 0\n    quality: 80\n"), 0o644))
	assert.Error(t, runner.ApplyVariantsFile(invalid))
}
