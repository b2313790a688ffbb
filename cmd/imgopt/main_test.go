package main

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dunamismax/imgopt/internal/pipeline"
)

func TestRunPrintsSuccessAfterAllVariants(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	source := filepath.Join(dir, "DSC_2223.jpg")
	writeSourceJPEG(t, source, 2400, 1350)
	outDir := filepath.Join(dir, "src", "assets", "images")

	var stdout bytes.Buffer
	if err := run(flags{source: source, outputDir: outDir}, &stdout); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if got := stdout.String(); got != successMessage+"\n" {
		t.Fatalf("unexpected stdout %q", got)
	}
	for _, name := range []string{"background.jpg", "background-mobile.jpg"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Fatalf("expected %s to be written: %v", name, err)
		}
	}
}

func TestRunMissingSourcePrintsNothing(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	err := run(flags{source: filepath.Join(dir, "missing.jpg"), outputDir: outDir}, &stdout)
	if !errors.Is(err, pipeline.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no stdout on failure, got %q", stdout.String())
	}
	if _, err := os.Stat(outDir); !os.IsNotExist(err) {
		t.Fatalf("expected no output dir, stat err=%v", err)
	}
}

func TestRunOversizeVariantFails(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	source := filepath.Join(dir, "tall.jpg")
	writeSourceJPEG(t, source, 8, 1024)

	configPath := filepath.Join(dir, "variants.yaml")
	config := strings.Join([]string{
		"variants:",
		"  - name: huge",
		"    filename: huge.jpg",
		"    width: 16384",
		"    quality: 80",
		"",
	}, "\n")
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var stdout bytes.Buffer
	err := run(flags{variantsFile: configPath, source: source, outputDir: filepath.Join(dir, "out")}, &stdout)
	if !errors.Is(err, pipeline.ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no stdout on failure, got %q", stdout.String())
	}
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"IMGOPT_POSTGRES_DSN",
		"IMGOPT_VARIANTS_FILE",
		"IMGOPT_METRICS_TEXTFILE",
		"IMGOPT_PUBLISH",
		"IMGOPT_TRACE_EXPORTER",
	} {
		t.Setenv(key, "")
	}
}

func writeSourceJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 96, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write jpeg: %v", err)
	}
}
