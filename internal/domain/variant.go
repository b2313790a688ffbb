package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultSourcePath = "/Applications/HKU/Z5/Exported/未命名导出/DSC_2223.jpg"
	DefaultOutputDir  = "src/assets/images"

	// MaxDimension bounds the requested width and height of a variant.
	MaxDimension = 16384
)

// Variant describes one resized copy of a source image. A zero Height means the
// height is derived from Width so the aspect ratio is kept.
type Variant struct {
	Name               string `json:"name" yaml:"name"`
	Filename           string `json:"filename" yaml:"filename"`
	Width              int    `json:"width" yaml:"width"`
	Height             int    `json:"height,omitempty" yaml:"height,omitempty"`
	Quality            int    `json:"quality" yaml:"quality"`
	WithoutEnlargement bool   `json:"without_enlargement,omitempty" yaml:"without_enlargement,omitempty"`
}

// DefaultVariants returns the desktop and mobile background pair.
func DefaultVariants() []Variant {
	return []Variant{
		{
			Name:     "desktop",
			Filename: "background.jpg",
			Width:    1920,
			Quality:  80,
		},
		{
			Name:     "mobile",
			Filename: "background-mobile.jpg",
			Width:    800,
			Quality:  70,
		},
	}
}

func (v Variant) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return errors.New("name is required")
	}
	filename := strings.TrimSpace(v.Filename)
	if filename == "" {
		return errors.New("filename is required")
	}
	if filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return fmt.Errorf("filename must not contain path separators: %s", v.Filename)
	}
	if v.Width <= 0 || v.Width > MaxDimension {
		return fmt.Errorf("width must be within 1..%d, got %d", MaxDimension, v.Width)
	}
	if v.Height < 0 || v.Height > MaxDimension {
		return fmt.Errorf("height must be within 0..%d, got %d", MaxDimension, v.Height)
	}
	if v.Quality < 1 || v.Quality > 100 {
		return fmt.Errorf("quality must be within 1..100, got %d", v.Quality)
	}
	return nil
}

// ValidateVariants checks every variant and rejects duplicate names or file names.
func ValidateVariants(variants []Variant) error {
	if len(variants) == 0 {
		return errors.New("at least one variant is required")
	}

	names := make(map[string]struct{}, len(variants))
	files := make(map[string]struct{}, len(variants))
	for i, v := range variants {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("variants[%d]: %w", i, err)
		}
		if _, dup := names[v.Name]; dup {
			return fmt.Errorf("variants[%d]: duplicate name %q", i, v.Name)
		}
		if _, dup := files[v.Filename]; dup {
			return fmt.Errorf("variants[%d]: duplicate filename %q", i, v.Filename)
		}
		names[v.Name] = struct{}{}
		files[v.Filename] = struct{}{}
	}
	return nil
}

// ValidateOutputDir accepts an empty dir or a relative path that stays inside
// the directory it is joined to.
func ValidateOutputDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	if !filepath.IsLocal(dir) {
		return fmt.Errorf("output_dir must be a relative path without '..': %s", dir)
	}
	return nil
}
