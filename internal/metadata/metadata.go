// Package metadata mirrors the app, image and build catalogue that garbage
// collection consults to decide which OS images are still referenced.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

var ErrAppNotFound = errors.New("app not found")

type App struct {
	Name string `yaml:"name" json:"name"`
}

type Image struct {
	Name string `yaml:"name" json:"name"`
}

// Build is one built release of an app. OSImage is nil for builds that
// predate images.
type Build struct {
	App     string `yaml:"app" json:"app"`
	Tag     string `yaml:"tag" json:"tag"`
	OSImage *Image `yaml:"os_image,omitempty" json:"os_image,omitempty"`
}

// Store is the metadata catalogue.
type Store interface {
	EnsureSchema(ctx context.Context) error
	PutApp(ctx context.Context, a App) error
	PutImage(ctx context.Context, img Image) error
	PutBuild(ctx context.Context, b Build) error
	// FindBuildsByAppAndTag returns ErrAppNotFound when the app is unknown.
	FindBuildsByAppAndTag(ctx context.Context, app, tag string) ([]Build, error)
	Close() error
}

// Export is the YAML document accepted by Import.
//
//	apps: [web, api]
//	images: [trusty-20240101]
//	builds:
//	  - {app: web, tag: v3, os_image: trusty-20240101}
type Export struct {
	Apps   []string      `yaml:"apps"`
	Images []string      `yaml:"images"`
	Builds []exportBuild `yaml:"builds"`
}

type exportBuild struct {
	App     string `yaml:"app"`
	Tag     string `yaml:"tag"`
	OSImage string `yaml:"os_image"`
}

// ImportStats counts what Import wrote.
type ImportStats struct {
	Apps   int `json:"apps"`
	Images int `json:"images"`
	Builds int `json:"builds"`
}

// Import loads a YAML export into s. Writes are upserts, so importing the
// same document twice is harmless.
func Import(ctx context.Context, s Store, r io.Reader) (ImportStats, error) {
	var doc Export
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return ImportStats{}, fmt.Errorf("parse metadata export: %w", err)
	}
	var st ImportStats
	for _, name := range doc.Apps {
		if err := s.PutApp(ctx, App{Name: name}); err != nil {
			return st, fmt.Errorf("app %s: %w", name, err)
		}
		st.Apps++
	}
	for _, name := range doc.Images {
		if err := s.PutImage(ctx, Image{Name: name}); err != nil {
			return st, fmt.Errorf("image %s: %w", name, err)
		}
		st.Images++
	}
	for _, b := range doc.Builds {
		if b.App == "" || b.Tag == "" {
			return st, fmt.Errorf("build entry needs app and tag: %+v", b)
		}
		build := Build{App: b.App, Tag: b.Tag}
		if b.OSImage != "" {
			build.OSImage = &Image{Name: b.OSImage}
		}
		if err := s.PutBuild(ctx, build); err != nil {
			return st, fmt.Errorf("build %s-%s: %w", b.App, b.Tag, err)
		}
		st.Builds++
	}
	return st, nil
}
