package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Routes is the request classification table used by the cache router.
type Routes struct {
	// StaticPrefix marks immutable, content-hashed assets.
	StaticPrefix string `yaml:"static_prefix"`

	// APIPrefix marks the data API.
	APIPrefix string `yaml:"api_prefix"`

	// ShellPath is the key the application shell is cached under.
	ShellPath string `yaml:"shell_path"`

	// HealthPath is probed while offline to detect recovery.
	HealthPath string `yaml:"health_path"`

	// Precache lists paths fetched into the static partition on install.
	Precache []string `yaml:"precache"`
}

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() Routes {
	return Routes{
		StaticPrefix: "/assets/",
		APIPrefix:    "/api/",
		ShellPath:    "/",
		HealthPath:   "/api/",
		Precache: []string{
			"/",
			"/manifest.json",
			"/favicon.svg",
			"/icon-192.png",
			"/icon-512.png",
		},
	}
}

// LoadRoutes returns DefaultRoutes overlaid with any fields set in the
// YAML file at path. An empty path returns the defaults.
func LoadRoutes(path string) (Routes, error) {
	r := DefaultRoutes()
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("reading routes file: %w", err)
	}

	var override Routes
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Routes{}, fmt.Errorf("parsing routes file: %w", err)
	}

	if override.StaticPrefix != "" {
		r.StaticPrefix = override.StaticPrefix
	}

	if override.APIPrefix != "" {
		r.APIPrefix = override.APIPrefix
	}

	if override.ShellPath != "" {
		r.ShellPath = override.ShellPath
	}

	if override.HealthPath != "" {
		r.HealthPath = override.HealthPath
	}

	if override.Precache != nil {
		r.Precache = override.Precache
	}

	return r, nil
}
