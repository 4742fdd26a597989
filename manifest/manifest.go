// Package manifest handles vesper.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a vesper.toml project configuration.
type Manifest struct {
	Project  Project  `toml:"project"`
	Source   Source   `toml:"source"`
	Debugger Debugger `toml:"debugger"`
	Runtime  Runtime  `toml:"runtime"`

	// Dir is the directory containing the vesper.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures source file locations.
type Source struct {
	Entry string `toml:"entry"`
	Cache string `toml:"cache"` // compiled-image cache path, "" disables
}

// Debugger configures the WebSocket debug service.
type Debugger struct {
	Listen string `toml:"listen"` // e.g. "127.0.0.1:7367"
}

// Runtime configures VM pool geometry. Zero values use engine defaults.
type Runtime struct {
	PoolEntries int `toml:"pool-entries"`
	PoolSize    int `toml:"pool-size"`
}

// Load parses a vesper.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "vesper.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// Find walks up from dir looking for a vesper.toml, like git does for its
// repository root.
func Find(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(filepath.Join(abs, "vesper.toml")); err == nil {
			return Load(abs)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("no vesper.toml found above %s", dir)
		}
		abs = parent
	}
}

// Default returns the manifest used when a project has none.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Project.Name == "" {
		m.Project.Name = filepath.Base(m.Dir)
	}
	if m.Source.Entry == "" {
		m.Source.Entry = "main.vs"
	}
	if m.Debugger.Listen == "" {
		m.Debugger.Listen = "127.0.0.1:7367"
	}
}

// EntryPath returns the absolute path of the entry script.
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Source.Entry) {
		return m.Source.Entry
	}
	return filepath.Join(m.Dir, m.Source.Entry)
}

// CachePath returns the absolute image-cache path, "" when disabled.
func (m *Manifest) CachePath() string {
	if m.Source.Cache == "" {
		return ""
	}
	if filepath.IsAbs(m.Source.Cache) {
		return m.Source.Cache
	}
	return filepath.Join(m.Dir, m.Source.Cache)
}
