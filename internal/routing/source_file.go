package routing

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileSource loads routes from a TOML document of [[route]] tables:
//
//	[[route]]
//	id = "book"
//	path = "/books/{slug}"
//	tags = ["books.view"]
//	locales = ["en", "es"]
//	[route.translations]
//	es = "/libros/{slug}"
type FileSource struct {
	path string
}

// NewFileSource returns a source reading path on every Load.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type routesFile struct {
	Route []Definition `toml:"route"`
}

// Path returns the file being read.
func (s *FileSource) Path() string {
	return s.path
}

// Load parses the file and builds a registry.
func (s *FileSource) Load(_ context.Context, defaultLocale string) (*Registry, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	defs, err := ParseDefinitions(raw)
	if err != nil {
		return nil, err
	}
	return Build(defaultLocale, defs)
}

// ParseDefinitions decodes a TOML routes document. Unknown keys are rejected
// so typos do not silently drop restrictions.
func ParseDefinitions(raw []byte) ([]Definition, error) {
	var doc routesFile
	meta, err := toml.Decode(string(raw), &doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoute, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalidRoute, undecoded[0])
	}
	return doc.Route, nil
}

var _ Source = (*FileSource)(nil)
