package catalog

import (
	"embed"
	"fmt"
)

//go:embed builtin/funnel.yaml
var builtinFS embed.FS

// LoadBuiltin returns the catalog bundled with the server.
func LoadBuiltin() (*Catalog, error) {
	data, err := builtinFS.ReadFile("builtin/funnel.yaml")
	if err != nil {
		return nil, fmt.Errorf("read builtin catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse builtin catalog: %w", err)
	}
	c.Source = "builtin"
	return c, nil
}

// LoadOrBuiltin loads the catalog at path, or the built-in one when path is empty.
func LoadOrBuiltin(path string) (*Catalog, error) {
	if path == "" {
		return LoadBuiltin()
	}
	return Load(path)
}
