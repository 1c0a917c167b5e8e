package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ParseFile decodes one worker descriptor from a .toml, .yaml, or .yml file.
func ParseFile(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	desc, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	desc.Source = path
	return desc, nil
}

// Parse decodes a descriptor in the format implied by ext.
func Parse(data []byte, ext string) (Descriptor, error) {
	var desc Descriptor
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&desc); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return Descriptor{}, fmt.Errorf("unknown fields: %s", strict.String())
			}
			return Descriptor{}, fmt.Errorf("parse toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&desc); err != nil && !errors.Is(err, io.EOF) {
			return Descriptor{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return Descriptor{}, fmt.Errorf("unsupported descriptor format %q", ext)
	}
	return desc, nil
}

// ReadDir parses every descriptor file in dir, in file name order. Files with
// other extensions and hidden files are ignored.
func ReadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workers directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".toml", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	descs := make([]Descriptor, 0, len(names))
	var errs []error
	for _, name := range names {
		desc, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		descs = append(descs, desc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return descs, nil
}
