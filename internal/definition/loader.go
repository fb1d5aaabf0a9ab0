// Package definition loads record-type workflow definitions from YAML,
// validates them, and serves them from a registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/qms/model"
)

// Loader reads record-type definition documents (*.yaml, *.yml) from
// directory trees.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll loads every definition under each directory, in lexical path
// order within a directory.
func (l *Loader) LoadAll(directories []string) ([]model.RecordTypeDefinition, error) {
	var defs []model.RecordTypeDefinition
	for _, dir := range directories {
		found, err := l.LoadFS(os.DirFS(dir))
		if err != nil {
			return nil, fmt.Errorf("definitions in %s: %w", dir, err)
		}
		for i := range found {
			found[i].SourceFile = filepath.Join(dir, filepath.FromSlash(found[i].SourceFile))
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// LoadFS loads every definition in fsys. SourceFile is the slash separated
// path within fsys.
func (l *Loader) LoadFS(fsys fs.FS) ([]model.RecordTypeDefinition, error) {
	var defs []model.RecordTypeDefinition
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isDefinitionFile(path) {
			return err
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		def.SourceFile = path
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFile parses a single definition file. Unknown keys are rejected so a
// misspelled label or role map fails at startup rather than at first use.
func (l *Loader) LoadFile(path string) (model.RecordTypeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.RecordTypeDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.RecordTypeDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes a definition document and stamps its checksum.
func Parse(data []byte) (model.RecordTypeDefinition, error) {
	var def model.RecordTypeDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.RecordTypeDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}
