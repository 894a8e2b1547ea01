// Package viewdef models the declarative ViewDefinition documents and the
// read-only registry they are loaded into at startup. Definitions are
// immutable once registered, an edit ships as a new named version.
package viewdef

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/fhirpath"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// SelectNode is one block of the select tree. It carries zero or more output
// columns and zero or more nested blocks, optionally attached through a
// row-expansion path. ForEach and ForEachOrNull are mutually exclusive.
type SelectNode struct {
	Column        []datamodel.Column `json:"column,omitempty"`
	ForEach       string             `json:"forEach,omitempty"`
	ForEachOrNull string             `json:"forEachOrNull,omitempty"`
	Select        []SelectNode       `json:"select,omitempty"`
}

// WhereClause is a boolean filter expression applied to the base resource.
type WhereClause struct {
	Path string `json:"path"`
}

// ViewDefinition is an immutable, named view specification.
type ViewDefinition struct {
	Name     string        `json:"name"`
	Version  string        `json:"version,omitempty"`
	Resource string        `json:"resource"`
	Select   []SelectNode  `json:"select"`
	Where    []WhereClause `json:"where,omitempty"`
}

// Validate checks structural well-formedness: known resource type, parseable
// paths, valid declared types, exclusive expansion modes and unique column
// names across the whole tree. It never touches the database.
func (v *ViewDefinition) Validate() error {
	if v.Name == "" {
		return &datamodel.CompileError{Detail: "view definition has no name"}
	}
	if _, err := catalog.Lookup(v.Resource); err != nil {
		return &datamodel.CompileError{View: v.Name, Detail: fmt.Sprintf("resource: %v", err)}
	}
	if len(v.Select) == 0 {
		return &datamodel.CompileError{View: v.Name, Detail: "view definition has no select blocks"}
	}
	seen := map[string]bool{}
	for i := range v.Select {
		if err := v.validateNode(&v.Select[i], seen); err != nil {
			return err
		}
	}
	for _, w := range v.Where {
		if _, err := fhirpath.Parse(w.Path); err != nil {
			return err
		}
	}
	return nil
}

func (v *ViewDefinition) validateNode(node *SelectNode, seen map[string]bool) error {
	if node.ForEach != "" && node.ForEachOrNull != "" {
		return &datamodel.CompileError{
			View:   v.Name,
			Detail: "select block declares both forEach and forEachOrNull",
		}
	}
	for _, expansion := range []string{node.ForEach, node.ForEachOrNull} {
		if expansion == "" {
			continue
		}
		if _, err := fhirpath.Parse(expansion); err != nil {
			return err
		}
	}
	for _, col := range node.Column {
		if col.Name == "" || col.Path == "" {
			return &datamodel.CompileError{View: v.Name, Detail: "column requires both name and path"}
		}
		if seen[col.Name] {
			return &datamodel.CompileError{
				View:   v.Name,
				Detail: fmt.Sprintf("ambiguous column name %q", col.Name),
			}
		}
		seen[col.Name] = true
		switch col.Type {
		case "", datamodel.TypeString, datamodel.TypeNumber, datamodel.TypeBoolean, datamodel.TypeDate:
		default:
			return &datamodel.CompileError{
				View:   v.Name,
				Detail: fmt.Sprintf("column %q declares unknown type %q", col.Name, col.Type),
			}
		}
		if _, err := fhirpath.Parse(col.Path); err != nil {
			return err
		}
	}
	for i := range node.Select {
		if err := v.validateNode(&node.Select[i], seen); err != nil {
			return err
		}
	}
	return nil
}

// Registry is the set of view definitions known to the engine. It is filled
// once at startup and read-only afterwards.
type Registry struct {
	views map[string]*ViewDefinition
}

func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*ViewDefinition)}
}

// Register validates and adds a definition. Registering the same name twice
// is an error, edits must ship as a new named version.
func (r *Registry) Register(v *ViewDefinition) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, exists := r.views[v.Name]; exists {
		return &datamodel.CompileError{View: v.Name, Detail: "view is already registered"}
	}
	r.views[v.Name] = v
	return nil
}

// Get returns a registered definition.
func (r *Registry) Get(name string) (*ViewDefinition, error) {
	v, ok := r.views[name]
	if !ok {
		return nil, &datamodel.CompileError{View: name, Detail: "view is not registered"}
	}
	return v, nil
}

// Names returns the registered view names, sorted.
func (r *Registry) Names() []string {
	names := maps.Keys(r.views)
	slices.Sort(names)
	return names
}

// LoadDirectory parses every *.json file in dir into the registry.
func (r *Registry) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read view definition directory %s: %w", dir, err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read view definition %s: %w", path, err)
		}
		var v ViewDefinition
		if err := json.Unmarshal(raw, &v); err != nil {
			return &datamodel.CompileError{Detail: fmt.Sprintf("malformed view definition %s: %v", path, err)}
		}
		if err := r.Register(&v); err != nil {
			return err
		}
		loaded++
	}
	zap.S().Infof("Loaded %d view definitions from %s", loaded, dir)
	return nil
}
