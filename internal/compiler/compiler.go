// Package compiler walks a ViewDefinition's select tree into a flat, ordered
// column list plus the row-expansion joins it requires, and assembles the
// final row/count statements. Compilation is deterministic: the same view and
// constraints always produce byte-identical SQL, which cache keys rely on.
package compiler

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/fhirpath"
	"github.com/fhirlake/fhirlake/internal/viewdef"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// RowExpansionMode selects between inner and outer expansion joins.
type RowExpansionMode string

const (
	ModeEach       RowExpansionMode = "each"
	ModeEachOrNull RowExpansionMode = "eachOrNull"
)

// RowExpansion is one unnesting join. Parent is the index of the enclosing
// expansion, -1 when the array path is relative to the base resource.
type RowExpansion struct {
	ArrayPath string
	Expr      *fhirpath.Expression
	Mode      RowExpansionMode
	Alias     string
	Parent    int
	SourceSQL string
}

// Column is one compiled output column. Expansion is the index of the
// RowExpansion the path is relative to, -1 for the base resource.
// FromReference names the full-reference column a derived identifier column
// was extracted from.
type Column struct {
	datamodel.Column
	Expr          *fhirpath.Expression
	SQL           string
	Expansion     int
	FromReference string
}

// View is the compiled artifact of one ViewDefinition.
type View struct {
	Definition  *viewdef.ViewDefinition
	Resource    string
	Columns     []Column
	Expansions  []RowExpansion
	FilterSQL   []string
	FilterExprs []*fhirpath.Expression
	Schema      datamodel.Schema
}

// ColumnNames returns the output column names in select order.
func (v *View) ColumnNames() []string {
	names := make([]string, 0, len(v.Columns))
	for _, c := range v.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Compiler caches compiled views. Definitions are immutable, so a compiled
// view stays valid for the lifetime of the registry.
type Compiler struct {
	cache *lru.ARCCache
}

func New() *Compiler {
	cache, err := lru.NewARC(256)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &Compiler{cache: cache}
}

// Compile walks the select tree depth-first and produces the ordered column
// and expansion lists. Results are cached by view name and version.
func (c *Compiler) Compile(def *viewdef.ViewDefinition) (*View, error) {
	cacheKey := def.Name + "@" + def.Version
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached.(*View), nil
	}
	compiled, err := compile(def)
	if err != nil {
		return nil, err
	}
	c.cache.Add(cacheKey, compiled)
	return compiled, nil
}

func compile(def *viewdef.ViewDefinition) (*View, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	shape := catalog.DefaultShape

	w := &walker{
		def:        def,
		transpiler: fhirpath.NewTranspiler(),
		view: &View{
			Definition: def,
			Resource:   def.Resource,
			Schema:     datamodel.Schema{},
		},
		seen: map[string]bool{},
	}

	baseSQL := fmt.Sprintf("v.%s::jsonb", shape.PayloadColumn)
	for i := range def.Select {
		if err := w.walk(&def.Select[i], baseSQL, -1); err != nil {
			return nil, err
		}
	}

	for _, clause := range def.Where {
		expr, err := fhirpath.Parse(clause.Path)
		if err != nil {
			return nil, err
		}
		frag, err := w.transpiler.Value(expr, baseSQL)
		if err != nil {
			return nil, err
		}
		sql := frag.SQL
		if frag.Kind != fhirpath.KindBool {
			sql = fmt.Sprintf("(%s)::boolean", sql)
		}
		w.view.FilterSQL = append(w.view.FilterSQL, sql)
		w.view.FilterExprs = append(w.view.FilterExprs, expr)
	}

	return w.view, nil
}

type walker struct {
	def        *viewdef.ViewDefinition
	transpiler *fhirpath.Transpiler
	view       *View
	seen       map[string]bool
	aliasSeq   int
}

func (w *walker) walk(node *viewdef.SelectNode, baseSQL string, parentExpansion int) error {
	curBase := baseSQL
	curExpansion := parentExpansion

	mode := ModeEach
	arrayPath := node.ForEach
	if node.ForEachOrNull != "" {
		mode = ModeEachOrNull
		arrayPath = node.ForEachOrNull
	}
	if arrayPath != "" {
		expr, err := fhirpath.Parse(arrayPath)
		if err != nil {
			return err
		}
		source, err := w.transpiler.Collection(expr, baseSQL)
		if err != nil {
			return err
		}
		w.aliasSeq++
		alias := fmt.Sprintf("u%d", w.aliasSeq)
		w.view.Expansions = append(w.view.Expansions, RowExpansion{
			ArrayPath: arrayPath,
			Expr:      expr,
			Mode:      mode,
			Alias:     alias,
			Parent:    parentExpansion,
			SourceSQL: source,
		})
		curBase = alias + ".elem"
		curExpansion = len(w.view.Expansions) - 1
	}

	for _, col := range node.Column {
		if err := w.addColumn(col, curBase, curExpansion); err != nil {
			return err
		}
	}
	for i := range node.Select {
		if err := w.walk(&node.Select[i], curBase, curExpansion); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) addColumn(col datamodel.Column, baseSQL string, expansion int) error {
	if !isSQLIdentifier(col.Name) {
		return &datamodel.CompileError{
			View:   w.def.Name,
			Detail: fmt.Sprintf("column name %q is not a valid identifier", col.Name),
		}
	}
	if w.seen[col.Name] {
		return &datamodel.CompileError{
			View:   w.def.Name,
			Detail: fmt.Sprintf("ambiguous column name %q", col.Name),
		}
	}
	expr, err := fhirpath.Parse(col.Path)
	if err != nil {
		return err
	}
	frag, err := w.transpiler.Value(expr, baseSQL)
	if err != nil {
		return err
	}
	if col.Type == "" {
		col.Type = datamodel.TypeString
	}

	w.view.Columns = append(w.view.Columns, Column{
		Column:    col,
		Expr:      expr,
		SQL:       castFragment(frag, col.Type),
		Expansion: expansion,
	})
	w.seen[col.Name] = true
	w.view.Schema[col.Name] = col.Type

	// Reference columns additionally emit the extracted identifier, so two
	// views can be joined on bare ids without string concatenation.
	if expr.TargetsReference() {
		idName := col.Name + "_id"
		if w.seen[idName] {
			return &datamodel.CompileError{
				View:   w.def.Name,
				Detail: fmt.Sprintf("ambiguous column name %q (derived reference identifier)", idName),
			}
		}
		w.seen[idName] = true
		w.view.Columns = append(w.view.Columns, Column{
			Column:        datamodel.Column{Name: idName, Path: col.Path, Type: datamodel.TypeString},
			Expr:          expr,
			SQL:           ReferenceIDSQL(frag.SQL),
			Expansion:     expansion,
			FromReference: col.Name,
		})
		w.view.Schema[idName] = datamodel.TypeString
	}
	return nil
}

// ReferenceIDSQL extracts the identifier part of a well-formed full reference
// ("<ResourceType>/<id>"), NULL otherwise.
func ReferenceIDSQL(refSQL string) string {
	return fmt.Sprintf("substring(%s from '^[A-Za-z]+/(.+)$')", refSQL)
}

func castFragment(frag fhirpath.Fragment, declared datamodel.ColumnType) string {
	switch declared {
	case datamodel.TypeNumber:
		if frag.Kind == fhirpath.KindNumber {
			return frag.SQL
		}
		return fmt.Sprintf("(%s)::numeric", frag.SQL)
	case datamodel.TypeBoolean:
		if frag.Kind == fhirpath.KindBool {
			return frag.SQL
		}
		return fmt.Sprintf("(%s)::boolean", frag.SQL)
	case datamodel.TypeDate:
		return fmt.Sprintf("(%s)::timestamptz", frag.SQL)
	default:
		if frag.Kind != fhirpath.KindText {
			return fmt.Sprintf("(%s)::text", frag.SQL)
		}
		return frag.SQL
	}
}

func isSQLIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
