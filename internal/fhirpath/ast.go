// Package fhirpath implements the supported subset of fhirpath expressions:
// field access, array indexing, one level of where() filtering and the
// aggregate functions exists(), count(), empty() and first(). Expressions are
// parsed into an explicit step list, then either transpiled into JSONB
// accessor SQL (batch path) or evaluated directly against a decoded document
// (speed path). Everything outside the subset fails at parse time with an
// UnsupportedExpressionError.
package fhirpath

// Expression is a parsed fhirpath expression.
type Expression struct {
	Source string
	Steps  []Step
}

// Step is one navigation or aggregate step. The set is closed so that the
// transpiler and evaluator can dispatch exhaustively.
type Step interface {
	step()
}

// FieldStep navigates into a named element.
type FieldStep struct {
	Name string
}

// IndexStep selects one element of an array by position.
type IndexStep struct {
	Index int
}

// WhereStep filters one level of an array collection by a single predicate
// over a sub-field of each element.
type WhereStep struct {
	Field   string
	Op      string // "=" or "!="
	Literal string
}

// FunctionStep is a terminal aggregate.
type FunctionStep struct {
	Name FunctionName
}

// FunctionName enumerates the supported terminal functions.
type FunctionName string

const (
	FuncExists FunctionName = "exists"
	FuncCount  FunctionName = "count"
	FuncEmpty  FunctionName = "empty"
	FuncFirst  FunctionName = "first"
)

func (FieldStep) step()    {}
func (IndexStep) step()    {}
func (WhereStep) step()    {}
func (FunctionStep) step() {}

// TargetsReference reports whether the expression terminates at a literal
// "reference" element. Columns built from such expressions additionally emit
// an extracted-identifier column so views can be joined on bare ids.
func (e *Expression) TargetsReference() bool {
	if len(e.Steps) == 0 {
		return false
	}
	last := e.Steps[len(e.Steps)-1]
	f, ok := last.(FieldStep)
	return ok && f.Name == "reference"
}
