package fhirpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// Parse turns a path expression into an Expression. It is strict: anything
// outside the supported subset is rejected here, never at execution time.
func Parse(src string) (*Expression, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, &datamodel.CompileError{Detail: "empty fhirpath expression"}
	}

	p := &parser{src: trimmed}
	steps, err := p.parseSteps()
	if err != nil {
		return nil, err
	}
	return &Expression{Source: trimmed, Steps: steps}, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) parseSteps() ([]Step, error) {
	var steps []Step
	sawFunction := false
	for {
		seg, err := p.nextSegment()
		if err != nil {
			return nil, err
		}
		if sawFunction {
			return nil, &datamodel.CompileError{
				Detail: fmt.Sprintf("fhirpath expression %q continues after a terminal function", p.src),
			}
		}
		parsed, terminal, err := p.parseSegment(seg)
		if err != nil {
			return nil, err
		}
		steps = append(steps, parsed...)
		sawFunction = terminal

		if p.pos >= len(p.src) {
			return steps, nil
		}
		if p.src[p.pos] != '.' {
			return nil, &datamodel.CompileError{
				Detail: fmt.Sprintf("unexpected character %q at position %d in %q", p.src[p.pos], p.pos, p.src),
			}
		}
		p.pos++ // consume the dot
	}
}

// nextSegment reads up to the next top-level dot, keeping dots inside
// parentheses (where predicates) intact.
func (p *parser) nextSegment() (string, error) {
	start := p.pos
	depth := 0
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", &datamodel.CompileError{Detail: fmt.Sprintf("unbalanced parentheses in %q", p.src)}
			}
		case '.':
			if depth == 0 {
				seg := p.src[start:p.pos]
				if seg == "" {
					return "", &datamodel.CompileError{Detail: fmt.Sprintf("empty path segment in %q", p.src)}
				}
				return seg, nil
			}
		}
		p.pos++
	}
	if depth != 0 {
		return "", &datamodel.CompileError{Detail: fmt.Sprintf("unbalanced parentheses in %q", p.src)}
	}
	seg := p.src[start:p.pos]
	if seg == "" {
		return "", &datamodel.CompileError{Detail: fmt.Sprintf("empty path segment in %q", p.src)}
	}
	return seg, nil
}

// parseSegment handles one dot-separated segment: a field, an indexed field,
// a where() filter or a terminal function. It returns the parsed steps and
// whether the segment terminates the expression.
func (p *parser) parseSegment(seg string) ([]Step, bool, error) {
	if open := strings.IndexByte(seg, '('); open >= 0 {
		if !strings.HasSuffix(seg, ")") {
			return nil, false, &datamodel.CompileError{Detail: fmt.Sprintf("malformed segment %q in %q", seg, p.src)}
		}
		name := seg[:open]
		args := seg[open+1 : len(seg)-1]
		switch name {
		case "where":
			w, err := parsePredicate(args, p.src)
			if err != nil {
				return nil, false, err
			}
			return []Step{w}, false, nil
		case "exists", "count", "empty", "first":
			if strings.TrimSpace(args) != "" {
				return nil, false, &datamodel.CompileError{
					Detail: fmt.Sprintf("%s() takes no arguments in %q", name, p.src),
				}
			}
			return []Step{FunctionStep{Name: FunctionName(name)}}, true, nil
		default:
			return nil, false, &datamodel.UnsupportedExpressionError{Expression: p.src, Function: name}
		}
	}

	// Plain or indexed field access: ident or ident[N].
	name := seg
	var steps []Step
	if open := strings.IndexByte(seg, '['); open >= 0 {
		if !strings.HasSuffix(seg, "]") {
			return nil, false, &datamodel.CompileError{Detail: fmt.Sprintf("malformed index in segment %q", seg)}
		}
		idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
		if err != nil || idx < 0 {
			return nil, false, &datamodel.CompileError{Detail: fmt.Sprintf("invalid array index in segment %q", seg)}
		}
		name = seg[:open]
		steps = append(steps, IndexStep{Index: idx})
	}
	if !isIdentifier(name) {
		return nil, false, &datamodel.CompileError{Detail: fmt.Sprintf("invalid path segment %q in %q", seg, p.src)}
	}
	return append([]Step{FieldStep{Name: name}}, steps...), false, nil
}

// parsePredicate parses the single comparison allowed inside where():
// field = 'literal' or field != 'literal'. Unquoted literals are accepted for
// numbers and booleans.
func parsePredicate(args, src string) (WhereStep, error) {
	var op string
	var idx int
	if i := strings.Index(args, "!="); i >= 0 {
		op, idx = "!=", i
	} else if i := strings.IndexByte(args, '='); i >= 0 {
		op, idx = "=", i
	} else {
		return WhereStep{}, &datamodel.CompileError{
			Detail: fmt.Sprintf("where() predicate %q in %q must be a single comparison", args, src),
		}
	}

	field := strings.TrimSpace(args[:idx])
	literal := strings.TrimSpace(args[idx+len(op):])
	if !isIdentifier(field) {
		return WhereStep{}, &datamodel.CompileError{
			Detail: fmt.Sprintf("invalid predicate field %q in %q", field, src),
		}
	}
	if strings.HasPrefix(literal, "'") {
		if len(literal) < 2 || !strings.HasSuffix(literal, "'") {
			return WhereStep{}, &datamodel.CompileError{
				Detail: fmt.Sprintf("unterminated string literal in predicate of %q", src),
			}
		}
		literal = literal[1 : len(literal)-1]
	} else if literal == "" {
		return WhereStep{}, &datamodel.CompileError{
			Detail: fmt.Sprintf("missing literal in predicate of %q", src),
		}
	}
	return WhereStep{Field: field, Op: op, Literal: literal}, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
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
