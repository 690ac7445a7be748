package symbols

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// whereFilter is a compiled --where expression evaluated against each row.
type whereFilter struct {
	expr string
	prg  cel.Program
}

// newWhereFilter compiles expr. The expression sees one variable per
// FunctionRow field: rva, size, name, aliases, varargs and signature.
func newWhereFilter(expr string) (*whereFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("rva", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("name", cel.StringType),
		cel.Variable("aliases", cel.ListType(cel.StringType)),
		cel.Variable("varargs", cel.BoolType),
		cel.Variable("signature", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid --where expression %q: %w", expr, issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expr, err)
	}
	return &whereFilter{expr: expr, prg: prg}, nil
}

func (f *whereFilter) match(row FunctionRow) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{
		"rva":       int64(row.RVA),
		"size":      int64(row.Size),
		"name":      row.Name,
		"aliases":   nonNil(row.Aliases),
		"varargs":   row.VarArgs,
		"signature": nonNil(row.Types),
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate %q for %s: %w", f.expr, row.Name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("expression %q must evaluate to a bool, got %T", f.expr, out.Value())
	}
	return ok, nil
}

// apply keeps the rows the expression accepts.
func (f *whereFilter) apply(in []FunctionRow) ([]FunctionRow, error) {
	out := make([]FunctionRow, 0, len(in))
	for _, row := range in {
		ok, err := f.match(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
