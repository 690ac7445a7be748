package argtree

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// DefaultPointerSize is the size given to pointer casts unless WithPointerSize
// selects another.
const DefaultPointerSize = 8

// SyntaxError reports a malformed call expression.
type SyntaxError struct {
	Pos lexer.Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
}

// castSizes holds the fixed-width cast types. Pointer-width types are sized
// by the parser.
var castSizes = map[string]int{
	"char":               1,
	"int8_t":             1,
	"uint8_t":            1,
	"uchar_t":            1,
	"unsigned char":      1,
	"short":              2,
	"int16_t":            2,
	"uint16_t":           2,
	"ushort_t":           2,
	"unsigned short":     2,
	"wchar_t":            2,
	"int":                4,
	"int32_t":            4,
	"uint32_t":           4,
	"uint_t":             4,
	"unsigned":           4,
	"unsigned int":       4,
	"long":               4,
	"unsigned long":      4,
	"long long":          8,
	"unsigned long long": 8,
	"int64_t":            8,
	"uint64_t":           8,
}

var pointerWidthTypes = map[string]bool{
	"intptr_t":  true,
	"uintptr_t": true,
	"size_t":    true,
}

var builtinVars = map[string]Value{
	"execname":  {Kind: KindString, Size: 256},
	"probefunc": {Kind: KindString, Size: 256},
	"probemod":  {Kind: KindString, Size: 256},
	"probename": {Kind: KindString, Size: 256},
	"probeprov": {Kind: KindString, Size: 256},
	"pid":       {Kind: KindInteger, Size: 4},
	"tid":       {Kind: KindInteger, Size: 4},
	"cpu":       {Kind: KindInteger, Size: 4},
	"errno":     {Kind: KindInteger, Size: 4},
}

// Option configures Parse.
type Option func(*parser)

// WithPointerSize sets the width of pointer casts and of intptr_t, uintptr_t
// and size_t. Sizes other than 4 and 8 are ignored.
func WithPointerSize(size int) Option {
	return func(p *parser) {
		if size == 4 || size == 8 {
			p.ptrSize = size
		}
	}
}

// Parse parses a single trace call such as
//
//	etw_trace("Prov", "{...}", "Evt", 4, 0x1, "etw_uint32", "val", (uint32_t)arg0)
//
// into a Call. Literals become literal nodes; identifiers become variable
// references whose kind and size follow the usual builtin variables, casts
// override both.
func Parse(src string, opts ...Option) (*Call, error) {
	p := &parser{ptrSize: DefaultPointerSize}
	for _, opt := range opts {
		opt(p)
	}

	ast, err := callParser.ParseString("", src)
	if err != nil {
		var perr participle.Error
		if errors.As(err, &perr) {
			return nil, &SyntaxError{Pos: perr.Position(), Msg: perr.Message()}
		}
		return nil, err
	}

	args := make([]*Value, 0, len(ast.Args))
	for _, a := range ast.Args {
		v, err := p.expr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return NewCall(ast.Action, args...), nil
}

type parser struct {
	ptrSize int
}

func errorAt(pos lexer.Position, format string, args ...any) error {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expr(e *exprNode) (*Value, error) {
	switch {
	case e.Cast != nil:
		v, err := p.expr(e.Cast.Value)
		if err != nil {
			return nil, err
		}
		return p.cast(v, e.Cast.Type)

	case e.Paren != nil:
		return p.expr(e.Paren)

	case e.Neg != nil:
		v, err := p.expr(e.Neg)
		if err != nil {
			return nil, err
		}
		switch {
		case v.IsVariable() || v.Kind == KindString:
			return nil, errorAt(e.Pos, "cannot negate %s", v.Kind)
		case v.Kind == KindFloat:
			v.Float = -v.Float
		default:
			v.Int = -v.Int
		}
		return v, nil

	case e.String != nil:
		s, err := strconv.Unquote(*e.String)
		if err != nil {
			return nil, errorAt(e.Pos, "bad string literal: %v", err)
		}
		return String(s), nil

	case e.Char != nil:
		r, _, _, err := strconv.UnquoteChar(strings.Trim(*e.Char, "'"), '\'')
		if err != nil {
			return nil, errorAt(e.Pos, "bad character literal: %v", err)
		}
		return Int(int64(r), 1), nil

	case e.Int != nil:
		v, err := intLiteral(*e.Int)
		if err != nil {
			return nil, errorAt(e.Pos, "%v", err)
		}
		return v, nil

	case e.Float != nil:
		f, err := strconv.ParseFloat(*e.Float, 64)
		if err != nil {
			return nil, errorAt(e.Pos, "bad float literal: %v", err)
		}
		return Float(f, 8), nil

	case e.Var != nil:
		return variable(e.Var), nil
	}

	return nil, errorAt(e.Pos, "empty expression")
}

func variable(n *varNode) *Value {
	var b strings.Builder
	b.WriteString(n.Name)
	for _, m := range n.Members {
		if m.Field != nil {
			b.WriteString(m.Field.Op + m.Field.Name)
			continue
		}
		b.WriteString("[" + *m.Index + "]")
	}

	ident := b.String()
	if v, ok := builtinVars[ident]; ok {
		return Var(ident, v.Kind, v.Size)
	}
	return Var(ident, KindInteger, 8)
}

func intLiteral(text string) (*Value, error) {
	if i, err := strconv.ParseInt(text, 0, 64); err == nil {
		size := 8
		if i >= math.MinInt32 && i <= math.MaxUint32 {
			size = 4
		}
		return Int(i, size), nil
	}

	u, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad integer literal %q", text)
	}
	return Int(int64(u), 8), nil
}

func (p *parser) cast(v *Value, t *typeNode) (*Value, error) {
	typ := strings.Join(t.Words, " ")

	switch {
	case len(t.Stars) > 0:
		v.Kind, v.Size = KindInteger, p.ptrSize
	case typ == "string":
		v.Kind = KindString
	case typ == "float":
		if v.Kind == KindInteger && !v.IsVariable() {
			v.Float = float64(v.Int)
		}
		v.Kind, v.Size = KindFloat, 4
	case typ == "double":
		if v.Kind == KindInteger && !v.IsVariable() {
			v.Float = float64(v.Int)
		}
		v.Kind, v.Size = KindFloat, 8
	case pointerWidthTypes[typ]:
		toInteger(v)
		v.Size = p.ptrSize
	default:
		size, ok := castSizes[typ]
		if !ok {
			return nil, errorAt(t.Pos, "unknown cast type %q", typ)
		}
		toInteger(v)
		v.Size = size
	}
	return v, nil
}

func toInteger(v *Value) {
	if v.Kind == KindFloat && !v.IsVariable() {
		v.Int = int64(v.Float)
	}
	v.Kind = KindInteger
}
