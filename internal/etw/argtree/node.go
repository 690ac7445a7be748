// Package argtree models the argument list of a trace call as produced by the
// language front-end: an ordered, singly linked list of typed nodes.
package argtree

// Node is the view of an argument node the descriptor builder depends on.
type Node interface {
	// IsString reports whether the node has a string type.
	IsString() bool
	// IsInteger reports whether the node has an integer type.
	IsInteger() bool
	// IsFloat reports whether the node has a floating point type.
	IsFloat() bool
	// IsVariable reports whether the node references a variable instead of
	// holding a literal value.
	IsVariable() bool
	// TypeSize is the byte size of the node's declared type.
	TypeSize() int
	// StringValue is the literal string value. Only meaningful for string literals.
	StringValue() string
	// IntValue is the literal integer value. Only meaningful for integer literals.
	IntValue() int64
	// Next returns the following sibling in the argument list, or nil.
	Next() Node
}

// Kind is the type class of a Value.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	default:
		return "unknown"
	}
}

// Value is the concrete Node implementation used by the call parser and tests.
type Value struct {
	Kind  Kind
	Size  int
	Ident string // set for variable references

	Str   string
	Int   int64
	Float float64

	next *Value
}

// String returns a string literal node.
func String(s string) *Value {
	return &Value{Kind: KindString, Size: len(s) + 1, Str: s}
}

// Int returns an integer literal node of the given byte size.
func Int(v int64, size int) *Value {
	return &Value{Kind: KindInteger, Size: size, Int: v}
}

// Float returns a floating point literal node of the given byte size.
func Float(v float64, size int) *Value {
	return &Value{Kind: KindFloat, Size: size, Float: v}
}

// Var returns a variable reference node.
func Var(ident string, kind Kind, size int) *Value {
	return &Value{Kind: kind, Size: size, Ident: ident}
}

func (v *Value) IsString() bool   { return v.Kind == KindString }
func (v *Value) IsInteger() bool  { return v.Kind == KindInteger }
func (v *Value) IsFloat() bool    { return v.Kind == KindFloat }
func (v *Value) IsVariable() bool { return v.Ident != "" }
func (v *Value) TypeSize() int    { return v.Size }

func (v *Value) StringValue() string { return v.Str }
func (v *Value) IntValue() int64     { return v.Int }

// Next implements Node. A nil sibling is returned as an untyped nil so callers
// can compare against nil.
func (v *Value) Next() Node {
	if v.next == nil {
		return nil
	}
	return v.next
}

// Call is a parsed trace call: the action name and its argument list.
type Call struct {
	Name string
	Args Node
}

// NewCall links values into an argument list.
func NewCall(name string, args ...*Value) *Call {
	for i := 0; i+1 < len(args); i++ {
		args[i].next = args[i+1]
	}

	c := &Call{Name: name}
	if len(args) > 0 {
		c.Args = args[0]
	}
	return c
}

// Argc counts the arguments of the call.
func (c *Call) Argc() int {
	n := 0
	for a := c.Args; a != nil; a = a.Next() {
		n++
	}
	return n
}

// Values returns the argument list as a slice of concrete values. Nodes that
// are not *Value are skipped.
func (c *Call) Values() []*Value {
	var out []*Value
	for a := c.Args; a != nil; a = a.Next() {
		if v, ok := a.(*Value); ok {
			out = append(out, v)
		}
	}
	return out
}
