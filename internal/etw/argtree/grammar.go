package argtree

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var callLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*|/\*(?s:.*?)\*/`},
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Float", Pattern: `\d+\.\d*([eE][-+]?\d+)?|\.\d+([eE][-+]?\d+)?|\d+[eE][-+]?\d+`},
	{Name: "Int", Pattern: `0[xX][0-9a-fA-F]+|\d+`},
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "Char", Pattern: `'(\\.|[^'\\])+'`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Arrow", Pattern: `->`},
	{Name: "Punct", Pattern: `[-(),;*.\[\]]`},
})

var callParser = participle.MustBuild[callNode](
	participle.Lexer(callLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(2),
)

// callNode is action(arg, ...) with an optional trailing semicolon.
type callNode struct {
	Pos    lexer.Position
	Action string      `@Ident "("`
	Args   []*exprNode `( @@ ( "," @@ )* )? ")" ";"?`
}

type exprNode struct {
	Pos    lexer.Position
	Cast   *castNode `  @@`
	Paren  *exprNode `| "(" @@ ")"`
	Neg    *exprNode `| "-" @@`
	String *string   `| @String`
	Char   *string   `| @Char`
	Float  *string   `| @Float`
	Int    *string   `| @Int`
	Var    *varNode  `| @@`
}

type castNode struct {
	Type  *typeNode `"(" @@ ")"`
	Value *exprNode `@@`
}

// typeNode is a C type name built from the words casts accept, followed by
// any number of pointer stars.
type typeNode struct {
	Pos   lexer.Position
	Words []string `@( "unsigned" | "signed" | "char" | "short" | "int" | "long" | "float" | "double" | "void" | "string" | "wchar_t" | "int8_t" | "uint8_t" | "uchar_t" | "int16_t" | "uint16_t" | "ushort_t" | "int32_t" | "uint32_t" | "uint_t" | "int64_t" | "uint64_t" | "intptr_t" | "uintptr_t" | "size_t" )+`
	Stars []string `@"*"*`
}

// varNode is a variable reference such as arg0, self->x, curthread.pid or
// args[1].
type varNode struct {
	Name    string        `@Ident`
	Members []*memberNode `@@*`
}

type memberNode struct {
	Field *fieldNode `  @@`
	Index *string    `| "[" @( Int | Ident ) "]"`
}

type fieldNode struct {
	Op   string `@( "->" | "." )`
	Name string `@Ident`
}
