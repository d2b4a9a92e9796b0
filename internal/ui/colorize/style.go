// Package colorize provides terminal colors for trace and triage output,
// including syntax highlighting of disassembled patch bytes.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// StyleName is the chroma style registered by this package.
const StyleName = "sbtrace-disasm"

// DisasmDark highlights arm64 and x86_64 disassembly: white mnemonics,
// cyan registers, pink immediates.
var DisasmDark = styles.Register(chroma.MustNewStyle(StyleName, chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        "#FF8000",
	chroma.CommentPreproc: "#FF8000",

	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#87CEEB",
	chroma.NameBuiltin:   "#87CEEB", // sp, lr, rip
	chroma.NameVariable:  "#87CEEB",

	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",

	chroma.NameLabel:    "#FFC800",
	chroma.NameFunction: "#FFFFFF",
	chroma.Operator:     "#FFFFFF",
	chroma.Punctuation:  "#FFFFFF",
}))
