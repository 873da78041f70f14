package gateway

import (
	"context"
	"sort"
	"strings"

	"github.com/chazu/keysmith/block"
)

const indentUnit = "    "

// Template is an in-process Gateway that renders each block's code template
// with its parameter values. It does not parse.
type Template struct {
	vocab block.Vocabulary
}

// NewTemplate creates a template generator over a vocabulary.
func NewTemplate(vocab block.Vocabulary) *Template {
	return &Template{vocab: vocab}
}

// Generate renders f as a single function named entrypoint taking argName.
func (t *Template) Generate(ctx context.Context, f block.Forest, entrypoint, argName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &GenerateError{Err: err}
	}
	if entrypoint == "" {
		entrypoint = DefaultEntrypoint
	}
	if argName == "" {
		argName = DefaultArgName
	}

	g := &rendering{vocab: t.vocab, imports: make(map[string]bool)}
	g.lines = append(g.lines, "def "+entrypoint+"("+argName+"):")
	for _, inst := range f {
		g.render(inst, 1)
	}
	if len(f) == 0 {
		g.lines = append(g.lines, indentUnit+"pass")
	}
	hasReturn := false
	for _, line := range g.lines {
		if strings.Contains(line, "return") {
			hasReturn = true
			break
		}
	}
	if !hasReturn {
		g.lines = append(g.lines, indentUnit+"return data")
	}

	var out []string
	if len(g.imports) > 0 {
		imports := make([]string, 0, len(g.imports))
		for imp := range g.imports {
			imports = append(imports, imp)
		}
		sort.Strings(imports)
		for _, imp := range imports {
			out = append(out, "import "+imp)
		}
		out = append(out, "")
	}
	out = append(out, g.lines...)
	return strings.Join(out, "\n"), nil
}

// Parse is not available in-process.
func (t *Template) Parse(ctx context.Context, text string) (block.Forest, error) {
	return nil, &ParseError{Err: ErrParserUnavailable}
}

type rendering struct {
	vocab   block.Vocabulary
	imports map[string]bool
	lines   []string
}

func (g *rendering) render(inst *block.Instance, depth int) {
	indent := strings.Repeat(indentUnit, depth)
	def, ok := g.vocab.Definition(inst.BlockID)
	if !ok {
		g.lines = append(g.lines, indent+"# Unknown block: "+inst.BlockID)
		return
	}
	for _, imp := range def.Imports {
		g.imports[imp] = true
	}

	code := Substitute(def, inst.Params)
	codeLines := strings.Split(code, "\n")
	// A one-line bytes -> bytes transform written as a bare expression
	// feeds data.
	if len(codeLines) == 1 && def.Input == "bytes" && def.Output == "bytes" && !strings.HasPrefix(code, "data =") {
		codeLines[0] = "data = " + strings.TrimSpace(code)
	}
	for _, line := range codeLines {
		g.lines = append(g.lines, indent+line)
	}

	if !def.Container {
		return
	}
	if len(inst.Children) == 0 {
		// Bare pass, no marker comment.
		g.lines = append(g.lines, indent+indentUnit+"pass")
		return
	}
	for _, child := range inst.Children {
		g.render(child, depth+1)
	}
}

// Substitute fills {name} placeholders in a definition's code template.
// Parameters missing from params use the declared default.
func Substitute(def block.Definition, params block.Params) string {
	code := def.Code
	for _, p := range def.Params {
		value, ok := params[p.Name]
		if !ok {
			value = p.Default
		}
		code = strings.ReplaceAll(code, "{"+p.Name+"}", value)
	}
	return code
}
