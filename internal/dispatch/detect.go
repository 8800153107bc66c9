package dispatch

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

type Mode int

const (
	// Opaque jobs are executed as a process.
	Opaque Mode = iota
	// Structured jobs are transactions compiled into the binary.
	Structured
)

func (m Mode) String() string {
	if m == Structured {
		return "structured"
	}
	return "opaque"
}

const transactionPkg = "internal/transaction"

// Detect reports whether the source at path declares a struct embedding
// transaction.Base. The source is parsed, never executed. Anything which is
// not parseable Go is Opaque.
func Detect(src string) Mode {
	if filepath.Ext(src) != ".go" {
		return Opaque
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, src, nil, parser.SkipObjectResolution)
	if err != nil {
		return Opaque
	}
	if embedsBase(file) {
		return Structured
	}
	return Opaque
}

// embedsBase looks for an embedded Base field, qualified by the local name
// of the transaction package import, or unqualified inside that package.
func embedsBase(file *ast.File) bool {
	var qualifiers []string
	for _, imp := range file.Imports {
		p, err := strconv.Unquote(imp.Path.Value)
		if err != nil || !strings.HasSuffix(p, transactionPkg) {
			continue
		}
		name := path.Base(p)
		if imp.Name != nil {
			name = imp.Name.Name
		}
		qualifiers = append(qualifiers, name)
	}
	local := file.Name.Name == "transaction"
	if len(qualifiers) == 0 && !local {
		return false
	}

	found := false
	ast.Inspect(file, func(n ast.Node) bool {
		if found {
			return false
		}
		st, ok := n.(*ast.StructType)
		if !ok {
			return true
		}
		for _, field := range st.Fields.List {
			if len(field.Names) != 0 {
				continue
			}
			if isBase(field.Type, qualifiers, local) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

func isBase(expr ast.Expr, qualifiers []string, local bool) bool {
	if star, ok := expr.(*ast.StarExpr); ok {
		expr = star.X
	}
	switch t := expr.(type) {
	case *ast.Ident:
		return local && t.Name == "Base"
	case *ast.SelectorExpr:
		x, ok := t.X.(*ast.Ident)
		if !ok || t.Sel.Name != "Base" {
			return false
		}
		for _, q := range qualifiers {
			if x.Name == q {
				return true
			}
		}
	}
	return false
}
