package repocontext

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	rePython = regexp.MustCompile(`^(def|class)\s+([A-Za-z_][A-Za-z0-9_]*)\b`)
	reJSDecl = regexp.MustCompile(`^(export\s+)?(async\s+)?(function|class)\s+([A-Za-z_$][A-Za-z0-9_$]*)\b`)
	reJSVar  = regexp.MustCompile(`^(export\s+)?(const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=\s*`)
)

type symbol struct {
	File string
	Line int
	Name string
	Kind string
}

// BuildSymbolMap extracts top-level declarations from Go, Python, and
// JS/TS files and renders them grouped by file. Go uses the real parser;
// the scripting languages are scanned with line regexes (first 300 lines
// per file).
func BuildSymbolMap(workspacePath string, files []string, maxSymbols int) string {
	if maxSymbols <= 0 {
		maxSymbols = MaxSymbols
	}
	var syms []symbol

	for _, rel := range files {
		if len(syms) >= maxSymbols {
			break
		}
		abs := filepath.Join(workspacePath, filepath.FromSlash(rel))
		switch strings.ToLower(filepath.Ext(rel)) {
		case ".go":
			syms = appendGoSymbols(syms, rel, abs, maxSymbols)
		case ".py", ".js", ".ts", ".tsx", ".jsx":
			syms = appendScriptSymbols(syms, rel, abs, maxSymbols)
		}
	}

	sort.Slice(syms, func(i, j int) bool {
		if syms[i].File == syms[j].File {
			return syms[i].Line < syms[j].Line
		}
		return syms[i].File < syms[j].File
	})

	var out strings.Builder
	lastFile := ""
	for _, s := range syms {
		if s.File != lastFile {
			if lastFile != "" {
				out.WriteString("\n")
			}
			fmt.Fprintf(&out, "%s:\n", s.File)
			lastFile = s.File
		}
		fmt.Fprintf(&out, "  - %s %s (line %d)\n", s.Kind, s.Name, s.Line)
	}
	return strings.TrimSpace(out.String())
}

func appendGoSymbols(syms []symbol, rel, abs string, max int) []symbol {
	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, abs, nil, parser.ParseComments)
	if err != nil {
		return syms
	}
	for _, d := range parsed.Decls {
		if len(syms) >= max {
			break
		}
		switch dd := d.(type) {
		case *ast.FuncDecl:
			pos := fset.Position(dd.Pos())
			syms = append(syms, symbol{File: rel, Line: pos.Line, Name: dd.Name.Name, Kind: "func"})
		case *ast.GenDecl:
			for _, spec := range dd.Specs {
				switch ss := spec.(type) {
				case *ast.TypeSpec:
					pos := fset.Position(ss.Pos())
					syms = append(syms, symbol{File: rel, Line: pos.Line, Name: ss.Name.Name, Kind: "type"})
				case *ast.ValueSpec:
					pos := fset.Position(ss.Pos())
					for _, n := range ss.Names {
						syms = append(syms, symbol{File: rel, Line: pos.Line, Name: n.Name, Kind: "var"})
					}
				}
			}
		}
	}
	return syms
}

func appendScriptSymbols(syms []symbol, rel, abs string, max int) []symbol {
	b, err := os.ReadFile(abs)
	if err != nil {
		return syms
	}
	lines := bytes.Split(b, []byte("\n"))
	if len(lines) > 300 {
		lines = lines[:300]
	}
	isPython := strings.ToLower(filepath.Ext(rel)) == ".py"
	for i, raw := range lines {
		if len(syms) >= max {
			break
		}
		line := strings.TrimSpace(string(raw))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if isPython {
			if m := rePython.FindStringSubmatch(line); len(m) == 3 {
				syms = append(syms, symbol{File: rel, Line: i + 1, Name: m[2], Kind: m[1]})
			}
			continue
		}
		if m := reJSDecl.FindStringSubmatch(line); len(m) == 5 {
			syms = append(syms, symbol{File: rel, Line: i + 1, Name: m[4], Kind: m[3]})
			continue
		}
		if m := reJSVar.FindStringSubmatch(line); len(m) == 4 {
			syms = append(syms, symbol{File: rel, Line: i + 1, Name: m[3], Kind: m[2]})
		}
	}
	return syms
}
