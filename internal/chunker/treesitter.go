package chunker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// declNodeTypes maps a language to the node types treated as chunk
// boundaries. Only top-level (or class-level) declarations produce named
// chunks; everything between them becomes anonymous gap chunks.
var declNodeTypes = map[string]map[string]bool{
	"go": {
		"function_declaration": true,
		"method_declaration":   true,
		"type_declaration":     true,
	},
	"python": {
		"function_definition":  true,
		"class_definition":     true,
		"decorated_definition": true,
	},
	"javascript": {
		"function_declaration": true,
		"class_declaration":    true,
		"method_definition":    true,
	},
}

// languageForPath maps a file extension to a tree-sitter language key.
func languageForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	default:
		return ""
	}
}

// TreeSitterChunker chunks recognized languages along declarations and
// falls back to line windows elsewhere. Parsers are pooled because a
// tree-sitter parser is not safe for concurrent use.
type TreeSitterChunker struct {
	pools map[string]*sync.Pool
	once  sync.Once
}

// NewTreeSitterChunker creates the default chunker.
func NewTreeSitterChunker() *TreeSitterChunker {
	return &TreeSitterChunker{}
}

func (c *TreeSitterChunker) initPools() {
	c.once.Do(func() {
		c.pools = map[string]*sync.Pool{
			"go": {New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(golang.GetLanguage())
				return p
			}},
			"python": {New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(python.GetLanguage())
				return p
			}},
			"javascript": {New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(javascript.GetLanguage())
				return p
			}},
		}
	})
}

// ChunkFile implements Chunker.
func (c *TreeSitterChunker) ChunkFile(path string, content []byte) ([]Chunk, error) {
	lines := splitLines(string(content))
	if len(lines) == 0 {
		return nil, nil
	}

	lang := languageForPath(path)
	if lang == "" {
		return windowChunk(lines, 1, len(lines)), nil
	}

	c.initPools()
	pool := c.pools[lang]
	parser, ok := pool.Get().(*sitter.Parser)
	if !ok {
		return nil, fmt.Errorf("invalid parser for language %s", lang)
	}
	defer pool.Put(parser)

	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		// Unparseable content still gets indexed, just without symbols.
		return windowChunk(lines, 1, len(lines)), nil
	}
	defer tree.Close()

	decls := collectDeclarations(tree.RootNode(), content, declNodeTypes[lang])
	if len(decls) == 0 {
		return windowChunk(lines, 1, len(lines)), nil
	}

	return assemble(lines, decls), nil
}

// declaration is a named top-level region found by the parser.
type declaration struct {
	symbol    string
	startLine int // 1-based
	endLine   int
}

// collectDeclarations walks the immediate children of the root (and class
// bodies one level down for languages with methods) gathering declaration
// ranges in source order.
func collectDeclarations(root *sitter.Node, content []byte, declTypes map[string]bool) []declaration {
	var decls []declaration
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node == nil {
			continue
		}
		if declTypes[node.Type()] {
			decls = append(decls, declaration{
				symbol:    declarationName(node, content),
				startLine: int(node.StartPoint().Row) + 1,
				endLine:   int(node.EndPoint().Row) + 1,
			})
		}
	}
	return decls
}

// declarationName extracts a best-effort symbol name for a declaration node.
func declarationName(node *sitter.Node, content []byte) string {
	if name := node.ChildByFieldName("name"); name != nil {
		return string(content[name.StartByte():name.EndByte()])
	}
	// decorated_definition wraps the real definition.
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child == nil {
			continue
		}
		if name := child.ChildByFieldName("name"); name != nil {
			return string(content[name.StartByte():name.EndByte()])
		}
	}
	return ""
}

// assemble builds the final chunk list: one chunk per declaration, window
// chunks filling the gaps, preserving full coverage without overlap.
func assemble(lines []string, decls []declaration) []Chunk {
	var chunks []Chunk
	cursor := 1

	for _, d := range decls {
		// A declaration starting before the cursor overlaps the previous
		// one (e.g. grouped type decls); fold it into the running range.
		if d.startLine < cursor {
			continue
		}
		if d.startLine > cursor {
			chunks = append(chunks, windowChunk(lines, cursor, d.startLine-1)...)
		}
		end := d.endLine
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, Chunk{
			Symbol:    d.symbol,
			StartLine: d.startLine,
			EndLine:   end,
			Content:   joinLines(lines, d.startLine, end),
		})
		cursor = end + 1
	}

	if cursor <= len(lines) {
		chunks = append(chunks, windowChunk(lines, cursor, len(lines))...)
	}
	return chunks
}
