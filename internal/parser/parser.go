package parser

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dgallion1/livedoc/internal/ot"
	"github.com/dgallion1/livedoc/internal/richtext"
)

// Parsed is the import form of a document: a title plus an ordered list of
// typed blocks ready to be turned into insert operations.
type Parsed struct {
	Title  string
	Blocks []*Block
}

// Block is one structural element of a parsed document. Children carries
// nested structure (table rows and cells); leaf content lives in Runs.
type Block struct {
	Type     string
	Attrs    map[string]string
	Runs     []richtext.Run
	Children []*Block
}

// Text appends a plain run to the block.
func (b *Block) Text(s string) {
	if s != "" {
		b.Runs = append(b.Runs, richtext.Run{Text: s})
	}
}

// Styled appends a run carrying formatting attributes.
func (b *Block) Styled(s string, attrs map[string]string) {
	if s != "" {
		b.Runs = append(b.Runs, richtext.Run{Text: s, Attrs: attrs})
	}
}

// Ops converts the parsed document into the operation list that builds it,
// with fresh node ids. Suitable for a single submission against an empty
// document or for appending at the end of an existing one.
func (p *Parsed) Ops() ot.OpList {
	var ops ot.OpList
	after := ""
	for _, b := range p.Blocks {
		after = appendBlockOps(&ops, b, richtext.RootID, after)
	}
	return ops
}

func appendBlockOps(ops *ot.OpList, b *Block, parent, after string) string {
	id := uuid.NewString()
	*ops = append(*ops, &ot.InsertNode{Node: id, Parent: parent, After: after, Type: b.Type, Attrs: b.Attrs})
	pos := 0
	for _, run := range b.Runs {
		if run.Text == "" {
			continue
		}
		*ops = append(*ops, &ot.InsertText{Node: id, Pos: pos, Text: run.Text})
		if len(run.Attrs) > 0 {
			*ops = append(*ops, &ot.Format{Node: id, Pos: pos, Len: len(run.Text), Attrs: run.Attrs})
		}
		pos += len(run.Text)
	}
	childAfter := ""
	for _, c := range b.Children {
		childAfter = appendBlockOps(ops, c, id, childAfter)
	}
	return id
}

// Parser converts raw document bytes into parsed blocks.
type Parser interface {
	Parse(r io.Reader, filename string) (*Parsed, error)
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".html": true,
	".htm":  true,
	".pdf":  true,
	".docx": true,
}

// ForFile returns the appropriate parser for a filename.
func ForFile(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return &TextParser{}, nil
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".csv":
		return &CSVParser{}, nil
	case ".html", ".htm":
		return &HTMLParser{}, nil
	case ".pdf":
		return &PDFParser{}, nil
	case ".docx":
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// IsSupportedExtension checks if a file extension is supported.
func IsSupportedExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return SupportedExtensions[ext]
}
