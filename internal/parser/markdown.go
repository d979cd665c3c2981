package parser

import (
	"io"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/dgallion1/livedoc/internal/richtext"
)

// MarkdownParser handles Markdown files using goldmark. Headings, fenced
// code, and list items keep their block type; emphasis, code spans, and
// links become formatted runs.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	parsed := &Parsed{
		Title: strings.TrimSuffix(strings.TrimSuffix(filename, ".md"), ".markdown"),
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		parsed.Blocks = append(parsed.Blocks, markdownBlocks(n, src)...)
	}
	return parsed, nil
}

func markdownBlocks(n ast.Node, src []byte) []*Block {
	switch node := n.(type) {
	case *ast.Heading:
		b := &Block{
			Type:  richtext.TypeHeading,
			Attrs: map[string]string{"level": strconv.Itoa(node.Level)},
		}
		b.Runs = inlineRuns(node, src, nil)
		return []*Block{b}

	case *ast.FencedCodeBlock:
		b := &Block{Type: richtext.TypeCode}
		if lang := node.Language(src); len(lang) > 0 {
			b.Attrs = map[string]string{"language": string(lang)}
		}
		b.Text(blockLines(node, src))
		return []*Block{b}

	case *ast.CodeBlock:
		b := &Block{Type: richtext.TypeCode}
		b.Text(blockLines(node, src))
		return []*Block{b}

	case *ast.List:
		var out []*Block
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			b := &Block{Type: richtext.TypeListItem}
			if node.IsOrdered() {
				b.Attrs = map[string]string{"ordered": "true"}
			}
			// A list item wraps its content in a text block or paragraph.
			for c := item.FirstChild(); c != nil; c = c.NextSibling() {
				b.Runs = append(b.Runs, inlineRuns(c, src, nil)...)
			}
			out = append(out, b)
		}
		return out

	case *ast.Paragraph, *ast.TextBlock, *ast.Blockquote:
		b := &Block{Type: richtext.TypeParagraph}
		b.Runs = inlineRuns(n, src, nil)
		if len(b.Runs) == 0 {
			return nil
		}
		return []*Block{b}
	}
	return nil
}

// blockLines joins the raw source lines of a literal block.
func blockLines(n ast.Node, src []byte) string {
	var buf strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		buf.Write(line.Value(src))
	}
	return strings.TrimRight(buf.String(), "\n")
}

// inlineRuns walks inline children collecting runs, layering formatting
// attributes as emphasis and links nest.
func inlineRuns(n ast.Node, src []byte, attrs map[string]string) []richtext.Run {
	var runs []richtext.Run
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			text := string(node.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				text += " "
			}
			if text != "" {
				runs = append(runs, richtext.Run{Text: text, Attrs: attrs})
			}
		case *ast.Emphasis:
			key := "italic"
			if node.Level >= 2 {
				key = "bold"
			}
			runs = append(runs, inlineRuns(node, src, withAttr(attrs, key, "true"))...)
		case *ast.CodeSpan:
			runs = append(runs, inlineRuns(node, src, withAttr(attrs, "code", "true"))...)
		case *ast.Link:
			runs = append(runs, inlineRuns(node, src, withAttr(attrs, "link", string(node.Destination)))...)
		default:
			runs = append(runs, inlineRuns(c, src, attrs)...)
		}
	}
	return runs
}

func withAttr(attrs map[string]string, key, val string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = val
	return out
}
