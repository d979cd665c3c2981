package parser

import (
	"strings"
	"testing"

	"github.com/dgallion1/livedoc/internal/richtext"
)

func blockText(b *Block) string {
	var buf strings.Builder
	for _, r := range b.Runs {
		buf.WriteString(r.Text)
	}
	return buf.String()
}

func TestMarkdownParser_BlockTypes(t *testing.T) {
	input := `# Title

Intro text.

## Section A

Section A content.

- first item
- second item
`
	p := &MarkdownParser{}
	parsed, err := p.Parse(strings.NewReader(input), "doc.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if parsed.Title != "doc" {
		t.Errorf("expected title %q, got %q", "doc", parsed.Title)
	}

	wantTypes := []string{
		richtext.TypeHeading,
		richtext.TypeParagraph,
		richtext.TypeHeading,
		richtext.TypeParagraph,
		richtext.TypeListItem,
		richtext.TypeListItem,
	}
	if len(parsed.Blocks) != len(wantTypes) {
		t.Fatalf("expected %d blocks, got %d", len(wantTypes), len(parsed.Blocks))
	}
	for i, want := range wantTypes {
		if parsed.Blocks[i].Type != want {
			t.Errorf("block %d: expected type %q, got %q", i, want, parsed.Blocks[i].Type)
		}
	}

	if got := parsed.Blocks[0].Attrs["level"]; got != "1" {
		t.Errorf("expected h1 level %q, got %q", "1", got)
	}
	if got := parsed.Blocks[2].Attrs["level"]; got != "2" {
		t.Errorf("expected h2 level %q, got %q", "2", got)
	}
	if got := blockText(parsed.Blocks[4]); got != "first item" {
		t.Errorf("expected list item %q, got %q", "first item", got)
	}
}

func TestMarkdownParser_InlineFormatting(t *testing.T) {
	input := "Plain **bold** and *italic* and `code` and [link](https://example.com)."

	p := &MarkdownParser{}
	parsed, err := p.Parse(strings.NewReader(input), "fmt.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(parsed.Blocks))
	}

	runs := parsed.Blocks[0].Runs
	find := func(text string) *richtext.Run {
		for i := range runs {
			if runs[i].Text == text {
				return &runs[i]
			}
		}
		t.Fatalf("no run with text %q in %+v", text, runs)
		return nil
	}

	if r := find("bold"); r.Attrs["bold"] != "true" {
		t.Errorf("expected bold attr on %q, got %v", r.Text, r.Attrs)
	}
	if r := find("italic"); r.Attrs["italic"] != "true" {
		t.Errorf("expected italic attr on %q, got %v", r.Text, r.Attrs)
	}
	if r := find("code"); r.Attrs["code"] != "true" {
		t.Errorf("expected code attr on %q, got %v", r.Text, r.Attrs)
	}
	if r := find("link"); r.Attrs["link"] != "https://example.com" {
		t.Errorf("expected link attr on %q, got %v", r.Text, r.Attrs)
	}
}

func TestMarkdownParser_FencedCode(t *testing.T) {
	input := "# API Reference\n\n```go\nfunc main() {}\n```\n"

	p := &MarkdownParser{}
	parsed, err := p.Parse(strings.NewReader(input), "api.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(parsed.Blocks))
	}

	code := parsed.Blocks[1]
	if code.Type != richtext.TypeCode {
		t.Fatalf("expected code block, got %q", code.Type)
	}
	if code.Attrs["language"] != "go" {
		t.Errorf("expected language %q, got %q", "go", code.Attrs["language"])
	}
	if got := blockText(code); got != "func main() {}" {
		t.Errorf("expected code text %q, got %q", "func main() {}", got)
	}
}

func TestMarkdownParser_EmptyInput(t *testing.T) {
	p := &MarkdownParser{}
	parsed, err := p.Parse(strings.NewReader(""), "empty.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Blocks) != 0 {
		t.Errorf("expected 0 blocks for empty input, got %d", len(parsed.Blocks))
	}
}

func TestMarkdownParser_TitleStripping(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"readme.md", "readme"},
		{"notes.markdown", "notes"},
		{"plain.md", "plain"},
	}
	p := &MarkdownParser{}
	for _, tt := range tests {
		parsed, err := p.Parse(strings.NewReader("text"), tt.filename)
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", tt.filename, err)
		}
		if parsed.Title != tt.want {
			t.Errorf("filename=%q: expected title %q, got %q", tt.filename, tt.want, parsed.Title)
		}
	}
}

func TestParsedOps_BuildDocument(t *testing.T) {
	input := "# Hello\n\nWorld **bold**.\n"

	p := &MarkdownParser{}
	parsed, err := p.Parse(strings.NewReader(input), "doc.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	engine := richtext.New()
	if _, err := engine.Apply(parsed.Ops(), 0); err != nil {
		t.Fatalf("apply import ops: %v", err)
	}

	doc := engine.Materialize()
	if len(doc.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(doc.Blocks))
	}
	if doc.Blocks[0].Type != richtext.TypeHeading {
		t.Errorf("expected heading first, got %q", doc.Blocks[0].Type)
	}
	text := engine.PlainText()
	if !strings.Contains(text, "Hello") || !strings.Contains(text, "World") {
		t.Errorf("unexpected plain text %q", text)
	}
}
