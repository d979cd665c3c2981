package richtext

import (
	"fmt"
	"html"
	"strings"
)

// Document is a read-only projection of the live tree, safe to serialize to
// clients. Tombstoned nodes and their subtrees are excluded.
type Document struct {
	Version uint64   `json:"version"`
	Blocks  []*Block `json:"blocks"`
}

// Block is one projected node.
type Block struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Runs     []Run             `json:"runs,omitempty"`
	Children []*Block          `json:"children,omitempty"`
}

// Materialize projects the current state into a Document. O(document size);
// does not mutate the engine.
func (e *Engine) Materialize() *Document {
	return &Document{
		Version: e.version,
		Blocks:  e.project(e.nodes[RootID]),
	}
}

func (e *Engine) project(parent *Node) []*Block {
	var out []*Block
	for _, id := range parent.Children {
		n := e.live(id)
		if n == nil {
			continue
		}
		out = append(out, &Block{
			ID:       n.ID,
			Type:     n.Type,
			Attrs:    n.Attrs,
			Runs:     n.Runs,
			Children: e.project(n),
		})
	}
	return out
}

// PlainText flattens the document for previews and text export. Blocks are
// separated by blank lines; table cells within a row are tab-separated.
func (e *Engine) PlainText() string {
	var parts []string
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.Type == TypeTableRow {
			var cells []string
			for _, id := range n.Children {
				if c := e.live(id); c != nil {
					cells = append(cells, runsText(c.Runs))
				}
			}
			parts = append(parts, strings.Join(cells, "\t"))
			return
		}
		if len(n.Runs) > 0 {
			parts = append(parts, runsText(n.Runs))
		}
		for _, id := range n.Children {
			if c := e.live(id); c != nil {
				walk(c)
			}
		}
	}
	for _, id := range e.nodes[RootID].Children {
		if n := e.live(id); n != nil {
			walk(n)
		}
	}
	return strings.Join(parts, "\n\n")
}

func runsText(runs []Run) string {
	var b strings.Builder
	for _, r := range runs {
		b.WriteString(r.Text)
	}
	return b.String()
}

// HTML renders the document for export and content previews.
func (e *Engine) HTML() string {
	var b strings.Builder
	e.renderChildren(&b, e.nodes[RootID])
	return b.String()
}

func (e *Engine) renderChildren(b *strings.Builder, parent *Node) {
	inList := false
	for _, id := range parent.Children {
		n := e.live(id)
		if n == nil {
			continue
		}
		if n.Type == TypeListItem && !inList {
			b.WriteString("<ul>")
			inList = true
		} else if n.Type != TypeListItem && inList {
			b.WriteString("</ul>")
			inList = false
		}
		e.renderNode(b, n)
	}
	if inList {
		b.WriteString("</ul>")
	}
}

func (e *Engine) renderNode(b *strings.Builder, n *Node) {
	tag := "p"
	switch n.Type {
	case TypeHeading:
		level := n.Attrs["level"]
		if len(level) != 1 || level < "1" || level > "6" {
			level = "1"
		}
		tag = "h" + level
	case TypeListItem:
		tag = "li"
	case TypeCode:
		tag = "pre"
	case TypeTable:
		tag = "table"
	case TypeTableRow:
		tag = "tr"
	case TypeTableCell:
		tag = "td"
	}
	fmt.Fprintf(b, "<%s>", tag)
	if n.Type == TypeCode {
		b.WriteString("<code>")
	}
	for _, r := range n.Runs {
		renderRun(b, r)
	}
	e.renderChildren(b, n)
	if n.Type == TypeCode {
		b.WriteString("</code>")
	}
	fmt.Fprintf(b, "</%s>", tag)
}

func renderRun(b *strings.Builder, r Run) {
	var open, closing string
	if href := r.Attrs["link"]; href != "" {
		open += fmt.Sprintf(`<a href="%s">`, html.EscapeString(href))
		closing = "</a>" + closing
	}
	if r.Attrs["bold"] != "" {
		open += "<strong>"
		closing = "</strong>" + closing
	}
	if r.Attrs["italic"] != "" {
		open += "<em>"
		closing = "</em>" + closing
	}
	if r.Attrs["underline"] != "" {
		open += "<u>"
		closing = "</u>" + closing
	}
	if r.Attrs["code"] != "" {
		open += "<code>"
		closing = "</code>" + closing
	}
	b.WriteString(open)
	b.WriteString(html.EscapeString(r.Text))
	b.WriteString(closing)
}
