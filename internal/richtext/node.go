package richtext

import "maps"

// Block node types.
const (
	TypeParagraph = "paragraph"
	TypeHeading   = "heading"
	TypeListItem  = "list_item"
	TypeCode      = "code"
	TypeTable     = "table"
	TypeTableRow  = "table_row"
	TypeTableCell = "table_cell"
)

// Run is a span of inline text sharing one set of style attributes
// (bold, italic, link target, ...).
type Run struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Node is one entry in the document arena. Nodes are addressed by permanent
// id and are never removed on delete: Dead marks a tombstone, kept so that
// concurrent operations still addressing the node resolve instead of hitting
// a freed slot. DiedAt is the version at which the tombstone was created.
type Node struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Parent   string            `json:"parent,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Runs     []Run             `json:"runs,omitempty"`
	Children []string          `json:"children,omitempty"`
	Dead     bool              `json:"dead,omitempty"`
	DiedAt   uint64            `json:"died_at,omitempty"`
}

func (n *Node) clone() *Node {
	c := *n
	c.Attrs = maps.Clone(n.Attrs)
	c.Runs = cloneRuns(n.Runs)
	c.Children = append([]string(nil), n.Children...)
	return &c
}

func cloneRuns(runs []Run) []Run {
	out := make([]Run, len(runs))
	for i, r := range runs {
		out[i] = Run{Text: r.Text, Attrs: maps.Clone(r.Attrs)}
	}
	return out
}

// runsLen is the total byte length of a node's inline content.
func runsLen(runs []Run) int {
	n := 0
	for _, r := range runs {
		n += len(r.Text)
	}
	return n
}

func attrsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// coalesce drops empty runs and merges adjacent runs with identical attrs.
func coalesce(runs []Run) []Run {
	out := runs[:0]
	for _, r := range runs {
		if r.Text == "" {
			continue
		}
		if len(out) > 0 && attrsEqual(out[len(out)-1].Attrs, r.Attrs) {
			out[len(out)-1].Text += r.Text
			continue
		}
		out = append(out, r)
	}
	return out
}

// splitRuns cuts a run list at a byte offset.
func splitRuns(runs []Run, pos int) (head, tail []Run) {
	acc := 0
	for i, r := range runs {
		if pos <= acc+len(r.Text) {
			k := pos - acc
			head = append(cloneRuns(runs[:i]), Run{Text: r.Text[:k], Attrs: maps.Clone(r.Attrs)})
			tail = append([]Run{{Text: r.Text[k:], Attrs: maps.Clone(r.Attrs)}}, cloneRuns(runs[i+1:])...)
			return coalesce(head), coalesce(tail)
		}
		acc += len(r.Text)
	}
	return cloneRuns(runs), nil
}

// insertRuns inserts text at a byte offset. The inserted text inherits the
// attrs of the run it lands in (or follows), like typing at a cursor does.
func insertRuns(runs []Run, pos int, text string) []Run {
	if len(runs) == 0 {
		return []Run{{Text: text}}
	}
	acc := 0
	for i := range runs {
		r := &runs[i]
		if pos <= acc+len(r.Text) {
			k := pos - acc
			r.Text = r.Text[:k] + text + r.Text[k:]
			return runs
		}
		acc += len(r.Text)
	}
	// pos == total length; append into the final run.
	runs[len(runs)-1].Text += text
	return runs
}

// deleteRuns removes the byte range [pos, pos+n).
func deleteRuns(runs []Run, pos, n int) []Run {
	end := pos + n
	var out []Run
	acc := 0
	for _, r := range runs {
		rStart, rEnd := acc, acc+len(r.Text)
		acc = rEnd
		keepLo := r.Text
		switch {
		case rEnd <= pos || rStart >= end:
			// Untouched.
		case rStart >= pos && rEnd <= end:
			keepLo = ""
		default:
			lo, hi := max(pos-rStart, 0), min(end-rStart, len(r.Text))
			keepLo = r.Text[:lo] + r.Text[hi:]
		}
		if keepLo != "" {
			out = append(out, Run{Text: keepLo, Attrs: r.Attrs})
		}
	}
	return coalesce(out)
}

// formatRuns merges style attrs over the byte range [pos, pos+n), splitting
// runs at the boundaries. An empty attr value clears that attr.
func formatRuns(runs []Run, pos, n int, attrs map[string]string) []Run {
	end := pos + n
	var out []Run
	acc := 0
	for _, r := range runs {
		rStart, rEnd := acc, acc+len(r.Text)
		acc = rEnd
		if rEnd <= pos || rStart >= end {
			out = append(out, r)
			continue
		}
		lo, hi := max(pos-rStart, 0), min(end-rStart, len(r.Text))
		if lo > 0 {
			out = append(out, Run{Text: r.Text[:lo], Attrs: maps.Clone(r.Attrs)})
		}
		styled := maps.Clone(r.Attrs)
		if styled == nil {
			styled = make(map[string]string)
		}
		for k, v := range attrs {
			if v == "" {
				delete(styled, k)
			} else {
				styled[k] = v
			}
		}
		if len(styled) == 0 {
			styled = nil
		}
		out = append(out, Run{Text: r.Text[lo:hi], Attrs: styled})
		if hi < len(r.Text) {
			out = append(out, Run{Text: r.Text[hi:], Attrs: maps.Clone(r.Attrs)})
		}
	}
	return coalesce(out)
}
