package ot

// Transform derives the bottom two sides of the OT diamond: ap is a rewritten
// to apply after b, bp is b rewritten to apply after a, such that applying
// (b, ap) and (a, bp) from the same state converge. Ties (equal insert
// positions, equal split points, same anchor) resolve in favor of a, so a
// coordinator rebasing a pending op calls Transform(pending, committed) and
// the pending edit lands where the client aimed it.
//
// Results are slices because a range op that straddles a concurrent split
// ends up as two ops, and a few combinations collapse to nothing.
func Transform(a, b Op) (ap, bp []Op) {
	// Pairs with a tie to break are handled jointly; everything else is
	// symmetric and each side rebases independently.
	switch at := a.(type) {
	case *InsertText:
		if bt, ok := b.(*InsertText); ok && at.Node == bt.Node {
			return transformInsertInsert(at, bt)
		}
	case *SplitNode:
		if bt, ok := b.(*SplitNode); ok && at.Node == bt.Node && at.Pos == bt.Pos {
			return transformEqualSplits(at, bt)
		}
	case *InsertNode:
		if bt, ok := b.(*InsertNode); ok && at.Parent == bt.Parent && at.After == bt.After {
			// Same anchor: a keeps it, b re-anchors after a, so commit
			// order becomes document order.
			bc := *bt
			bc.After = at.Node
			bc.Parent = ""
			return []Op{at}, []Op{&bc}
		}
	}
	return rebase(a, b), rebase(b, a)
}

func transformInsertInsert(a, b *InsertText) (ap, bp []Op) {
	if b.Pos < a.Pos {
		ac := *a
		ac.Pos += len(b.Text)
		return []Op{&ac}, []Op{b}
	}
	// a.Pos <= b.Pos: a stays put, b shifts past it.
	bc := *b
	bc.Pos += len(a.Text)
	return []Op{a}, []Op{&bc}
}

// transformEqualSplits handles two concurrent splits of the same node at the
// same offset. a's split survives as the content carrier. b runs unchanged:
// after a, the node ends exactly at the split point, so b's own split yields
// the same empty sibling, attrs cloned from the source node on both sides.
func transformEqualSplits(a, b *SplitNode) (ap, bp []Op) {
	ap = []Op{&SplitNode{Node: b.NewNode, Pos: 0, NewNode: a.NewNode}}
	bp = []Op{b}
	return ap, bp
}

// rebase rewrites x to apply after a concurrent y. Symmetric cases only;
// ties are resolved in Transform before this is reached.
func rebase(x, y Op) []Op {
	switch xt := x.(type) {
	case *InsertText:
		switch yt := y.(type) {
		case *InsertText:
			if yt.Node == xt.Node && yt.Pos < xt.Pos {
				c := *xt
				c.Pos += len(yt.Text)
				return []Op{&c}
			}
		case *DeleteText:
			if yt.Node == xt.Node {
				return []Op{insertOverDelete(xt, yt)}
			}
		case *SplitNode:
			if yt.Node == xt.Node && xt.Pos >= yt.Pos {
				c := *xt
				c.Node = yt.NewNode
				c.Pos -= yt.Pos
				return []Op{&c}
			}
		case *MergeNode:
			if yt.Node == xt.Node {
				c := *xt
				c.Node = yt.Into
				c.Pos += yt.Offset
				return []Op{&c}
			}
		}

	case *DeleteText:
		switch yt := y.(type) {
		case *InsertText:
			if yt.Node == xt.Node {
				return []Op{deleteOverInsert(xt, yt)}
			}
		case *DeleteText:
			if yt.Node == xt.Node {
				return []Op{deleteOverDelete(xt, yt)}
			}
		case *SplitNode:
			if yt.Node == xt.Node {
				return splitRange(xt.Node, xt.Pos, xt.Len, yt, func(node string, pos, n int) Op {
					return &DeleteText{Node: node, Pos: pos, Len: n}
				})
			}
		case *MergeNode:
			if yt.Node == xt.Node {
				c := *xt
				c.Node = yt.Into
				c.Pos += yt.Offset
				return []Op{&c}
			}
		}

	case *Format:
		switch yt := y.(type) {
		case *InsertText:
			if yt.Node == xt.Node {
				return []Op{formatOverInsert(xt, yt)}
			}
		case *DeleteText:
			if yt.Node == xt.Node {
				return []Op{formatOverDelete(xt, yt)}
			}
		case *SplitNode:
			if yt.Node == xt.Node {
				return splitRange(xt.Node, xt.Pos, xt.Len, yt, func(node string, pos, n int) Op {
					return &Format{Node: node, Pos: pos, Len: n, Attrs: xt.Attrs}
				})
			}
		case *MergeNode:
			if yt.Node == xt.Node {
				c := *xt
				c.Node = yt.Into
				c.Pos += yt.Offset
				return []Op{&c}
			}
		}

	case *SplitNode:
		switch yt := y.(type) {
		case *InsertText:
			if yt.Node == xt.Node && yt.Pos < xt.Pos {
				c := *xt
				c.Pos += len(yt.Text)
				return []Op{&c}
			}
		case *DeleteText:
			if yt.Node == xt.Node {
				c := *xt
				c.Pos = shiftOverDelete(xt.Pos, yt.Pos, yt.Len)
				return []Op{&c}
			}
		case *SplitNode:
			if yt.Node == xt.Node {
				// Equal positions were handled jointly; here the splits
				// differ, and the later point now lives in y's new node.
				if xt.Pos > yt.Pos {
					c := *xt
					c.Node = yt.NewNode
					c.Pos -= yt.Pos
					return []Op{&c}
				}
			}
		case *MergeNode:
			if yt.Node == xt.Node {
				c := *xt
				c.Node = yt.Into
				c.Pos += yt.Offset
				return []Op{&c}
			}
		}

	case *DeleteNode:
		switch yt := y.(type) {
		case *SplitNode:
			if yt.Node == xt.Node {
				// The content now spans two nodes; delete both halves.
				return []Op{xt, &DeleteNode{Node: yt.NewNode}}
			}
		case *MergeNode:
			if yt.Node == xt.Node {
				// The node's content was absorbed by the merge target;
				// deleting the (now dead) shell would drop nothing.
				return nil
			}
		}

	case *MergeNode:
		if yt, ok := y.(*SplitNode); ok && yt.Node == xt.Into {
			// The merge target was split; its tail half is now the
			// immediate predecessor, so merge into that instead.
			c := *xt
			c.Into = yt.NewNode
			return []Op{&c}
		}

	case *InsertNode:
		if yt, ok := y.(*SplitNode); ok && yt.Node == xt.After {
			// Anchoring after a node means after all of its content,
			// which now ends in the split's new node.
			c := *xt
			c.After = yt.NewNode
			return []Op{&c}
		}

	case *SetNodeAttr:
		// Attribute updates carry no positions; apply order decides.
	}
	return []Op{x}
}

// insertOverDelete rebases an insert over a concurrent delete on the same
// node (the insert side of the classic diamond).
func insertOverDelete(a *InsertText, b *DeleteText) Op {
	switch {
	case a.Pos <= b.Pos:
		return a
	case a.Pos >= b.Pos+b.Len:
		c := *a
		c.Pos -= b.Len
		return &c
	default:
		// Insert lands inside the deleted range; the delete side expands
		// to swallow it, so the insert collapses.
		return &InsertText{Node: a.Node, Pos: b.Pos, Text: ""}
	}
}

// deleteOverInsert rebases a delete over a concurrent insert on the same node.
func deleteOverInsert(a *DeleteText, b *InsertText) Op {
	switch {
	case b.Pos <= a.Pos:
		c := *a
		c.Pos += len(b.Text)
		return &c
	case b.Pos >= a.Pos+a.Len:
		return a
	default:
		// Insert landed inside the range being deleted; swallow it.
		c := *a
		c.Len += len(b.Text)
		return &c
	}
}

// deleteOverDelete rebases a delete over a concurrent delete on the same
// node. Overlap resolves by removing the shared span exactly once.
func deleteOverDelete(a, b *DeleteText) Op {
	aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
	switch {
	case aEnd <= b.Pos:
		return a
	case bEnd <= a.Pos:
		c := *a
		c.Pos -= b.Len
		return &c
	default:
		pos := min(a.Pos, b.Pos)
		overlap := min(aEnd, bEnd) - max(a.Pos, b.Pos)
		return &DeleteText{Node: a.Node, Pos: pos, Len: a.Len - overlap}
	}
}

func formatOverInsert(f *Format, ins *InsertText) Op {
	c := *f
	switch {
	case ins.Pos <= f.Pos:
		c.Pos += len(ins.Text)
	case ins.Pos < f.Pos+f.Len:
		// Text typed inside a formatted range picks up the formatting.
		c.Len += len(ins.Text)
	}
	return &c
}

func formatOverDelete(f *Format, del *DeleteText) Op {
	start := shiftOverDelete(f.Pos, del.Pos, del.Len)
	end := shiftOverDelete(f.Pos+f.Len, del.Pos, del.Len)
	return &Format{Node: f.Node, Pos: start, Len: end - start, Attrs: f.Attrs}
}

// shiftOverDelete maps a position through a deletion of [dp, dp+dl).
func shiftOverDelete(pos, dp, dl int) int {
	if pos <= dp {
		return pos
	}
	return max(dp, pos-dl)
}

// splitRange maps the range [pos, pos+n) on node through a concurrent split
// of that node, emitting the surviving pieces via mk.
func splitRange(node string, pos, n int, split *SplitNode, mk func(node string, pos, n int) Op) []Op {
	end := pos + n
	switch {
	case end <= split.Pos:
		return []Op{mk(node, pos, n)}
	case pos >= split.Pos:
		return []Op{mk(split.NewNode, pos-split.Pos, n)}
	default:
		return []Op{
			mk(node, pos, split.Pos-pos),
			mk(split.NewNode, 0, end-split.Pos),
		}
	}
}

// TransformOps lifts Transform to compound ops, preserving the convergence
// property for whole op lists.
func TransformOps(a, b []Op) (ap, bp []Op) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		return Transform(a[0], b[0])
	case len(a) > 1:
		a1, b1 := TransformOps(a[:1], b)
		a2, b2 := TransformOps(a[1:], b1)
		return append(a1, a2...), b2
	default:
		a1, b1 := TransformOps(a, b[:1])
		a2, b2 := TransformOps(a1, b[1:])
		return a2, append(b1, b2...)
	}
}

// Rebase rewrites a pending op list against a chain of already-committed
// operations, oldest first. An explicit loop, not recursion: catch-up chains
// can be long.
func Rebase(pending []Op, committed []*Committed) []Op {
	for _, c := range committed {
		pending, _ = TransformOps(pending, c.Ops)
	}
	return pending
}
