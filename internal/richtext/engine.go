package richtext

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/dgallion1/livedoc/internal/ot"
)

// RootID is the arena id of the implicit root node holding top-level blocks.
const RootID = "root"

// ErrStaleBase is returned when an operation's base version does not match
// the engine's current version. Direct application would be unsafe; the
// caller must rebase through the transform layer first.
var ErrStaleBase = errors.New("stale base version")

// Engine is the materialized state of one document: an arena of nodes keyed
// by permanent id, plus the logical version (the count of committed
// operations applied so far). An Engine is exclusively owned by its session
// coordinator and is not safe for concurrent use.
type Engine struct {
	nodes   map[string]*Node
	version uint64
}

// New returns an empty document at version 0.
func New() *Engine {
	return &Engine{
		nodes: map[string]*Node{
			RootID: {ID: RootID, Type: "root"},
		},
	}
}

// Version is the count of committed operations applied so far.
func (e *Engine) Version() uint64 { return e.version }

// live returns the node if it exists and is not tombstoned.
func (e *Engine) live(id string) *Node {
	n := e.nodes[id]
	if n == nil || n.Dead {
		return nil
	}
	return n
}

// Apply applies one committed operation's op list and advances the version
// by one. base must equal the current version: stale operations fail with
// ErrStaleBase and must go through the transform layer. The returned list is
// the applied form of the ops (merges come back with their recorded offset);
// ops addressing tombstoned or reclaimed nodes are preserved as no-ops.
//
// Apply is atomic: a failing op leaves the document untouched. Compound
// lists are staged on a copy and swapped in only when every op succeeds; a
// single op validates its bounds before mutating anything.
func (e *Engine) Apply(ops []ot.Op, base uint64) ([]ot.Op, error) {
	if base != e.version {
		return nil, fmt.Errorf("%w: base %d, document at %d", ErrStaleBase, base, e.version)
	}
	target := e
	if len(ops) > 1 {
		target = e.Clone()
	}
	applied := make([]ot.Op, 0, len(ops))
	for _, op := range ops {
		a, err := target.applyOne(op)
		if err != nil {
			return nil, err
		}
		applied = append(applied, a)
	}
	e.nodes = target.nodes
	e.version++
	return applied, nil
}

func (e *Engine) applyOne(op ot.Op) (ot.Op, error) {
	if op.Noop() {
		return op, nil
	}
	switch t := op.(type) {
	case *ot.InsertText:
		n := e.live(t.Node)
		if n == nil {
			return op, nil
		}
		if t.Pos > runsLen(n.Runs) {
			return nil, &ot.ValidationError{Reason: fmt.Sprintf("insert_text: position %d beyond node %s length %d", t.Pos, t.Node, runsLen(n.Runs))}
		}
		n.Runs = insertRuns(n.Runs, t.Pos, t.Text)

	case *ot.DeleteText:
		n := e.live(t.Node)
		if n == nil {
			return op, nil
		}
		if t.Pos+t.Len > runsLen(n.Runs) {
			return nil, &ot.ValidationError{Reason: fmt.Sprintf("delete_text: range (%d,%d) beyond node %s length %d", t.Pos, t.Len, t.Node, runsLen(n.Runs))}
		}
		n.Runs = deleteRuns(n.Runs, t.Pos, t.Len)

	case *ot.Format:
		n := e.live(t.Node)
		if n == nil {
			return op, nil
		}
		if t.Pos+t.Len > runsLen(n.Runs) {
			return nil, &ot.ValidationError{Reason: fmt.Sprintf("format: range (%d,%d) beyond node %s length %d", t.Pos, t.Len, t.Node, runsLen(n.Runs))}
		}
		n.Runs = formatRuns(n.Runs, t.Pos, t.Len, t.Attrs)

	case *ot.InsertNode:
		return e.applyInsertNode(t)

	case *ot.DeleteNode:
		n := e.live(t.Node)
		if n == nil || t.Node == RootID {
			return op, nil
		}
		n.Dead = true
		n.DiedAt = e.version + 1

	case *ot.SplitNode:
		return e.applySplitNode(t)

	case *ot.MergeNode:
		return e.applyMergeNode(t)

	case *ot.SetNodeAttr:
		n := e.live(t.Node)
		if n == nil {
			return op, nil
		}
		if n.Attrs == nil {
			n.Attrs = make(map[string]string)
		}
		for k, v := range t.Attrs {
			if v == "" {
				delete(n.Attrs, k)
			} else {
				n.Attrs[k] = v
			}
		}
		if len(n.Attrs) == 0 {
			n.Attrs = nil
		}

	default:
		return nil, &ot.ValidationError{Reason: fmt.Sprintf("unsupported op kind %q", op.OpKind())}
	}
	return op, nil
}

func (e *Engine) applyInsertNode(t *ot.InsertNode) (ot.Op, error) {
	if e.nodes[t.Node] != nil {
		// Already created; duplicate delivery is a no-op.
		return t, nil
	}
	parentID := t.Parent
	after := e.nodes[t.After]
	if parentID == "" {
		switch {
		case after != nil:
			parentID = after.Parent
		case t.After != "":
			// The anchor was reclaimed and no parent was named; nothing
			// sensible to attach to.
			return t, nil
		default:
			// No parent and no anchor: a top-level block.
			parentID = RootID
		}
	}
	parent := e.nodes[parentID]
	if parent == nil {
		return t, nil
	}
	typ := t.Type
	if typ == "" {
		if after != nil {
			typ = after.Type
		} else {
			typ = TypeParagraph
		}
	}
	n := &Node{
		ID:     t.Node,
		Type:   typ,
		Parent: parentID,
		Attrs:  maps.Clone(t.Attrs),
	}
	e.nodes[n.ID] = n
	e.insertChild(parent, n.ID, t.After)
	return t, nil
}

// insertChild places id directly after the sibling afterID, or first when
// afterID is empty or unknown (reclaimed anchors fall back to the end).
func (e *Engine) insertChild(parent *Node, id, afterID string) {
	if afterID == "" {
		parent.Children = append([]string{id}, parent.Children...)
		return
	}
	if i := slices.Index(parent.Children, afterID); i >= 0 {
		parent.Children = slices.Insert(parent.Children, i+1, id)
		return
	}
	parent.Children = append(parent.Children, id)
}

func (e *Engine) applySplitNode(t *ot.SplitNode) (ot.Op, error) {
	n := e.live(t.Node)
	if n == nil || e.nodes[t.NewNode] != nil {
		return t, nil
	}
	if t.Pos > runsLen(n.Runs) {
		return nil, &ot.ValidationError{Reason: fmt.Sprintf("split_node: position %d beyond node %s length %d", t.Pos, t.Node, runsLen(n.Runs))}
	}
	head, tail := splitRuns(n.Runs, t.Pos)
	n.Runs = head
	fresh := &Node{
		ID:     t.NewNode,
		Type:   n.Type,
		Parent: n.Parent,
		Attrs:  maps.Clone(n.Attrs),
		Runs:   tail,
	}
	e.nodes[fresh.ID] = fresh
	if parent := e.nodes[n.Parent]; parent != nil {
		e.insertChild(parent, fresh.ID, n.ID)
	}
	return t, nil
}

func (e *Engine) applyMergeNode(t *ot.MergeNode) (ot.Op, error) {
	n := e.live(t.Node)
	into := e.live(t.Into)
	if n == nil || into == nil {
		return t, nil
	}
	applied := *t
	applied.Offset = runsLen(into.Runs)
	into.Runs = coalesce(append(into.Runs, cloneRuns(n.Runs)...))
	n.Dead = true
	n.DiedAt = e.version + 1
	return &applied, nil
}

// Compact reclaims tombstones that no in-flight operation can still address:
// a client whose base version is at least minBase has already observed the
// deletion. Reclaimed ids are removed from the arena and their parents'
// child lists.
func (e *Engine) Compact(minBase uint64) int {
	reclaimed := 0
	for id, n := range e.nodes {
		if !n.Dead || n.DiedAt > minBase {
			continue
		}
		if parent := e.nodes[n.Parent]; parent != nil {
			if i := slices.Index(parent.Children, id); i >= 0 {
				parent.Children = slices.Delete(parent.Children, i, i+1)
			}
		}
		delete(e.nodes, id)
		reclaimed++
	}
	return reclaimed
}

// Clone deep-copies the engine, used to compute snapshots off the
// coordinator's critical section.
func (e *Engine) Clone() *Engine {
	c := &Engine{nodes: make(map[string]*Node, len(e.nodes)), version: e.version}
	for id, n := range e.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

type engineState struct {
	Version uint64  `json:"version"`
	Nodes   []*Node `json:"nodes"`
}

// MarshalJSON serializes the full arena for snapshot persistence. Nodes are
// ordered by id so equal states encode identically.
func (e *Engine) MarshalJSON() ([]byte, error) {
	st := engineState{Version: e.version, Nodes: make([]*Node, 0, len(e.nodes))}
	for _, n := range e.nodes {
		st.Nodes = append(st.Nodes, n)
	}
	slices.SortFunc(st.Nodes, func(a, b *Node) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return json.Marshal(st)
}

func (e *Engine) UnmarshalJSON(data []byte) error {
	var st engineState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	e.version = st.Version
	e.nodes = make(map[string]*Node, len(st.Nodes))
	for _, n := range st.Nodes {
		e.nodes[n.ID] = n
	}
	if e.nodes[RootID] == nil {
		e.nodes[RootID] = &Node{ID: RootID, Type: "root"}
	}
	return nil
}
