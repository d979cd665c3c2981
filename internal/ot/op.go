package ot

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an operation type on the wire.
type Kind string

const (
	KindInsertText  Kind = "insert_text"
	KindDeleteText  Kind = "delete_text"
	KindFormat      Kind = "format"
	KindInsertNode  Kind = "insert_node"
	KindDeleteNode  Kind = "delete_node"
	KindSplitNode   Kind = "split_node"
	KindMergeNode   Kind = "merge_node"
	KindSetNodeAttr Kind = "set_node_attr"
)

// Op is a single atomic edit. Text positions are byte offsets within a node's
// inline content; nodes are addressed by permanent id, never by index, so
// structural edits do not shift sibling addresses.
type Op interface {
	OpKind() Kind
	// Noop reports whether applying the op cannot change any state. Transforms
	// may collapse ops to noops rather than dropping them.
	Noop() bool
	Validate() error
}

// ValidationError reports a malformed operation. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid operation: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InsertText inserts text at a byte offset within a node.
type InsertText struct {
	Node string `json:"node"`
	Pos  int    `json:"pos"`
	Text string `json:"text"`
}

func (op *InsertText) OpKind() Kind { return KindInsertText }
func (op *InsertText) Noop() bool   { return op.Text == "" }
func (op *InsertText) Validate() error {
	if op.Node == "" {
		return invalidf("insert_text: missing node id")
	}
	if op.Pos < 0 {
		return invalidf("insert_text: negative position %d", op.Pos)
	}
	return nil
}

// DeleteText removes the byte range [Pos, Pos+Len) within a node.
type DeleteText struct {
	Node string `json:"node"`
	Pos  int    `json:"pos"`
	Len  int    `json:"len"`
}

func (op *DeleteText) OpKind() Kind { return KindDeleteText }
func (op *DeleteText) Noop() bool   { return op.Len == 0 }
func (op *DeleteText) Validate() error {
	if op.Node == "" {
		return invalidf("delete_text: missing node id")
	}
	if op.Pos < 0 || op.Len < 0 {
		return invalidf("delete_text: negative range (%d,%d)", op.Pos, op.Len)
	}
	return nil
}

// Format applies style attributes to the byte range [Pos, Pos+Len) within a
// node. An empty attribute value clears that attribute. Overlapping formats
// resolve last-writer-wins per attribute, in commit order.
type Format struct {
	Node  string            `json:"node"`
	Pos   int               `json:"pos"`
	Len   int               `json:"len"`
	Attrs map[string]string `json:"attrs"`
}

func (op *Format) OpKind() Kind { return KindFormat }
func (op *Format) Noop() bool   { return op.Len == 0 || len(op.Attrs) == 0 }
func (op *Format) Validate() error {
	if op.Node == "" {
		return invalidf("format: missing node id")
	}
	if op.Pos < 0 || op.Len < 0 {
		return invalidf("format: negative range (%d,%d)", op.Pos, op.Len)
	}
	if len(op.Attrs) == 0 {
		return invalidf("format: no attributes")
	}
	return nil
}

// InsertNode creates a new block node. The node is placed directly after the
// After sibling, or first among its parent's children when After is empty.
// An empty Parent means "same parent as After", or the document root when
// both are empty; an empty Type inherits the type of the After sibling
// (defaulting to paragraph).
type InsertNode struct {
	Node   string            `json:"node"`
	Parent string            `json:"parent,omitempty"`
	After  string            `json:"after,omitempty"`
	Type   string            `json:"type,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

func (op *InsertNode) OpKind() Kind { return KindInsertNode }
func (op *InsertNode) Noop() bool   { return false }
func (op *InsertNode) Validate() error {
	if op.Node == "" {
		return invalidf("insert_node: missing node id")
	}
	return nil
}

// DeleteNode tombstones a node. The node stays in its parent's child list,
// marked dead, so concurrent operations that still address it resolve cleanly.
type DeleteNode struct {
	Node string `json:"node"`
}

func (op *DeleteNode) OpKind() Kind { return KindDeleteNode }
func (op *DeleteNode) Noop() bool   { return false }
func (op *DeleteNode) Validate() error {
	if op.Node == "" {
		return invalidf("delete_node: missing node id")
	}
	return nil
}

// SplitNode splits a node's inline content at a byte offset. The node keeps
// [0, Pos); a new node with id NewNode takes the rest and is placed directly
// after it.
type SplitNode struct {
	Node    string `json:"node"`
	Pos     int    `json:"pos"`
	NewNode string `json:"new_node"`
}

func (op *SplitNode) OpKind() Kind { return KindSplitNode }
func (op *SplitNode) Noop() bool   { return false }
func (op *SplitNode) Validate() error {
	if op.Node == "" || op.NewNode == "" {
		return invalidf("split_node: missing node id")
	}
	if op.Node == op.NewNode {
		return invalidf("split_node: node and new_node are the same")
	}
	if op.Pos < 0 {
		return invalidf("split_node: negative position %d", op.Pos)
	}
	return nil
}

// MergeNode appends Node's inline content to Into and tombstones Node.
// Offset is the length of Into at apply time; the engine records it on the
// committed form so later concurrent ops on Node can be retargeted.
type MergeNode struct {
	Node   string `json:"node"`
	Into   string `json:"into"`
	Offset int    `json:"offset,omitempty"`
}

func (op *MergeNode) OpKind() Kind { return KindMergeNode }
func (op *MergeNode) Noop() bool   { return false }
func (op *MergeNode) Validate() error {
	if op.Node == "" || op.Into == "" {
		return invalidf("merge_node: missing node id")
	}
	if op.Node == op.Into {
		return invalidf("merge_node: node and into are the same")
	}
	return nil
}

// SetNodeAttr updates block-level attributes (heading level, list kind,
// code language). An empty value clears the attribute. Concurrent updates
// resolve last-writer-wins per attribute, in commit order.
type SetNodeAttr struct {
	Node  string            `json:"node"`
	Attrs map[string]string `json:"attrs"`
}

func (op *SetNodeAttr) OpKind() Kind { return KindSetNodeAttr }
func (op *SetNodeAttr) Noop() bool   { return len(op.Attrs) == 0 }
func (op *SetNodeAttr) Validate() error {
	if op.Node == "" {
		return invalidf("set_node_attr: missing node id")
	}
	if len(op.Attrs) == 0 {
		return invalidf("set_node_attr: no attributes")
	}
	return nil
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Op   json.RawMessage `json:"op"`
}

// Encode serializes a single op into its tagged JSON envelope.
func Encode(op Op) ([]byte, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", op.OpKind(), err)
	}
	return json.Marshal(envelope{Kind: op.OpKind(), Op: raw})
}

// Decode parses a tagged JSON envelope into a concrete op.
func Decode(data []byte) (Op, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidf("bad envelope: %v", err)
	}
	var op Op
	switch env.Kind {
	case KindInsertText:
		op = &InsertText{}
	case KindDeleteText:
		op = &DeleteText{}
	case KindFormat:
		op = &Format{}
	case KindInsertNode:
		op = &InsertNode{}
	case KindDeleteNode:
		op = &DeleteNode{}
	case KindSplitNode:
		op = &SplitNode{}
	case KindMergeNode:
		op = &MergeNode{}
	case KindSetNodeAttr:
		op = &SetNodeAttr{}
	default:
		return nil, invalidf("unknown op kind: %q", env.Kind)
	}
	if err := json.Unmarshal(env.Op, op); err != nil {
		return nil, invalidf("bad %s body: %v", env.Kind, err)
	}
	return op, nil
}

// OpList is a compound op: the ops a client performed as one atomic edit.
// It marshals as an array of tagged envelopes.
type OpList []Op

func (l OpList) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, len(l))
	for i, op := range l {
		b, err := Encode(op)
		if err != nil {
			return nil, err
		}
		raws[i] = b
	}
	return json.Marshal(raws)
}

func (l *OpList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(OpList, len(raws))
	for i, raw := range raws {
		op, err := Decode(raw)
		if err != nil {
			return err
		}
		out[i] = op
	}
	*l = out
	return nil
}

// Validate checks every op in the list.
func (l OpList) Validate() error {
	if len(l) == 0 {
		return invalidf("empty op list")
	}
	for _, op := range l {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}
