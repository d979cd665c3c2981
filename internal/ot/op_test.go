package ot

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ops := []Op{
		&InsertText{Node: "p", Pos: 3, Text: "hi"},
		&Format{Node: "p", Pos: 0, Len: 2, Attrs: map[string]string{"bold": "true"}},
		&SplitNode{Node: "p", Pos: 1, NewNode: "q"},
		&MergeNode{Node: "q", Into: "p", Offset: 4},
	}
	for _, op := range ops {
		data, err := Encode(op)
		if err != nil {
			t.Fatalf("encode %s: %v", op.OpKind(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", op.OpKind(), err)
		}
		if got.OpKind() != op.OpKind() {
			t.Errorf("kind changed: %s -> %s", op.OpKind(), got.OpKind())
		}
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"rotate_text","op":{}}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestOpList_JSONRoundTrip(t *testing.T) {
	list := OpList{
		&InsertNode{Node: "n", Parent: "root", Type: "paragraph"},
		&InsertText{Node: "n", Pos: 0, Text: "hello"},
	}
	data, err := json.Marshal(list)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got OpList
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(got))
	}
	ins, ok := got[1].(*InsertText)
	if !ok || ins.Text != "hello" {
		t.Errorf("second op mangled: %#v", got[1])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		ok   bool
	}{
		{"valid insert", &InsertText{Node: "p", Pos: 0, Text: "x"}, true},
		{"insert missing node", &InsertText{Pos: 0, Text: "x"}, false},
		{"negative delete", &DeleteText{Node: "p", Pos: -1, Len: 2}, false},
		{"format without attrs", &Format{Node: "p", Pos: 0, Len: 3}, false},
		{"insert_node top-level", &InsertNode{Node: "n"}, true},
		{"insert_node missing id", &InsertNode{Parent: "root"}, false},
		{"split onto itself", &SplitNode{Node: "p", Pos: 1, NewNode: "p"}, false},
		{"merge onto itself", &MergeNode{Node: "p", Into: "p"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestOperationValidate(t *testing.T) {
	op := &Operation{
		ID:     "op-1",
		Client: "c1",
		Base:   0,
		Ops:    OpList{&InsertText{Node: "p", Pos: 0, Text: "x"}},
	}
	if err := op.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	empty := &Operation{ID: "op-2", Client: "c1"}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty op list")
	}
}
