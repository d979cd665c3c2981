package ot

import "time"

// Operation is a client-authored edit intent: a compound op plus the version
// of the document the client observed when authoring it. ID is assigned by
// the client and makes network retries idempotent. Immutable once created.
type Operation struct {
	ID     string `json:"id"`
	Client string `json:"client"`
	Base   uint64 `json:"base"`
	Ops    OpList `json:"ops"`
}

// Validate rejects malformed operations before they reach the transform
// layer. Position bounds are checked by the state engine at apply time.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return invalidf("missing operation id")
	}
	if o.Client == "" {
		return invalidf("missing client id")
	}
	return o.Ops.Validate()
}

// Committed is an Operation after the coordinator transformed it, assigned it
// a per-document sequence number, and appended it to the log. Seq is strictly
// increasing with no gaps; the total order of committed operations is the
// single source of truth for document state.
type Committed struct {
	Operation
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
}
