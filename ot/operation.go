package ot

import (
	"fmt"
	"strings"
)

// componentKind classifies a component. A zero-valued component is kindNone
// and contributes nothing to an operation.
type componentKind int

const (
	kindNone componentKind = iota
	kindRetain
	kindInsert
	kindDelete
)

// Component is a single step in an edit: keep a span of the document, add
// text at the cursor, or remove a span. Exactly one field should be set;
// these are the units that travel on the wire and into the persisted log.
type Component struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

func (c Component) kind() componentKind {
	switch {
	case c.Insert != "":
		return kindInsert
	case c.Delete > 0:
		return kindDelete
	case c.Retain > 0:
		return kindRetain
	}
	return kindNone
}

func (c Component) IsRetain() bool { return c.kind() == kindRetain }
func (c Component) IsInsert() bool { return c.kind() == kindInsert }
func (c Component) IsDelete() bool { return c.kind() == kindDelete }

// Operation is an ordered list of components spanning a whole document:
// applied left to right, retains and deletes walk the input from start to
// end while inserts add text in place.
type Operation struct {
	Ops []Component `json:"ops"`
}

// BaseLen is the document length the operation was built against. Retains
// and deletes consume input; inserts do not.
func (op Operation) BaseLen() int {
	n := 0
	for _, c := range op.Ops {
		switch c.kind() {
		case kindRetain:
			n += c.Retain
		case kindDelete:
			n += c.Delete
		}
	}
	return n
}

// TargetLen is the document length after applying the operation.
func (op Operation) TargetLen() int {
	n := 0
	for _, c := range op.Ops {
		switch c.kind() {
		case kindRetain:
			n += c.Retain
		case kindInsert:
			n += len(c.Insert)
		}
	}
	return n
}

// IsNoop reports whether the operation leaves any document unchanged.
func (op Operation) IsNoop() bool {
	for _, c := range op.Ops {
		if k := c.kind(); k == kindInsert || k == kindDelete {
			return false
		}
	}
	return true
}

// String renders the operation compactly for log lines: r4+"ab"-3 retains
// four, inserts "ab", deletes three.
func (op Operation) String() string {
	var b strings.Builder
	for _, c := range op.Ops {
		switch c.kind() {
		case kindRetain:
			fmt.Fprintf(&b, "r%d", c.Retain)
		case kindInsert:
			fmt.Fprintf(&b, "+%q", c.Insert)
		case kindDelete:
			fmt.Fprintf(&b, "-%d", c.Delete)
		}
	}
	if b.Len() == 0 {
		return "noop"
	}
	return b.String()
}

// Apply runs the operation over a document string and returns the result.
// The operation must span the document exactly.
func Apply(doc string, op Operation) (string, error) {
	if op.BaseLen() != len(doc) {
		return "", fmt.Errorf("document length %d != operation base length %d", len(doc), op.BaseLen())
	}
	var out strings.Builder
	out.Grow(op.TargetLen())
	rest := doc
	for _, c := range op.Ops {
		switch c.kind() {
		case kindRetain:
			out.WriteString(rest[:c.Retain])
			rest = rest[c.Retain:]
		case kindInsert:
			out.WriteString(c.Insert)
		case kindDelete:
			rest = rest[c.Delete:]
		}
	}
	return out.String(), nil
}

// opWriter accumulates components, merging adjacent ones of the same kind
// so built operations stay in canonical form.
type opWriter struct {
	ops []Component
}

func (w *opWriter) retain(n int) {
	if n <= 0 {
		return
	}
	if i := len(w.ops) - 1; i >= 0 && w.ops[i].IsRetain() {
		w.ops[i].Retain += n
		return
	}
	w.ops = append(w.ops, Component{Retain: n})
}

func (w *opWriter) insert(text string) {
	if text == "" {
		return
	}
	if i := len(w.ops) - 1; i >= 0 && w.ops[i].IsInsert() {
		w.ops[i].Insert += text
		return
	}
	w.ops = append(w.ops, Component{Insert: text})
}

func (w *opWriter) delete(n int) {
	if n <= 0 {
		return
	}
	if i := len(w.ops) - 1; i >= 0 && w.ops[i].IsDelete() {
		w.ops[i].Delete += n
		return
	}
	w.ops = append(w.ops, Component{Delete: n})
}

func (w *opWriter) op() Operation {
	return Operation{Ops: w.ops}
}

// NewInsert builds the operation that inserts text at pos in a document of
// docLen bytes.
func NewInsert(pos int, text string, docLen int) Operation {
	var w opWriter
	w.retain(pos)
	w.insert(text)
	w.retain(docLen - pos)
	return w.op()
}

// NewDelete builds the operation that deletes count bytes at pos in a
// document of docLen bytes.
func NewDelete(pos, count, docLen int) Operation {
	var w opWriter
	w.retain(pos)
	w.delete(count)
	w.retain(docLen - pos - count)
	return w.op()
}
