package ot

import "fmt"

// stream walks an operation's components, letting retains and deletes be
// consumed a few units at a time. used counts units already taken from the
// head component.
type stream struct {
	ops  []Component
	used int
}

func (s *stream) empty() bool { return len(s.ops) == 0 }

func (s *stream) kind() componentKind {
	if s.empty() {
		return kindNone
	}
	return s.ops[0].kind()
}

// width is the unconsumed size of the head component.
func (s *stream) width() int {
	if s.empty() {
		return 0
	}
	c := s.ops[0]
	switch c.kind() {
	case kindRetain:
		return c.Retain - s.used
	case kindInsert:
		return len(c.Insert) - s.used
	case kindDelete:
		return c.Delete - s.used
	}
	return 0
}

// popInsert takes the rest of the head insert's text.
func (s *stream) popInsert() string {
	text := s.ops[0].Insert[s.used:]
	s.ops = s.ops[1:]
	s.used = 0
	return text
}

// consume advances n units into the head component, popping it once spent.
func (s *stream) consume(n int) {
	s.used += n
	if s.width() <= 0 {
		s.ops = s.ops[1:]
		s.used = 0
	}
}

// Transform takes two concurrent operations a and b, both built against the
// same document state, and returns aPrime and bPrime such that:
//
//	Apply(Apply(doc, a), bPrime) == Apply(Apply(doc, b), aPrime)
//
// When both operations insert at the same position, a's text lands first.
// Callers that need a different winner (e.g. a deterministic participant-id
// tie-break) pass their preferred operation as a. Ranges deleted by both
// sides collapse to the union, so deleting already-deleted text is
// idempotent rather than an error.
func Transform(a, b Operation) (aPrime, bPrime Operation, err error) {
	if a.BaseLen() != b.BaseLen() {
		return Operation{}, Operation{}, fmt.Errorf(
			"base lengths differ: a=%d, b=%d", a.BaseLen(), b.BaseLen())
	}

	sa := &stream{ops: a.Ops}
	sb := &stream{ops: b.Ops}
	var wa, wb opWriter

	for !sa.empty() || !sb.empty() {
		// Inserts consume no input and can always go first; a's before b's.
		if sa.kind() == kindInsert {
			text := sa.popInsert()
			wa.insert(text)
			wb.retain(len(text))
			continue
		}
		if sb.kind() == kindInsert {
			text := sb.popInsert()
			wb.insert(text)
			wa.retain(len(text))
			continue
		}

		// Both heads consume input now; one side running dry early means
		// the operations disagree about the document span.
		if sa.empty() || sb.empty() {
			return Operation{}, Operation{}, fmt.Errorf("transform ran out of operations")
		}

		n := min(sa.width(), sb.width())
		ka, kb := sa.kind(), sb.kind()
		sa.consume(n)
		sb.consume(n)

		switch {
		case ka == kindRetain && kb == kindRetain:
			wa.retain(n)
			wb.retain(n)
		case ka == kindDelete && kb == kindRetain:
			wa.delete(n)
		case ka == kindRetain && kb == kindDelete:
			wb.delete(n)
			// delete/delete: the span is gone on both paths already, so
			// neither rewritten operation mentions it.
		}
	}

	return wa.op(), wb.op(), nil
}
