package ot

import "fmt"

// Engine abstracts the OT collaboration algorithm.
// Different algorithms (Jupiter, Wave, etc.) implement this interface.
type Engine interface {
	// TransformIncoming rebases a client operation authored against baseSeq
	// across every committed entry in history (the entries with sequence
	// numbers above baseSeq, in order). The result applies cleanly at the
	// current server state while preserving the author's intent.
	TransformIncoming(op Operation, authorID string, baseSeq int, history []AcceptedOp) (Operation, error)
}

// JupiterEngine implements the Jupiter OT algorithm: the incoming operation
// is transformed pairwise against each committed operation the author has
// not seen. Insert-vs-insert ties at the same position are broken by
// participant ID — the lexicographically lower ID wins position priority —
// so concurrent same-base inserts converge to the same document no matter
// which one reached the server first.
type JupiterEngine struct{}

func (e *JupiterEngine) TransformIncoming(op Operation, authorID string, baseSeq int, history []AcceptedOp) (Operation, error) {
	transformed := op
	for _, committed := range history {
		if committed.Seq <= baseSeq {
			continue
		}
		var err error
		if authorID < committed.AuthorID {
			transformed, _, err = Transform(transformed, committed.Op)
		} else {
			_, transformed, err = Transform(committed.Op, transformed)
		}
		if err != nil {
			return Operation{}, fmt.Errorf("transform against seq %d: %w", committed.Seq, err)
		}
	}
	return transformed, nil
}
