package ot

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDocument_Apply(t *testing.T) {
	doc := NewDocument("hello", 0)
	if doc.Content != "hello" || doc.Version != 0 {
		t.Fatalf("initial state: content=%q version=%d", doc.Content, doc.Version)
	}

	entry, err := doc.Apply(NewInsert(5, " world", 5), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "hello world" {
		t.Errorf("after insert: %q", doc.Content)
	}
	if entry.Seq != 1 || doc.Version != 1 {
		t.Errorf("seq = %d, version = %d, want 1, 1", entry.Seq, doc.Version)
	}
	if entry.AuthorID != "alice" {
		t.Errorf("author = %q, want alice", entry.AuthorID)
	}

	entry, err = doc.Apply(NewDelete(6, 5, 11), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "hello " {
		t.Errorf("after delete: %q", doc.Content)
	}
	if entry.Seq != 2 {
		t.Errorf("seq = %d, want 2", entry.Seq)
	}
	if doc.LogLen() != 2 {
		t.Errorf("log length = %d, want 2", doc.LogLen())
	}
}

func TestDocument_ApplyError(t *testing.T) {
	doc := NewDocument("hi", 0)
	_, err := doc.Apply(NewInsert(0, "x", 10), "a") // wrong base length
	if err == nil {
		t.Error("expected error for length mismatch")
	}
	// Document should be unchanged
	if doc.Content != "hi" || doc.Version != 0 || doc.LogLen() != 0 {
		t.Errorf("document modified after error: %q v%d", doc.Content, doc.Version)
	}
}

func TestDocument_SequenceMonotonic(t *testing.T) {
	doc := NewDocument("", 0)
	text := ""
	for i := 0; i < 10; i++ {
		entry, err := doc.Apply(NewInsert(len(text), "x", len(text)), "a")
		if err != nil {
			t.Fatal(err)
		}
		if entry.Seq != i+1 {
			t.Fatalf("seq = %d, want %d", entry.Seq, i+1)
		}
		text += "x"
	}
	for i, e := range doc.History {
		if e.Seq != i+1 {
			t.Errorf("history[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestDocument_OpsSince(t *testing.T) {
	doc := NewDocument("abc", 0)
	doc.Apply(NewInsert(3, "d", 3), "a") // seq 1
	doc.Apply(NewInsert(4, "e", 4), "a") // seq 2
	doc.Apply(NewInsert(5, "f", 5), "a") // seq 3

	tail, err := doc.OpsSince(1)
	if err != nil {
		t.Fatal(err)
	}
	want := []AcceptedOp{
		{Seq: 2, AuthorID: "a", Op: NewInsert(4, "e", 4)},
		{Seq: 3, AuthorID: "a", Op: NewInsert(5, "f", 5)},
	}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}

	tail, err = doc.OpsSince(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 0 {
		t.Errorf("tail at head should be empty, got %d entries", len(tail))
	}

	if _, err := doc.OpsSince(4); err == nil {
		t.Error("expected error for sequence beyond version")
	}
}

func TestDocument_ReplayDeterminism(t *testing.T) {
	doc := NewDocument("", 0)
	doc.Apply(NewInsert(0, "hello", 0), "a")
	doc.Apply(NewInsert(5, " world", 5), "b")
	doc.Apply(NewDelete(0, 6, 11), "a")
	doc.Apply(NewInsert(5, "!", 5), "b")

	// Replaying the full log from the base snapshot must reproduce the
	// current content exactly.
	replayed := ""
	for _, entry := range doc.History {
		var err error
		replayed, err = Apply(replayed, entry.Op)
		if err != nil {
			t.Fatalf("replay seq %d: %v", entry.Seq, err)
		}
	}
	if replayed != doc.Content {
		t.Errorf("replay produced %q, document has %q", replayed, doc.Content)
	}
}

func TestDocument_Compact(t *testing.T) {
	doc := NewDocument("abc", 0)
	doc.Apply(NewInsert(3, "d", 3), "a")
	doc.Apply(NewInsert(4, "e", 4), "a")
	doc.Compact()

	if doc.BaseVersion != 2 || doc.Version != 2 {
		t.Errorf("base=%d version=%d, want 2, 2", doc.BaseVersion, doc.Version)
	}
	if doc.LogLen() != 0 {
		t.Errorf("log length = %d, want 0", doc.LogLen())
	}

	// Tails at or above the floor still work; below the floor is gone.
	if _, err := doc.OpsSince(2); err != nil {
		t.Errorf("OpsSince at floor: %v", err)
	}
	if _, err := doc.OpsSince(1); !errors.Is(err, ErrCompacted) {
		t.Errorf("OpsSince below floor: got %v, want ErrCompacted", err)
	}

	// Editing continues past the compaction point.
	entry, err := doc.Apply(NewInsert(5, "f", 5), "b")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Seq != 3 || doc.Content != "abcdef" {
		t.Errorf("post-compact apply: seq=%d content=%q", entry.Seq, doc.Content)
	}
}

func TestDocument_LengthAt(t *testing.T) {
	doc := NewDocument("abc", 0)
	doc.Apply(NewInsert(3, "de", 3), "a") // v1, len 5
	doc.Apply(NewDelete(0, 1, 5), "a")    // v2, len 4

	tests := []struct {
		seq  int
		want int
	}{
		{0, 3},
		{1, 5},
		{2, 4},
	}
	for _, tt := range tests {
		got, err := doc.LengthAt(tt.seq)
		if err != nil {
			t.Fatalf("LengthAt(%d): %v", tt.seq, err)
		}
		if got != tt.want {
			t.Errorf("LengthAt(%d) = %d, want %d", tt.seq, got, tt.want)
		}
	}

	if _, err := doc.LengthAt(3); err == nil {
		t.Error("expected error for sequence beyond version")
	}

	doc.Compact()
	if _, err := doc.LengthAt(1); !errors.Is(err, ErrCompacted) {
		t.Errorf("LengthAt below floor: got %v, want ErrCompacted", err)
	}
}
