package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/neurowrite/collab/ot"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Each document holds its metadata; accepted operations live in an
// "operations" subcollection keyed by zero-padded version so they order
// lexicographically.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) opsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("operations")
}

func zeroPad(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (s *FirestoreStore) Create(ctx context.Context, id, content string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"content":   content,
		"version":   0,
		"opsBase":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snapshotToDocInfo(id, snap)
}

func snapshotToDocInfo(id string, snap *firestore.DocumentSnapshot) (*DocumentInfo, error) {
	data := snap.Data()
	content, _ := data["content"].(string)
	version, _ := data["version"].(int64)
	opsBase, _ := data["opsBase"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &DocumentInfo{
		ID:        id,
		Content:   content,
		Version:   int(version),
		OpsBase:   int(opsBase),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *FirestoreStore) List(ctx context.Context) ([]DocumentInfo, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var result []DocumentInfo
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		info, err := snapshotToDocInfo(snap.Ref.ID, snap)
		if err != nil {
			return nil, err
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *FirestoreStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "version", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) AppendOperation(ctx context.Context, id string, entry ot.AcceptedOp) error {
	components := make([]map[string]interface{}, len(entry.Op.Ops))
	for i, c := range entry.Op.Ops {
		m := make(map[string]interface{})
		if c.Retain > 0 {
			m["retain"] = c.Retain
		}
		if c.Insert != "" {
			m["insert"] = c.Insert
		}
		if c.Delete > 0 {
			m["delete"] = c.Delete
		}
		components[i] = m
	}

	// Keyed by 0-based index: seq 1 → doc 0000000000, so that
	// GetOperations(fromSeq) can StartAt(fromSeq) directly.
	index := entry.Seq - 1
	_, err := s.opsCollection(id).Doc(zeroPad(index)).Set(ctx, map[string]interface{}{
		"ops":      components,
		"version":  entry.Seq,
		"authorId": entry.AuthorID,
	})
	return err
}

func (s *FirestoreStore) GetOperations(ctx context.Context, id string, fromSeq int) ([]ot.AcceptedOp, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fromSeq < info.OpsBase {
		return nil, fmt.Errorf("document %q version %d: %w", id, fromSeq, ErrCompacted)
	}

	iter := s.opsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromSeq)).
		Documents(ctx)
	defer iter.Stop()

	var entries []ot.AcceptedOp
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		entry, err := snapshotToAcceptedOp(snap)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Compact writes the snapshot, advances the floor, and deletes the folded
// operation documents. Op deletion is best-effort after the floor moves:
// GetOperations guards with opsBase, so orphaned op docs below the floor
// are invisible even if a delete fails partway.
func (s *FirestoreStore) Compact(ctx context.Context, id, content string, version int) error {
	_, err := s.docRef(id).Update(ctx, []firestore.Update{
		{Path: "content", Value: content},
		{Path: "version", Value: version},
		{Path: "opsBase", Value: version},
		{Path: "updatedAt", Value: time.Now()},
	})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	iter := s.opsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		EndBefore(zeroPad(version)).
		Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func snapshotToAcceptedOp(snap *firestore.DocumentSnapshot) (ot.AcceptedOp, error) {
	data := snap.Data()
	rawOps, ok := data["ops"].([]interface{})
	if !ok {
		return ot.AcceptedOp{}, fmt.Errorf("invalid ops field in operation %s", snap.Ref.ID)
	}

	components := make([]ot.Component, len(rawOps))
	for i, raw := range rawOps {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return ot.AcceptedOp{}, fmt.Errorf("invalid component %d in operation %s", i, snap.Ref.ID)
		}
		var c ot.Component
		if v, ok := m["retain"].(int64); ok {
			c.Retain = int(v)
		}
		if v, ok := m["insert"].(string); ok {
			c.Insert = v
		}
		if v, ok := m["delete"].(int64); ok {
			c.Delete = int(v)
		}
		components[i] = c
	}

	seq, _ := data["version"].(int64)
	authorID, _ := data["authorId"].(string)
	return ot.AcceptedOp{
		Seq:      int(seq),
		AuthorID: authorID,
		Op:       ot.Operation{Ops: components},
	}, nil
}
