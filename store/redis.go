package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neurowrite/collab/ot"
)

// RedisStore is a Redis-backed implementation of DocumentStore. Document
// metadata lives in a hash, the operation log in a list of JSON-encoded
// operations, and an index set tracks document IDs for listing.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "collab:doc:"}
}

func (s *RedisStore) docKey(id string) string { return s.prefix + id }
func (s *RedisStore) opsKey(id string) string { return s.prefix + id + ":ops" }
func (s *RedisStore) indexKey() string        { return s.prefix + "index" }

func (s *RedisStore) Create(ctx context.Context, id, content string) error {
	// The id field doubles as an existence marker.
	created, err := s.rdb.HSetNX(ctx, s.docKey(id), "id", id).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("document %q: %w", id, ErrAlreadyExists)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.docKey(id), map[string]interface{}{
		"content":   content,
		"version":   0,
		"opsBase":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	pipe.SAdd(ctx, s.indexKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return fieldsToDocInfo(id, fields)
}

func fieldsToDocInfo(id string, fields map[string]string) (*DocumentInfo, error) {
	version, _ := strconv.Atoi(fields["version"])
	opsBase, _ := strconv.Atoi(fields["opsBase"])
	createdAt, _ := time.Parse(time.RFC3339Nano, fields["createdAt"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, fields["updatedAt"])
	return &DocumentInfo{
		ID:        id,
		Content:   fields["content"],
		Version:   version,
		OpsBase:   opsBase,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *RedisStore) List(ctx context.Context) ([]DocumentInfo, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	result := make([]DocumentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Get(ctx, id)
		if err != nil {
			// Index entry without a hash — skip rather than fail the listing.
			continue
		}
		result = append(result, *info)
	}
	return result, nil
}

func (s *RedisStore) UpdateContent(ctx context.Context, id, content string, version int) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.docKey(id), map[string]interface{}{
		"content":   content,
		"version":   version,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (s *RedisStore) AppendOperation(ctx context.Context, id string, entry ot.AcceptedOp) error {
	if err := s.exists(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal op v%d for %q: %w", entry.Seq, id, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.opsKey(id), data)
	pipe.HSet(ctx, s.docKey(id), map[string]interface{}{
		"version":   entry.Seq,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetOperations(ctx context.Context, id string, fromSeq int) ([]ot.AcceptedOp, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fromSeq < info.OpsBase {
		return nil, fmt.Errorf("document %q version %d: %w", id, fromSeq, ErrCompacted)
	}

	raw, err := s.rdb.LRange(ctx, s.opsKey(id), int64(fromSeq-info.OpsBase), -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]ot.AcceptedOp, 0, len(raw))
	for i, item := range raw {
		var entry ot.AcceptedOp
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal op %d for %q: %w", fromSeq+i+1, id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) Compact(ctx context.Context, id, content string, version int) error {
	info, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if version < info.OpsBase {
		return fmt.Errorf("compact %q to %d below floor %d", id, version, info.OpsBase)
	}

	pipe := s.rdb.TxPipeline()
	pipe.LTrim(ctx, s.opsKey(id), int64(version-info.OpsBase), -1)
	fields := map[string]interface{}{
		"content":   content,
		"opsBase":   version,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if version > info.Version {
		fields["version"] = version
	}
	pipe.HSet(ctx, s.docKey(id), fields)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) exists(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, s.docKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	return nil
}
