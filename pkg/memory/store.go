package memory

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "coachgate:"

// Embedding is a stored content vector.
type Embedding struct {
	ContentType string    `json:"content_type"`
	ContentID   string    `json:"content_id"`
	Model       string    `json:"model"`
	Vector      []float32 `json:"-"`
}

// Match is one similarity search hit.
type Match struct {
	ContentID string  `json:"content_id"`
	Score     float64 `json:"score"`
}

// Node is the aggregated state of one graph node.
type Node struct {
	Key      string `json:"key"`
	Category string `json:"category"`
	Score    int    `json:"score"`
	Status   string `json:"status"`
	Updates  int    `json:"updates"`
}

// Store keeps memories, conversation messages, graph node updates and
// embeddings in Redis. Every write is keyed deterministically by its
// inputs so replaying a write is harmless.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewStore wraps rdb. An empty prefix uses "coachgate:".
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) memoryKey(id string) string      { return s.prefix + "memory:" + id }
func (s *Store) userMemoriesKey(u string) string { return s.prefix + "memories:" + u }
func (s *Store) pendingKey(u string) string      { return s.prefix + "memories:" + u + ":pending" }
func (s *Store) nodesKey(u string) string        { return s.prefix + "nodes:" + u }
func (s *Store) conversationKey(u, c string) string {
	return s.prefix + "conversation:" + u + ":" + c
}
func (s *Store) embeddingKey(ct, id string) string { return s.prefix + "embedding:" + ct + ":" + id }
func (s *Store) embeddingIndex(ct string) string   { return s.prefix + "embeddings:" + ct }

// SaveMemories writes memories and indexes them per user as pending
// consolidation. It returns the stored IDs.
func (s *Store) SaveMemories(ctx context.Context, memories []Memory) ([]string, error) {
	ids := make([]string, 0, len(memories))
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range memories {
			if m.ID == "" || m.UserID == "" {
				return fmt.Errorf("memory missing id or user")
			}
			raw, err := json.Marshal(m)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.memoryKey(m.ID), raw, 0)
			pipe.SAdd(ctx, s.userMemoriesKey(m.UserID), m.ID)
			pipe.SAdd(ctx, s.pendingKey(m.UserID), m.ID)
			ids = append(ids, m.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save memories: %w", err)
	}
	return ids, nil
}

// Memories loads all of a user's memories, oldest first.
func (s *Store) Memories(ctx context.Context, userID string) ([]Memory, error) {
	return s.load(ctx, s.userMemoriesKey(userID))
}

// Pending loads memories not yet consolidated.
func (s *Store) Pending(ctx context.Context, userID string) ([]Memory, error) {
	return s.load(ctx, s.pendingKey(userID))
}

// MarkProcessed removes ids from the pending set.
func (s *Store) MarkProcessed(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return s.rdb.SRem(ctx, s.pendingKey(userID), members...).Err()
}

func (s *Store) load(ctx context.Context, setKey string) ([]Memory, error) {
	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.memoryKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Memory, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m Memory
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode memory %s: %w", ids[i], err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ApplyNodeUpdates records a conversation's node updates. Updates are
// stored per conversation, so applying the same conversation twice
// replaces rather than double counts.
func (s *Store) ApplyNodeUpdates(ctx context.Context, userID, conversationID string, updates []NodeUpdate) ([]string, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	fields := make([]any, 0, len(updates)*2)
	ids := make([]string, 0, len(updates))
	for i, u := range updates {
		raw, err := json.Marshal(u)
		if err != nil {
			return nil, err
		}
		fields = append(fields, fmt.Sprintf("%s|%s|%d", u.Key, conversationID, i), raw)
		ids = append(ids, "node_"+userID+"_"+u.Key)
	}
	if err := s.rdb.HSet(ctx, s.nodesKey(userID), fields...).Err(); err != nil {
		return nil, fmt.Errorf("apply node updates: %w", err)
	}
	return ids, nil
}

// Nodes aggregates a user's node updates. Status is taken from the last
// update in field order.
func (s *Store) Nodes(ctx context.Context, userID string) ([]Node, error) {
	all, err := s.rdb.HGetAll(ctx, s.nodesKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	byKey := map[string]*Node{}
	var order []string
	for _, f := range fields {
		var u NodeUpdate
		if err := json.Unmarshal([]byte(all[f]), &u); err != nil {
			return nil, fmt.Errorf("decode node update %s: %w", f, err)
		}
		n, ok := byKey[u.Key]
		if !ok {
			n = &Node{Key: u.Key, Category: u.Category}
			byKey[u.Key] = n
			order = append(order, u.Key)
		}
		n.Score += u.ScoreDelta
		n.Updates++
		if u.Status != "" {
			n.Status = u.Status
		}
	}
	out := make([]Node, 0, len(order))
	for _, k := range order {
		out = append(out, *byKey[k])
	}
	return out, nil
}

// SaveMessages stores one conversation exchange.
func (s *Store) SaveMessages(ctx context.Context, userID, conversationID, userMessage, assistantResponse string) error {
	return s.rdb.HSet(ctx, s.conversationKey(userID, conversationID),
		"user_id", userID,
		"conversation_id", conversationID,
		"user", userMessage,
		"assistant", assistantResponse,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
}

// Exchange is the latest stored message pair of one conversation.
type Exchange struct {
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
}

// Exchanges returns up to limit stored conversations, ordered by user and
// conversation id. A limit <= 0 returns all of them.
func (s *Store) Exchanges(ctx context.Context, limit int) ([]Exchange, error) {
	keys, err := s.scan(ctx, s.prefix+"conversation:*")
	if err != nil {
		return nil, err
	}
	var out []Exchange
	for _, k := range keys {
		h, err := s.rdb.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, err
		}
		if h["assistant"] == "" {
			continue
		}
		out = append(out, Exchange{
			UserID:            h["user_id"],
			ConversationID:    h["conversation_id"],
			UserMessage:       h["user"],
			AssistantResponse: h["assistant"],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingUsers lists users with memories awaiting consolidation, sorted.
func (s *Store) PendingUsers(ctx context.Context) ([]string, error) {
	keys, err := s.scan(ctx, s.prefix+"memories:*:pending")
	if err != nil {
		return nil, err
	}
	var users []string
	for _, k := range keys {
		n, err := s.rdb.SCard(ctx, k).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		u := strings.TrimSuffix(strings.TrimPrefix(k, s.prefix+"memories:"), ":pending")
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Store) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// SaveEmbedding stores a vector and indexes it under its content type.
func (s *Store) SaveEmbedding(ctx context.Context, e Embedding) error {
	if e.ContentType == "" || e.ContentID == "" {
		return fmt.Errorf("embedding missing content type or id")
	}
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding %s:%s is empty", e.ContentType, e.ContentID)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.embeddingKey(e.ContentType, e.ContentID),
			"model", e.Model,
			"dims", len(e.Vector),
			"vector", encodeVector(e.Vector),
		)
		pipe.SAdd(ctx, s.embeddingIndex(e.ContentType), e.ContentID)
		return nil
	})
	return err
}

// LoadEmbedding reads a stored vector. It returns redis.Nil when absent.
func (s *Store) LoadEmbedding(ctx context.Context, contentType, contentID string) (*Embedding, error) {
	vals, err := s.rdb.HGetAll(ctx, s.embeddingKey(contentType, contentID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, redis.Nil
	}
	vec, err := decodeVector([]byte(vals["vector"]))
	if err != nil {
		return nil, err
	}
	return &Embedding{ContentType: contentType, ContentID: contentID, Model: vals["model"], Vector: vec}, nil
}

// Search returns the k stored vectors of contentType most similar to
// query by cosine similarity. It scans the whole index.
func (s *Store) Search(ctx context.Context, contentType string, query []float32, k int) ([]Match, error) {
	ids, err := s.rdb.SMembers(ctx, s.embeddingIndex(contentType)).Result()
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, id := range ids {
		e, err := s.LoadEmbedding(ctx, contentType, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(e.Vector) != len(query) {
			continue
		}
		out = append(out, Match{ContentID: id, Score: cosine(query, e.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return strings.Compare(out[i].ContentID, out[j].ContentID) < 0
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
