package appstate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MaxBufferedPerKey bounds how many patches the in-memory and Redis
// dead-letter queues will hold per key id before they start dropping the
// oldest; SQLiteDLQ does not apply it. A misbehaving sender re-publishing the same missing key must
// not be able to exhaust memory.
const MaxBufferedPerKey = 256

// BufferedPatch is a patch parked until its app_state_key arrives
// (SPEC_FULL.md §4.5 "Missing key → buffer the patch"). CorrelationID ties
// together the Buffer call and whichever later Drain call releases it,
// for tracing a patch's wait across process restarts or Redis handoff.
type BufferedPatch struct {
	CorrelationID string
	Collection    string
	Patch         Patch
}

// NewBufferedPatch stamps a fresh correlation id onto a parked patch.
func NewBufferedPatch(collection string, patch Patch) BufferedPatch {
	return BufferedPatch{
		CorrelationID: uuid.NewString(),
		Collection:    collection,
		Patch:         patch,
	}
}

// sortByVersion orders buffered patches ascending by patch version so a
// Drain always replays a collection's history in the order ApplyPatch
// expects, regardless of the order patches arrived in and were buffered.
func sortByVersion(patches []BufferedPatch) []BufferedPatch {
	sort.SliceStable(patches, func(i, j int) bool {
		return patches[i].Patch.Version < patches[j].Patch.Version
	})
	return patches
}

// DeadLetterQueue buffers patches that name an app_state_key the caller
// does not yet hold, and drains them in version order once the key
// arrives (SPEC_FULL.md §4.5.1).
type DeadLetterQueue interface {
	Buffer(ctx context.Context, keyID []byte, patch BufferedPatch) error
	Drain(ctx context.Context, keyID []byte) ([]BufferedPatch, error)
}

// MemoryDLQ is the default in-process implementation, bounded per key id.
type MemoryDLQ struct {
	mu      sync.Mutex
	pending map[string][]BufferedPatch
}

// NewMemoryDLQ constructs an empty in-memory dead-letter queue.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{pending: make(map[string][]BufferedPatch)}
}

func (q *MemoryDLQ) Buffer(_ context.Context, keyID []byte, patch BufferedPatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := string(keyID)
	list := q.pending[k]
	if len(list) >= MaxBufferedPerKey {
		list = list[1:]
	}
	q.pending[k] = append(list, patch)
	return nil
}

func (q *MemoryDLQ) Drain(_ context.Context, keyID []byte) ([]BufferedPatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := string(keyID)
	list := q.pending[k]
	delete(q.pending, k)
	return sortByVersion(list), nil
}

// RedisDLQ is a list-backed dead-letter queue for multi-process
// deployments: buffered patches live under `appstate:dlq:{keyID}` and
// arrival of a key is announced on `appstate:key-arrived:{keyID}` so other
// processes holding buffered patches for it can drain without polling,
// grounded on the teacher's internal/inbox.RedisInbox idiom.
type RedisDLQ struct {
	client *redis.Client
}

// NewRedisDLQ wraps an existing Redis client.
func NewRedisDLQ(client *redis.Client) *RedisDLQ {
	return &RedisDLQ{client: client}
}

func redisDLQKey(keyID []byte) string {
	return fmt.Sprintf("appstate:dlq:%s", hex.EncodeToString(keyID))
}

// KeyArrivedChannel returns the pub/sub channel name other processes
// should publish to when they learn the named app_state_key.
func KeyArrivedChannel(keyID []byte) string {
	return fmt.Sprintf("appstate:key-arrived:%s", hex.EncodeToString(keyID))
}

func (q *RedisDLQ) Buffer(ctx context.Context, keyID []byte, patch BufferedPatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("appstate: redis dlq buffer: %w", err)
	}
	key := redisDLQKey(keyID)
	pipe := q.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -MaxBufferedPerKey, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisDLQ) Drain(ctx context.Context, keyID []byte) ([]BufferedPatch, error) {
	key := redisDLQKey(keyID)
	results, err := q.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("appstate: redis dlq drain: %w", err)
	}
	if err := q.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("appstate: redis dlq drain: %w", err)
	}

	patches := make([]BufferedPatch, 0, len(results))
	for _, raw := range results {
		var p BufferedPatch
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		patches = append(patches, p)
	}
	return sortByVersion(patches), nil
}

// PublishKeyArrived announces a newly-learned app_state_key to every
// process that may be holding buffered patches for it.
func (q *RedisDLQ) PublishKeyArrived(ctx context.Context, keyID []byte) error {
	return q.client.Publish(ctx, KeyArrivedChannel(keyID), "1").Err()
}

// SQLiteDLQ is a table-backed dead-letter queue for single-process
// durability across restarts, sharing the go-sqlite3 driver used by
// internal/keys/store_sql.go's SQLiteStore.
type SQLiteDLQ struct {
	db *sql.DB
}

// NewSQLiteDLQ opens (creating if needed) the dead_letter_patches table on
// the given database handle.
func NewSQLiteDLQ(db *sql.DB) (*SQLiteDLQ, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS dead_letter_patches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_id TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_key_id ON dead_letter_patches(key_id);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("appstate: sqlite dlq schema: %w", err)
	}
	return &SQLiteDLQ{db: db}, nil
}

func (q *SQLiteDLQ) Buffer(ctx context.Context, keyID []byte, patch BufferedPatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("appstate: sqlite dlq buffer: %w", err)
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO dead_letter_patches (key_id, payload) VALUES (?, ?)`,
		hex.EncodeToString(keyID), data)
	if err != nil {
		return fmt.Errorf("appstate: sqlite dlq buffer: %w", err)
	}
	return nil
}

func (q *SQLiteDLQ) Drain(ctx context.Context, keyID []byte) ([]BufferedPatch, error) {
	k := hex.EncodeToString(keyID)
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload FROM dead_letter_patches WHERE key_id = ? ORDER BY id ASC`, k)
	if err != nil {
		return nil, fmt.Errorf("appstate: sqlite dlq drain: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var patches []BufferedPatch
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("appstate: sqlite dlq drain: %w", err)
		}
		var p BufferedPatch
		if err := json.Unmarshal(payload, &p); err != nil {
			continue
		}
		ids = append(ids, id)
		patches = append(patches, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("appstate: sqlite dlq drain: %w", err)
	}

	for _, id := range ids {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter_patches WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("appstate: sqlite dlq drain cleanup: %w", err)
		}
	}
	return sortByVersion(patches), nil
}
