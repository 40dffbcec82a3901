// Package history keeps a Redis-backed ring of recently routed commands
// for the /api/history endpoint.
//
// Graceful fallback: if Redis is not configured or unavailable,
// recording silently becomes a no-op instead of blocking the relay.
package history

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key for the command history list. Entries are pushed newest-first.
const keyCommands = "hist:commands"

// defaultMaxEntries bounds the list length via LTRIM.
const defaultMaxEntries = 500

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Entry is one routed command.
type Entry struct {
	Application string    `json:"application"`
	Action      string    `json:"action"`
	Status      string    `json:"status"`
	LatencyMs   int64     `json:"latencyMs"`
	Timestamp   time.Time `json:"timestamp"`
}

// Recorder writes and reads the command history. A nil Recorder is
// valid and does nothing.
type Recorder struct {
	client *redis.Client
	max    int64
}

// Open connects to Redis and returns a Recorder. Returns nil (no-op
// history) if no URL is configured or the connection fails.
func Open(cfg Config) *Recorder {
	if cfg.URL == "" {
		log.Println("[History] Redis URL not configured, command history disabled")
		return nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("[History] ❌ Invalid Redis URL: %v", err)
		return nil
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Printf("[History] ❌ Redis connection failed: %v", err)
		c.Close()
		return nil
	}

	log.Println("[History] ✅ Connected")
	return &Recorder{client: c, max: defaultMaxEntries}
}

// Close closes the Redis connection.
func (r *Recorder) Close() {
	if r == nil || r.client == nil {
		return
	}
	r.client.Close()
}

// Record appends an entry. Returns false on failure or when history is
// disabled; failures are logged and never propagate.
func (r *Recorder) Record(ctx context.Context, e Entry) bool {
	if r == nil || r.client == nil {
		return false
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[History] record marshal failed: %v", err)
		return false
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, keyCommands, data)
	pipe.LTrim(ctx, keyCommands, 0, r.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[History] record failed: %v", err)
		return false
	}
	return true
}

// Recent returns up to n entries, newest first. Returns nil when
// history is disabled or the read fails.
func (r *Recorder) Recent(ctx context.Context, n int) []Entry {
	if r == nil || r.client == nil {
		return nil
	}
	raw, err := r.client.LRange(ctx, keyCommands, 0, int64(n-1)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[History] recent failed: %v", err)
		}
		return nil
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
