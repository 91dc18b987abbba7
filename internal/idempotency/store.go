package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("idempotency key not found")
	ErrHashMismatch = errors.New("idempotency key reused with a different request")
	ErrInProgress   = errors.New("idempotency key in progress")
	ErrInvalidKey   = errors.New("invalid idempotency key")
)

const (
	redisKeyPrefix = "fulfillment:idem"
	maxKeyLength   = 128
)

// Request identifies one client call. Keys are scoped to the caller so two
// actors never collide on the same client-chosen value.
type Request struct {
	Actor  string
	Key    string
	Method string
	Path   string
	Body   []byte
}

// Validate checks the client-supplied key.
func (r Request) Validate() error {
	key := strings.TrimSpace(r.Key)
	if key == "" || len(key) > maxKeyLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidKey, maxKeyLength)
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return fmt.Errorf("%w: must be printable ASCII", ErrInvalidKey)
		}
	}
	return nil
}

func (r Request) scopedKey() string {
	return r.Actor + ":" + strings.TrimSpace(r.Key)
}

// Hash fingerprints the method, path and body.
func (r Request) Hash() string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.Path))
	h.Write([]byte{0})
	h.Write(r.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// Record is a stored response ready for replay.
type Record struct {
	Key         string
	RequestHash string
	Status      int
	Body        []byte
	ContentType string
	ServedBy    string
}

// QuerySource hands out the non-transactional query set.
type QuerySource interface {
	Queries() repository.Querier
}

// Store keeps Postgres as the source of truth for idempotency keys and
// Redis as a replay cache for finished responses.
type Store struct {
	redis redis.Cmdable
	db    QuerySource
	ttl   time.Duration
	poll  time.Duration
}

// NewStore builds a store; redis may be nil.
func NewStore(redis redis.Cmdable, db QuerySource, ttl time.Duration) *Store {
	return &Store{redis: redis, db: db, ttl: ttl, poll: 50 * time.Millisecond}
}

type cacheEnvelope struct {
	Key         string `json:"key"`
	Hash        string `json:"hash"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

// Lookup returns the finished response for req, ErrInProgress while another
// call holds the key, or ErrNotFound.
func (s *Store) Lookup(ctx context.Context, req Request) (*Record, error) {
	key, hash := req.scopedKey(), req.Hash()
	if rec, ok := s.cached(ctx, key); ok {
		if rec.RequestHash != hash {
			return nil, ErrHashMismatch
		}
		return rec, nil
	}

	row, err := s.db.Queries().GetIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if row.RequestHash != hash {
		return nil, ErrHashMismatch
	}
	if row.InProgress {
		return nil, ErrInProgress
	}

	rec := recordFromRow(row)
	s.cache(ctx, rec)
	return &rec, nil
}

// Reserve claims the key. It reports false when another call already holds it.
func (s *Store) Reserve(ctx context.Context, req Request) (bool, error) {
	_, err := s.db.Queries().ReserveIdempotencyKey(ctx, repository.ReserveIdempotencyKeyParams{
		IdempotencyKey: req.scopedKey(),
		RequestHash:    req.Hash(),
		Method:         req.Method,
		Path:           req.Path,
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("reserve idempotency key: %w", err)
}

// Finalize stores the response for replay.
func (s *Store) Finalize(ctx context.Context, req Request, status int, body []byte, contentType string) (*Record, error) {
	row, err := s.db.Queries().FinalizeIdempotencyKey(ctx, repository.FinalizeIdempotencyKeyParams{
		ResponseStatus: int32(status),
		ResponseBody:   body,
		ContentType:    contentType,
		IdempotencyKey: req.scopedKey(),
		RequestHash:    req.Hash(),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finalize idempotency key: %w", err)
	}

	rec := recordFromRow(row)
	s.cache(ctx, rec)
	return &rec, nil
}

// Release drops an unfinished reservation, letting the client retry after a
// server-side failure.
func (s *Store) Release(ctx context.Context, req Request) error {
	_, err := s.db.Queries().ReleaseIdempotencyKey(ctx, repository.ReleaseIdempotencyKeyParams{
		IdempotencyKey: req.scopedKey(),
		RequestHash:    req.Hash(),
	})
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// WaitForCompletion polls until the holder of the key finishes or ctx ends.
func (s *Store) WaitForCompletion(ctx context.Context, req Request) (*Record, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		rec, err := s.Lookup(ctx, req)
		if !errors.Is(err, ErrInProgress) {
			return rec, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func recordFromRow(row repository.IdempotencyKey) Record {
	return Record{
		Key:         row.IdempotencyKey,
		RequestHash: row.RequestHash,
		Status:      int(row.ResponseStatus),
		Body:        row.ResponseBody,
		ContentType: row.ContentType,
		ServedBy:    "postgres",
	}
}

func (s *Store) cached(ctx context.Context, key string) (*Record, bool) {
	if s.redis == nil {
		return nil, false
	}
	val, err := s.redis.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zap.L().Warn("redis idempotency lookup failed", zap.Error(err))
		}
		return nil, false
	}
	var env cacheEnvelope
	if err := json.Unmarshal(val, &env); err != nil {
		return nil, false
	}
	return &Record{
		Key:         env.Key,
		RequestHash: env.Hash,
		Status:      env.Status,
		Body:        env.Body,
		ContentType: env.ContentType,
		ServedBy:    "redis",
	}, true
}

func (s *Store) cache(ctx context.Context, rec Record) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(cacheEnvelope{
		Key:         rec.Key,
		Hash:        rec.RequestHash,
		Status:      rec.Status,
		Body:        rec.Body,
		ContentType: rec.ContentType,
	})
	if err != nil {
		zap.L().Warn("marshal idempotency cache", zap.Error(err))
		return
	}
	if err := s.redis.Set(ctx, redisKey(rec.Key), payload, s.ttl).Err(); err != nil {
		zap.L().Warn("redis idempotency cache set failed", zap.Error(err))
	}
}

func redisKey(key string) string {
	return redisKeyPrefix + ":" + key
}
