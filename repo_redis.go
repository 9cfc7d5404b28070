package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

/*
Redis layout (prefix defaults to "options")

<prefix>:positions         HASH  id -> position JSON
<prefix>:positions:order   ZSET  id scored by insertion sequence
<prefix>:positions:seq     STRING counter
<prefix>:groups            HASH  id -> trade group JSON
<prefix>:groups:order      ZSET
<prefix>:groups:seq        STRING

Multi-key writes go through MULTI/EXEC (TxPipelined). Read-modify-writes
WATCH the hash so a concurrent delete aborts them.
*/

const (
	redisOpTimeout    = 5 * time.Second
	redisWatchRetries = 5
)

type redisStore struct {
	client *goredis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*redisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "options"
	}
	return &redisStore{client: client, prefix: prefix}, nil
}

// Ping reports whether the server is reachable.
func (s *redisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *redisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisOpTimeout)
}

// entity is the set of keys one document type lives under.
type entity struct {
	hash, order, seq string
}

func (s *redisStore) entity(name string) entity {
	return entity{hash: s.key(name), order: s.key(name, "order"), seq: s.key(name, "seq")}
}

// put stores docs (id -> JSON) keeping the first insertion position of known ids.
func (s *redisStore) put(ctx context.Context, e entity, ids []string, docs []string) error {
	if len(ids) == 0 {
		return nil
	}
	last, err := s.client.IncrBy(ctx, e.seq, int64(len(ids))).Result()
	if err != nil {
		return fmt.Errorf("redis INCRBY %s: %w", e.seq, err)
	}
	first := last - int64(len(ids)) + 1

	values := make([]any, 0, 2*len(ids))
	members := make([]*goredis.Z, 0, len(ids))
	for i, id := range ids {
		values = append(values, id, docs[i])
		members = append(members, &goredis.Z{Score: float64(first + int64(i)), Member: id})
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, e.hash, values...)
		pipe.ZAddNX(ctx, e.order, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", e.hash, err)
	}
	return nil
}

func (s *redisStore) get(ctx context.Context, e entity, id string) (string, error) {
	doc, err := s.client.HGet(ctx, e.hash, id).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis HGET %s: %w", e.hash, err)
	}
	return doc, nil
}

// all returns every document in insertion order.
func (s *redisStore) all(ctx context.Context, e entity) ([]string, error) {
	ids, err := s.client.ZRange(ctx, e.order, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE %s: %w", e.order, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, e.hash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET %s: %w", e.hash, err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if doc, ok := v.(string); ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// watch runs fn under WATCH on keys and retries when another client touched them
// before EXEC.
func (s *redisStore) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < redisWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis watch %v: %w", keys, goredis.TxFailedErr)
}

// replace overwrites an existing document; ErrNotFound if id is unknown.
// A concurrent delete aborts the write instead of resurrecting the document.
func (s *redisStore) replace(ctx context.Context, e entity, id, doc string) error {
	return s.watch(ctx, func(tx *goredis.Tx) error {
		ok, err := tx.HExists(ctx, e.hash, id).Result()
		if err != nil {
			return fmt.Errorf("redis HEXISTS %s: %w", e.hash, err)
		}
		if !ok {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, e.hash, id, doc)
			return nil
		})
		return err
	}, e.hash)
}

func (s *redisStore) remove(ctx context.Context, e entity, id string) error {
	var del *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.HDel(ctx, e.hash, id)
		pipe.ZRem(ctx, e.order, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", e.hash, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

/* ---- Position repo ---- */

type redisPositionRepo struct {
	s *redisStore
	e entity
}

func NewRedisPositionRepo(s *redisStore) *redisPositionRepo {
	return &redisPositionRepo{s: s, e: s.entity("positions")}
}

func encodePositions(ps []Position) ([]string, []string, error) {
	ids := make([]string, len(ps))
	docs := make([]string, len(ps))
	for i, p := range ps {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, nil, fmt.Errorf("encode position %s: %w", p.ID, err)
		}
		ids[i], docs[i] = p.ID, string(b)
	}
	return ids, docs, nil
}

func (r *redisPositionRepo) Create(p Position) (Position, error) {
	if _, err := r.CreateBatch([]Position{p}); err != nil {
		return Position{}, err
	}
	return p, nil
}

func (r *redisPositionRepo) CreateBatch(ps []Position) ([]Position, error) {
	ids, docs, err := encodePositions(ps)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.s.ctx()
	defer cancel()
	if err := r.s.put(ctx, r.e, ids, docs); err != nil {
		return nil, err
	}
	return ps, nil
}

func (r *redisPositionRepo) GetByID(id string) (Position, error) {
	ctx, cancel := r.s.ctx()
	defer cancel()
	doc, err := r.s.get(ctx, r.e, id)
	if err != nil {
		return Position{}, err
	}
	var p Position
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Position{}, fmt.Errorf("decode position %s: %w", id, err)
	}
	return p, nil
}

func (r *redisPositionRepo) list(ctx context.Context) ([]Position, error) {
	docs, err := r.s.all(ctx, r.e)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(docs))
	for _, doc := range docs {
		var p Position
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *redisPositionRepo) List(filter ListFilter) ([]Position, error) {
	ctx, cancel := r.s.ctx()
	defer cancel()
	all, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	return applyFilter(all, filter), nil
}

func (r *redisPositionRepo) Update(p Position) (Position, error) {
	p.UpdatedAt = time.Now()
	b, err := json.Marshal(p)
	if err != nil {
		return Position{}, fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	ctx, cancel := r.s.ctx()
	defer cancel()
	if err := r.s.replace(ctx, r.e, p.ID, string(b)); err != nil {
		return Position{}, err
	}
	return p, nil
}

func (r *redisPositionRepo) Delete(id string) error {
	ctx, cancel := r.s.ctx()
	defer cancel()
	return r.s.remove(ctx, r.e, id)
}

func (r *redisPositionRepo) AssignGroups(assignments map[string]string) error {
	if len(assignments) == 0 {
		return nil
	}
	ctx, cancel := r.s.ctx()
	defer cancel()

	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	return r.s.watch(ctx, func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, r.e.hash, ids...).Result()
		if err != nil {
			return fmt.Errorf("redis HMGET %s: %w", r.e.hash, err)
		}
		values := make([]any, 0, 2*len(ids))
		for i, v := range vals {
			doc, ok := v.(string)
			if !ok {
				continue
			}
			var p Position
			if err := json.Unmarshal([]byte(doc), &p); err != nil {
				return fmt.Errorf("decode position %s: %w", ids[i], err)
			}
			p.GroupID = assignments[p.ID]
			b, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode position %s: %w", p.ID, err)
			}
			values = append(values, p.ID, string(b))
		}
		if len(values) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, r.e.hash, values...)
			return nil
		})
		if err != nil && !errors.Is(err, goredis.TxFailedErr) {
			return fmt.Errorf("redis HSET %s: %w", r.e.hash, err)
		}
		return err
	}, r.e.hash)
}

/* ---- Group repo ---- */

type redisGroupRepo struct {
	s *redisStore
	e entity
}

func NewRedisGroupRepo(s *redisStore) *redisGroupRepo {
	return &redisGroupRepo{s: s, e: s.entity("groups")}
}

func (r *redisGroupRepo) Create(g TradeGroup) (TradeGroup, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return TradeGroup{}, fmt.Errorf("encode group %s: %w", g.ID, err)
	}
	ctx, cancel := r.s.ctx()
	defer cancel()
	if err := r.s.put(ctx, r.e, []string{g.ID}, []string{string(b)}); err != nil {
		return TradeGroup{}, err
	}
	return g, nil
}

func (r *redisGroupRepo) GetByID(id string) (TradeGroup, error) {
	ctx, cancel := r.s.ctx()
	defer cancel()
	doc, err := r.s.get(ctx, r.e, id)
	if err != nil {
		return TradeGroup{}, err
	}
	var g TradeGroup
	if err := json.Unmarshal([]byte(doc), &g); err != nil {
		return TradeGroup{}, fmt.Errorf("decode group %s: %w", id, err)
	}
	return g, nil
}

func (r *redisGroupRepo) List() ([]TradeGroup, error) {
	ctx, cancel := r.s.ctx()
	defer cancel()
	docs, err := r.s.all(ctx, r.e)
	if err != nil {
		return nil, err
	}
	out := make([]TradeGroup, 0, len(docs))
	for _, doc := range docs {
		var g TradeGroup
		if err := json.Unmarshal([]byte(doc), &g); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func (r *redisGroupRepo) Update(g TradeGroup) (TradeGroup, error) {
	b, err := json.Marshal(g)
	if err != nil {
		return TradeGroup{}, fmt.Errorf("encode group %s: %w", g.ID, err)
	}
	ctx, cancel := r.s.ctx()
	defer cancel()
	if err := r.s.replace(ctx, r.e, g.ID, string(b)); err != nil {
		return TradeGroup{}, err
	}
	return g, nil
}

func (r *redisGroupRepo) Delete(id string) error {
	ctx, cancel := r.s.ctx()
	defer cancel()
	return r.s.remove(ctx, r.e, id)
}

func (r *redisGroupRepo) Clear() error {
	ctx, cancel := r.s.ctx()
	defer cancel()
	if err := r.s.client.Del(ctx, r.e.hash, r.e.order).Err(); err != nil {
		return fmt.Errorf("redis clear groups: %w", err)
	}
	return nil
}
