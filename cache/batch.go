package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mixguard/mixcache/pkg/fault"
)

// OpType is the kind of a batch operation
type OpType int

const (
	OpGet OpType = iota
	OpSet
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BatchOp is one operation of a batch
type BatchOp struct {
	Type  OpType
	Key   string
	Value interface{}   // OpSet only
	TTL   time.Duration // OpSet only; zero uses DefaultTTL
}

// BatchResult is the outcome of one BatchOp
type BatchResult struct {
	Key     string
	Type    OpType
	Found   bool            // OpGet
	Value   json.RawMessage // OpGet
	Deleted bool            // OpDelete
	Err     error
}

// Decode unmarshals a found value into dst
func (r BatchResult) Decode(dst interface{}) error {
	if err := json.Unmarshal(r.Value, dst); err != nil {
		return &fault.SerializationError{Key: r.Key, Op: "decode", Err: err}
	}
	return nil
}

// ExecuteBatch runs ops and returns their results in input order. With
// batching enabled the ops are pipelined in chunks of BatchSize; otherwise
// they run one by one. Per-op failures are reported on the result; the
// returned error is set only when a whole pipeline fails.
func (l *Layer) ExecuteBatch(ctx context.Context, ops []BatchOp) ([]BatchResult, error) {
	if l.closed.Load() {
		return nil, fault.ErrShutdown
	}
	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		results[i] = BatchResult{Key: op.Key, Type: op.Type}
	}

	if !l.config.BatchingEnabled {
		l.executeSequential(ctx, ops, results)
		return results, nil
	}

	for start := 0; start < len(ops); start += l.config.BatchSize {
		end := start + l.config.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		if err := l.executePipelined(ctx, ops[start:end], results[start:end]); err != nil {
			for i := start; i < len(ops); i++ {
				if results[i].Err == nil && !results[i].Found {
					results[i].Err = err
				}
			}
			return results, err
		}
	}
	return results, nil
}

func (l *Layer) executeSequential(ctx context.Context, ops []BatchOp, results []BatchResult) {
	for i, op := range ops {
		switch op.Type {
		case OpGet:
			var raw json.RawMessage
			results[i].Found, results[i].Err = l.Get(ctx, op.Key, &raw)
			results[i].Value = raw
		case OpSet:
			results[i].Err = l.Set(ctx, op.Key, op.Value, op.TTL)
		case OpDelete:
			results[i].Deleted, results[i].Err = l.Delete(ctx, op.Key)
		default:
			results[i].Err = fault.ErrInvalidArgument
		}
	}
}

// pending links a queued pipeline command to its result slot
type pending struct {
	idx   int
	entry *entry
}

func (l *Layer) executePipelined(ctx context.Context, ops []BatchOp, results []BatchResult) error {
	now := l.now()
	var queued []pending
	isRead := true

	// first-tier hits and encoding failures never reach the pipeline
	type prepared struct {
		payload []byte
		ttl     time.Duration
	}
	sets := make(map[int]prepared)
	// keys written earlier in the chunk must be read after the write runs
	written := make(map[string]bool)

	for i, op := range ops {
		l.ops.Add(1)
		switch op.Type {
		case OpGet:
			if l.l1 != nil && !written[op.Key] {
				if e, ok := l.l1.Get(op.Key, now); ok {
					l.l1Hits.Add(1)
					l.metrics.RecordCacheLookup("l1", "hit")
					results[i].Found = true
					results[i].Value = e.Value
					continue
				}
				l.l1Misses.Add(1)
				l.metrics.RecordCacheLookup("l1", "miss")
			}
			queued = append(queued, pending{idx: i})
		case OpSet:
			ttl := l.resolveTTL(op.TTL)
			e, payload, err := l.prepare(op.Key, op.Value, ttl)
			if err != nil {
				results[i].Err = err
				continue
			}
			sets[i] = prepared{payload: payload, ttl: ttl}
			queued = append(queued, pending{idx: i, entry: e})
			written[op.Key] = true
			isRead = false
		case OpDelete:
			if l.l1 != nil {
				l.l1.Delete(op.Key)
			}
			queued = append(queued, pending{idx: i})
			written[op.Key] = true
			isRead = false
		default:
			results[i].Err = fault.ErrInvalidArgument
		}
	}
	if len(queued) == 0 {
		return nil
	}

	cmds, err := l.store.Pipeline(ctx, isRead, func(p redis.Pipeliner) error {
		for _, q := range queued {
			op := ops[q.idx]
			key := l.store.Key(op.Key)
			switch op.Type {
			case OpGet:
				p.Get(ctx, key)
			case OpSet:
				s := sets[q.idx]
				ttl := s.ttl
				if ttl < 0 {
					ttl = 0
				}
				p.Set(ctx, key, s.payload, ttl)
			case OpDelete:
				p.Del(ctx, key)
			}
		}
		return nil
	})
	if err != nil {
		l.failures.Add(1)
		l.metrics.RecordCacheError("batch")
		return err
	}

	for n, q := range queued {
		op := ops[q.idx]
		res := &results[q.idx]
		cmd := cmds[n]

		switch op.Type {
		case OpGet:
			payload, gerr := cmd.(*redis.StringCmd).Bytes()
			if errors.Is(gerr, redis.Nil) {
				l.l2Misses.Add(1)
				l.metrics.RecordCacheLookup("l2", "miss")
				continue
			}
			if gerr != nil {
				l.failures.Add(1)
				res.Err = gerr
				continue
			}
			e, derr := decodeEntry(payload)
			if derr != nil {
				l.failures.Add(1)
				l.metrics.RecordCacheError("decode")
				res.Err = &fault.SerializationError{Key: op.Key, Op: "decode", Err: derr}
				continue
			}
			if e.expired(now) {
				l.l2Misses.Add(1)
				l.metrics.RecordCacheLookup("l2", "miss")
				continue
			}
			l.l2Hits.Add(1)
			l.metrics.RecordCacheLookup("l2", "hit")
			res.Found = true
			res.Value = e.Value
			if l.l1 != nil {
				l.l1.Set(op.Key, e, now)
			}
		case OpSet:
			if serr := cmd.Err(); serr != nil {
				l.failures.Add(1)
				res.Err = serr
				continue
			}
			l.sets.Add(1)
			if l.l1 != nil {
				l.l1.Set(op.Key, q.entry, now)
			}
		case OpDelete:
			count, derr := cmd.(*redis.IntCmd).Result()
			if derr != nil {
				l.failures.Add(1)
				res.Err = derr
				continue
			}
			res.Deleted = count > 0
			if res.Deleted {
				l.deletes.Add(1)
			}
		}
	}
	return nil
}
