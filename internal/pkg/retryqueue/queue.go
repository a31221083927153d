// internal/pkg/retryqueue/queue.go
package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vouchercore/internal/pkg/logger"
	"vouchercore/internal/pkg/metrics"
	"vouchercore/internal/pkg/redis"
)

const (
	indexKey       = "retry:index"
	metaKey        = "retry:meta"
	deadLetterKey  = "retry:dead"
	claimScript    = "retry_claim"
	deadLetterKeep = 1000
)

var tracer = otel.Tracer("retryqueue")

// Item 是持久化在 Redis 中的重试信封。
type Item struct {
	Key           string          `json:"key"`
	Op            string          `json:"op"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
}

// itemMeta 不带 TTL 地记录条目的概要，条目过期后仍能据此写死信。
type itemMeta struct {
	Op         string    `json:"op"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func metaOf(item *Item) string {
	raw, _ := json.Marshal(itemMeta{Op: item.Op, Attempts: item.Attempts, LastError: item.LastError, EnqueuedAt: item.EnqueuedAt})
	return string(raw)
}

// Handler 重新执行一次被延后的操作，返回 nil 表示成功。
type Handler func(ctx context.Context, payload json.RawMessage) error

// DeadLetterSink 接收耗尽重试次数的条目。
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, item Item) error
}

type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Lease       time.Duration // 被领取的条目在此期间对其他 drain 不可见
	BatchSize   int
	Now         func() time.Time
}

// Stats 汇总一次 Drain 的结果。
type Stats struct {
	Claimed      int
	Succeeded    int
	Retried      int
	DeadLettered int
	Expired      int
}

type Queue struct {
	rdb      *redis.Client
	opts     Options
	sink     DeadLetterSink
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(rdb *redis.Client, opts Options, sink DeadLetterSink) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := rdb.LoadScriptFromContent(claimScript, claimLua); err != nil {
		return nil, errors.Wrap(err, "retryqueue: load claim script")
	}
	return &Queue{rdb: rdb, opts: opts, sink: sink, handlers: make(map[string]Handler)}, nil
}

// Register 绑定操作名与处理函数，Drain 按条目的 Op 分派。
func (q *Queue) Register(op string, h Handler) {
	q.mu.Lock()
	q.handlers[op] = h
	q.mu.Unlock()
}

// Enqueue 把一次失败的副作用写入 key（带 TTL），attempts 为已经尝试过的次数。
func (q *Queue) Enqueue(ctx context.Context, key, op string, payload interface{}, attempts int, cause error, ttl time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "retryqueue: marshal payload for %s", key)
	}
	if attempts < 1 {
		attempts = 1
	}
	now := q.opts.Now()
	item := Item{
		Key:           key,
		Op:            op,
		Payload:       raw,
		Attempts:      attempts,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(q.backoff(attempts)),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	body, err := json.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "retryqueue: marshal item %s", key)
	}

	pipe := q.rdb.GetClient().TxPipeline()
	pipe.Set(ctx, key, body, ttl)
	pipe.HSet(ctx, metaKey, key, metaOf(&item))
	pipe.ZAdd(ctx, indexKey, goredis.Z{Score: float64(item.NextAttemptAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "retryqueue: enqueue %s", key)
	}
	metrics.IncRetryEnqueued(op)
	logger.Ctx(ctx).Warn().Str("key", key).Str("op", op).Int("attempts", attempts).
		Str("last_error", item.LastError).Msg("side effect parked on retry queue")
	return nil
}

// Get 读取一个仍在队列中的条目，不存在时返回 (nil, nil)。
func (q *Queue) Get(ctx context.Context, key string) (*Item, error) {
	raw, err := q.rdb.GetClient().Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "retryqueue: get %s", key)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, errors.Wrapf(err, "retryqueue: decode %s", key)
	}
	return &item, nil
}

// Pending 返回索引中等待处理的条目数量。
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.GetClient().ZCard(ctx, indexKey).Result()
}

// DeadLetters 返回最近的死信，最新的在前。
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]Item, error) {
	raws, err := q.rdb.GetClient().LRange(ctx, deadLetterKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "retryqueue: list dead letters")
	}
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Drain 领取所有到期条目并逐个重放。单个条目的失败不会中断整批。
func (q *Queue) Drain(ctx context.Context) (Stats, error) {
	ctx, span := tracer.Start(ctx, "retryqueue.Drain")
	defer span.End()

	var stats Stats
	now := q.opts.Now()
	res, err := q.rdb.RunScript(ctx, claimScript, []string{indexKey},
		now.UnixMilli(), now.Add(q.opts.Lease).UnixMilli(), q.opts.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, errors.Wrap(err, "retryqueue: claim due items")
	}
	keys, ok := res.([]interface{})
	if !ok {
		return stats, fmt.Errorf("retryqueue: unexpected claim result %T", res)
	}

	for _, k := range keys {
		key, _ := k.(string)
		if key == "" {
			continue
		}
		stats.Claimed++
		q.process(ctx, key, &stats)
	}
	span.SetAttributes(
		attribute.Int("retry.claimed", stats.Claimed),
		attribute.Int("retry.succeeded", stats.Succeeded),
		attribute.Int("retry.dead_lettered", stats.DeadLettered),
	)
	return stats, nil
}

func (q *Queue) process(ctx context.Context, key string, stats *Stats) {
	log := logger.Ctx(ctx)
	item, err := q.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("ERROR: failed to load retry item, lease will expire")
		return
	}
	if item == nil {
		// TTL 到期，条目本身已被 Redis 回收，只剩概要可以写进死信
		q.expire(ctx, key)
		stats.Expired++
		return
	}

	q.mu.RLock()
	handler, ok := q.handlers[item.Op]
	q.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for op %s", item.Op)
	} else {
		runErr = handler(ctx, item.Payload)
	}

	if runErr == nil {
		pipe := q.rdb.GetClient().TxPipeline()
		pipe.Del(ctx, key)
		pipe.HDel(ctx, metaKey, key)
		pipe.ZRem(ctx, indexKey, key)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Error().Err(err).Str("key", key).Msg("ERROR: failed to delete completed retry item")
		}
		stats.Succeeded++
		metrics.IncRetryProcessed(item.Op, "success")
		log.Info().Str("key", key).Str("op", item.Op).Int("attempts", item.Attempts+1).Msg("✅ retry succeeded")
		return
	}

	item.Attempts++
	item.LastError = runErr.Error()
	if item.Attempts >= q.opts.MaxAttempts {
		q.deadLetter(ctx, item, "retry attempts exhausted")
		stats.DeadLettered++
		return
	}

	item.NextAttemptAt = q.opts.Now().Add(q.backoff(item.Attempts))
	body, err := json.Marshal(item)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("ERROR: failed to encode retry item")
		return
	}
	pipe := q.rdb.GetClient().TxPipeline()
	pipe.Set(ctx, key, body, goredis.KeepTTL)
	pipe.HSet(ctx, metaKey, key, metaOf(item))
	pipe.ZAdd(ctx, indexKey, goredis.Z{Score: float64(item.NextAttemptAt.UnixMilli()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("ERROR: failed to reschedule retry item")
		return
	}
	stats.Retried++
	metrics.IncRetryProcessed(item.Op, "retry")
	log.Warn().Err(runErr).Str("key", key).Str("op", item.Op).Int("attempts", item.Attempts).
		Time("next_attempt_at", item.NextAttemptAt).Msg("retry failed, rescheduled")
}

// expire 把 TTL 到期、未能处理的条目记入死信。payload 已随条目过期，死信只带 key 和操作名。
func (q *Queue) expire(ctx context.Context, key string) {
	item := &Item{Key: key, Op: "unknown"}
	raw, err := q.rdb.GetClient().HGet(ctx, metaKey, key).Result()
	switch {
	case err == nil:
		var meta itemMeta
		if jsonErr := json.Unmarshal([]byte(raw), &meta); jsonErr == nil {
			item.Op = meta.Op
			item.Attempts = meta.Attempts
			item.EnqueuedAt = meta.EnqueuedAt
			item.LastError = meta.LastError
		}
	case !errors.Is(err, redis.Nil):
		logger.Ctx(ctx).Error().Err(err).Str("key", key).Msg("ERROR: failed to read retry item metadata")
	}
	if item.LastError == "" {
		item.LastError = "expired before it could be processed"
	} else {
		item.LastError = "expired before it could be processed, last error: " + item.LastError
	}
	metrics.IncRetryProcessed(item.Op, "expired")
	q.deadLetter(ctx, item, "retry item expired before it could be processed")
}

func (q *Queue) deadLetter(ctx context.Context, item *Item, reason string) {
	log := logger.Ctx(ctx)
	body, err := json.Marshal(item)
	if err == nil {
		pipe := q.rdb.GetClient().TxPipeline()
		pipe.LPush(ctx, deadLetterKey, body)
		pipe.LTrim(ctx, deadLetterKey, 0, deadLetterKeep-1)
		pipe.Del(ctx, item.Key)
		pipe.HDel(ctx, metaKey, item.Key)
		pipe.ZRem(ctx, indexKey, item.Key)
		_, err = pipe.Exec(ctx)
	}
	if err != nil {
		log.Error().Err(err).Str("key", item.Key).Msg("ERROR: failed to move retry item to dead letters")
	}
	if q.sink != nil {
		if err := q.sink.PublishDeadLetter(ctx, *item); err != nil {
			log.Error().Err(err).Str("key", item.Key).Msg("ERROR: failed to publish dead letter")
		}
	}
	metrics.IncRetryDeadLetter(item.Op)
	metrics.IncRetryProcessed(item.Op, "dead_letter")
	log.Error().Str("key", item.Key).Str("op", item.Op).Int("attempts", item.Attempts).
		Str("last_error", item.LastError).Str("reason", reason).Msg("🚨 CRITICAL: retry item dead-lettered")
}

// backoff 指数退避：base * 2^(attempts-1)，不超过 MaxBackoff。
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return d
}

// claimLua 取出到期成员并把分数推到租约结束时间，整个过程只访问索引这一个 key。
const claimLua = `
-- KEYS[1]: 重试索引 zset，member 为条目 key，score 为下次执行时间(ms)
-- ARGV[1]: 当前时间(ms)
-- ARGV[2]: 租约结束时间(ms)
-- ARGV[3]: 本批最多领取数量
local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
    redis.call('zadd', KEYS[1], ARGV[2], member)
end
return due
`
