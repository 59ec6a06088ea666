package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

var ErrReceiptExpired = errors.New("receipt handle no longer owns the message")

const (
	DefaultQueuePrefix  = "rendivia:render"
	DefaultPollInterval = 500 * time.Millisecond
)

type QueueConfig struct {
	// Prefix namespaces every key the queue touches.
	Prefix       string
	PollInterval time.Duration
}

// Message is one delivery of a queued body. ReceiptHandle identifies this
// delivery; handles from earlier deliveries of the same message are rejected.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// RenderQueue is an at-least-once work queue with visibility timeouts. Ready
// ids live in a list; received ids move to a sorted set scored by the unix
// millisecond at which they become visible again.
type RenderQueue struct {
	rdb goredis.UniversalClient
	cfg QueueConfig
	log *logger.Logger
	now func() time.Time
}

type QueueOption func(*RenderQueue)

func WithClock(now func() time.Time) QueueOption {
	return func(q *RenderQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewRenderQueue(rdb goredis.UniversalClient, cfg QueueConfig, baseLog *logger.Logger, opts ...QueueOption) *RenderQueue {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = DefaultQueuePrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	q := &RenderQueue{
		rdb: rdb,
		cfg: cfg,
		log: baseLog.With("component", "RenderQueue", "prefix", cfg.Prefix),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RenderQueue) key(name string) string { return q.cfg.Prefix + ":" + name }

func (q *RenderQueue) keys() []string {
	return []string{q.key("ready"), q.key("inflight"), q.key("msg"), q.key("receives")}
}

// Send enqueues body and returns the message id.
func (q *RenderQueue) Send(ctx context.Context, body []byte) (string, error) {
	if q == nil || q.rdb == nil {
		return "", errors.New("render queue not configured")
	}
	id := uuid.NewString()
	_, err := q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, q.key("msg"), id, body)
		p.LPush(ctx, q.key("ready"), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}
	return id, nil
}

// claimScript requeues expired in-flight ids, then pops one ready id and
// hides it until now+visibility.
var claimScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local body = redis.call('HGET', KEYS[3], id)
  if body then
    local n = redis.call('HINCRBY', KEYS[4], id, 1)
    redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
    return {id, body, n}
  end
end
`)

// ownedScript runs an action on a message only when the receipt's receive
// count matches the current delivery and the message is still in flight.
var ownedScript = goredis.NewScript(`
local id = ARGV[1]
if redis.call('HGET', KEYS[4], id) ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], id) then
  return 0
end
local action = ARGV[3]
if action == 'extend' then
  redis.call('ZADD', KEYS[2], 'XX', tonumber(ARGV[4]), id)
  return 1
end
local body = redis.call('HGET', KEYS[3], id)
redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
if action == 'dead' and body then
  local entry = cjson.encode({id = id, body = body, reason = ARGV[5], receiveCount = tonumber(ARGV[2]), deadAt = ARGV[6]})
  redis.call('LPUSH', KEYS[5], entry)
end
return 1
`)

// Receive waits up to wait for one message and hides it for visibility.
// It returns (nil, nil) when nothing arrived in time.
func (q *RenderQueue) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	if q == nil || q.rdb == nil {
		return nil, errors.New("render queue not configured")
	}
	deadline := time.Now().Add(wait)
	for {
		msg, err := q.claim(ctx, visibility)
		if err != nil || msg != nil {
			return msg, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := q.cfg.PollInterval
		if remaining < pause {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *RenderQueue) claim(ctx context.Context, visibility time.Duration) (*Message, error) {
	res, err := claimScript.Run(ctx, q.rdb, q.keys(), q.now().UnixMilli(), visibility.Milliseconds()).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue receive: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("queue receive: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	n, _ := res[2].(int64)
	return &Message{
		ID:            id,
		Body:          []byte(body),
		ReceiptHandle: id + ":" + strconv.FormatInt(n, 10),
		ReceiveCount:  int(n),
	}, nil
}

func parseReceipt(receipt string) (string, string, error) {
	i := strings.LastIndex(receipt, ":")
	if i <= 0 || i == len(receipt)-1 {
		return "", "", fmt.Errorf("malformed receipt handle %q", receipt)
	}
	return receipt[:i], receipt[i+1:], nil
}

func (q *RenderQueue) owned(ctx context.Context, receipt, action string, extra ...interface{}) error {
	id, n, err := parseReceipt(receipt)
	if err != nil {
		return err
	}
	args := append([]interface{}{id, n, action}, extra...)
	keys := append(q.keys(), q.key("dead"))
	ok, err := ownedScript.Run(ctx, q.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("queue %s: %w", action, err)
	}
	if ok == 0 {
		return ErrReceiptExpired
	}
	return nil
}

// ChangeVisibility hides the message for d from now.
func (q *RenderQueue) ChangeVisibility(ctx context.Context, receipt string, d time.Duration) error {
	return q.owned(ctx, receipt, "extend", q.now().Add(d).UnixMilli())
}

func (q *RenderQueue) Delete(ctx context.Context, receipt string) error {
	return q.owned(ctx, receipt, "delete")
}

// DeadLetter removes the message from the queue and parks it on the
// dead-letter list with reason.
func (q *RenderQueue) DeadLetter(ctx context.Context, receipt, reason string) error {
	if err := q.owned(ctx, receipt, "dead", 0, reason, q.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	q.log.Warn("Message dead-lettered", "receipt", receipt, "reason", reason)
	return nil
}

// DeadLetters returns up to limit dead-lettered messages, newest first.
func (q *RenderQueue) DeadLetters(ctx context.Context, limit int64) ([]jobs.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.rdb.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]jobs.DeadLetter, 0, len(raw))
	for _, r := range raw {
		var entry struct {
			ID           string `json:"id"`
			Body         string `json:"body"`
			Reason       string `json:"reason"`
			ReceiveCount int    `json:"receiveCount"`
			DeadAt       string `json:"deadAt"`
		}
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			q.log.Warn("Skipping malformed dead letter", "error", err)
			continue
		}
		at, _ := time.Parse(time.RFC3339, entry.DeadAt)
		out = append(out, jobs.DeadLetter{
			ID:           entry.ID,
			Body:         json.RawMessage(entry.Body),
			Reason:       entry.Reason,
			ReceiveCount: entry.ReceiveCount,
			DeadAt:       at,
		})
	}
	return out, nil
}

// Depth returns the number of ready and in-flight messages.
func (q *RenderQueue) Depth(ctx context.Context) (ready int64, inflight int64, err error) {
	pipe := q.rdb.Pipeline()
	r := pipe.LLen(ctx, q.key("ready"))
	f := pipe.ZCard(ctx, q.key("inflight"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return r.Val(), f.Val(), nil
}
