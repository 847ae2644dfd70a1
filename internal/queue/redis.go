package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rosterline/platform/internal/domain"
)

// RedisQueue implements Queue on Redis using three keys derived from the
// queue name:
//
//	{name}           pending list — enqueued deliveries, LPUSH head / BLMOVE tail
//	{name}:inflight  in-flight list — deliveries received but not yet acknowledged
//	{name}:deadlines sorted set — delivery → visibility deadline (unix millis)
//
// Receive atomically moves a delivery from pending to in-flight (BLMOVE) and
// records its deadline. Reclaim scans the in-flight list and returns any
// delivery whose deadline is missing or expired to pending. A crash between
// BLMOVE and the deadline write leaves the delivery in-flight with no
// deadline, which reclaim treats as expired — the message is never lost.
type RedisQueue struct {
	client     *goredis.Client
	name       string
	visibility time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Name is the queue name (required).
	Name string
	// Visibility is the redelivery window for received messages.
	// Defaults to DefaultVisibilityTimeout.
	Visibility time.Duration
}

// NewRedisQueue creates a Redis-backed queue from the given config.
func NewRedisQueue(cfg RedisConfig) (*RedisQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis queue requires a URL")
	}
	if cfg.Name == "" {
		return nil, errors.New("redis queue requires a name")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis queue: invalid URL: %w", err)
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	return &RedisQueue{
		client:     goredis.NewClient(opts),
		name:       cfg.Name,
		visibility: cfg.Visibility,
	}, nil
}

func (q *RedisQueue) pendingKey() string  { return q.name }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) deadlineKey() string { return q.name + ":deadlines" }

// delivery is the wire form of a queued message. The ID makes each enqueue a
// distinct list member, so the serialized delivery doubles as the handle.
// Reclaim re-mints the ID before requeueing, making every redelivery a new
// member with a new handle.
type delivery struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	CasePointer string `json:"case_pointer"`
}

// Enqueue appends an envelope to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, env domain.JobEnvelope) error {
	body, err := json.Marshal(delivery{
		ID:          uuid.NewString(),
		RunID:       env.RunID,
		CasePointer: env.CasePointer,
	})
	if err != nil {
		return fmt.Errorf("queue: marshal envelope: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), body).Err(); err != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("queue: enqueue: %w", err))
	}
	return nil
}

// Receive reclaims expired deliveries, then blocks up to maxWait for the next
// pending delivery. Returns nil, nil when the wait elapses with nothing.
func (q *RedisQueue) Receive(ctx context.Context, maxWait time.Duration) (*Message, error) {
	if err := q.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BLMove(ctx, q.pendingKey(), q.inflightKey(), "RIGHT", "LEFT", maxWait).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.E(domain.KindTransient, fmt.Errorf("queue: receive: %w", err))
	}

	deadline := time.Now().Add(q.visibility)
	if err := q.client.ZAdd(ctx, q.deadlineKey(), goredis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return nil, domain.E(domain.KindTransient, fmt.Errorf("queue: record deadline: %w", err))
	}

	var d delivery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		// A corrupt member can never be processed — drop it rather than
		// letting reclaim redeliver it forever.
		q.client.LRem(ctx, q.inflightKey(), 1, raw)
		q.client.ZRem(ctx, q.deadlineKey(), raw)
		return nil, domain.E(domain.KindPermanent, fmt.Errorf("queue: corrupt delivery: %w", err))
	}

	return &Message{
		Handle:   raw,
		Envelope: domain.JobEnvelope{RunID: d.RunID, CasePointer: d.CasePointer},
	}, nil
}

// ExtendVisibility pushes the delivery's deadline out by d from now.
// XX: only update existing members — an acknowledged or reclaimed delivery
// must not be resurrected by a late heartbeat.
func (q *RedisQueue) ExtendVisibility(ctx context.Context, handle string, d time.Duration) error {
	deadline := time.Now().Add(d)
	if err := q.client.ZAddXX(ctx, q.deadlineKey(), goredis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: handle,
	}).Err(); err != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("queue: extend visibility: %w", err))
	}
	// ZADD XX silently skips missing members — check existence explicitly so
	// a lost delivery surfaces as NotFound to the heartbeat.
	score := q.client.ZScore(ctx, q.deadlineKey(), handle)
	if errors.Is(score.Err(), goredis.Nil) {
		return domain.Errorf(domain.KindNotFound, "queue: delivery no longer in flight")
	}
	if score.Err() != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("queue: extend visibility: %w", score.Err()))
	}
	return nil
}

// Delete acknowledges the delivery. Idempotent: deleting an already-removed
// delivery is a no-op.
func (q *RedisQueue) Delete(ctx context.Context, handle string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.inflightKey(), 1, handle)
	pipe.ZRem(ctx, q.deadlineKey(), handle)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("queue: delete: %w", err))
	}
	return nil
}

// reclaimExpired moves every in-flight delivery with a missing or expired
// deadline back to pending. Runs before each Receive, so a fleet of workers
// collectively resurrects messages from crashed peers.
func (q *RedisQueue) reclaimExpired(ctx context.Context) error {
	members, err := q.client.LRange(ctx, q.inflightKey(), 0, -1).Result()
	if err != nil {
		return domain.E(domain.KindTransient, fmt.Errorf("queue: reclaim scan: %w", err))
	}
	now := float64(time.Now().UnixMilli())

	for _, member := range members {
		score, err := q.client.ZScore(ctx, q.deadlineKey(), member).Result()
		expired := errors.Is(err, goredis.Nil) || (err == nil && score <= now)
		if err != nil && !errors.Is(err, goredis.Nil) {
			return domain.E(domain.KindTransient, fmt.Errorf("queue: reclaim score: %w", err))
		}
		if !expired {
			continue
		}
		// Remove from in-flight first: if another worker reclaims the same
		// member concurrently, only the LRem winner re-enqueues it.
		removed, err := q.client.LRem(ctx, q.inflightKey(), 1, member).Result()
		if err != nil {
			return domain.E(domain.KindTransient, fmt.Errorf("queue: reclaim remove: %w", err))
		}
		if removed == 0 {
			continue
		}
		q.client.ZRem(ctx, q.deadlineKey(), member)

		// Requeue under a fresh ID so the lapsed owner's handle goes dead:
		// its heartbeats must surface as NotFound and its acks must not
		// remove the redelivered copy.
		var d delivery
		if err := json.Unmarshal([]byte(member), &d); err != nil {
			// Corrupt member — already out of in-flight, don't resurrect it.
			continue
		}
		d.ID = uuid.NewString()
		fresh, err := json.Marshal(d)
		if err != nil {
			return domain.E(domain.KindPermanent, fmt.Errorf("queue: reclaim remarshal: %w", err))
		}
		if err := q.client.LPush(ctx, q.pendingKey(), fresh).Err(); err != nil {
			return domain.E(domain.KindTransient, fmt.Errorf("queue: reclaim requeue: %w", err))
		}
	}
	return nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// HealthCheck verifies Redis connectivity with a PING.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
