package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// leaseScript atomically takes the oldest waiting job and records its lease
// deadline. Without the script a consumer crashing between the two commands
// would lose the job until an operator notices.
var leaseScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// RedisDriver is a Driver and Inspector backed by redis. Jobs are pushed onto
// the waiting list (or the delayed sorted set when deferred), leased into the
// reserved sorted set scored by lease deadline, and dead-lettered onto a
// plain list. The full envelope of every job lives in the records hash.
type RedisDriver struct {
	Logger        log.Logger
	RedisClient   redis.UniversalClient
	ChannelConfig ChannelConfig
	Packer        Codec

	// VisibilityTimeout is the lease duration applied on each Pop.
	VisibilityTimeout time.Duration
	// PopTimeout bounds how long Pop blocks waiting for an eligible job.
	PopTimeout time.Duration
	// PollInterval is the sleep between lease attempts within one Pop.
	PollInterval time.Duration

	once sync.Once
}

func (d *RedisDriver) defaults() {
	d.once.Do(func() {
		if d.Logger == nil {
			d.Logger = log.NewNopLogger()
		}
		if d.Packer == nil {
			d.Packer = gobCodec{}
		}
		if d.VisibilityTimeout == 0 {
			d.VisibilityTimeout = 30 * time.Second
		}
		if d.PopTimeout == 0 {
			d.PopTimeout = time.Second
		}
		if d.PollInterval == 0 {
			d.PollInterval = 100 * time.Millisecond
		}
	})
}

// Push implements Driver.
func (d *RedisDriver) Push(ctx context.Context, e *Envelope, delay time.Duration) error {
	d.defaults()
	stored := e.clone()
	stored.State = StatePending
	data, err := d.Packer.Marshal(stored)
	if err != nil {
		return errors.Wrapf(err, "push %s failed", e.ID)
	}
	pipe := d.RedisClient.TxPipeline()
	pipe.HSet(ctx, d.ChannelConfig.Records, e.ID, data)
	if delay > 0 {
		pipe.ZAdd(ctx, d.ChannelConfig.Delayed, &redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: e.ID,
		})
	} else {
		pipe.LPush(ctx, d.ChannelConfig.Waiting, e.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "push %s failed", e.ID)
	}
	return nil
}

// Pop implements Driver.
func (d *RedisDriver) Pop(ctx context.Context) (*Envelope, error) {
	d.defaults()
	start := time.Now()
	for {
		if err := d.Sweep(ctx); err != nil {
			_ = level.Warn(d.Logger).Log("msg", "sweep failed", "err", err)
		}
		e, err := d.lease(ctx)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		remaining := d.PopTimeout - time.Since(start)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		wait := d.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *RedisDriver) lease(ctx context.Context) (*Envelope, error) {
	for {
		deadline := time.Now().Add(d.VisibilityTimeout)
		id, err := leaseScript.Run(ctx, d.RedisClient,
			[]string{d.ChannelConfig.Waiting, d.ChannelConfig.Reserved},
			deadline.UnixMilli(),
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if err != nil {
			return nil, errors.Wrap(err, "lease failed")
		}
		e, err := d.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			d.RedisClient.ZRem(ctx, d.ChannelConfig.Reserved, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		// A sweep can requeue a lease whose worker then acks or fails: the
		// waiting entry goes stale while the record turns terminal. Discard
		// it instead of leasing a finished job.
		if e.State.Terminal() {
			d.RedisClient.ZRem(ctx, d.ChannelConfig.Reserved, id)
			continue
		}
		e.Attempt++
		e.State = StateInFlight
		e.VisibleAt = deadline
		if err := d.save(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Sweep moves due delayed jobs and expired leases back onto the waiting
// list. It runs inside Pop and on a schedule in the daemon, so a crashed
// worker's job comes back even when every consumer is idle.
func (d *RedisDriver) Sweep(ctx context.Context) error {
	d.defaults()
	now := time.Now().UnixMilli()
	if err := d.requeueDue(ctx, d.ChannelConfig.Delayed, now); err != nil {
		return err
	}
	return d.requeueDue(ctx, d.ChannelConfig.Reserved, now)
}

func (d *RedisDriver) requeueDue(ctx context.Context, key string, now int64) error {
	ids, err := d.RedisClient.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: 100,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := d.RedisClient.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, d.ChannelConfig.Waiting, id)
		pipe.ZRem(ctx, key, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Ack implements Driver. Acking an already completed job is a no-op.
func (d *RedisDriver) Ack(ctx context.Context, e *Envelope) error {
	d.defaults()
	stored, err := d.load(ctx, e.ID)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return nil
	}
	stored.State = StateCompleted
	stored.Attempt = e.Attempt
	stored.LastError = e.LastError
	if err := d.save(ctx, stored); err != nil {
		return err
	}
	pipe := d.RedisClient.TxPipeline()
	pipe.ZRem(ctx, d.ChannelConfig.Reserved, e.ID)
	pipe.LRem(ctx, d.ChannelConfig.Waiting, 0, e.ID)
	pipe.ZRem(ctx, d.ChannelConfig.Delayed, e.ID)
	pipe.Incr(ctx, d.ChannelConfig.Completed)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "ack %s failed", e.ID)
}

// Retry implements Driver.
func (d *RedisDriver) Retry(ctx context.Context, e *Envelope) error {
	d.defaults()
	stored, err := d.load(ctx, e.ID)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return nil
	}
	stored.State = StatePending
	stored.Attempt = e.Attempt
	stored.Backoff = e.Backoff
	stored.LastError = e.LastError
	if err := d.save(ctx, stored); err != nil {
		return err
	}
	pipe := d.RedisClient.TxPipeline()
	pipe.ZRem(ctx, d.ChannelConfig.Reserved, e.ID)
	pipe.LRem(ctx, d.ChannelConfig.Waiting, 0, e.ID)
	pipe.ZAdd(ctx, d.ChannelConfig.Delayed, &redis.Z{
		Score:  float64(time.Now().Add(e.Backoff).UnixMilli()),
		Member: e.ID,
	})
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "retry %s failed", e.ID)
}

// Fail implements Driver.
func (d *RedisDriver) Fail(ctx context.Context, e *Envelope) error {
	d.defaults()
	stored, err := d.load(ctx, e.ID)
	if err != nil {
		return err
	}
	if stored.State.Terminal() {
		return nil
	}
	stored.State = StateDeadLettered
	stored.Attempt = e.Attempt
	stored.LastError = e.LastError
	if err := d.save(ctx, stored); err != nil {
		return err
	}
	pipe := d.RedisClient.TxPipeline()
	pipe.ZRem(ctx, d.ChannelConfig.Reserved, e.ID)
	pipe.LRem(ctx, d.ChannelConfig.Waiting, 0, e.ID)
	pipe.ZRem(ctx, d.ChannelConfig.Delayed, e.ID)
	pipe.LPush(ctx, d.ChannelConfig.DeadLetter, e.ID)
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "fail %s failed", e.ID)
}

// Info implements Driver.
func (d *RedisDriver) Info(ctx context.Context) (QueueInfo, error) {
	d.defaults()
	pipe := d.RedisClient.TxPipeline()
	waiting := pipe.LLen(ctx, d.ChannelConfig.Waiting)
	delayed := pipe.ZCard(ctx, d.ChannelConfig.Delayed)
	reserved := pipe.ZCard(ctx, d.ChannelConfig.Reserved)
	dead := pipe.LLen(ctx, d.ChannelConfig.DeadLetter)
	completed := pipe.Get(ctx, d.ChannelConfig.Completed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return QueueInfo{}, errors.Wrap(err, "queue info failed")
	}
	done, _ := completed.Int64()
	return QueueInfo{
		Pending:      waiting.Val() + delayed.Val(),
		InFlight:     reserved.Val(),
		Completed:    done,
		DeadLettered: dead.Val(),
	}, nil
}

// Jobs implements Inspector.
func (d *RedisDriver) Jobs(ctx context.Context, state State, limit int) ([]*Envelope, error) {
	d.defaults()
	values, err := d.RedisClient.HVals(ctx, d.ChannelConfig.Records).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list jobs failed")
	}
	var out []*Envelope
	for _, v := range values {
		var e Envelope
		if err := d.Packer.Unmarshal([]byte(v), &e); err != nil {
			_ = level.Warn(d.Logger).Log("msg", "skipping undecodable record", "err", err)
			continue
		}
		if state != "" && e.State != state {
			continue
		}
		out = append(out, &e)
	}
	sortByEnqueuedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Find implements Inspector.
func (d *RedisDriver) Find(ctx context.Context, id string) (*Envelope, error) {
	d.defaults()
	return d.load(ctx, id)
}

func (d *RedisDriver) load(ctx context.Context, id string) (*Envelope, error) {
	data, err := d.RedisClient.HGet(ctx, d.ChannelConfig.Records, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s failed", id)
	}
	var e Envelope
	if err := d.Packer.Unmarshal([]byte(data), &e); err != nil {
		return nil, errors.Wrapf(err, "decode %s failed", id)
	}
	return &e, nil
}

func (d *RedisDriver) save(ctx context.Context, e *Envelope) error {
	data, err := d.Packer.Marshal(e)
	if err != nil {
		return errors.Wrapf(err, "encode %s failed", e.ID)
	}
	return errors.Wrapf(
		d.RedisClient.HSet(ctx, d.ChannelConfig.Records, e.ID, data).Err(),
		"save %s failed", e.ID,
	)
}
