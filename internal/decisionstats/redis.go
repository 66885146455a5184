package decisionstats

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps hash counters:
//
//	<prefix>:total                 allowed|denied
//	<prefix>:minute:<yyyymmddhhmm> allowed|denied, expires after TTL
//	<prefix>:op:<operation>        allowed|denied, plus denied:<rule>
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

// WithBucketTTL sets how long per-minute buckets live. Zero keeps them.
func WithBucketTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "gate:stats", ttl: 48 * time.Hour}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type increment struct {
	key, field string
	expire     bool
}

// plan lists the counters one event bumps.
func (r *Redis) plan(ev Event) []increment {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	incs := []increment{
		{key: r.prefix + ":total", field: field},
		{key: r.prefix + ":minute:" + at.UTC().Format("200601021504"), field: field, expire: true},
	}
	if op := strings.TrimSpace(ev.Operation); op != "" {
		opKey := r.prefix + ":op:" + op
		incs = append(incs, increment{key: opKey, field: field})
		if !ev.Allowed && ev.Rule != "" {
			incs = append(incs, increment{key: opKey, field: "denied:" + ev.Rule})
		}
	}
	return incs
}

func (r *Redis) Record(ctx context.Context, ev Event) error {
	pipe := r.client.Pipeline()
	for _, inc := range r.plan(ev) {
		pipe.HIncrBy(ctx, inc.key, inc.field, 1)
		if inc.expire && r.ttl > 0 {
			pipe.Expire(ctx, inc.key, r.ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Ping is the readiness check for the sink.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
