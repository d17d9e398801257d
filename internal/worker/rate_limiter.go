package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// =============================================================================
// SEND GATE - Aggregate Rate Limiting
// =============================================================================
// All workers share one gate that bounds aggregate send throughput to the
// configured emails/second. The gate only delays work, it never rejects it.
//
// Two implementations:
//   - localGate: token bucket (burst 1) for a single engine process. The
//     bucket's internal lock makes acquire-and-stamp atomic, so concurrent
//     workers cannot each observe "enough time has passed" and burst.
//   - redisGate: a Lua compare-and-set interval gate for running several
//     engine processes against one aggregate rate. The script reads the
//     last-granted timestamp and either advances it or returns the remaining
//     wait, in one atomic step.

// SendGate bounds aggregate send throughput across all workers.
type SendGate interface {
	// Wait blocks until the caller may send one email, or ctx is done.
	Wait(ctx context.Context) error
}

// NewSendGate returns the appropriate gate for the deployment: a shared
// Redis gate when a client is provided, a process-local token bucket
// otherwise.
func NewSendGate(emailsPerSecond float64, redisClient *redis.Client) SendGate {
	if redisClient != nil {
		return NewRedisSendGate(emailsPerSecond, redisClient)
	}
	return NewLocalSendGate(emailsPerSecond)
}

// localGate wraps a token bucket with burst 1: grants are spaced at least
// 1/emailsPerSecond apart.
type localGate struct {
	lim *rate.Limiter
}

// NewLocalSendGate creates an in-process send gate.
func NewLocalSendGate(emailsPerSecond float64) SendGate {
	if emailsPerSecond <= 0 {
		emailsPerSecond = 10
	}
	return &localGate{lim: rate.NewLimiter(rate.Limit(emailsPerSecond), 1)}
}

func (g *localGate) Wait(ctx context.Context) error {
	return g.lim.Wait(ctx)
}

// intervalGateScript atomically checks the time since the last granted send
// and either records "now" as the new grant or returns the microseconds the
// caller still has to wait. Doing both in one script is what keeps
// concurrent workers from racing past the limit.
const intervalGateScript = `
local last = tonumber(redis.call("GET", KEYS[1]) or "0")
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local elapsed = now - last
if elapsed >= interval then
    redis.call("SET", KEYS[1], now, "PX", tonumber(ARGV[3]))
    return 0
end
return interval - elapsed
`

const redisGateKey = "broadcast:sendgate:last_grant"

// redisGate is a shared interval gate backed by Redis.
type redisGate struct {
	client   *redis.Client
	script   *redis.Script
	interval time.Duration
}

// NewRedisSendGate creates a send gate shared across processes via Redis.
func NewRedisSendGate(emailsPerSecond float64, client *redis.Client) SendGate {
	if emailsPerSecond <= 0 {
		emailsPerSecond = 10
	}
	return &redisGate{
		client:   client,
		script:   redis.NewScript(intervalGateScript),
		interval: time.Duration(float64(time.Second) / emailsPerSecond),
	}
}

func (g *redisGate) Wait(ctx context.Context) error {
	// Key TTL just needs to outlive the interval by a wide margin.
	ttlMillis := int64(g.interval/time.Millisecond)*10 + 1000

	for {
		res, err := g.script.Run(ctx, g.client,
			[]string{redisGateKey},
			time.Now().UnixMicro(),
			g.interval.Microseconds(),
			ttlMillis,
		).Int64()
		if err != nil {
			return err
		}
		if res == 0 {
			return nil
		}

		wait := time.Duration(res) * time.Microsecond
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
