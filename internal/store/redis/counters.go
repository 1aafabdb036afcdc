// Package redis keeps the gate's hot counters (rate windows, daily cap
// totals) in Redis so several gate instances share one view of a user's
// activity. Both operations run as Lua scripts: the check and the
// increment must be one atomic step.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"civica.org/internal/dailycap"
	"civica.org/internal/ratelimit"
)

// Dial connects and pings. The timeouts match interactive request
// handling; a slow Redis should fail the call, not stall the gate.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// takeScript counts an attempt inside the active window. A denied
// attempt leaves the counter untouched, so hammering a closed window
// never pushes the next one further away.
var takeScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return 1
end
if tonumber(current) < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  return 1
end
return 0
`)

// reserveScript adds ARGV[1] to the day total only when the sum stays
// under ARGV[2]. Returns {approved, total}.
var reserveScript = goredis.NewScript(`
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if total + amount > max then
  return {0, total}
end
total = redis.call('INCRBY', KEYS[1], amount)
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {1, total}
`)

// Counters implements the rate-limit and daily-cap stores on one
// client.
type Counters struct {
	client *goredis.Client
	prefix string
}

var (
	_ ratelimit.Store = (*Counters)(nil)
	_ dailycap.Store  = (*Counters)(nil)
)

// NewCounters wraps a connected client. The prefix namespaces keys so
// several environments can share an instance.
func NewCounters(client *goredis.Client, prefix string) *Counters {
	if prefix == "" {
		prefix = "civica"
	}
	return &Counters{client: client, prefix: prefix}
}

func (c *Counters) Take(ctx context.Context, key string, window time.Duration, max int64, now time.Time) (bool, error) {
	rkey := c.prefix + ":rate:" + key
	res, err := takeScript.Run(ctx, c.client, []string{rkey}, max, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("rate take %s: %w", key, err)
	}
	return res == 1, nil
}

// Reserve keeps cap rows for 48h past first write; the day key itself
// scopes the counter, the TTL only reclaims memory.
func (c *Counters) Reserve(ctx context.Context, userID, day string, amount, dailyMax int64) (dailycap.Result, error) {
	rkey := c.capKey(userID, day)
	vals, err := reserveScript.Run(ctx, c.client, []string{rkey}, amount, dailyMax, (48 * time.Hour).Milliseconds()).Int64Slice()
	if err != nil {
		return dailycap.Result{}, fmt.Errorf("cap reserve %s: %w", rkey, err)
	}
	if len(vals) != 2 {
		return dailycap.Result{}, fmt.Errorf("cap reserve %s: unexpected reply %v", rkey, vals)
	}
	approved, total := vals[0], vals[1]
	remaining := dailyMax - total
	if remaining < 0 {
		remaining = 0
	}
	if approved == 0 {
		return dailycap.Result{Remaining: remaining}, nil
	}
	return dailycap.Result{Approved: amount, Remaining: remaining}, nil
}

func (c *Counters) Total(ctx context.Context, userID, day string) (int64, error) {
	total, err := c.client.Get(ctx, c.capKey(userID, day)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cap total: %w", err)
	}
	return total, nil
}

func (c *Counters) capKey(userID, day string) string {
	return c.prefix + ":cap:" + userID + ":" + day
}
