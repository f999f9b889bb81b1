package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveSeatsScript adds ARGV[1] seats unless that would pass the limit in
// ARGV[2]. A refused request leaves the counter untouched. The window key
// expires ARGV[3] seconds after its first reservation.
var reserveSeatsScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local seats = tonumber(ARGV[1])
if used + seats > tonumber(ARGV[2]) then
  return {0, used}
end
used = redis.call("INCRBY", KEYS[1], seats)
if used == seats then
  redis.call("EXPIRE", KEYS[1], ARGV[3])
end
return {1, used}
`)

var releaseSeatsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local left = redis.call("DECRBY", KEYS[1], ARGV[1])
if left <= 0 then
  redis.call("DEL", KEYS[1])
  return 0
end
return left
`)

// SeatQuota limits how many persona seats a user may book in one chat per
// clock hour. An /ask costs one seat and a roundtable costs one seat per
// persona, since every seat is a model call per turn.
type SeatQuota struct {
	redis *redis.Client
	limit int64
}

// Quota is the outcome of a reservation.
type Quota struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// NewSeatQuota returns a quota of limit seats per hour. A non-positive limit
// disables it.
func NewSeatQuota(rdb *redis.Client, limit int64) *SeatQuota {
	return &SeatQuota{redis: rdb, limit: limit}
}

// Reserve books seats for a session queued at now.
func (q *SeatQuota) Reserve(ctx context.Context, chatID, userID int64, seats int, now time.Time) (Quota, error) {
	start, end := seatWindow(now)
	out := Quota{Allowed: true, Limit: q.limit, ResetAt: end}
	if q.limit <= 0 {
		return out, nil
	}
	ttl := int64(end.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := reserveSeatsScript.Run(ctx, q.redis, []string{seatKey(chatID, userID, start)}, max(seats, 1), q.limit, ttl).Slice()
	if err != nil {
		return Quota{}, fmt.Errorf("reserve seats: %w", err)
	}
	if len(res) != 2 {
		return Quota{}, fmt.Errorf("reserve seats: unexpected reply %v", res)
	}
	ok, okType := res[0].(int64)
	used, usedType := res[1].(int64)
	if !okType || !usedType {
		return Quota{}, fmt.Errorf("reserve seats: unexpected reply %v", res)
	}
	out.Allowed = ok == 1
	out.Used = used
	return out, nil
}

// Release gives back seats reserved at now for a session that was never
// queued.
func (q *SeatQuota) Release(ctx context.Context, chatID, userID int64, seats int, now time.Time) error {
	if q.limit <= 0 {
		return nil
	}
	start, _ := seatWindow(now)
	if err := releaseSeatsScript.Run(ctx, q.redis, []string{seatKey(chatID, userID, start)}, max(seats, 1)).Err(); err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	return nil
}

func seatWindow(now time.Time) (start, end time.Time) {
	start = now.UTC().Truncate(time.Hour)
	return start, start.Add(time.Hour)
}

func seatKey(chatID, userID int64, windowStart time.Time) string {
	return fmt.Sprintf("roundtable:seats:%d:%d:%s", chatID, userID, windowStart.Format("2006010215"))
}
