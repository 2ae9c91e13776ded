package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reservahub/booking-engine/internal/models"
)

// reserveScript increments the slot counter only if the result stays within
// the maximum, and records the hold. KEYS: counter, max, hold. ARGV: quantity, default max.
var reserveScript = redis.NewScript(`
local max = tonumber(redis.call('GET', KEYS[2]) or ARGV[2])
local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local qty = tonumber(ARGV[1])
if reserved + qty > max then
	return 0
end
redis.call('INCRBY', KEYS[1], qty)
redis.call('SET', KEYS[3], qty)
return 1
`)

// releaseScript deletes the hold and gives its units back. KEYS: hold, counter.
var releaseScript = redis.NewScript(`
local qty = redis.call('GET', KEYS[1])
if not qty then
	return 0
end
redis.call('DEL', KEYS[1])
local left = redis.call('DECRBY', KEYS[2], tonumber(qty))
if left < 0 then
	redis.call('SET', KEYS[2], 0)
end
return 1
`)

// RedisCapacityGuard keeps slot counters in Redis. All keys of a slot share a
// hash tag so the scripts stay on one cluster node; the hold id embeds the tag.
type RedisCapacityGuard struct {
	rdb             redis.UniversalClient
	defaultCapacity int
}

// NewRedisCapacityGuard creates a Redis-backed guard
func NewRedisCapacityGuard(rdb redis.UniversalClient, defaultCapacity int) *RedisCapacityGuard {
	return &RedisCapacityGuard{rdb: rdb, defaultCapacity: defaultCapacity}
}

// slotTag escapes both parts so braces in an asset id cannot end the tag early
func slotTag(assetID, slot string) string {
	return "{" + url.PathEscape(assetID) + "|" + url.PathEscape(slot) + "}"
}

func counterKey(tag string) string { return "capacity:" + tag + ":reserved" }
func maxKey(tag string) string     { return "capacity:" + tag + ":max" }
func holdKey(holdID string) string { return "capacity:hold:" + holdID }

// Reserve takes quantity units from the slot or fails with CapacityExceededError
func (g *RedisCapacityGuard) Reserve(ctx context.Context, assetID, slot string, quantity int) (string, error) {
	if quantity <= 0 {
		return "", models.NewValidationError("invalid_quantity", "quantity", "quantity must be positive")
	}

	tag := slotTag(assetID, slot)
	holdID := tag + ":" + uuid.NewString()

	ok, err := reserveScript.Run(ctx, g.rdb,
		[]string{counterKey(tag), maxKey(tag), holdKey(holdID)},
		quantity, g.defaultCapacity,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to reserve capacity: %w", err)
	}
	if ok == 0 {
		return "", &models.CapacityExceededError{AssetID: assetID, Slot: slot, Requested: quantity}
	}
	return holdID, nil
}

// Release gives a hold's units back. Unknown and released holds are a no-op.
func (g *RedisCapacityGuard) Release(ctx context.Context, holdID string) error {
	end := strings.Index(holdID, "}")
	if !strings.HasPrefix(holdID, "{") || end < 0 {
		return nil
	}
	tag := holdID[:end+1]

	if err := releaseScript.Run(ctx, g.rdb, []string{holdKey(holdID), counterKey(tag)}).Err(); err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	return nil
}

// SetCapacity sets the maximum for a slot
func (g *RedisCapacityGuard) SetCapacity(ctx context.Context, assetID, slot string, capacity int) error {
	if capacity < 0 {
		return models.NewValidationError("invalid_capacity", "capacity", "capacity cannot be negative")
	}
	if err := g.rdb.Set(ctx, maxKey(slotTag(assetID, slot)), capacity, 0).Err(); err != nil {
		return fmt.Errorf("failed to set capacity: %w", err)
	}
	return nil
}
