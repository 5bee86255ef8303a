package ledger

import "github.com/redis/go-redis/v9"

// Balance hashes hold integer units only, so every script below is pure
// integer arithmetic on the Redis engine. Each script checks its
// precondition and mutates in the same invocation; callers never observe a
// half-applied state. The change record is pushed inside the script so a
// mutation and its sync-queue entry cannot be separated by a crash.

// KEYS[1] balance hash, KEYS[2] change queue.
// ARGV[1] amount units, ARGV[2] updated_at unix nano, ARGV[3] change record.
var freezeScript = redis.NewScript(`
local available = tonumber(redis.call("HGET", KEYS[1], "available") or "0")
local amount = tonumber(ARGV[1])
if available < amount then
  return 0
end
redis.call("HINCRBY", KEYS[1], "available", -amount)
redis.call("HINCRBY", KEYS[1], "frozen", amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[3])
return 1
`)

var unfreezeScript = redis.NewScript(`
local frozen = tonumber(redis.call("HGET", KEYS[1], "frozen") or "0")
local amount = tonumber(ARGV[1])
if frozen < amount then
  return 0
end
redis.call("HINCRBY", KEYS[1], "frozen", -amount)
redis.call("HINCRBY", KEYS[1], "available", amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[3])
return 1
`)

var deductFrozenScript = redis.NewScript(`
local frozen = tonumber(redis.call("HGET", KEYS[1], "frozen") or "0")
local amount = tonumber(ARGV[1])
if frozen < amount then
  return 0
end
redis.call("HINCRBY", KEYS[1], "frozen", -amount)
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[3])
return 1
`)

var addAvailableScript = redis.NewScript(`
redis.call("HINCRBY", KEYS[1], "available", ARGV[1])
redis.call("HSET", KEYS[1], "updated_at", ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[3])
return 1
`)

// The settlement primitive. Both preconditions are checked before any of the
// four legs mutates, so a failure leaves every balance untouched.
//
// KEYS[1] buyer quote hash, KEYS[2] buyer base hash,
// KEYS[3] seller base hash, KEYS[4] seller quote hash, KEYS[5] change queue.
// ARGV[1] base units, ARGV[2] quote units, ARGV[3] updated_at unix nano,
// ARGV[4..7] change records for the four touched balances.
var transfer4LegScript = redis.NewScript(`
local quote = tonumber(ARGV[2])
local base = tonumber(ARGV[1])
local buyerFrozen = tonumber(redis.call("HGET", KEYS[1], "frozen") or "0")
if buyerFrozen < quote then
  return 0
end
local sellerFrozen = tonumber(redis.call("HGET", KEYS[3], "frozen") or "0")
if sellerFrozen < base then
  return -1
end
redis.call("HINCRBY", KEYS[1], "frozen", -quote)
redis.call("HINCRBY", KEYS[2], "available", base)
redis.call("HINCRBY", KEYS[3], "frozen", -base)
redis.call("HINCRBY", KEYS[4], "available", quote)
for i = 1, 4 do
  redis.call("HSET", KEYS[i], "updated_at", ARGV[3])
  redis.call("RPUSH", KEYS[5], ARGV[3 + i])
end
return 1
`)
