package rediscoord

import "github.com/redis/go-redis/v9"

var (
	// KEYS: kv hash, index counter. ARGV: value, expected version (-1 for none).
	// Version 0 means the node must not exist. Returns the new version or 0.
	setScript = redis.NewScript(`
local expected = tonumber(ARGV[2])
if expected >= 0 then
  local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
  if current ~= expected then
    return 0
  end
end
local version = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "value", ARGV[1], "version", version)
return version
`)

	// KEYS: kv hash, index counter. ARGV: expected version (-1 for none).
	deleteScript = redis.NewScript(`
local expected = tonumber(ARGV[1])
if expected >= 0 then
  local current = tonumber(redis.call("HGET", KEYS[1], "version") or "0")
  if current ~= expected then
    return 0
  end
end
if redis.call("DEL", KEYS[1]) == 1 then
  redis.call("INCR", KEYS[2])
end
return 1
`)

	// KEYS: session key, session lock set. ARGV: ttl ms, session id.
	// Extends the session and every lock it still holds.
	renewScript = redis.NewScript(`
if redis.call("PEXPIRE", KEYS[1], ARGV[1]) == 0 then
  return 0
end
for _, lock in ipairs(redis.call("SMEMBERS", KEYS[2])) do
  if redis.call("GET", lock) == ARGV[2] then
    redis.call("PEXPIRE", lock, ARGV[1])
  else
    redis.call("SREM", KEYS[2], lock)
  end
end
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return 1
`)

	// KEYS: session key, session lock set. ARGV: session id.
	destroyScript = redis.NewScript(`
for _, lock in ipairs(redis.call("SMEMBERS", KEYS[2])) do
  if redis.call("GET", lock) == ARGV[1] then
    redis.call("DEL", lock)
  end
end
redis.call("DEL", KEYS[2])
return redis.call("DEL", KEYS[1])
`)

	// KEYS: lock, session key, session lock set. ARGV: session id, ttl ms.
	// Returns 1 when held by the session, 0 when held by another, -1 when the
	// session no longer exists.
	acquireScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
  return -1
end
local holder = redis.call("GET", KEYS[1])
if holder == ARGV[1] then
  return 1
end
if not redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 0
end
redis.call("SADD", KEYS[3], KEYS[1])
redis.call("PEXPIRE", KEYS[3], ARGV[2])
return 1
`)

	// KEYS: lock, session lock set. ARGV: session id.
	releaseScript = redis.NewScript(`
redis.call("SREM", KEYS[2], KEYS[1])
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)
