package redisstore

import "github.com/redis/go-redis/v9"

// Every agent/call hash carries a plain `status` field next to the JSON `data` snapshot so the
// scripts can compare-and-set without decoding JSON. Agents also carry `ver`, bumped by every write.

var claimScript = redis.NewScript(`
-- KEYS[1] = agent hash
-- KEYS[2] = available zset
-- KEYS[3] = call hash
-- KEYS[4] = assignment hash
-- ARGV[1] = expected agent version
-- ARGV[2] = agent json (BUSY)
-- ARGV[3] = call json (ASSIGNED)
-- ARGV[4] = assignment json (ACTIVE)
-- ARGV[5] = zset member
--
-- Returns:
--  1 claimed
--  0 agent no longer AVAILABLE (race lost)
-- -1 call id already exists
if redis.call('HGET', KEYS[1], 'status') ~= 'AVAILABLE' then
  return 0
end
if redis.call('HGET', KEYS[1], 'ver') ~= ARGV[1] then
  return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return -1
end
redis.call('HSET', KEYS[1], 'status', 'BUSY', 'data', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'ver', 1)
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('HSET', KEYS[3], 'status', 'ASSIGNED', 'data', ARGV[3])
redis.call('HSET', KEYS[4], 'data', ARGV[4])
return 1
`)

var startScript = redis.NewScript(`
-- KEYS[1] = call hash
-- KEYS[2] = assignment hash
-- ARGV[1] = expected call status
-- ARGV[2] = call json (IN_PROGRESS)
-- ARGV[3] = assignment json
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS', 'data', ARGV[2])
redis.call('HSET', KEYS[2], 'data', ARGV[3])
return 1
`)

var finishScript = redis.NewScript(`
-- KEYS[1] = call hash
-- KEYS[2] = assignment hash
-- KEYS[3] = agent hash
-- KEYS[4] = available zset
-- ARGV[1] = expected call status
-- ARGV[2] = terminal call status
-- ARGV[3] = call json
-- ARGV[4] = assignment json
-- ARGV[5] = expected agent version
-- ARGV[6] = agent status
-- ARGV[7] = agent json
-- ARGV[8] = "1" to re-admit the agent
-- ARGV[9] = zset score
-- ARGV[10] = zset member
--
-- Returns 1 when applied, 0 when call or agent changed since they were read.
if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
  return 0
end
if redis.call('HGET', KEYS[3], 'ver') ~= ARGV[5] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('HSET', KEYS[2], 'data', ARGV[4])
redis.call('HSET', KEYS[3], 'status', ARGV[6], 'data', ARGV[7])
redis.call('HINCRBY', KEYS[3], 'ver', 1)
if ARGV[8] == '1' then
  redis.call('ZADD', KEYS[4], ARGV[9], ARGV[10])
end
return 1
`)
