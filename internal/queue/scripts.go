package queue

import "github.com/redis/go-redis/v9"

// Key layout under prefix P:
//
//	P:job:<id>   hash   payload state attempts max err result created updated token
//	P:wait       list   ready ids, LPUSH in / RPOP out
//	P:delayed    zset   id -> ready-at (unix ms)
//	P:active     zset   id -> lease deadline (unix ms)
//	P:completed  list   newest first, trimmed to keep
//	P:failed     list   dead ids, newest first, trimmed to keep
//
// Scripts build job keys from the prefix, so the queue needs a single Redis
// node (or all keys in one hash slot via a {tag} prefix).

// ARGV: prefix, id, payload, max, now
var addScript = redis.NewScript(`
local p = ARGV[1]
local jk = p .. ':job:' .. ARGV[2]
if redis.call('EXISTS', jk) == 1 then
  return 0
end
redis.call('HSET', jk, 'payload', ARGV[3], 'state', 'waiting', 'attempts', 0,
  'max', ARGV[4], 'created', ARGV[5], 'updated', ARGV[5])
redis.call('LPUSH', p .. ':wait', ARGV[2])
return 1
`)

// ARGV: prefix, now, lease_ms, token
// Returns {id, payload, attempts, max, created} or nil.
var reserveScript = redis.NewScript(`
local p = ARGV[1]
local now = tonumber(ARGV[2])
local due = redis.call('ZRANGEBYSCORE', p .. ':delayed', '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', p .. ':delayed', id)
  redis.call('HSET', p .. ':job:' .. id, 'state', 'waiting')
  redis.call('LPUSH', p .. ':wait', id)
end
for _ = 1, 100 do
  local id = redis.call('RPOP', p .. ':wait')
  if not id then
    return false
  end
  local jk = p .. ':job:' .. id
  if redis.call('HGET', jk, 'state') == 'waiting' then
    local attempts = redis.call('HINCRBY', jk, 'attempts', 1)
    redis.call('HSET', jk, 'state', 'active', 'updated', now, 'token', ARGV[4])
    redis.call('ZADD', p .. ':active', now + tonumber(ARGV[3]), id)
    return {id, redis.call('HGET', jk, 'payload'), attempts, redis.call('HGET', jk, 'max'), redis.call('HGET', jk, 'created')}
  end
end
return false
`)

// ARGV: prefix, id, token, now, result, keep
// Returns 1 on success, 0 if the lease is gone.
var completeScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. ':job:' .. id
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'token') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', p .. ':active', id)
redis.call('HSET', jk, 'state', 'completed', 'updated', ARGV[4], 'result', ARGV[5], 'token', '')
local list = p .. ':completed'
local keep = tonumber(ARGV[6])
redis.call('LPUSH', list, id)
for _, old in ipairs(redis.call('LRANGE', list, keep, -1)) do
  redis.call('DEL', p .. ':job:' .. old)
end
redis.call('LTRIM', list, 0, keep - 1)
return 1
`)

// ARGV: prefix, id, token, now, err, delay_ms (-1 = dead), keep_failed
// Returns 1 delayed, 2 dead, 0 lease gone.
var failScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. ':job:' .. id
if redis.call('HGET', jk, 'state') ~= 'active' or redis.call('HGET', jk, 'token') ~= ARGV[3] then
  return 0
end
local now = tonumber(ARGV[4])
local delay = tonumber(ARGV[6])
redis.call('ZREM', p .. ':active', id)
redis.call('HSET', jk, 'err', ARGV[5], 'updated', now, 'token', '')
if delay >= 0 then
  redis.call('HSET', jk, 'state', 'delayed')
  redis.call('ZADD', p .. ':delayed', now + delay, id)
  return 1
end
redis.call('HSET', jk, 'state', 'dead')
local list = p .. ':failed'
local keep = tonumber(ARGV[7])
redis.call('LPUSH', list, id)
for _, old in ipairs(redis.call('LRANGE', list, keep, -1)) do
  redis.call('DEL', p .. ':job:' .. old)
end
redis.call('LTRIM', list, 0, keep - 1)
return 2
`)

// ARGV: prefix, now, keep_failed, limit
// Returns flat {id, attempts, outcome, ...} where outcome is 'waiting' or 'dead'.
var reapScript = redis.NewScript(`
local p = ARGV[1]
local now = tonumber(ARGV[2])
local keep = tonumber(ARGV[3])
local out = {}
local expired = redis.call('ZRANGEBYSCORE', p .. ':active', '-inf', now, 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(expired) do
  local jk = p .. ':job:' .. id
  redis.call('ZREM', p .. ':active', id)
  if redis.call('EXISTS', jk) == 1 then
    local attempts = tonumber(redis.call('HGET', jk, 'attempts'))
    local max = tonumber(redis.call('HGET', jk, 'max'))
    redis.call('HSET', jk, 'updated', now, 'token', '')
    if attempts >= max then
      redis.call('HSET', jk, 'state', 'dead', 'err', 'lease expired')
      redis.call('LPUSH', p .. ':failed', id)
      for _, old in ipairs(redis.call('LRANGE', p .. ':failed', keep, -1)) do
        redis.call('DEL', p .. ':job:' .. old)
      end
      redis.call('LTRIM', p .. ':failed', 0, keep - 1)
      table.insert(out, id)
      table.insert(out, attempts)
      table.insert(out, 'dead')
    else
      redis.call('HSET', jk, 'state', 'waiting')
      redis.call('RPUSH', p .. ':wait', id)
      table.insert(out, id)
      table.insert(out, attempts)
      table.insert(out, 'waiting')
    end
  end
end
return out
`)

// ARGV: prefix, id, now
// Returns 1 requeued, 0 not dead, -1 missing.
var retryScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local jk = p .. ':job:' .. id
local state = redis.call('HGET', jk, 'state')
if not state then
  return -1
end
if state ~= 'dead' then
  return 0
end
redis.call('LREM', p .. ':failed', 0, id)
redis.call('HSET', jk, 'state', 'waiting', 'attempts', 0, 'err', '', 'updated', ARGV[3])
redis.call('LPUSH', p .. ':wait', id)
return 1
`)
