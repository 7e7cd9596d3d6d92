package queue

import "github.com/go-redis/redis/v8"

// moveScript removes one exact entry from KEYS[1] and, only if it was present,
// pushes the replacement onto KEYS[2] and applies HINCRBY field/amount pairs
// from ARGV[3:] to the stats hash in KEYS[3]. Returns 1 on success, 0 when the
// entry was not found.
var moveScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
for i = 3, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[3], ARGV[i], ARGV[i + 1])
end
return 1
`)

// markSeenScript adds a fingerprint and bumps ARGV[2] in the stats hash when it is new.
var markSeenScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 and ARGV[2] ~= '' then
  redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
return added
`)

// reapScript moves ARGV[1] from KEYS[1] to KEYS[2] as ARGV[2], but only while
// worker ARGV[3]'s heartbeat in KEYS[3] still equals ARGV[4] ("" for none).
// Returns 1 when moved, 0 when the entry is gone, -1 when the worker reported in.
var reapScript = redis.NewScript(`
local beat = redis.call('HGET', KEYS[3], ARGV[3])
if beat == false then beat = '' end
if beat ~= ARGV[4] then
  return -1
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// forgetWorkersScript removes worker/heartbeat pairs from ARGV whose heartbeat
// in KEYS[1] is unchanged, dropping them from the active set in KEYS[2]. It
// returns the ids it removed.
var forgetWorkersScript = redis.NewScript(`
local removed = {}
for i = 1, #ARGV, 2 do
  local beat = redis.call('HGET', KEYS[1], ARGV[i])
  if beat == false then beat = '' end
  if beat == ARGV[i + 1] then
    redis.call('HDEL', KEYS[1], ARGV[i])
    redis.call('SREM', KEYS[2], ARGV[i])
    table.insert(removed, ARGV[i])
  end
end
return removed
`)
