package redisq

import "github.com/redis/go-redis/v9"

// Lua scripts keep multi-key transitions atomic across competing consumers
// and the sweeper.

// publishScript checks capacity, stores the message and fans it out to every
// group's ready set. Returns 1 on success, 0 when full, -1 on duplicate id.
//
// KEYS: items, msg, ref, score, ready...  ARGV: capacity, envelope, ngroups,
// score, id.
var publishScript = redis.NewScript(`
	local cap = tonumber(ARGV[1])
	local items = tonumber(redis.call('GET', KEYS[1]) or '0')
	if cap > 0 and items >= cap then
		return 0
	end
	if redis.call('EXISTS', KEYS[3]) == 1 then
		return -1
	end
	redis.call('SET', KEYS[2], ARGV[2])
	redis.call('SET', KEYS[3], ARGV[3])
	redis.call('SET', KEYS[4], ARGV[4])
	for i = 5, #KEYS do
		redis.call('ZADD', KEYS[i], tonumber(ARGV[4]), ARGV[5])
	end
	redis.call('INCR', KEYS[1])
	return 1
`)

// popScript atomically moves the lowest-scored ready member into the
// in-flight set with the lease expiry as its score.
//
// KEYS: ready, inflight  ARGV: leaseExpMs.
var popScript = redis.NewScript(`
	local popped = redis.call('ZPOPMIN', KEYS[1], 1)
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), id)
	return id
`)

// promoteScript moves due delayed members back to ready, restoring each
// message's original ordering score.
//
// KEYS: delayed, ready  ARGV: nowMs, scoreKeyPrefix.
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due == 0 then
		return 0
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(due) do
		local score = redis.call('GET', ARGV[2] .. id) or '0'
		redis.call('ZADD', KEYS[2], tonumber(score), id)
	end
	return #due
`)

// reclaimScript removes in-flight members whose lease expired and returns
// their ids for the caller to redeliver or dead-letter.
//
// KEYS: inflight  ARGV: nowMs.
var reclaimScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	end
	return due
`)

// ackScript settles one group's delivery and drops the message once every
// group has settled. Returns 0 when the id was not in flight.
//
// KEYS: inflight, retry, ref, msg, score, items  ARGV: id.
var ackScript = redis.NewScript(`
	local removed = redis.call('ZREM', KEYS[1], ARGV[1])
	if removed == 0 then
		return 0
	end
	redis.call('HDEL', KEYS[2], ARGV[1])
	local ref = redis.call('DECR', KEYS[3])
	if ref <= 0 then
		redis.call('DEL', KEYS[3], KEYS[4], KEYS[5])
		redis.call('DECR', KEYS[6])
		return 2
	end
	return 1
`)

// settleScript releases one group's reference without touching the in-flight
// set. Used after the caller already removed the member (dead-letter paths).
//
// KEYS: retry, ref, msg, score, items  ARGV: id.
var settleScript = redis.NewScript(`
	redis.call('HDEL', KEYS[1], ARGV[1])
	local ref = redis.call('DECR', KEYS[2])
	if ref <= 0 then
		redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
		redis.call('DECR', KEYS[5])
		return 1
	end
	return 0
`)
