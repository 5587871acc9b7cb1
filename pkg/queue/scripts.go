package queue

import "github.com/redis/go-redis/v9"

// enqueueScript stores the invocation and makes it visible in one step.
// An id that already has an invocation or a result is left untouched, which makes
// re-enqueueing a deterministic id idempotent.
//
// KEYS: invocation, result, ready list, delayed zset
// ARGV: json, id, task, not_before ms, now ms, attempt
var enqueueScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('HSET', KEYS[2],
		'status', 'pending',
		'task', ARGV[3],
		'queue', KEYS[3],
		'attempt', ARGV[6],
		'enqueued_at', ARGV[5])
	if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
		redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
	else
		redis.call('RPUSH', KEYS[3], ARGV[2])
	end
	return 1
`)

// claimScript promotes due delayed invocations to their ready lists, then pops the
// first id from the highest priority non-empty list and records the claim.
// Running as one script is what guarantees a single holder per invocation.
//
// KEYS: delayed, processing, high, default, low
// ARGV: now ms, visibility deadline ms, result key prefix, slot id
var claimScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(due) do
		local q = redis.call('HGET', ARGV[3] .. id, 'queue')
		if not q then
			q = KEYS[4]
		end
		redis.call('RPUSH', q, id)
		redis.call('ZREM', KEYS[1], id)
	end

	for i = 3, 5 do
		local id = redis.call('LPOP', KEYS[i])
		if id then
			redis.call('ZADD', KEYS[2], ARGV[2], id)
			redis.call('HSET', ARGV[3] .. id, 'status', 'started', 'slot', ARGV[4], 'started_at', ARGV[1])
			return id
		end
	end
	return false
`)

// recoverScript returns invocations whose visibility deadline has passed to the
// head of their ready list. Reclaiming does not count as an attempt.
//
// KEYS: processing, default list
// ARGV: now ms, result key prefix
var recoverScript = redis.NewScript(`
	local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, id in ipairs(stale) do
		local q = redis.call('HGET', ARGV[2] .. id, 'queue')
		if not q then
			q = KEYS[2]
		end
		redis.call('ZREM', KEYS[1], id)
		redis.call('LPUSH', q, id)
		redis.call('HSET', ARGV[2] .. id, 'status', 'pending', 'slot', '')
	end
	return #stale
`)

// tokenBucketScript implements a token bucket per key.
//
// KEYS: bucket
// ARGV: rate (tokens/sec), burst (capacity), now (seconds), tokens requested
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	-- Refill tokens
	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	local allowed = 0
	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		allowed = 1
	end
	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', now)
	redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)
	return allowed
`)
