package redis

import "github.com/redis/go-redis/v9"

// KEYS: record hash, state index. ARGV: id, created_at score, field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: record hash, expected state index, next state index.
// ARGV: id, expected state/owner/expiry/attempts, next state/owner/expiry/
// attempts/last_error/not_before/updated_at/processed_at/result.
var casScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'lease_owner', 'lease_expires_at', 'attempts', 'created_at')
if not cur[1] then
	return 0
end
if cur[1] ~= ARGV[2] or (cur[2] or '') ~= ARGV[3] or (cur[3] or '') ~= ARGV[4] or (cur[4] or '0') ~= ARGV[5] then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', ARGV[6],
	'lease_owner', ARGV[7],
	'lease_expires_at', ARGV[8],
	'attempts', ARGV[9],
	'last_error', ARGV[10],
	'not_before', ARGV[11],
	'updated_at', ARGV[12],
	'processed_at', ARGV[13],
	'result', ARGV[14])
if ARGV[2] ~= ARGV[6] then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], cur[5], ARGV[1])
end
return 1
`)
