// Copyright 2025 James Ross
package kvstore

import "github.com/redis/go-redis/v9"

// getOrConnectScript implements the atomic lookup-by-indexed-fields-or-create
// critical section of spec §4.A's get_or_connect. KEYS is the list of
// secondary-index set keys to intersect (one per unique field/value pair);
// ARGV is namespace, model, then the onCreate field/value pairs. Because a
// Redis script runs to completion without interleaving, two concurrent
// callers racing on the same unique tuple can never both observe created=1 —
// this is the §9 "promote to a single server-side atomic script"
// recommendation applied to the entity layer's own critical section, not
// just the re-prioritization path.
var getOrConnectScript = redis.NewScript(`
local namespace = ARGV[1]
local model = ARGV[2]

local pk
if #KEYS == 0 then
    pk = nil
elseif #KEYS == 1 then
    local members = redis.call('SMEMBERS', KEYS[1])
    if #members > 0 then pk = members[1] end
else
    local members = redis.call('SINTER', unpack(KEYS))
    if #members > 0 then pk = members[1] end
end

if pk then
    return {tonumber(pk), 0}
end

local seq = redis.call('INCR', namespace .. ':' .. model .. ':pk:seq')

if #ARGV > 2 then
    local hashArgs = {}
    for i = 3, #ARGV do
        hashArgs[#hashArgs + 1] = ARGV[i]
    end
    redis.call('HSET', namespace .. ':' .. model .. ':' .. seq, unpack(hashArgs))
end

for i = 1, #KEYS do
    redis.call('SADD', KEYS[i], seq)
end

return {seq, 1}
`)

// updateIndexedFieldScript changes one indexed hash field's value (plus any
// accompanying non-indexed fields) and keeps that field's secondary index
// set consistent in the same atomic step: the pk is removed from the old
// value's index set and added to the new value's. Ported from the original
// limpyd ORM, which de-indexes the old value on every indexed-field write —
// a plain HSET leaves the pk stranded under the stale index forever, which
// is what status transitions (WAITING -> RUNNING -> SUCCESS/ERROR) need.
//
// KEYS: jobKey
// ARGV: namespace, model, pk, field, newValue, then extra field/value pairs
var updateIndexedFieldScript = redis.NewScript(`
local jobKey = KEYS[1]

local namespace = ARGV[1]
local model = ARGV[2]
local pk = ARGV[3]
local field = ARGV[4]
local newValue = ARGV[5]

local oldValue = redis.call('HGET', jobKey, field)

local hashArgs = {field, newValue}
for i = 6, #ARGV do
    hashArgs[#hashArgs + 1] = ARGV[i]
end
redis.call('HSET', jobKey, unpack(hashArgs))

if oldValue and oldValue ~= newValue then
    redis.call('SREM', namespace .. ':' .. model .. ':idx:' .. field .. ':' .. oldValue, pk)
end
redis.call('SADD', namespace .. ':' .. model .. ':idx:' .. field .. ':' .. newValue, pk)

return 1
`)

// reprioritizeScript performs the four writes of spec §4.C step 4 as one
// atomic operation: mark the job CANCELED (so a worker observing it mid-flight
// skips it per §4.D), remove it from its source queue's waiting list, set it
// WAITING at the new priority, and push it onto the target queue's waiting
// list (left if prepend). This is the Design Notes' "Recommendation: script
// it" applied to the re-prioritization path.
//
// KEYS: jobKey, sourceWaitingKey, targetWaitingKey
// ARGV: jobPK, newPriority, prepend ("0"/"1")
var reprioritizeScript = redis.NewScript(`
local jobKey = KEYS[1]
local sourceWaiting = KEYS[2]
local targetWaiting = KEYS[3]

local jobPK = ARGV[1]
local newPriority = ARGV[2]
local prepend = ARGV[3]

redis.call('HSET', jobKey, 'status', 'CANCELED')
redis.call('LREM', sourceWaiting, 0, jobPK)
redis.call('HSET', jobKey, 'status', 'WAITING', 'priority', newPriority)

if prepend == '1' then
    redis.call('LPUSH', targetWaiting, jobPK)
else
    redis.call('RPUSH', targetWaiting, jobPK)
end

return 1
`)
