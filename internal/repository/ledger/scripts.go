package ledger

// Usage script results.
const (
	usageApplied       int64 = 1
	usageDuplicate     int64 = 0
	usageLeaseMissing  int64 = -1
	usageLeaseReleased int64 = -2
)

// Release script results; a non-negative result is the released amount.
const (
	releaseLeaseMissing  int64 = -1
	releaseNotReleasable int64 = -2
)

// KEYS: budget, new lease, superseded lease (the new lease again when none).
// ARGV: lease_id, agent_id, budget_id, granted, created_at, supersedes.
// Every grant adds to the reservation. A superseded lease keeps its share until
// usage consumes it or an operator releases it.
const grantScript = `
redis.call('HSET', KEYS[2],
  'agent_id', ARGV[2], 'budget_id', ARGV[3], 'granted', ARGV[4], 'spent', '0',
  'status', 'active', 'supersedes', ARGV[6], 'created_at', ARGV[5])
redis.call('HINCRBY', KEYS[1], 'reserved', ARGV[4])
redis.call('HSET', KEYS[1], 'current_lease', ARGV[1])
if ARGV[6] ~= '' then
  redis.call('HSET', KEYS[3], 'status', 'superseded')
end
return 1
`

// KEYS: usage dedup, budget, lease. ARGV: cost, dedup ttl seconds.
// Reserved drops by at most the cost and never below zero.
const usageScript = `
if redis.call('EXISTS', KEYS[3]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[3], 'status') == 'released' then
  return -2
end
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
  return 0
end
local cost = tonumber(ARGV[1])
redis.call('HINCRBY', KEYS[2], 'spent', cost)
redis.call('HINCRBY', KEYS[3], 'spent', cost)
local reserved = tonumber(redis.call('HGET', KEYS[2], 'reserved') or '0')
local release = math.min(cost, reserved)
if release > 0 then
  redis.call('HINCRBY', KEYS[2], 'reserved', -release)
end
return 1
`

// KEYS: budget, lease. Returns the amount returned to the budget.
// Only a superseded lease can be released, and only once.
const releaseScript = `
if redis.call('EXISTS', KEYS[2]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[2], 'status') ~= 'superseded' then
  return -2
end
local granted = tonumber(redis.call('HGET', KEYS[2], 'granted') or '0')
local spent = tonumber(redis.call('HGET', KEYS[2], 'spent') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local release = math.min(math.max(granted - spent, 0), reserved)
if release > 0 then
  redis.call('HINCRBY', KEYS[1], 'reserved', -release)
end
redis.call('HSET', KEYS[2], 'status', 'released')
return release
`
