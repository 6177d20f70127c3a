package lockmgr

// Server-side scripts for the lock store. Every multi-key operation is
// a single atomic script so no caller can ever observe a partial
// acquire, release or transfer.

// acquireAllScript checks every key is absent and only then sets all of
// them to ARGV[1] with ARGV[2] ms TTL. Returns 1 on success, 0 if any
// key is already taken.
const acquireAllScript = `
for i = 1, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 1 then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
end
return 1
`

// releaseOwnedScript deletes only keys whose value starts with the
// owner prefix ARGV[1]. Returns the number actually deleted.
const releaseOwnedScript = `
local n = 0
local plen = string.len(ARGV[1])
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if v and string.sub(v, 1, plen) == ARGV[1] then
    redis.call('DEL', KEYS[i])
    n = n + 1
  end
end
return n
`

// extendOwnedScript resets the TTL to ARGV[2] ms only on keys owned by
// the prefix ARGV[1]. Returns the number extended.
const extendOwnedScript = `
local n = 0
local plen = string.len(ARGV[1])
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if v and string.sub(v, 1, plen) == ARGV[1] then
    redis.call('PEXPIRE', KEYS[i], ARGV[2])
    n = n + 1
  end
end
return n
`

// checkAvailabilityScript is read-only: returns 1 per free key, 0 per
// taken key, in input order.
const checkAvailabilityScript = `
local out = {}
for i = 1, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 1 then
    out[i] = 0
  else
    out[i] = 1
  end
end
return out
`

// transferOwnershipScript verifies every key is still owned by the
// prefix ARGV[1] and only then rewrites all of them to ARGV[2] with
// ARGV[3] ms TTL. Returns 1 on success, 0 if any key is missing or
// owned by someone else.
const transferOwnershipScript = `
local plen = string.len(ARGV[1])
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if not v or string.sub(v, 1, plen) ~= ARGV[1] then
    return 0
  end
end
for i = 1, #KEYS do
  redis.call('SET', KEYS[i], ARGV[2], 'PX', ARGV[3])
end
return 1
`

// batchStatusScript returns the raw value per key, or false for keys
// that do not exist.
const batchStatusScript = `
local out = {}
for i = 1, #KEYS do
  out[i] = redis.call('GET', KEYS[i])
end
return out
`

// cleanupOrphansScript deletes keys that have no TTL. Normal operation
// never produces these; this is a maintenance backstop.
const cleanupOrphansScript = `
local n = 0
for i = 1, #KEYS do
  if redis.call('TTL', KEYS[i]) == -1 then
    redis.call('DEL', KEYS[i])
    n = n + 1
  end
end
return n
`
