package redlock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reviewpipe/reviewpipe/model"
)

// A claim is a hash with status, owner, job_id, attempts, last_error and
// lease_until (unix ms). It is taken when absent, released as available, or
// its lease ran out.
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
local lease = tonumber(redis.call('HGET', KEYS[1], 'lease_until') or '0')
local now = tonumber(ARGV[4])
if (not status) or status == 'available' or (status == 'claimed' and lease < now) then
	local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
	redis.call('HSET', KEYS[1], 'status', 'claimed', 'owner', ARGV[1], 'job_id', ARGV[2], 'lease_until', now + tonumber(ARGV[3]))
	redis.call('PERSIST', KEYS[1])
	return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'claimed' and redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'last_error', ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	return 1
end
return 0
`)

// ClaimStore keeps idempotency claims in redis.
type ClaimStore struct {
	client redis.UniversalClient
	prefix string
	// retention is how long done and dead claims are remembered.
	retention time.Duration
}

func NewClaimStore(client redis.UniversalClient, prefix string, retention time.Duration) *ClaimStore {
	return &ClaimStore{client: client, prefix: prefix, retention: retention}
}

func (s *ClaimStore) redisKey(key string) string {
	return s.prefix + key
}

// Claim tries to take key for owner. The current claim is returned either way.
func (s *ClaimStore) Claim(ctx context.Context, key, jobID, owner string, lease time.Duration) (*model.JobClaim, bool, error) {
	now := time.Now()
	acquired, err := claimScript.Run(ctx, s.client, []string{s.redisKey(key)},
		owner, jobID, lease.Milliseconds(), now.UnixMilli()).Int()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}

	claim, err := s.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return claim, acquired == 1, nil
}

// Release moves the claim held by owner to status.
func (s *ClaimStore) Release(ctx context.Context, key, owner string, status model.ClaimStatus, lastError string) error {
	var ttl int64
	if status == model.ClaimDone || status == model.ClaimDead {
		ttl = s.retention.Milliseconds()
	}
	released, err := releaseScript.Run(ctx, s.client, []string{s.redisKey(key)}, owner, string(status), lastError, ttl).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if released == 0 {
		return fmt.Errorf("claim %s is not held by %s", key, owner)
	}
	return nil
}

// Get reads a claim, nil when there is none.
func (s *ClaimStore) Get(ctx context.Context, key string) (*model.JobClaim, error) {
	fields, err := s.client.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read claim %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	leaseMs, _ := strconv.ParseInt(fields["lease_until"], 10, 64)
	return &model.JobClaim{
		ClaimKey:   key,
		JobID:      fields["job_id"],
		Owner:      fields["owner"],
		Status:     model.ClaimStatus(fields["status"]),
		Attempts:   attempts,
		LeaseUntil: time.UnixMilli(leaseMs),
		LastError:  fields["last_error"],
	}, nil
}
