package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"sentimental/internal/apperrors"
	"sentimental/internal/job"
)

// Key layout. The braces are a hash tag so every key lands in one cluster
// slot, which the scripts below require.
const (
	redisKeyPrefix   = "{sentimental}:"
	redisJobPrefix   = redisKeyPrefix + "job:"
	redisIndexPrefix = redisKeyPrefix + "status:"
)

// createScript inserts the job hash unless it exists and indexes it.
//
// KEYS[1] job hash, KEYS[2] status set
// ARGV[1] immutable job JSON, ARGV[2] status, ARGV[3] metadata JSON,
// ARGV[4] updated_at (ms), ARGV[5] expire-at (ms), ARGV[6] job id
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'status', ARGV[2], 'metadata', ARGV[3],
	'version', 0, 'updated_at', ARGV[4], 'expires_at', ARGV[5])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[6])
return 1
`)

// casScript performs the conditional write. It returns {code, version, status}
// where code is 1 applied, 0 version conflict, -1 missing, -2 forbidden transition.
//
// KEYS[1] job hash, KEYS[2] new status set, KEYS[3..] status sets of the
// statuses in ARGV[7..], pairwise
// ARGV[1] expected version, ARGV[2] new status, ARGV[3] metadata JSON or "",
// ARGV[4] updated_at (ms), ARGV[5] expire-at (ms), ARGV[6] job id,
// ARGV[7..] statuses allowed to move to ARGV[2]
var casScript = goredis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'version', 'status')
if not cur[1] then
	return {-1, 0, ''}
end
local version = tonumber(cur[1])
if version ~= tonumber(ARGV[1]) then
	return {0, version, cur[2]}
end
local from = nil
for i = 7, #ARGV do
	if ARGV[i] == cur[2] then
		from = KEYS[i - 4]
		break
	end
end
if not from then
	return {-2, version, cur[2]}
end
version = version + 1
redis.call('HSET', KEYS[1], 'version', version, 'status', ARGV[2],
	'updated_at', ARGV[4], 'expires_at', ARGV[5])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'metadata', ARGV[3])
end
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
if cur[2] ~= ARGV[2] then
	redis.call('SREM', from, ARGV[6])
	redis.call('SADD', KEYS[2], ARGV[6])
end
return {1, version, ARGV[2]}
`)

// RedisStore keeps each job in a hash that expires with the job's TTL and
// maintains one set of job ids per status. Set members whose hash has expired
// are removed lazily by GetByStatus.
type RedisStore struct {
	rdb   goredis.UniversalClient
	ttl   time.Duration
	clock clockwork.Clock
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(rdb goredis.UniversalClient, ttl time.Duration, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{rdb: rdb, ttl: ttl, clock: clock}
}

func jobKey(id string) string            { return redisJobPrefix + id }
func statusKey(status job.Status) string { return redisIndexPrefix + string(status) }

// Create inserts j at version 0.
func (s *RedisStore) Create(ctx context.Context, j *job.Job) error {
	now := s.clock.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}
	j.Version = 0
	j.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(j)
	if err != nil {
		return apperrors.Internal("redis.create", err)
	}
	meta, err := job.MarshalMetadata(j.Metadata)
	if err != nil {
		return apperrors.Internal("redis.create", err)
	}

	created, err := createScript.Run(ctx, s.rdb,
		[]string{jobKey(j.ID), statusKey(j.Status)},
		data, string(j.Status), meta, j.UpdatedAt.UnixMilli(), j.ExpiresAt.UnixMilli(), j.ID,
	).Int64()
	if err != nil {
		return apperrors.Internal("redis.create", err)
	}
	if created == 0 {
		return apperrors.Conflict("job", j.ID, "job "+j.ID+" already exists")
	}
	return nil
}

// Get reads a single job.
func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, apperrors.Internal("redis.get", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.NotFound("job", id)
	}
	return decodeRedisJob(fields)
}

// GetByStatus reads every job indexed under status.
func (s *RedisStore) GetByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	ids, err := s.rdb.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, apperrors.Internal("redis.getByStatus", err)
	}
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.Internal("redis.getByStatus", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		j, err := decodeRedisJob(fields)
		if err != nil {
			return nil, err
		}
		// The index may briefly lag behind a concurrent CAS.
		if j.Status != status {
			continue
		}
		jobs = append(jobs, j)
	}

	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, statusKey(status), stale...).Err(); err != nil {
			return nil, apperrors.Internal("redis.pruneIndex", err)
		}
	}
	return jobs, nil
}

// CompareAndSet runs the conditional write as a single script.
func (s *RedisStore) CompareAndSet(ctx context.Context, id string, expectedVersion int64, status job.Status, meta job.ProviderMetadata) (job.CASResult, error) {
	var metaJSON []byte
	if meta != nil {
		var err error
		if metaJSON, err = job.MarshalMetadata(meta); err != nil {
			return job.CASResult{}, apperrors.Internal("redis.cas", err)
		}
	}

	now := s.clock.Now().UTC()
	args := []any{
		expectedVersion,
		string(status),
		string(metaJSON),
		now.UnixMilli(),
		now.Add(s.ttl).UnixMilli(),
		id,
	}
	keys := []string{jobKey(id), statusKey(status)}
	for _, from := range job.AllowedFrom(status) {
		args = append(args, string(from))
		keys = append(keys, statusKey(from))
	}

	res, err := casScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return job.CASResult{}, apperrors.Internal("redis.cas", err)
	}
	if len(res) != 3 {
		return job.CASResult{}, apperrors.Internal("redis.cas", fmt.Errorf("unexpected script reply %v", res))
	}
	code, _ := res[0].(int64)
	version, _ := res[1].(int64)
	current, _ := res[2].(string)

	switch code {
	case 1:
		return job.CASResult{Version: version}, nil
	case 0:
		return job.CASResult{Version: version, Conflict: true}, nil
	case -1:
		return job.CASResult{}, apperrors.NotFound("job", id)
	default:
		return job.CASResult{}, apperrors.InvalidTransition(current, string(status))
	}
}

// Ready pings the server.
func (s *RedisStore) Ready(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func decodeRedisJob(fields map[string]string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(fields["data"]), &j); err != nil {
		return nil, apperrors.Internal("redis.decode", err)
	}

	j.Status = job.Status(fields["status"])

	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, apperrors.Internal("redis.decode", fmt.Errorf("version: %w", err))
	}
	j.Version = version

	meta, err := job.UnmarshalMetadata([]byte(fields["metadata"]))
	if err != nil {
		return nil, apperrors.Internal("redis.decode", err)
	}
	j.Metadata = meta

	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		j.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil {
		j.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	return &j, nil
}
