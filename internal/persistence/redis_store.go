package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adflowhq/adflow/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>run:<id>             => gob-encoded redisRunPayload
//	<prefix>lease:<id>           => current lease owner (PX = lease ttl)
//	<prefix>idx:all              => SET of all run IDs
//	<prefix>idx:state:<state>    => SET of run IDs for a given state
//
// The lease key is the claim truth: Redis key expiry implements lease
// expiry, and the Lua scripts below make acquire/renew/release atomic
// compare-and-swap operations on the owner.
//
// Module artifact stores stay SQL-backed regardless of the run-store
// backend; this store covers the run record and lease concern only.
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

type redisRunPayload struct {
	ID               string
	BriefID          string
	State            string
	ClaimedBy        string
	LeaseExpiresAt   int64
	Artifacts        map[string]api.ArtifactRef
	Compensations    []string
	FailedStep       string
	CompensationDone bool
	Error            string
	Override         *api.Override
	CreatedAt        int64
	UpdatedAt        int64
}

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "adflow:").
func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "adflow:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

func (s *RedisRunStore) keyRun(id string) string      { return s.prefix + "run:" + id }
func (s *RedisRunStore) keyLease(id string) string    { return s.prefix + "lease:" + id }
func (s *RedisRunStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisRunStore) keyState(st api.State) string { return s.prefix + "idx:state:" + string(st) }

func encodeRedisRun(run *api.Run) ([]byte, error) {
	errStr := ""
	if run.Err != nil {
		errStr = run.Err.Error()
	}

	var lease int64
	if !run.LeaseExpiresAt.IsZero() {
		lease = run.LeaseExpiresAt.UnixNano()
	}

	payload := redisRunPayload{
		ID:               run.ID,
		BriefID:          run.BriefID,
		State:            string(run.State),
		ClaimedBy:        run.ClaimedBy,
		LeaseExpiresAt:   lease,
		Artifacts:        run.Artifacts,
		Compensations:    run.CompensationsApplied,
		FailedStep:       run.FailedStep,
		CompensationDone: run.CompensationDone,
		Error:            errStr,
		Override:         run.Override,
		CreatedAt:        run.CreatedAt.UnixNano(),
		UpdatedAt:        run.UpdatedAt.UnixNano(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRedisRun(data []byte) (*api.Run, error) {
	if len(data) == 0 {
		return nil, api.ErrRunNotFound
	}
	var payload redisRunPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&payload); err != nil {
		return nil, err
	}

	run := &api.Run{
		ID:                   payload.ID,
		BriefID:              payload.BriefID,
		State:                api.State(payload.State),
		ClaimedBy:            payload.ClaimedBy,
		Artifacts:            payload.Artifacts,
		CompensationsApplied: payload.Compensations,
		FailedStep:           payload.FailedStep,
		CompensationDone:     payload.CompensationDone,
		Override:             payload.Override,
	}
	if payload.LeaseExpiresAt > 0 {
		run.LeaseExpiresAt = time.Unix(0, payload.LeaseExpiresAt)
	}
	if payload.CreatedAt > 0 {
		run.CreatedAt = time.Unix(0, payload.CreatedAt)
	}
	if payload.UpdatedAt > 0 {
		run.UpdatedAt = time.Unix(0, payload.UpdatedAt)
	}
	if payload.Error != "" {
		run.Err = errors.New(payload.Error)
	}
	return run, nil
}

func (s *RedisRunStore) writeRun(ctx context.Context, run *api.Run) error {
	data, err := encodeRedisRun(run)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.keyRun(run.ID), data, 0).Err(); err != nil {
		return err
	}

	// Index updates are best-effort; stale entries are filtered on read.
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyState(run.State), run.ID)
	for _, st := range api.States {
		if st != run.State {
			pipe.SRem(ctx, s.keyState(st), run.ID)
		}
	}
	_, _ = pipe.Exec(ctx)

	return nil
}

func (s *RedisRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	return s.writeRun(ctx, run)
}

func (s *RedisRunStore) UpdateRun(ctx context.Context, run *api.Run) error {
	exists, err := s.client.Exists(ctx, s.keyRun(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return api.ErrRunNotFound
	}
	run.UpdatedAt = time.Now()
	return s.writeRun(ctx, run)
}

func (s *RedisRunStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return decodeRedisRun(data)
}

func (s *RedisRunStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	var ids []string
	var err error

	if opts.State != "" {
		ids, err = s.client.SMembers(ctx, s.keyState(opts.State)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var runs []*api.Run
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, api.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.State != "" && run.State != opts.State {
			continue
		}
		if opts.ClaimedBy != "" && run.ClaimedBy != opts.ClaimedBy {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

var (
	// Acquire a lease with re-entrant behavior for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Renew a lease. Returns 1 if renewed, 0 otherwise.
	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Release a lease. Returns 1 if released, 0 otherwise.
	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 1
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func evalBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}

func (s *RedisRunStore) Claim(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	res, err := s.client.Eval(ctx, redisLeaseAcquireLua, []string{s.keyLease(runID)}, workerID, ttl.Milliseconds()).Result()
	if err != nil {
		return nil, err
	}
	if !evalBool(res) {
		return nil, api.ErrClaimConflict
	}

	run.ClaimedBy = workerID
	run.LeaseExpiresAt = time.Now().Add(ttl)
	if err := s.writeRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *RedisRunStore) ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error) {
	ids, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, api.ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if api.Terminal(run.State) || (run.Failed() && run.CompensationDone) {
			continue
		}

		claimed, err := s.Claim(ctx, id, workerID, ttl)
		if errors.Is(err, api.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
	return nil, nil
}

func (s *RedisRunStore) RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	res, err := s.client.Eval(ctx, redisLeaseRenewLua, []string{s.keyLease(runID)}, workerID, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if !evalBool(res) {
		return api.ErrClaimConflict
	}
	return nil
}

func (s *RedisRunStore) ReleaseLease(ctx context.Context, runID, workerID string) error {
	res, err := s.client.Eval(ctx, redisLeaseReleaseLua, []string{s.keyLease(runID)}, workerID).Result()
	if err != nil {
		return err
	}
	if !evalBool(res) {
		// Held by someone else; releasing a foreign lease is a no-op.
		return nil
	}

	run, err := s.GetRun(ctx, runID)
	if errors.Is(err, api.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.ClaimedBy == workerID {
		run.ClaimedBy = ""
		run.LeaseExpiresAt = time.Time{}
		return s.writeRun(ctx, run)
	}
	return nil
}
