package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/adflowhq/adflow/pkg/api"
)

// InMemoryStore is a goroutine-safe RunStore backed by a map. It is
// non-durable and intended for tests and local development.
type InMemoryStore struct {
	mu   sync.Mutex
	runs map[string]*api.Run
}

var _ RunStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs: make(map[string]*api.Run),
	}
}

func cloneRun(r *api.Run) *api.Run {
	c := *r
	if r.Artifacts != nil {
		c.Artifacts = make(map[string]api.ArtifactRef, len(r.Artifacts))
		for k, v := range r.Artifacts {
			c.Artifacts[k] = v
		}
	}
	c.CompensationsApplied = append([]string(nil), r.CompensationsApplied...)
	if r.Override != nil {
		ov := *r.Override
		c.Override = &ov
	}
	return &c
}

func (s *InMemoryStore) SaveRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) UpdateRun(ctx context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return api.ErrRunNotFound
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, api.ErrRunNotFound
	}
	return cloneRun(run), nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*api.Run
	for _, run := range s.runs {
		if opts.State != "" && run.State != opts.State {
			continue
		}
		if opts.ClaimedBy != "" && run.ClaimedBy != opts.ClaimedBy {
			continue
		}
		result = append(result, cloneRun(run))
	}
	return result, nil
}

func (s *InMemoryStore) Claim(ctx context.Context, runID, workerID string, ttl time.Duration) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, api.ErrRunNotFound
	}

	now := time.Now()
	if run.ClaimedBy != "" && run.ClaimedBy != workerID && run.LeaseExpiresAt.After(now) {
		return nil, api.ErrClaimConflict
	}

	run.ClaimedBy = workerID
	run.LeaseExpiresAt = now.Add(ttl)
	return cloneRun(run), nil
}

func (s *InMemoryStore) ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*api.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, run := range s.runs {
		if !run.Claimable(now) {
			continue
		}
		run.ClaimedBy = workerID
		run.LeaseExpiresAt = now.Add(ttl)
		return cloneRun(run), nil
	}
	return nil, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return api.ErrRunNotFound
	}
	if run.ClaimedBy != workerID {
		return api.ErrClaimConflict
	}
	run.LeaseExpiresAt = time.Now().Add(ttl)
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, runID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil
	}
	if run.ClaimedBy == "" || run.ClaimedBy == workerID {
		run.ClaimedBy = ""
		run.LeaseExpiresAt = time.Time{}
	}
	return nil
}
