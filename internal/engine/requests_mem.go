package engine

import (
	"context"
	"sync"
	"time"

	"accessgate/internal/metadata"
	"accessgate/internal/store"
)

// MemRequestStore is an in-process RequestStore with the same conditional
// update semantics as the Postgres one. All mutations run under a single
// mutex, so compare-and-swap races resolve the same way: exactly one
// writer wins. Used in tests and single-node runs without a database.
type MemRequestStore struct {
	mu        sync.Mutex
	requests  map[string]*metadata.AccessRequest
	approvals map[string]map[int]*metadata.Approval // request id -> level -> approval
}

func NewMemRequestStore() *MemRequestStore {
	return &MemRequestStore{
		requests:  map[string]*metadata.AccessRequest{},
		approvals: map[string]map[int]*metadata.Approval{},
	}
}

func (s *MemRequestStore) Create(_ context.Context, req *metadata.AccessRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemRequestStore) Get(_ context.Context, id string) (*metadata.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemRequestStore) Decide(_ context.Context, approval *metadata.Approval, expectStatus string, expectLevel int, update RequestUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.approvals[approval.RequestID][approval.Level] != nil {
		return false, nil
	}
	if !s.applyLocked(approval.RequestID, expectStatus, expectLevel, update) {
		return false, nil
	}

	levels := s.approvals[approval.RequestID]
	if levels == nil {
		levels = map[int]*metadata.Approval{}
		s.approvals[approval.RequestID] = levels
	}
	cp := *approval
	levels[approval.Level] = &cp
	return true, nil
}

func (s *MemRequestStore) Transition(_ context.Context, requestID, expectStatus string, expectLevel int, update RequestUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(requestID, expectStatus, expectLevel, update), nil
}

func (s *MemRequestStore) applyLocked(requestID, expectStatus string, expectLevel int, update RequestUpdate) bool {
	req, ok := s.requests[requestID]
	if !ok || req.Status != expectStatus || req.CurrentLevel != expectLevel {
		return false
	}
	req.Status = update.Status
	req.CurrentLevel = update.CurrentLevel
	if update.ResetLevelEntered {
		req.LevelEnteredAt = time.Now()
	}
	req.UpdatedAt = time.Now()
	return true
}

func (s *MemRequestStore) ListOpen(_ context.Context) ([]*metadata.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []*metadata.AccessRequest
	for _, req := range s.requests {
		if req.Open() {
			cp := *req
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (s *MemRequestStore) FindApproved(_ context.Context, chainID, requesterID, resourceID, action string) (*metadata.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *metadata.AccessRequest
	for _, req := range s.requests {
		if req.Status != metadata.StatusApproved || req.ChainID != chainID || req.RequesterID != requesterID ||
			req.Details.ResourceID != resourceID || req.Details.Action != action {
			continue
		}
		if latest == nil || req.UpdatedAt.After(latest.UpdatedAt) {
			cp := *req
			latest = &cp
		}
	}
	return latest, nil
}

// SetLevelEnteredAt backdates a request's level clock. Test hook for
// exercising timeout behavior.
func (s *MemRequestStore) SetLevelEnteredAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[id]; ok {
		req.LevelEnteredAt = t
	}
}
