package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"accessgate/internal/metadata"
	"accessgate/internal/store"
)

// RequestUpdate describes a conditional state transition for an access
// request. ResetLevelEntered restarts the timeout clock for the level
// being entered.
type RequestUpdate struct {
	Status            string
	CurrentLevel      int
	ResetLevelEntered bool
}

// RequestStore abstracts persistence for access requests and approvals.
// Decide and Transition are compare-and-swap operations: they apply only
// if the request still has the expected status and level, and report
// false when another writer won the race. That guarantee is what
// serializes a human approver against the escalation sweep.
type RequestStore interface {
	Create(ctx context.Context, req *metadata.AccessRequest) error
	Get(ctx context.Context, id string) (*metadata.AccessRequest, error)
	// Decide atomically records an approval and applies the update. It
	// reports false if an approval already exists for (request, level)
	// or the request no longer matches the expected status/level.
	Decide(ctx context.Context, approval *metadata.Approval, expectStatus string, expectLevel int, update RequestUpdate) (bool, error)
	// Transition applies the update without recording an approval (used
	// by cancellation and the escalation sweep).
	Transition(ctx context.Context, requestID, expectStatus string, expectLevel int, update RequestUpdate) (bool, error)
	// ListOpen returns every request still awaiting a decision.
	ListOpen(ctx context.Context) ([]*metadata.AccessRequest, error)
	// FindApproved returns the most recently approved request by the
	// requester for the resource and action on the chain, or nil.
	FindApproved(ctx context.Context, chainID, requesterID, resourceID, action string) (*metadata.AccessRequest, error)
}

const requestColumns = `id, tenant_id, requester_id, chain_id, details, status, current_level, level_entered_at, created_at, updated_at`

// PgRequestStore implements RequestStore against the _access_requests and
// _approvals tables.
type PgRequestStore struct {
	store *store.Store
}

func NewPgRequestStore(s *store.Store) *PgRequestStore {
	return &PgRequestStore{store: s}
}

func (s *PgRequestStore) Create(ctx context.Context, req *metadata.AccessRequest) error {
	detailsJSON, err := json.Marshal(req.Details)
	if err != nil {
		return fmt.Errorf("marshal request details: %w", err)
	}

	_, err = s.store.Pool.Exec(ctx,
		`INSERT INTO _access_requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		req.ID, req.TenantID, req.RequesterID, req.ChainID, detailsJSON,
		req.Status, req.CurrentLevel, req.LevelEnteredAt, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert access request: %w", err)
	}
	return nil
}

func (s *PgRequestStore) Get(ctx context.Context, id string) (*metadata.AccessRequest, error) {
	req, err := scanRequest(s.store.Pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM _access_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return req, err
}

func (s *PgRequestStore) Decide(ctx context.Context, approval *metadata.Approval, expectStatus string, expectLevel int, update RequestUpdate) (bool, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO _approvals (id, request_id, approver_id, level, decision, comments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		approval.ID, approval.RequestID, approval.ApproverID, approval.Level,
		approval.Decision, approval.Comments, approval.CreatedAt)
	if err != nil {
		if errors.Is(store.MapError(err), store.ErrUniqueViolation) {
			return false, nil
		}
		return false, fmt.Errorf("insert approval: %w", err)
	}

	applied, err := applyTransition(ctx, tx, approval.RequestID, expectStatus, expectLevel, update)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit decide tx: %w", err)
	}
	return true, nil
}

func (s *PgRequestStore) Transition(ctx context.Context, requestID, expectStatus string, expectLevel int, update RequestUpdate) (bool, error) {
	return applyTransition(ctx, s.store.Pool, requestID, expectStatus, expectLevel, update)
}

func applyTransition(ctx context.Context, q store.Querier, requestID, expectStatus string, expectLevel int, update RequestUpdate) (bool, error) {
	var sql string
	if update.ResetLevelEntered {
		sql = `UPDATE _access_requests
		       SET status = $1, current_level = $2, level_entered_at = NOW(), updated_at = NOW()
		       WHERE id = $3 AND status = $4 AND current_level = $5`
	} else {
		sql = `UPDATE _access_requests
		       SET status = $1, current_level = $2, updated_at = NOW()
		       WHERE id = $3 AND status = $4 AND current_level = $5`
	}

	tag, err := q.Exec(ctx, sql,
		update.Status, update.CurrentLevel, requestID, expectStatus, expectLevel)
	if err != nil {
		return false, fmt.Errorf("transition request %s: %w", requestID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgRequestStore) ListOpen(ctx context.Context) ([]*metadata.AccessRequest, error) {
	rows, err := s.store.Pool.Query(ctx,
		`SELECT `+requestColumns+` FROM _access_requests
		 WHERE status IN ('pending', 'pending_next_level')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open requests: %w", err)
	}
	defer rows.Close()

	var requests []*metadata.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *PgRequestStore) FindApproved(ctx context.Context, chainID, requesterID, resourceID, action string) (*metadata.AccessRequest, error) {
	req, err := scanRequest(s.store.Pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM _access_requests
		 WHERE chain_id = $1 AND requester_id = $2 AND status = 'approved'
		   AND details->>'resource_id' = $3 AND details->>'action' = $4
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		chainID, requesterID, resourceID, action))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// rowScanner covers pgx.Row and pgx.Rows so single-row and multi-row
// reads share one scan path.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*metadata.AccessRequest, error) {
	req := &metadata.AccessRequest{}
	var detailsJSON []byte
	err := row.Scan(&req.ID, &req.TenantID, &req.RequesterID, &req.ChainID, &detailsJSON,
		&req.Status, &req.CurrentLevel, &req.LevelEnteredAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(detailsJSON, &req.Details); err != nil {
		return nil, fmt.Errorf("parse details of request %s: %w", req.ID, err)
	}
	return req, nil
}
