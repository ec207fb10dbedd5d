package metadata

import (
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr/vm"
)

// Access request statuses.
const (
	StatusPending          = "pending"
	StatusPendingNextLevel = "pending_next_level"
	StatusApproved         = "approved"
	StatusDenied           = "denied"
	StatusExpired          = "expired"
	StatusCancelled        = "cancelled"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// ApprovalLevel is one sign-off step in a chain. EscalateToLevel, when
// set, is where a timed-out request moves; when nil, timeout expires the
// request.
type ApprovalLevel struct {
	Level           int         `json:"level"`
	ApproverRole    string      `json:"approver_role"` // role id whose holders may decide
	TimeoutHours    int         `json:"timeout_hours"`
	EscalateToLevel *int        `json:"escalate_to_level,omitempty"`
	AutoApprove     []Condition `json:"auto_approve_conditions,omitempty"`
}

// ApprovalChain is an ordered sequence of required sign-offs gating an
// action on matching resources.
type ApprovalChain struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name"`
	ResourceType    string          `json:"resource_type"`
	ResourcePattern string          `json:"resource_pattern,omitempty"` // glob, e.g. "sensitive_data:*"
	Levels          []ApprovalLevel `json:"levels"`
	AutoApprove     []Condition     `json:"auto_approve_conditions,omitempty"`
	// AutoApproveGuard is an optional expr-lang expression evaluated
	// against {requester, resource, context}. When set it must hold in
	// addition to the condition maps for auto-approval.
	AutoApproveGuard string `json:"auto_approve_guard,omitempty"`
	Active           bool   `json:"active"`

	// compiledGuard caches the compiled guard program. Chains are shared
	// across concurrent evaluations, so the cache slot is atomic.
	compiledGuard atomic.Pointer[vm.Program]
}

// Guard returns the cached compiled guard program, or nil before the
// first compilation.
func (c *ApprovalChain) Guard() *vm.Program {
	return c.compiledGuard.Load()
}

// SetGuard caches a compiled guard program. Concurrent compilers may
// both store; the programs are equivalent so either wins.
func (c *ApprovalChain) SetGuard(p *vm.Program) {
	c.compiledGuard.Store(p)
}

// LevelAt returns the level definition with the given number, or nil.
func (c *ApprovalChain) LevelAt(level int) *ApprovalLevel {
	for i := range c.Levels {
		if c.Levels[i].Level == level {
			return &c.Levels[i]
		}
	}
	return nil
}

// FirstLevel returns the lowest-numbered level, or nil for an empty chain.
func (c *ApprovalChain) FirstLevel() *ApprovalLevel {
	var first *ApprovalLevel
	for i := range c.Levels {
		if first == nil || c.Levels[i].Level < first.Level {
			first = &c.Levels[i]
		}
	}
	return first
}

// FinalLevel returns the highest-numbered level, or nil for an empty chain.
func (c *ApprovalChain) FinalLevel() *ApprovalLevel {
	var last *ApprovalLevel
	for i := range c.Levels {
		if last == nil || c.Levels[i].Level > last.Level {
			last = &c.Levels[i]
		}
	}
	return last
}

// NextLevelAfter returns the next level above the given number, or nil.
func (c *ApprovalChain) NextLevelAfter(level int) *ApprovalLevel {
	var next *ApprovalLevel
	for i := range c.Levels {
		l := &c.Levels[i]
		if l.Level <= level {
			continue
		}
		if next == nil || l.Level < next.Level {
			next = l
		}
	}
	return next
}

// RequestDetails records what was asked for and why.
type RequestDetails struct {
	ResourceType  string `json:"resource_type"`
	ResourceID    string `json:"resource_id"`
	Action        string `json:"action"`
	Justification string `json:"justification,omitempty"`
}

// AccessRequest is a pending (or resolved) approval workflow instance.
// CurrentLevel always references a level present in the chain;
// LevelEnteredAt restarts whenever the request enters a level.
type AccessRequest struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RequesterID    string         `json:"requester_id"`
	ChainID        string         `json:"chain_id"`
	Details        RequestDetails `json:"details"`
	Status         string         `json:"status"`
	CurrentLevel   int            `json:"current_level"`
	CreatedAt      time.Time      `json:"created_at"`
	LevelEnteredAt time.Time      `json:"level_entered_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Open reports whether the request still accepts decisions.
func (r *AccessRequest) Open() bool {
	return r.Status == StatusPending || r.Status == StatusPendingNextLevel
}

// Approval is one recorded decision. Immutable once written: at most one
// terminal decision exists per (request, level).
type Approval struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ApproverID string    `json:"approver_id"`
	Level      int       `json:"level"`
	Decision   string    `json:"decision"`
	Comments   string    `json:"comments,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
