package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"accessgate/internal/metadata"
)

// RunEscalationSweep scans open requests and escalates or expires those
// whose level timeout has elapsed. It holds no timers of its own; callers
// (the scheduler, a cron job, an admin endpoint) decide when to run it.
// Every transition is conditional on the observed status and level, so a
// sweep racing a human approver loses cleanly and skips the request.
func (g *Gate) RunEscalationSweep(ctx context.Context) (escalated, expired int, err error) {
	open, err := g.requests.ListOpen(ctx)
	if err != nil {
		return 0, 0, UnavailableError(fmt.Sprintf("list open requests: %v", err))
	}

	now := g.now()
	for _, req := range open {
		chain := g.reg.GetChain(req.ChainID)
		if chain == nil {
			log.Printf("WARN: request %s references unknown chain %s, skipping", req.ID, req.ChainID)
			continue
		}
		lvl := chain.LevelAt(req.CurrentLevel)
		if lvl == nil {
			log.Printf("WARN: request %s at level %d missing from chain %s, skipping", req.ID, req.CurrentLevel, chain.ID)
			continue
		}
		if lvl.TimeoutHours <= 0 {
			continue
		}
		if now.Sub(req.LevelEnteredAt) <= time.Duration(lvl.TimeoutHours)*time.Hour {
			continue
		}

		if lvl.EscalateToLevel != nil {
			if g.escalate(ctx, req, chain, *lvl.EscalateToLevel) {
				escalated++
			}
			continue
		}
		if g.expire(ctx, req) {
			expired++
		}
	}
	return escalated, expired, nil
}

func (g *Gate) escalate(ctx context.Context, req *metadata.AccessRequest, chain *metadata.ApprovalChain, toLevel int) bool {
	target := chain.LevelAt(toLevel)
	if target == nil {
		log.Printf("WARN: request %s escalates to missing level %d of chain %s, skipping", req.ID, toLevel, chain.ID)
		return false
	}

	update := RequestUpdate{
		Status:            metadata.StatusPendingNextLevel,
		CurrentLevel:      target.Level,
		ResetLevelEntered: true,
	}
	applied, err := g.requests.Transition(ctx, req.ID, req.Status, req.CurrentLevel, update)
	if err != nil {
		log.Printf("ERROR: escalate request %s: %v", req.ID, err)
		return false
	}
	if !applied {
		// A decision landed between ListOpen and here.
		return false
	}

	req.Status = update.Status
	req.CurrentLevel = update.CurrentLevel
	g.auditTransition(ctx, req, AuditRequestEscalated, fmt.Sprintf("escalated to level %d", target.Level))
	dispatchNotify(g.notifier, target.ApproverRole, req.ID, target.Level)
	return true
}

func (g *Gate) expire(ctx context.Context, req *metadata.AccessRequest) bool {
	update := RequestUpdate{Status: metadata.StatusExpired, CurrentLevel: req.CurrentLevel}
	applied, err := g.requests.Transition(ctx, req.ID, req.Status, req.CurrentLevel, update)
	if err != nil {
		log.Printf("ERROR: expire request %s: %v", req.ID, err)
		return false
	}
	if !applied {
		return false
	}

	req.Status = update.Status
	g.auditTransition(ctx, req, AuditRequestExpired, "level timeout elapsed with no escalation target")
	return true
}

// EscalationScheduler periodically runs the escalation sweep. The sweep
// itself is idempotent, so overlapping or duplicate runs (another node,
// an operator-triggered run) are harmless.
type EscalationScheduler struct {
	gate     *Gate
	interval time.Duration
	ticker   *time.Ticker
	done     chan struct{}
}

func NewEscalationScheduler(gate *Gate, interval time.Duration) *EscalationScheduler {
	return &EscalationScheduler{gate: gate, interval: interval}
}

func (s *EscalationScheduler) Start() {
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	go s.run()
	log.Printf("Escalation scheduler started (interval %s)", s.interval)
}

func (s *EscalationScheduler) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
}

func (s *EscalationScheduler) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			escalated, expired, err := s.gate.RunEscalationSweep(context.Background())
			if err != nil {
				log.Printf("ERROR: escalation sweep: %v", err)
				continue
			}
			if escalated > 0 || expired > 0 {
				log.Printf("Escalation sweep: %d escalated, %d expired", escalated, expired)
			}
		}
	}
}
