package engine

import (
	"context"
	"log"
)

// Notifier is the notification collaborator. Dispatch is fire-and-forget:
// the gate never blocks a state transition on delivery, and failures are
// logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, approverRole, requestID string, level int)
}

// LogNotifier writes notifications to the process log. Stands in for a
// real delivery transport.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, approverRole, requestID string, level int) {
	log.Printf("Notify approvers: role=%s request=%s level=%d", approverRole, requestID, level)
}

// dispatchNotify runs a notification in the background, recovering from
// collaborator panics so they cannot fail the caller's transition.
func dispatchNotify(n Notifier, approverRole, requestID string, level int) {
	if n == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("ERROR: notification dispatch panicked: request=%s level=%d: %v", requestID, level, r)
			}
		}()
		n.Notify(context.Background(), approverRole, requestID, level)
	}()
}
