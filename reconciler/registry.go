package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpStatus is the status of a locally tracked operation. It is a superset of
// the snapshot statuses: starting exists before the backend first lists the
// operation, and cancelled records a local stop command.
type OpStatus string

const (
	OpStarting    OpStatus = "starting"
	OpDownloading OpStatus = "downloading"
	OpInstalling  OpStatus = "installing"
	OpCompleted   OpStatus = "completed"
	OpCancelled   OpStatus = "cancelled"
	OpError       OpStatus = "error"
)

// Terminal reports whether a tracked status is final.
func (s OpStatus) Terminal() bool {
	return s == OpCompleted || s == OpCancelled || s == OpError
}

// TrackedOperation is the local, display-facing record of one operation.
type TrackedOperation struct {
	ID           string
	CorrelatedID string // matches OperationSnapshot.OperationID
	DisplayName  string
	Status       OpStatus
	Progress     float64
	CurrentStep  string
	StartedAt    time.Time
	Errors       []string

	removeAt time.Time // zero until the operation reaches a terminal status
}

// Registry holds tracked operations keyed by tracking id, with lookup by
// correlated backend id. Insertion order is display order. Terminal entries
// linger for a grace period so a completed or cancelled state stays visible
// briefly before Prune drops it.
type Registry struct {
	mu           sync.Mutex
	ops          map[string]*TrackedOperation
	order        []string
	byCorrelated map[string]string // correlated id -> tracking id

	CompletedGrace time.Duration
	CancelledGrace time.Duration

	// StartingGrace is how long a starting entry may go unlisted before the
	// orphan rule applies to it. A just-commanded operation sits in the job
	// queue until a worker claims it, so early polls legitimately omit it.
	StartingGrace time.Duration

	now func() time.Time
}

// NewRegistry returns an empty registry with default grace periods.
func NewRegistry() *Registry {
	return &Registry{
		ops:            make(map[string]*TrackedOperation),
		byCorrelated:   make(map[string]string),
		CompletedGrace: 4 * time.Second,
		CancelledGrace: 2 * time.Second,
		StartingGrace:  30 * time.Second,
		now:            time.Now,
	}
}

// StartTracking registers an operation the client just commanded, before the
// backend lists it. Returns the tracking id. If the correlated id is already
// tracked and not terminal, the existing id is returned.
func (r *Registry) StartTracking(correlatedID, displayName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tid, ok := r.byCorrelated[correlatedID]; ok {
		if op := r.ops[tid]; op != nil && !op.Status.Terminal() {
			return tid
		}
		r.removeLocked(tid)
	}

	op := &TrackedOperation{
		ID:           uuid.NewString(),
		CorrelatedID: correlatedID,
		DisplayName:  displayName,
		Status:       OpStarting,
		CurrentStep:  "Starting...",
		StartedAt:    r.now(),
	}
	r.insertLocked(op)
	return op.ID
}

// UpsertByCorrelatedID merges a snapshot-derived update into the entry for
// the given correlated id, creating one (default status downloading) when
// none exists. A completed entry still inside its grace period counts as a
// new logical operation: the stale record is dropped and a fresh one created
// so a restarted download does not display stale 100% progress. Updates
// against a cancelled entry are ignored so an optimistic local cancel
// sticks.
func (r *Registry) UpsertByCorrelatedID(correlatedID string, apply func(*TrackedOperation)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tid, ok := r.byCorrelated[correlatedID]; ok {
		op := r.ops[tid]
		switch op.Status {
		case OpCancelled:
			return
		case OpCompleted, OpError:
			r.removeLocked(tid)
		default:
			apply(op)
			op.Progress = ClampProgress(op.Progress)
			r.scheduleIfTerminalLocked(op)
			return
		}
	}

	op := &TrackedOperation{
		ID:           uuid.NewString(),
		CorrelatedID: correlatedID,
		DisplayName:  correlatedID,
		Status:       OpDownloading,
		StartedAt:    r.now(),
	}
	apply(op)
	op.Progress = ClampProgress(op.Progress)
	r.insertLocked(op)
	r.scheduleIfTerminalLocked(op)
}

// MarkFinishedIfOrphaned transitions every non-terminal tracked operation
// whose correlated id is absent from the snapshot to completed at 100%, and
// schedules its removal. Absence from the listing is the only completion
// signal the backend gives. Starting entries are exempt until StartingGrace
// elapses: they were registered ahead of the backend listing them, so their
// absence means not-yet-claimed rather than finished.
func (r *Registry) MarkFinishedIfOrphaned(snapshotIDs map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tid := range r.order {
		op := r.ops[tid]
		if op.Status.Terminal() {
			continue
		}
		if _, present := snapshotIDs[op.CorrelatedID]; present {
			continue
		}
		if op.Status == OpStarting && r.now().Sub(op.StartedAt) < r.StartingGrace {
			continue
		}
		op.Status = OpCompleted
		op.Progress = 100
		op.CurrentStep = "Completed"
		op.removeAt = r.now().Add(r.CompletedGrace)
	}
}

// Cancel marks a tracked operation cancelled and schedules its removal.
// Cancelling an unknown or already-terminal id is a no-op.
func (r *Registry) Cancel(trackingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	op, ok := r.ops[trackingID]
	if !ok || op.Status.Terminal() {
		return
	}
	op.Status = OpCancelled
	op.CurrentStep = "Cancelled"
	op.removeAt = r.now().Add(r.CancelledGrace)
}

// CancelByCorrelatedID cancels the entry tracking the given backend id.
func (r *Registry) CancelByCorrelatedID(correlatedID string) {
	r.mu.Lock()
	tid, ok := r.byCorrelated[correlatedID]
	r.mu.Unlock()
	if ok {
		r.Cancel(tid)
	}
}

// Remove deletes an entry. Removing a missing id is a no-op.
func (r *Registry) Remove(trackingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(trackingID)
}

// Prune drops terminal entries whose grace period has elapsed and returns
// how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, tid := range append([]string(nil), r.order...) {
		op := r.ops[tid]
		if !op.removeAt.IsZero() && !op.removeAt.After(now) {
			r.removeLocked(tid)
			removed++
		}
	}
	return removed
}

// IsEmpty reports whether no operations are tracked.
func (r *Registry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops) == 0
}

// Get returns a copy of the entry for a tracking id.
func (r *Registry) Get(trackingID string) (TrackedOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[trackingID]
	if !ok {
		return TrackedOperation{}, false
	}
	return *op, true
}

// GetByCorrelatedID returns a copy of the entry tracking a backend id.
func (r *Registry) GetByCorrelatedID(correlatedID string) (TrackedOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tid, ok := r.byCorrelated[correlatedID]
	if !ok {
		return TrackedOperation{}, false
	}
	return *r.ops[tid], true
}

// Operations returns copies of all tracked operations in insertion order.
func (r *Registry) Operations() []TrackedOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]TrackedOperation, 0, len(r.order))
	for _, tid := range r.order {
		ops = append(ops, *r.ops[tid])
	}
	return ops
}

// scheduleIfTerminalLocked queues removal for entries that reached a
// terminal status through an update rather than through the orphan rule.
func (r *Registry) scheduleIfTerminalLocked(op *TrackedOperation) {
	if !op.Status.Terminal() || !op.removeAt.IsZero() {
		return
	}
	grace := r.CompletedGrace
	if op.Status == OpCancelled {
		grace = r.CancelledGrace
	}
	op.removeAt = r.now().Add(grace)
}

func (r *Registry) insertLocked(op *TrackedOperation) {
	if op.ID == "" {
		op.ID = fmt.Sprintf("op-%s", uuid.NewString())
	}
	r.ops[op.ID] = op
	r.order = append(r.order, op.ID)
	r.byCorrelated[op.CorrelatedID] = op.ID
}

func (r *Registry) removeLocked(trackingID string) {
	op, ok := r.ops[trackingID]
	if !ok {
		return
	}
	delete(r.ops, trackingID)
	if r.byCorrelated[op.CorrelatedID] == trackingID {
		delete(r.byCorrelated, op.CorrelatedID)
	}
	for i, id := range r.order {
		if id == trackingID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
