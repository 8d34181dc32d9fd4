package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultInterval is the delay between reconciliation cycles.
const DefaultInterval = 1500 * time.Millisecond

// FailureNotifyThreshold is how many consecutive failed polls pass before
// the error callback fires.
const FailureNotifyThreshold = 3

// Poller owns the polling timer and drives reconciliation cycles against a
// registry. Cycles run strictly one at a time: the next cycle is scheduled
// only after the previous one finishes, so a slow fetch never causes
// overlapping polls.
type Poller struct {
	registry *Registry
	fetch    SnapshotFunc
	interval time.Duration

	// OnError is called once when FailureNotifyThreshold consecutive polls
	// have failed. Optional.
	OnError func(error)

	mu       sync.Mutex
	active   bool
	gen      int // incremented on every Stop, invalidates in-flight cycles
	stopCh   chan struct{}
	wg       sync.WaitGroup
	failures int
	notified bool

	cycleMu sync.Mutex // serializes cycles across the loop and Refresh
}

// NewPoller returns an idle poller. A non-positive interval selects
// DefaultInterval.
func NewPoller(registry *Registry, fetch SnapshotFunc, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		registry: registry,
		fetch:    fetch,
		interval: interval,
	}
}

// Start begins polling. It is idempotent: calling Start while active leaves
// the single existing timer in place. The first cycle runs immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.stopCh = make(chan struct{})
	gen := p.gen
	stopCh := p.stopCh
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(gen, stopCh)
}

// Stop halts polling. Safe to call when already stopped. A response from a
// cycle already in flight is discarded rather than applied.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.gen++
	close(p.stopCh)
	p.mu.Unlock()
}

// IsActive reports whether the polling timer is running.
func (p *Poller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait blocks until the polling goroutine has exited. Useful in teardown.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Refresh runs one reconciliation cycle immediately, outside the timer. It
// does not start or stop the poller.
func (p *Poller) Refresh(ctx context.Context) error {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	_, err := p.runCycle(ctx, gen)
	return err
}

func (p *Poller) loop(gen int, stopCh <-chan struct{}) {
	defer p.wg.Done()

	timer := time.NewTimer(0) // immediate first cycle
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}

		idle, _ := p.runCycle(context.Background(), gen)
		if idle {
			// Nothing in flight and nothing tracked: stop until the next
			// command starts us again.
			p.Stop()
			return
		}
		timer.Reset(p.interval)
	}
}

// runCycle executes one fetch-merge-decide pass. It reports whether the
// stop condition held: empty snapshot and empty registry.
func (p *Poller) runCycle(ctx context.Context, gen int) (idle bool, err error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	snapshot, err := p.fetch(ctx)

	// A response landing after Stop (or after a restart) must not mutate
	// the registry.
	p.mu.Lock()
	stale := gen != p.gen
	p.mu.Unlock()
	if stale {
		return false, err
	}

	if err != nil {
		// Transient outages leave the registry untouched; in-progress
		// records survive until the next successful poll.
		p.mu.Lock()
		p.failures++
		notify := p.failures >= FailureNotifyThreshold && !p.notified
		if notify {
			p.notified = true
		}
		count := p.failures
		p.mu.Unlock()

		log.Printf("progress poll failed (%d consecutive): %v", count, err)
		if notify && p.OnError != nil {
			p.OnError(fmt.Errorf("progress polling failing for %d consecutive cycles: %w", count, err))
		}
		return false, err
	}

	p.mu.Lock()
	p.failures = 0
	p.notified = false
	p.mu.Unlock()

	p.reconcile(snapshot)
	p.registry.Prune()

	return len(snapshot) == 0 && p.registry.IsEmpty(), nil
}

// reconcile walks one snapshot against the registry.
func (p *Poller) reconcile(snapshot []OperationSnapshot) {
	snapshotIDs := make(map[string]struct{}, len(snapshot))
	for _, s := range snapshot {
		snapshotIDs[s.OperationID] = struct{}{}
	}

	for _, s := range snapshot {
		s := s
		switch s.Status {
		case SnapStopped:
			p.registry.CancelByCorrelatedID(s.OperationID)
		default:
			p.registry.UpsertByCorrelatedID(s.OperationID, func(op *TrackedOperation) {
				op.Progress = ClampProgress(s.Progress)
				op.Status = mapStatus(s.Status)
				op.CurrentStep = stepDescription(s)
				if s.Status == SnapError {
					op.Errors = append(op.Errors, fmt.Sprintf("operation %s reported an error", s.OperationID))
				}
			})
		}
	}

	p.registry.MarkFinishedIfOrphaned(snapshotIDs)
}

func mapStatus(s SnapshotStatus) OpStatus {
	switch s {
	case SnapPending:
		return OpStarting
	case SnapDownloading:
		return OpDownloading
	case SnapInstalling:
		return OpInstalling
	case SnapCompleted:
		return OpCompleted
	case SnapError:
		return OpError
	default:
		return OpError
	}
}

func stepDescription(s OperationSnapshot) string {
	switch s.Status {
	case SnapPending:
		return "Waiting to start..."
	case SnapDownloading:
		return fmt.Sprintf("Downloading (%.0f%%)", ClampProgress(s.Progress))
	case SnapInstalling:
		return "Installing..."
	case SnapCompleted:
		return "Completed"
	case SnapError:
		return "Failed"
	default:
		return string(s.Status)
	}
}
