package downloads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mikelund/magpie/stream"
)

// terminalRetention is how long a finished operation stays visible in the
// snapshot before it is pruned. Clients infer completion from absence, so
// this only gives them a window in which they usually see the explicit
// terminal status first.
const terminalRetention = 10 * time.Second

type trackedOp struct {
	progress Progress
	doneAt   time.Time // zero while the operation is active
}

// Manager orchestrates model downloads with progress tracking. Operations
// are keyed by their destination path, which doubles as the operation id
// on the wire.
type Manager struct {
	mu          sync.RWMutex
	ops         map[string]*trackedOp
	order       []string
	cancelFuncs map[string]context.CancelFunc
	now         func() time.Time
}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{
		ops:         make(map[string]*trackedOp),
		cancelFuncs: make(map[string]context.CancelFunc),
		now:         time.Now,
	}
}

// Run executes a single download operation. fetchFn performs the transfer
// and any post-processing, reporting through the supplied callback. The
// operation is registered before fetchFn starts and finalized when it
// returns.
func (m *Manager) Run(ctx context.Context, dest, name string, fetchFn func(context.Context, ProgressCallback) error) error {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if _, exists := m.ops[dest]; !exists {
		m.order = append(m.order, dest)
	}
	m.ops[dest] = &trackedOp{progress: Progress{
		Dest:   dest,
		Name:   name,
		Status: StatusPending,
	}}
	m.cancelFuncs[dest] = cancel
	m.mu.Unlock()

	progressCb := func(p Progress) {
		p.Dest = dest
		p.Name = name
		m.update(dest, p)
	}

	progressCb(Progress{Status: StatusDownloading, Message: "Starting download..."})

	err := fetchFn(ctx, progressCb)

	m.mu.Lock()
	delete(m.cancelFuncs, dest)
	m.mu.Unlock()

	if err != nil {
		if ctx.Err() == context.Canceled {
			progressCb(Progress{Status: StatusStopped, Message: "Download stopped"})
		} else {
			progressCb(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
		}
		return err
	}

	progressCb(Progress{Status: StatusCompleted, Message: "Install complete", Percent: 100})
	return nil
}

// Cancel stops the operation for the given destination path. It is a no-op
// for unknown or already-finished operations.
func (m *Manager) Cancel(dest string) {
	m.mu.Lock()
	if cancel, ok := m.cancelFuncs[dest]; ok {
		cancel()
	}
	m.mu.Unlock()
}

// CancelAll stops every active operation.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	for _, cancel := range m.cancelFuncs {
		cancel()
	}
	m.mu.Unlock()
}

// Snapshot returns all operations still visible to clients, in start order.
// Terminal operations older than the retention window are pruned.
func (m *Manager) Snapshot() []Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()

	out := make([]Progress, 0, len(m.ops))
	for _, dest := range m.order {
		if op, ok := m.ops[dest]; ok {
			out = append(out, op.progress)
		}
	}
	return out
}

// Get returns the progress for a single destination.
func (m *Manager) Get(dest string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if op, ok := m.ops[dest]; ok {
		return op.progress, true
	}
	return Progress{}, false
}

// Active reports whether any operation is still running.
func (m *Manager) Active() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cancelFuncs) > 0
}

func (m *Manager) update(dest string, p Progress) {
	m.mu.Lock()
	op, ok := m.ops[dest]
	if !ok {
		op = &trackedOp{}
		m.ops[dest] = op
		m.order = append(m.order, dest)
	}
	op.progress = p
	if p.Status.Terminal() && op.doneAt.IsZero() {
		op.doneAt = m.now()
	}
	m.mu.Unlock()

	stream.Broadcast(stream.Event{Type: "operation-progress", Data: p})
}

func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-terminalRetention)
	keep := m.order[:0]
	for _, dest := range m.order {
		op, ok := m.ops[dest]
		if !ok {
			continue
		}
		if !op.doneAt.IsZero() && op.doneAt.Before(cutoff) {
			delete(m.ops, dest)
			continue
		}
		keep = append(keep, dest)
	}
	m.order = keep
}

// SpeedTracker tracks download speed over a sliding window.
type SpeedTracker struct {
	mu          sync.Mutex
	lastBytes   int64
	lastTime    time.Time
	speedWindow []int64
}

// NewSpeedTracker creates a new SpeedTracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		lastTime:    time.Now(),
		speedWindow: make([]int64, 0, 10),
	}
}

// Update records the new total byte count and returns the smoothed speed.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()

	if elapsed < 0.1 {
		// Not enough time passed for an accurate measurement
		if len(s.speedWindow) > 0 {
			return s.averageSpeed()
		}
		return 0
	}

	bytesDownloaded := totalBytes - s.lastBytes
	speed := int64(float64(bytesDownloaded) / elapsed)

	s.lastBytes = totalBytes
	s.lastTime = now

	s.speedWindow = append(s.speedWindow, speed)
	if len(s.speedWindow) > 10 {
		s.speedWindow = s.speedWindow[1:]
	}

	return s.averageSpeed()
}

func (s *SpeedTracker) averageSpeed() int64 {
	if len(s.speedWindow) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.speedWindow {
		sum += v
	}
	return sum / int64(len(s.speedWindow))
}

// FormatBytes formats bytes as a human-readable size.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats bytes per second as a human-readable speed.
func FormatSpeed(bytesPerSec int64) string {
	return FormatBytes(bytesPerSec) + "/s"
}
