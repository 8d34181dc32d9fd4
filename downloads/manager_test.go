package downloads

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunCompletes(t *testing.T) {
	m := NewManager()

	err := m.Run(context.Background(), "/models/checkpoints/a.safetensors", "model-a",
		func(ctx context.Context, cb ProgressCallback) error {
			cb(Progress{Status: StatusDownloading, Percent: 50})
			return nil
		})
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}

	p, ok := m.Get("/models/checkpoints/a.safetensors")
	if !ok {
		t.Fatal("operation not found after Run")
	}
	if p.Status != StatusCompleted {
		t.Errorf("status = %q; want %q", p.Status, StatusCompleted)
	}
	if p.Percent != 100 {
		t.Errorf("percent = %f; want 100", p.Percent)
	}
}

func TestRunError(t *testing.T) {
	m := NewManager()

	wantErr := errors.New("boom")
	err := m.Run(context.Background(), "/dest", "model",
		func(ctx context.Context, cb ProgressCallback) error {
			return wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v; want %v", err, wantErr)
	}

	p, _ := m.Get("/dest")
	if p.Status != StatusError {
		t.Errorf("status = %q; want %q", p.Status, StatusError)
	}
	if p.Error == "" {
		t.Error("error message should be recorded")
	}
}

func TestCancelMarksStopped(t *testing.T) {
	m := NewManager()

	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- m.Run(context.Background(), "/dest", "model",
			func(ctx context.Context, cb ProgressCallback) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			})
	}()

	<-started
	m.Cancel("/dest")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}

	p, _ := m.Get("/dest")
	if p.Status != StatusStopped {
		t.Errorf("status = %q; want %q", p.Status, StatusStopped)
	}
}

func TestSnapshotOrderAndPrune(t *testing.T) {
	m := NewManager()
	base := time.Now()
	m.now = func() time.Time { return base }

	run := func(dest string) {
		if err := m.Run(context.Background(), dest, dest, func(ctx context.Context, cb ProgressCallback) error {
			return nil
		}); err != nil {
			t.Fatalf("Run(%s) error = %v", dest, err)
		}
	}
	run("/a")
	run("/b")

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snapshot) = %d; want 2", len(snap))
	}
	if snap[0].Dest != "/a" || snap[1].Dest != "/b" {
		t.Errorf("snapshot order = %q, %q; want /a, /b", snap[0].Dest, snap[1].Dest)
	}

	// Terminal entries stay visible within the retention window...
	m.now = func() time.Time { return base.Add(terminalRetention / 2) }
	if got := len(m.Snapshot()); got != 2 {
		t.Errorf("len(snapshot) within retention = %d; want 2", got)
	}

	// ...and are pruned afterwards.
	m.now = func() time.Time { return base.Add(terminalRetention + time.Second) }
	if got := len(m.Snapshot()); got != 0 {
		t.Errorf("len(snapshot) after retention = %d; want 0", got)
	}
}

func TestActive(t *testing.T) {
	m := NewManager()
	if m.Active() {
		t.Error("new manager should not be active")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = m.Run(context.Background(), "/dest", "model",
			func(ctx context.Context, cb ProgressCallback) error {
				close(started)
				<-release
				return nil
			})
		close(done)
	}()

	<-started
	if !m.Active() {
		t.Error("manager should be active while an operation runs")
	}
	close(release)
	<-done
	if m.Active() {
		t.Error("manager should be idle after the operation finishes")
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusDownloading, false},
		{StatusInstalling, false},
		{StatusCompleted, true},
		{StatusStopped, true},
		{StatusError, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%q.Terminal() = %v; want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}

	for _, tt := range tests {
		got := FormatBytes(tt.bytes)
		if got != tt.expected {
			t.Errorf("FormatBytes(%d) = %q; want %q", tt.bytes, got, tt.expected)
		}
	}
}

func TestSpeedTrackerAverage(t *testing.T) {
	s := NewSpeedTracker()
	s.lastTime = time.Now().Add(-time.Second)

	speed := s.Update(1024)
	if speed <= 0 {
		t.Errorf("speed = %d; want > 0", speed)
	}
}
