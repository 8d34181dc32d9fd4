package jobqueue

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func payload(url string) json.RawMessage {
	return json.RawMessage(`{"url":"` + url + `"}`)
}

func TestAddAndClaimJob(t *testing.T) {
	q := NewQueue()

	id, err := q.AddJob(KindModelDownload, "sd15", payload("https://civitai.com/api/download/models/1"))
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty job id")
	}

	select {
	case got := <-q.Signal:
		if got != id {
			t.Errorf("signal carried %s, want %s", got, id)
		}
	default:
		t.Error("expected a signal after AddJob")
	}

	job, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("claimed %v, want %s", job, id)
	}
	if job.State != StateInProgress {
		t.Errorf("state = %v, want InProgress", job.State)
	}
	if job.ClaimedAt.IsZero() {
		t.Error("expected ClaimedAt to be set")
	}
}

func TestHostExtraction(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload json.RawMessage
		want    string
	}{
		{"civitai url", KindModelDownload, payload("https://civitai.com/api/download/models/1"), "civitai.com"},
		{"www stripped", KindModelDownload, payload("https://www.example.com/m.safetensors"), "example.com"},
		{"huggingface url", KindBundleInstall, payload("https://huggingface.co/org/repo/resolve/main/m.safetensors"), "huggingface.co"},
		{"no url", KindWorkflowImport, json.RawMessage(`{"name":"wf"}`), "localhost"},
		{"bad payload", KindModelDownload, json.RawMessage(`{`), "localhost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostForPayload(tt.kind, tt.payload); got != tt.want {
				t.Errorf("hostForPayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHostLimits(t *testing.T) {
	q := NewQueue()
	q.SetHostLimit("civitai.com", 1)

	id1, _ := q.AddJob(KindModelDownload, "a", payload("https://civitai.com/a"))
	q.AddJob(KindModelDownload, "b", payload("https://civitai.com/b"))
	id3, _ := q.AddJob(KindModelDownload, "c", payload("https://huggingface.co/c"))

	first, err := q.ClaimJob()
	if err != nil || first == nil {
		t.Fatalf("first claim failed: %v %v", first, err)
	}
	if first.ID != id1 {
		t.Errorf("claimed %s, want FIFO first %s", first.ID, id1)
	}

	// civitai.com is at its limit, so the second claim skips to the
	// huggingface job.
	second, err := q.ClaimJob()
	if err != nil || second == nil {
		t.Fatalf("second claim failed: %v %v", second, err)
	}
	if second.ID != id3 {
		t.Errorf("claimed %s, want %s", second.ID, id3)
	}

	// Nothing else is claimable.
	third, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("third claim errored: %v", err)
	}
	if third != nil {
		t.Errorf("expected nil, claimed %s", third.ID)
	}

	// Completing the first job frees the civitai slot.
	if err := q.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	fourth, err := q.ClaimJob()
	if err != nil || fourth == nil {
		t.Fatalf("claim after completion failed: %v %v", fourth, err)
	}
}

func TestDependencies(t *testing.T) {
	q := NewQueue()
	q.SetHostLimit("localhost", 10)

	depID, _ := q.AddJob(KindModelDownload, "model", json.RawMessage(`{}`))
	childID, _ := q.AddJobWithDeps(KindWorkflowImport, "workflow", json.RawMessage(`{}`), []string{depID})

	first, _ := q.ClaimJob()
	if first == nil || first.ID != depID {
		t.Fatalf("expected to claim dependency first, got %v", first)
	}

	// Child is blocked until the dependency completes.
	if blocked, _ := q.ClaimJob(); blocked != nil {
		t.Errorf("claimed %s while dependency pending", blocked.ID)
	}

	q.CompleteJob(depID)

	child, _ := q.ClaimJob()
	if child == nil || child.ID != childID {
		t.Fatalf("expected to claim child after completion, got %v", child)
	}
}

func TestCancelJob(t *testing.T) {
	q := NewQueue()

	id, _ := q.AddJob(KindModelDownload, "a", json.RawMessage(`{}`))
	job, _ := q.ClaimJob()
	if job == nil {
		t.Fatal("claim failed")
	}

	if err := q.CancelJob(id); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if job.State != StateCancelled {
		t.Errorf("state = %v, want Cancelled", job.State)
	}
	select {
	case <-job.Ctx.Done():
	case <-time.After(time.Second):
		t.Error("expected job context to be cancelled")
	}

	// Cancelling a terminal job is an error.
	if err := q.CancelJob(id); err == nil {
		t.Error("expected error cancelling a cancelled job")
	}
}

func TestErrorJob(t *testing.T) {
	q := NewQueue()

	id, _ := q.AddJob(KindModelDownload, "a", json.RawMessage(`{}`))

	// Cannot error a pending job.
	if err := q.ErrorJob(id, "boom"); err == nil {
		t.Error("expected error for pending job")
	}

	q.ClaimJob()
	if err := q.ErrorJob(id, "connection reset"); err != nil {
		t.Fatalf("ErrorJob failed: %v", err)
	}
	job := q.GetJob(id)
	if job.State != StateError || job.Error != "connection reset" {
		t.Errorf("job = %+v", job)
	}

	// The host slot is freed.
	next, _ := q.AddJob(KindModelDownload, "b", json.RawMessage(`{}`))
	claimed, _ := q.ClaimJob()
	if claimed == nil || claimed.ID != next {
		t.Errorf("expected to claim %s after error, got %v", next, claimed)
	}
}

func TestClearFinishedJobs(t *testing.T) {
	q := NewQueue()
	q.SetHostLimit("localhost", 10)

	running, _ := q.AddJob(KindModelDownload, "running", json.RawMessage(`{}`))
	done, _ := q.AddJob(KindModelDownload, "done", json.RawMessage(`{}`))
	q.AddJob(KindModelDownload, "pending", json.RawMessage(`{}`))

	q.ClaimJob()
	q.ClaimJob()
	q.CompleteJob(done)

	cleared, err := q.ClearFinishedJobs()
	if err != nil {
		t.Fatalf("ClearFinishedJobs failed: %v", err)
	}
	if cleared != 2 {
		t.Errorf("cleared %d jobs, want 2", cleared)
	}
	if q.GetJob(running) == nil {
		t.Error("running job was removed")
	}
	if len(q.GetJobs()) != 1 {
		t.Errorf("got %d jobs, want 1", len(q.GetJobs()))
	}
}

func TestJobStateJSON(t *testing.T) {
	tests := []struct {
		state JobState
		json  string
	}{
		{StatePending, `"pending"`},
		{StateInProgress, `"in_progress"`},
		{StateCompleted, `"completed"`},
		{StateCancelled, `"cancelled"`},
		{StateError, `"error"`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.state)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		if string(b) != tt.json {
			t.Errorf("Marshal(%v) = %s, want %s", tt.state, b, tt.json)
		}
		var s JobState
		if err := json.Unmarshal([]byte(tt.json), &s); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if s != tt.state {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.json, s, tt.state)
		}
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	q := NewQueueWithDB(db)
	id, err := q.AddJob(KindBundleInstall, "starter", payload("https://example.com/bundle"))
	if err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	if _, err := q.ClaimJob(); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	// A second queue on the same database resumes the in-progress job as
	// pending.
	q2 := NewQueueWithDB(db)
	job := q2.GetJob(id)
	if job == nil {
		t.Fatal("job not loaded from database")
	}
	if job.State != StatePending {
		t.Errorf("resumed state = %v, want Pending", job.State)
	}
	if job.Host != "example.com" {
		t.Errorf("host = %q, want example.com", job.Host)
	}
	if job.Label != "starter" {
		t.Errorf("label = %q, want starter", job.Label)
	}
}
