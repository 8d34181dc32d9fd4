package tasks

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/mikelund/magpie/appconfig"
	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
)

// setupTasks wires a fresh in-memory catalog, a temp model root, and a
// queue, and points the package handlers at them.
func setupTasks(t *testing.T) (*catalog.Store, *jobqueue.Queue, string) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := catalog.InitializeSchema(db); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	s := catalog.NewStore(db)
	root := t.TempDir()
	appconfig.Set(appconfig.Config{ModelRoot: root})
	Configure(s, downloads.NewManager())
	return s, jobqueue.NewQueue(), root
}

func claimAndRun(t *testing.T, q *jobqueue.Queue, fn func(*jobqueue.Job, *jobqueue.Queue, *sync.Mutex) error) *jobqueue.Job {
	t.Helper()
	job, err := q.ClaimJob()
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("no claimable job")
	}
	var mu sync.Mutex
	if err := fn(job, q, &mu); err != nil {
		t.Fatalf("task failed: %v", err)
	}
	return job
}

func TestFilenameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://civitai.com/api/download/models/12345", "12345"},
		{"https://huggingface.co/org/repo/resolve/main/model.safetensors", "model.safetensors"},
		{"https://example.com/models/pack.zip?token=abc", "pack.zip"},
		{"https://example.com/", "download.bin"},
		{"https://example.com", "download.bin"},
		{"://not a url", "download.bin"},
	}
	for _, tc := range cases {
		got := filenameFromURL(tc.url)
		if got != tc.want {
			t.Errorf("filenameFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestTokenDecorator(t *testing.T) {
	cfg := appconfig.Config{
		CivitaiAPIKey:    "civitai-key",
		HuggingFaceToken: "hf-token",
	}

	cases := []struct {
		name string
		url  string
		cfg  appconfig.Config
		want string
	}{
		{"civitai", "https://civitai.com/api/download/models/1", cfg, "Bearer civitai-key"},
		{"civitai www", "https://www.civitai.com/api/download/models/1", cfg, "Bearer civitai-key"},
		{"huggingface", "https://huggingface.co/org/repo/resolve/main/m.bin", cfg, "Bearer hf-token"},
		{"other host", "https://example.com/m.bin", cfg, ""},
		{"no key configured", "https://civitai.com/api/download/models/1", appconfig.Config{}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decorate := tokenDecorator(tc.url, tc.cfg)
			if tc.want == "" {
				if decorate != nil {
					t.Fatalf("expected nil decorator for %q", tc.url)
				}
				return
			}
			if decorate == nil {
				t.Fatalf("expected decorator for %q, got nil", tc.url)
			}
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			decorate(req)
			if got := req.Header.Get("Authorization"); got != tc.want {
				t.Errorf("Authorization = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRegisteredKinds(t *testing.T) {
	registered := GetTasks()
	for _, kind := range []string{
		jobqueue.KindModelDownload,
		jobqueue.KindBundleInstall,
		jobqueue.KindBundleFinalize,
		jobqueue.KindWorkflowImport,
	} {
		task, ok := registered[kind]
		if !ok {
			t.Errorf("no task registered for kind %q", kind)
			continue
		}
		if task.Fn == nil {
			t.Errorf("task %q has no handler", kind)
		}
	}
}

func TestBundleInstallFansOutChildJobs(t *testing.T) {
	s, q, _ := setupTasks(t)

	// One model is already in the catalog and must be skipped.
	if err := s.SaveModel(&catalog.Model{
		Name: "present",
		Type: catalog.TypeLora,
		Path: "loras/present.safetensors",
	}); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	bundle := &catalog.Bundle{
		Name: "starter",
		Models: []catalog.BundleModel{
			{Name: "base.safetensors", Type: catalog.TypeCheckpoint, URL: "https://example.com/base.safetensors"},
			{Name: "pack.zip", Type: catalog.TypeLora, URL: "https://civitai.com/api/download/models/9"},
			{Name: "present.safetensors", Type: catalog.TypeLora, URL: "https://example.com/present.safetensors"},
		},
		Workflows: []catalog.BundleWorkflow{
			{Name: "txt2img", Definition: json.RawMessage(`{"nodes":[]}`)},
		},
	}
	if err := s.SaveBundle(bundle); err != nil {
		t.Fatalf("SaveBundle failed: %v", err)
	}

	payload, _ := json.Marshal(BundleInstallPayload{BundleID: bundle.ID})
	if _, err := q.AddJob(jobqueue.KindBundleInstall, bundle.Name, payload); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	parent := claimAndRun(t, q, bundleInstallTask)
	if got := q.GetJob(parent.ID).State; got != jobqueue.StateCompleted {
		t.Fatalf("bundle job state = %s, want completed", got)
	}

	byKind := make(map[string][]jobqueue.Job)
	for _, j := range q.GetJobs() {
		byKind[j.Kind] = append(byKind[j.Kind], j)
	}
	if n := len(byKind[jobqueue.KindModelDownload]); n != 2 {
		t.Errorf("got %d model-download children, want 2 (present model must be skipped)", n)
	}
	if n := len(byKind[jobqueue.KindWorkflowImport]); n != 1 {
		t.Errorf("got %d workflow-import children, want 1", n)
	}
	finalizers := byKind[jobqueue.KindBundleFinalize]
	if len(finalizers) != 1 {
		t.Fatalf("got %d finalizers, want 1", len(finalizers))
	}
	if n := len(finalizers[0].Dependencies); n != 3 {
		t.Errorf("finalizer has %d dependencies, want 3", n)
	}

	// An archive in the bundle is marked for extraction.
	for _, j := range byKind[jobqueue.KindModelDownload] {
		var p ModelDownloadPayload
		if err := json.Unmarshal(j.Payload, &p); err != nil {
			t.Fatalf("bad child payload: %v", err)
		}
		if p.Name == "pack.zip" && !p.Extract {
			t.Error("archive model not marked for extraction")
		}
	}

	// The finalizer is gated: nothing claimable may be the finalizer until
	// every child completes.
	var children []string
	for {
		j, err := q.ClaimJob()
		if err != nil {
			t.Fatalf("ClaimJob failed: %v", err)
		}
		if j == nil {
			break
		}
		if j.Kind == jobqueue.KindBundleFinalize {
			t.Fatal("finalizer claimed before its children completed")
		}
		children = append(children, j.ID)
	}
	if len(children) != 3 {
		t.Fatalf("claimed %d children, want 3", len(children))
	}
	for _, id := range children {
		if err := q.CompleteJob(id); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
	}

	claimAndRun(t, q, bundleFinalizeTask)
	installs, err := s.Installs(bundle.ID)
	if err != nil {
		t.Fatalf("Installs failed: %v", err)
	}
	if len(installs) != 1 {
		t.Errorf("got %d recorded installs, want 1", len(installs))
	}
}

func TestWorkflowImportWritesFile(t *testing.T) {
	s, q, root := setupTasks(t)

	definition := json.RawMessage(`{"nodes":[{"id":1}]}`)
	payload, _ := json.Marshal(WorkflowImportPayload{Name: "txt2img basic", Definition: definition})
	if _, err := q.AddJob(jobqueue.KindWorkflowImport, "txt2img basic", payload); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	claimAndRun(t, q, workflowImportTask)

	if _, err := s.GetWorkflowByName("txt2img basic"); err != nil {
		t.Fatalf("workflow not in catalog: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(root, "workflows", "txt2img basic.json"))
	if err != nil {
		t.Fatalf("workflow file not written: %v", err)
	}
	if !bytes.Equal(raw, definition) {
		t.Errorf("file content = %s, want %s", raw, definition)
	}
}

func TestWorkflowFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"txt2img", "txt2img.json"},
		{"a/b\\c:d", "a-b-c-d.json"},
		{"", "workflow.json"},
	}
	for _, tc := range cases {
		if got := workflowFileName(tc.in); got != tc.want {
			t.Errorf("workflowFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test png: %v", err)
	}
	return buf.Bytes()
}

func TestDownloadModelFetchesPreview(t *testing.T) {
	s, _, root := setupTasks(t)
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	preview := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/model.safetensors":
			w.Write([]byte("weights"))
		case "/preview.png":
			w.Write(preview)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	err := DownloadModel(context.Background(), ModelDownloadPayload{
		URL:        srv.URL + "/model.safetensors",
		Type:       catalog.TypeLora,
		PreviewURL: srv.URL + "/preview.png",
	})
	if err != nil {
		t.Fatalf("DownloadModel failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "loras", "model.safetensors")); err != nil {
		t.Fatalf("model file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "loras", "model.png")); err != nil {
		t.Fatalf("preview file missing: %v", err)
	}
	m, err := s.GetModelByPath("loras/model.safetensors")
	if err != nil {
		t.Fatalf("model not in catalog: %v", err)
	}
	if m.PreviewPath != "loras/model.png" {
		t.Errorf("preview path = %q, want loras/model.png", m.PreviewPath)
	}
}

func TestDownloadModelExtract(t *testing.T) {
	s, _, root := setupTasks(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("inner.safetensors")
	if err != nil {
		t.Fatalf("building zip: %v", err)
	}
	f.Write([]byte("weights"))
	if err := zw.Close(); err != nil {
		t.Fatalf("building zip: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	err = DownloadModel(context.Background(), ModelDownloadPayload{
		URL:     srv.URL + "/pack.zip",
		Type:    catalog.TypeCheckpoint,
		Extract: true,
	})
	if err != nil {
		t.Fatalf("DownloadModel failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "checkpoints", "inner.safetensors")); err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "checkpoints", "pack.zip")); !os.IsNotExist(err) {
		t.Error("archive not removed after extraction")
	}
	if _, err := s.GetModelByPath("checkpoints/inner.safetensors"); err != nil {
		t.Fatalf("extracted model not in catalog: %v", err)
	}
}
