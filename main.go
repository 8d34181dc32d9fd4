//go:build windows
// +build windows

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/getlantern/systray"
	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/mikelund/magpie/appconfig"
	"github.com/mikelund/magpie/auth"
	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
	"github.com/mikelund/magpie/previews"
	"github.com/mikelund/magpie/runners"
	"github.com/mikelund/magpie/stream"
	"github.com/mikelund/magpie/tasks"
)

// -----------------------------------------------------------------------------
// http server so we can shut it down cleanly from onExit.
// -----------------------------------------------------------------------------
var srv *http.Server

// Global dependencies variable so we can access it from onExit
var deps *Dependencies

// Global runners instance so we can shut it down on exit
var currentRunners *runners.Runners

// -----------------------------------------------------------------------------
// Dependencies struct to hold shared dependencies
// -----------------------------------------------------------------------------
type Dependencies struct {
	Queue   *jobqueue.Queue
	DB      *sql.DB
	Store   *catalog.Store
	Auth    *auth.Service
	Manager *downloads.Manager
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB() (*sql.DB, error) {
	cfg, _, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	appconfig.Set(cfg)
	dbPath := cfg.DBPath
	log.Printf("Using database path from config: %s", dbPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	if err := catalog.InitializeSchema(db); err != nil {
		log.Printf("warning: failed to initialize catalog schema: %v", err)
	}
	if err := auth.InitializeSchema(db); err != nil {
		log.Printf("warning: failed to initialize auth schema: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Web-handler helpers
// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ––– downloads –––

func downloadsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, deps.Manager.Snapshot())
	}
}

func startDownloadHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req tasks.ModelDownloadPayload
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.URL == "" {
			http.Error(w, "url is required", http.StatusBadRequest)
			return
		}

		payload, _ := json.Marshal(req)
		label := req.Name
		if label == "" {
			label = req.URL
		}
		id, err := deps.Queue.AddJob(jobqueue.KindModelDownload, label, payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Dest is the operation id progress will be listed under, so a
		// client can track the download before a worker picks it up.
		writeJSON(w, http.StatusCreated, map[string]string{
			"job_id": id,
			"dest":   req.Dest(appconfig.Get().ModelRoot),
		})
	}
}

func stopDownloadHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Dest string `json:"dest"`
		}
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Dest == "" {
			deps.Manager.CancelAll()
		} else {
			deps.Manager.Cancel(req.Dest)
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// ––– models –––

func modelsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		filter := catalog.ModelFilter{
			Type:  r.URL.Query().Get("type"),
			Query: r.URL.Query().Get("q"),
		}
		models, err := deps.Store.ListModels(filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if models == nil {
			models = []catalog.Model{}
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func scanModelsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		result, err := deps.Store.ScanRoot(appconfig.Get().ModelRoot)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func modelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			m, err := deps.Store.GetModel(id)
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, m)
		case http.MethodDelete:
			m, err := deps.Store.GetModel(id)
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			// Remove the file too when it is still inside the model tree.
			full := filepath.Join(appconfig.Get().ModelRoot, filepath.FromSlash(m.Path))
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				log.Printf("failed to remove model file %s: %v", full, err)
			}
			if err := deps.Store.DeleteModel(id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

func modelPreviewHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Store.GetModel(r.PathValue("id"))
		if errors.Is(err, catalog.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		full := filepath.Join(appconfig.Get().ModelRoot, filepath.FromSlash(m.Path))
		src := m.PreviewPath
		if src == "" {
			found, ok := previews.FindPreview(full)
			if !ok {
				http.NotFound(w, r)
				return
			}
			src = found
		}
		thumb, err := previews.Thumbnail(src)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.ServeFile(w, r, thumb)
	}
}

// ––– bundles –––

func bundlesHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			bundles, err := deps.Store.ListBundles()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if bundles == nil {
				bundles = []catalog.Bundle{}
			}
			writeJSON(w, http.StatusOK, bundles)
		case http.MethodPost:
			var b catalog.Bundle
			if err := readJSONBody(r, &b); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if err := deps.Store.SaveBundle(&b); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusCreated, b)
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func bundleHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			b, err := deps.Store.GetBundle(id)
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, b)
		case http.MethodDelete:
			if err := deps.Store.DeleteBundle(id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

func installBundleHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req tasks.BundleInstallPayload
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		bundle, err := deps.Store.GetBundle(req.BundleID)
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "bundle not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if req.Profile != "" && bundle.Profile(req.Profile) == nil {
			http.Error(w, "unknown profile: "+req.Profile, http.StatusBadRequest)
			return
		}

		payload, _ := json.Marshal(req)
		id, err := deps.Queue.AddJob(jobqueue.KindBundleInstall, bundle.Name, payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		root := appconfig.Get().ModelRoot
		dests := []string{}
		for _, m := range tasks.MissingBundleModels(bundle) {
			p := tasks.ModelDownloadPayload{URL: m.URL, Name: m.Name, Type: m.Type}
			dests = append(dests, p.Dest(root))
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"job_id": id,
			"dests":  dests,
		})
	}
}

// ––– workflows –––

func workflowsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			workflows, err := deps.Store.ListWorkflows()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if workflows == nil {
				workflows = []catalog.Workflow{}
			}
			writeJSON(w, http.StatusOK, workflows)
		case http.MethodPost:
			var wf catalog.Workflow
			if err := readJSONBody(r, &wf); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if err := deps.Store.SaveWorkflow(&wf); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusCreated, wf)
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func workflowHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			wf, err := deps.Store.GetWorkflow(id)
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, wf)
		case http.MethodDelete:
			if err := deps.Store.DeleteWorkflow(id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

func importWorkflowHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var req tasks.WorkflowImportPayload
		if err := readJSONBody(r, &req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		payload, _ := json.Marshal(req)
		id, err := deps.Queue.AddJob(jobqueue.KindWorkflowImport, req.Name, payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
	}
}

// ––– jsonmodels –––

func jsonModelsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			docs, err := deps.Store.ListJSONModels()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if docs == nil {
				docs = []catalog.JSONModel{}
			}
			writeJSON(w, http.StatusOK, docs)
		case http.MethodPost:
			var doc catalog.JSONModel
			if err := readJSONBody(r, &doc); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if err := deps.Store.SaveJSONModel(&doc); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, http.StatusCreated, doc)
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

func jsonModelHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			doc, err := deps.Store.GetJSONModel(id)
			if errors.Is(err, catalog.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		case http.MethodDelete:
			if err := deps.Store.DeleteJSONModel(id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or DELETE", http.StatusMethodNotAllowed)
		}
	}
}

// ––– jobs –––

func jobsListHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, deps.Queue.GetJobs())
	}
}

func cancelJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.CancelJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func removeJobHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Queue.RemoveJob(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func clearJobsHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cleared, err := deps.Queue.ClearFinishedJobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
	}
}

// ––– auth –––

func loginHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := readJSONBody(r, &creds); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		token, err := deps.Auth.Login(creds.Username, creds.Password)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     "token",
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Expires:  time.Now().Add(auth.TokenLifetime),
		})
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func registerHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := readJSONBody(r, &creds); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := deps.Auth.Register(creds.Username, creds.Password); err != nil {
			if errors.Is(err, auth.ErrUserExists) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func usersHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Use GET", http.StatusMethodNotAllowed)
			return
		}
		users, err := deps.Auth.ListUsers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, users)
	}
}

func deleteUserHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Use DELETE", http.StatusMethodNotAllowed)
			return
		}
		err := deps.Auth.DeleteUser(r.PathValue("username"))
		if errors.Is(err, auth.ErrUserNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ––– misc –––

func healthHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":         "ok",
			"active":         deps.Manager.Active(),
			"stream_clients": stream.ClientCount(),
		}
		if err := deps.DB.Ping(); err != nil {
			status["status"] = "degraded"
			status["db_error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func configHandler(deps *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg := appconfig.Get()
			// Never hand secrets back to the UI.
			cfg.JWTSecret = ""
			cfg.S3.SecretAccessKey = ""
			writeJSON(w, http.StatusOK, cfg)
		case http.MethodPost:
			cfg := appconfig.Get()
			if err := readJSONBody(r, &cfg); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if _, err := appconfig.Save(cfg); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			appconfig.Set(cfg)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Use GET or POST", http.StatusMethodNotAllowed)
		}
	}
}

// -----------------------------------------------------------------------------
// main
// -----------------------------------------------------------------------------

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	db, err := initDB()
	if err != nil {
		log.Fatalf("magpie: %v", err)
	}
	cfg := appconfig.Get()

	if err := os.MkdirAll(cfg.ModelRoot, 0755); err != nil {
		log.Fatalf("magpie: creating model root: %v", err)
	}

	store := catalog.NewStore(db)
	authSvc := auth.NewService(db, cfg.JWTSecret)
	if err := authSvc.CreateDefaultUser(); err != nil {
		log.Printf("warning: could not create default user: %v", err)
	}

	manager := downloads.NewManager()
	tasks.Configure(store, manager)

	queue := jobqueue.NewQueueWithDB(db)
	queue.SetDefaultHostLimitAll([]string{"civitai.com", "huggingface.co"}, cfg.MaxPerHost)
	currentRunners = runners.New(queue)

	deps = &Dependencies{
		Queue:   queue,
		DB:      db,
		Store:   store,
		Auth:    authSvc,
		Manager: manager,
	}

	// Reconcile the catalog with the tree on startup.
	if _, err := store.ScanRoot(cfg.ModelRoot); err != nil {
		log.Printf("warning: initial model scan failed: %v", err)
	}

	// ––– routes –––
	mux := http.NewServeMux()
	mux.HandleFunc("/downloads", downloadsHandler(deps))
	mux.HandleFunc("/downloads/start", startDownloadHandler(deps))
	mux.HandleFunc("/downloads/stop", stopDownloadHandler(deps))
	mux.HandleFunc("/models", modelsHandler(deps))
	mux.HandleFunc("/models/scan", scanModelsHandler(deps))
	mux.HandleFunc("/models/{id}", modelHandler(deps))
	mux.HandleFunc("/models/{id}/preview", modelPreviewHandler(deps))
	mux.HandleFunc("/bundles", bundlesHandler(deps))
	mux.HandleFunc("/bundles/install", installBundleHandler(deps))
	mux.HandleFunc("/bundles/{id}", bundleHandler(deps))
	mux.HandleFunc("/workflows", workflowsHandler(deps))
	mux.HandleFunc("/workflows/import", importWorkflowHandler(deps))
	mux.HandleFunc("/workflows/{id}", workflowHandler(deps))
	mux.HandleFunc("/jsonmodels", jsonModelsHandler(deps))
	mux.HandleFunc("/jsonmodels/{id}", jsonModelHandler(deps))
	mux.HandleFunc("/jobs", jobsListHandler(deps))
	mux.HandleFunc("/jobs/clear", clearJobsHandler(deps))
	mux.HandleFunc("/jobs/{id}/cancel", cancelJobHandler(deps))
	mux.HandleFunc("/jobs/{id}/remove", removeJobHandler(deps))
	mux.HandleFunc("/auth/login", loginHandler(deps))
	mux.HandleFunc("/auth/register", registerHandler(deps))
	mux.HandleFunc("/auth/users", usersHandler(deps))
	mux.HandleFunc("/auth/users/{username}", deleteUserHandler(deps))
	mux.HandleFunc("/stream", stream.Handler)
	mux.HandleFunc("/health", healthHandler(deps))
	mux.HandleFunc("/config", configHandler(deps))

	srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: authSvc.RequireAuth(mux),
	}

	// start HTTP server in background
	go func() {
		log.Printf("magpie listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("magpie: %v", err)
		}
	}()

	// run tray icon (blocks until Quit)
	systray.Run(onReady, onExit)
}

// -----------------------------------------------------------------------------
// systray lifecycle hooks
// -----------------------------------------------------------------------------

func localURL() string {
	addr := appconfig.Get().ListenAddr
	if addr == "" {
		addr = ":8091"
	}
	if addr[0] == ':' {
		return "http://localhost" + addr + "/"
	}
	return "http://" + addr + "/"
}

func onReady() {
	systray.SetTitle("Magpie Model Manager")
	systray.SetTooltip("Magpie – click to open UI")

	openItem := systray.AddMenuItem("Open Web UI", "Launch the browser")
	modelsItem := systray.AddMenuItem("Open Model Folder", "Show the model tree")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Shut down Magpie")

	_ = browser.OpenURL(localURL())

	// event loop
	for {
		select {
		case <-openItem.ClickedCh:
			_ = browser.OpenURL(localURL())
		case <-modelsItem.ClickedCh:
			_ = browser.OpenFile(appconfig.Get().ModelRoot)
		case <-quitItem.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func onExit() {
	log.Println("Shutting down Magpie server...")

	// Stop in-flight downloads before the runners so their jobs finalize.
	if deps != nil && deps.Manager != nil {
		deps.Manager.CancelAll()
	}

	if currentRunners != nil {
		log.Println("Shutting down job runners...")
		currentRunners.Shutdown()
		log.Println("Job runners shut down successfully")
	}

	log.Println("Shutting down stream connections...")
	stream.Shutdown()

	if deps != nil && deps.Queue != nil {
		log.Println("Saving job queue to database...")
		if err := deps.Queue.SaveAllJobsToDB(); err != nil {
			log.Printf("Error saving jobs to database: %v", err)
		} else {
			log.Println("Job queue saved successfully")
		}
	}

	log.Println("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server shutdown complete")
	}

	if deps != nil && deps.DB != nil {
		_ = deps.DB.Close()
	}

	log.Println("Magpie server shutdown complete")
}
