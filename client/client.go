// Package client is the Go API client for the Magpie server. It implements
// the progress snapshot source the reconciler polls, plus the command
// surface for models, bundles, workflows, and auth.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mikelund/magpie/reconciler"
)

// FetchError is a network or decode failure while polling the progress
// listing. The polling loop logs these and keeps the registry untouched.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetching progress snapshot: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// CommandError is a failed command request (start, stop, install). It is
// returned to the caller and never affects the polling loop.
type CommandError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Client talks to one Magpie server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New returns a client for the given base URL, e.g. "http://localhost:8091".
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &CommandError{Method: method, Path: path, Status: resp.StatusCode, Body: string(msg)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// snapshotEntry is the wire shape of one progress listing entry. Older
// payloads key operations by model_id or dest instead of operationId, so all
// three are accepted and normalized here. The reconciliation logic never
// sees source-specific field names.
type snapshotEntry struct {
	OperationID string  `json:"operationId"`
	ModelID     string  `json:"model_id"`
	Dest        string  `json:"dest"`
	Progress    float64 `json:"progress"`
	Status      string  `json:"status"`
}

func (e snapshotEntry) id() string {
	switch {
	case e.OperationID != "":
		return e.OperationID
	case e.ModelID != "":
		return e.ModelID
	default:
		return e.Dest
	}
}

// FetchSnapshot lists the server's in-flight operations, normalized into the
// reconciler's canonical snapshot shape. It satisfies reconciler.SnapshotFunc.
func (c *Client) FetchSnapshot(ctx context.Context) ([]reconciler.OperationSnapshot, error) {
	var entries []snapshotEntry
	if err := c.do(ctx, http.MethodGet, "/downloads", nil, &entries); err != nil {
		return nil, &FetchError{Err: err}
	}

	snapshots := make([]reconciler.OperationSnapshot, 0, len(entries))
	for _, e := range entries {
		id := e.id()
		if id == "" {
			log.Printf("dropping progress entry with no usable id: %+v", e)
			continue
		}
		snapshots = append(snapshots, reconciler.OperationSnapshot{
			OperationID: id,
			Progress:    reconciler.ClampProgress(e.Progress),
			Status:      reconciler.ParseStatus(e.Status),
		})
	}
	return snapshots, nil
}

// StartDownloadRequest is the body of POST /downloads/start.
type StartDownloadRequest struct {
	URL        string `json:"url"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
	Extract    bool   `json:"extract,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// StartDownloadResult identifies the queued job and the destination path the
// operation's progress will be listed under.
type StartDownloadResult struct {
	JobID string `json:"job_id"`
	Dest  string `json:"dest"`
}

// StartDownload asks the server to begin downloading a model. Fire-and-
// forget: the resulting operation appears in a later snapshot, keyed by the
// returned destination path.
func (c *Client) StartDownload(ctx context.Context, req StartDownloadRequest) (StartDownloadResult, error) {
	var resp StartDownloadResult
	if err := c.do(ctx, http.MethodPost, "/downloads/start", req, &resp); err != nil {
		return StartDownloadResult{}, err
	}
	return resp, nil
}

// StopDownload asks the server to cancel the operation for a destination
// path. The caller marks its local record cancelled without waiting for the
// next snapshot to confirm.
func (c *Client) StopDownload(ctx context.Context, dest string) error {
	return c.do(ctx, http.MethodPost, "/downloads/stop", map[string]string{"dest": dest}, nil)
}

// InstallBundleResult identifies the queued install job and the destination
// paths of the models it still has to download.
type InstallBundleResult struct {
	JobID string   `json:"job_id"`
	Dests []string `json:"dests"`
}

// InstallBundle queues a bundle install with an optional hardware profile.
func (c *Client) InstallBundle(ctx context.Context, bundleID, profile string) (InstallBundleResult, error) {
	var resp InstallBundleResult
	body := map[string]string{"bundle_id": bundleID, "profile": profile}
	if err := c.do(ctx, http.MethodPost, "/bundles/install", body, &resp); err != nil {
		return InstallBundleResult{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &resp); err != nil {
		return "", err
	}
	c.Token = resp.Token
	return resp.Token, nil
}

// CancelJob cancels a queued or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil)
}
