package tasks

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mikelund/magpie/appconfig"
	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/jobqueue"
)

// WorkflowImportPayload is the payload for a workflow-import job. Either an
// inline definition or a URL to fetch one from.
type WorkflowImportPayload struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition,omitempty"`
	URL        string          `json:"url,omitempty"`
}

const maxWorkflowSize = 16 << 20 // 16 MiB

func workflowImportTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p WorkflowImportPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		q.ErrorJob(j.ID, "invalid payload: "+err.Error())
		return err
	}

	fail := func(err error) error {
		select {
		case <-j.Ctx.Done():
			_ = q.CancelJob(j.ID)
		default:
			_ = q.ErrorJob(j.ID, err.Error())
		}
		return err
	}

	definition := p.Definition
	if len(definition) == 0 {
		if p.URL == "" {
			return fail(fmt.Errorf("workflow import requires a definition or url"))
		}
		fetched, err := fetchWorkflow(j, p.URL)
		if err != nil {
			return fail(err)
		}
		definition = fetched
	}

	err := store.SaveWorkflow(&catalog.Workflow{Name: p.Name, Definition: definition})
	if err != nil {
		return fail(err)
	}
	if err := writeWorkflowFile(p.Name, definition); err != nil {
		return fail(err)
	}

	return q.CompleteJob(j.ID)
}

// writeWorkflowFile mirrors the stored definition to ModelRoot/workflows so
// the file sits on disk next to the models it drives.
func writeWorkflowFile(name string, definition json.RawMessage) error {
	dir := filepath.Join(appconfig.Get().ModelRoot, "workflows")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, workflowFileName(name)), definition, 0644)
}

// workflowFileName flattens a workflow name into a single .json filename.
func workflowFileName(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '-'
		}
		return r
	}, name)
	if safe == "" {
		safe = "workflow"
	}
	return safe + ".json"
}

func fetchWorkflow(j *jobqueue.Job, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(j.Ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching workflow: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowSize))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}
