package tasks

import (
	"encoding/json"
	"fmt"
	"log"
	"path"
	"sync"

	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/downloads"
	"github.com/mikelund/magpie/jobqueue"
)

// BundleInstallPayload is the payload for bundle-install and bundle-finalize
// jobs.
type BundleInstallPayload struct {
	BundleID string `json:"bundle_id"`
	Profile  string `json:"profile,omitempty"`
}

// bundleInstallTask fans a bundle out into child jobs: one model-download
// per missing model, one workflow-import per bundle workflow, and a
// bundle-finalize gated on all of them. Downloads therefore queue through
// the normal per-host limits instead of running inline.
func bundleInstallTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p BundleInstallPayload
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

	bundle, err := store.GetBundle(p.BundleID)
	if err != nil {
		return fail(fmt.Errorf("bundle %s: %w", p.BundleID, err))
	}
	if p.Profile != "" && bundle.Profile(p.Profile) == nil {
		return fail(fmt.Errorf("bundle %s has no profile %q", bundle.Name, p.Profile))
	}

	var children []string
	for _, m := range MissingBundleModels(bundle) {
		dp := ModelDownloadPayload{
			URL:     m.URL,
			Name:    m.Name,
			Type:    m.Type,
			SHA256:  m.SHA256,
			Extract: downloads.IsArchive(m.Name),
		}
		raw, err := json.Marshal(dp)
		if err != nil {
			return fail(err)
		}
		id, err := q.AddJob(jobqueue.KindModelDownload, m.Name, raw)
		if err != nil {
			return fail(fmt.Errorf("bundle %s: model %s: %w", bundle.Name, m.Name, err))
		}
		children = append(children, id)
	}

	for _, w := range bundle.Workflows {
		raw, err := json.Marshal(WorkflowImportPayload{Name: w.Name, Definition: w.Definition})
		if err != nil {
			return fail(err)
		}
		id, err := q.AddJob(jobqueue.KindWorkflowImport, w.Name, raw)
		if err != nil {
			return fail(fmt.Errorf("bundle %s: workflow %s: %w", bundle.Name, w.Name, err))
		}
		children = append(children, id)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fail(err)
	}
	if _, err := q.AddJobWithDeps(jobqueue.KindBundleFinalize, bundle.Name, raw, children); err != nil {
		return fail(err)
	}

	log.Printf("bundle %s: queued %d child jobs", bundle.Name, len(children))
	return q.CompleteJob(j.ID)
}

// bundleFinalizeTask records the install once every child job has completed.
func bundleFinalizeTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p BundleInstallPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		q.ErrorJob(j.ID, "invalid payload: "+err.Error())
		return err
	}

	bundle, err := store.GetBundle(p.BundleID)
	if err != nil {
		_ = q.ErrorJob(j.ID, err.Error())
		return err
	}
	if err := store.RecordInstall(bundle.ID, p.Profile); err != nil {
		_ = q.ErrorJob(j.ID, err.Error())
		return err
	}

	log.Printf("bundle %s installed (profile %q)", bundle.Name, p.Profile)
	return q.CompleteJob(j.ID)
}

// MissingBundleModels filters a bundle's models down to the ones not already
// in the catalog, matched by hash first and destination path second.
func MissingBundleModels(b *catalog.Bundle) []catalog.BundleModel {
	var missing []catalog.BundleModel
	for _, m := range b.Models {
		if m.SHA256 != "" {
			if _, err := store.GetModelByHash(m.SHA256); err == nil {
				log.Printf("bundle %s: %s already present, skipping", b.Name, m.Name)
				continue
			}
		}
		rel := path.Join(catalog.DirForType(m.Type), m.Name)
		if _, err := store.GetModelByPath(rel); err == nil {
			log.Printf("bundle %s: %s already present at %s, skipping", b.Name, m.Name, rel)
			continue
		}
		missing = append(missing, m)
	}
	return missing
}
