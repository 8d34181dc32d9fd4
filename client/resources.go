package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/mikelund/magpie/catalog"
	"github.com/mikelund/magpie/jobqueue"
)

// ListModels returns the server's model catalog, optionally filtered by type
// and a name query.
func (c *Client) ListModels(ctx context.Context, modelType, query string) ([]catalog.Model, error) {
	q := url.Values{}
	if modelType != "" {
		q.Set("type", modelType)
	}
	if query != "" {
		q.Set("q", query)
	}
	path := "/models"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var models []catalog.Model
	if err := c.do(ctx, http.MethodGet, path, nil, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// ScanModels asks the server to rescan its model tree.
func (c *Client) ScanModels(ctx context.Context) (*catalog.ScanResult, error) {
	var result catalog.ScanResult
	if err := c.do(ctx, http.MethodPost, "/models/scan", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteModel removes a model record.
func (c *Client) DeleteModel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/models/"+id, nil, nil)
}

// ListBundles returns all bundles.
func (c *Client) ListBundles(ctx context.Context) ([]catalog.Bundle, error) {
	var bundles []catalog.Bundle
	if err := c.do(ctx, http.MethodGet, "/bundles", nil, &bundles); err != nil {
		return nil, err
	}
	return bundles, nil
}

// GetBundle fetches one bundle by id.
func (c *Client) GetBundle(ctx context.Context, id string) (*catalog.Bundle, error) {
	var bundle catalog.Bundle
	if err := c.do(ctx, http.MethodGet, "/bundles/"+id, nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SaveBundle creates or updates a bundle.
func (c *Client) SaveBundle(ctx context.Context, bundle *catalog.Bundle) error {
	return c.do(ctx, http.MethodPost, "/bundles", bundle, nil)
}

// ListWorkflows returns all stored workflows.
func (c *Client) ListWorkflows(ctx context.Context) ([]catalog.Workflow, error) {
	var workflows []catalog.Workflow
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &workflows); err != nil {
		return nil, err
	}
	return workflows, nil
}

// ListJobs returns the server's job queue, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]jobqueue.Job, error) {
	var jobs []jobqueue.Job
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
