package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workflow is a stored graph definition. The definition is opaque JSON; we
// only require that it parse.
type Workflow struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SaveWorkflow inserts or replaces a workflow by name.
func (s *Store) SaveWorkflow(w *Workflow) error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if !json.Valid(w.Definition) {
		return fmt.Errorf("workflow %s: definition is not valid JSON", w.Name)
	}
	now := time.Now()
	if w.ID == "" {
		// Name is unique; reuse the existing id on re-save so callers can
		// save by name without looking the record up first.
		existing, err := s.GetWorkflowByName(w.Name)
		switch {
		case err == nil:
			w.ID = existing.ID
			w.CreatedAt = existing.CreatedAt
		case err == ErrNotFound:
			w.ID = uuid.NewString()
		default:
			return err
		}
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO workflows (id, name, definition, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.Name, string(w.Definition), w.CreatedAt, w.UpdatedAt)
	return err
}

// GetWorkflow looks a workflow up by id.
func (s *Store) GetWorkflow(id string) (*Workflow, error) {
	return s.scanWorkflow(s.db.QueryRow(`
	SELECT id, name, definition, created_at, updated_at FROM workflows WHERE id = ?`, id))
}

// GetWorkflowByName looks a workflow up by its unique name.
func (s *Store) GetWorkflowByName(name string) (*Workflow, error) {
	return s.scanWorkflow(s.db.QueryRow(`
	SELECT id, name, definition, created_at, updated_at FROM workflows WHERE name = ?`, name))
}

func (s *Store) scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var def string
	err := row.Scan(&w.ID, &w.Name, &def, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Definition = json.RawMessage(def)
	return &w, nil
}

// ListWorkflows returns all workflows ordered by name.
func (s *Store) ListWorkflows() ([]Workflow, error) {
	rows, err := s.db.Query(`
	SELECT id, name, definition, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []Workflow
	for rows.Next() {
		w, err := s.scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *w)
	}
	return workflows, rows.Err()
}

// DeleteWorkflow removes a workflow by id.
func (s *Store) DeleteWorkflow(id string) error {
	_, err := s.db.Exec("DELETE FROM workflows WHERE id = ?", id)
	return err
}
