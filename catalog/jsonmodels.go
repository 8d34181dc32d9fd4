package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONModel is an arbitrary named JSON document. The UI uses these for
// presets and generation parameter sets; the server treats them as opaque.
type JSONModel struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Document  json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SaveJSONModel inserts or replaces a JSON document.
func (s *Store) SaveJSONModel(j *JSONModel) error {
	if j.Name == "" {
		return fmt.Errorf("jsonmodel name is required")
	}
	if !json.Valid(j.Document) {
		return fmt.Errorf("jsonmodel %s: document is not valid JSON", j.Name)
	}
	now := time.Now()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO jsonmodels (id, name, document, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`,
		j.ID, j.Name, string(j.Document), j.CreatedAt, j.UpdatedAt)
	return err
}

// GetJSONModel looks a document up by id.
func (s *Store) GetJSONModel(id string) (*JSONModel, error) {
	var j JSONModel
	var doc string
	err := s.db.QueryRow(`
	SELECT id, name, document, created_at, updated_at FROM jsonmodels WHERE id = ?`, id).
		Scan(&j.ID, &j.Name, &doc, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Document = json.RawMessage(doc)
	return &j, nil
}

// ListJSONModels returns all documents ordered by name.
func (s *Store) ListJSONModels() ([]JSONModel, error) {
	rows, err := s.db.Query(`
	SELECT id, name, document, created_at, updated_at FROM jsonmodels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []JSONModel
	for rows.Next() {
		var j JSONModel
		var doc string
		if err := rows.Scan(&j.ID, &j.Name, &doc, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.Document = json.RawMessage(doc)
		docs = append(docs, j)
	}
	return docs, rows.Err()
}

// DeleteJSONModel removes a document by id.
func (s *Store) DeleteJSONModel(id string) error {
	_, err := s.db.Exec("DELETE FROM jsonmodels WHERE id = ?", id)
	return err
}
