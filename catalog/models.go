package catalog

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Model types mirror the per-type subdirectories of the model tree.
const (
	TypeCheckpoint = "checkpoint"
	TypeLora       = "lora"
	TypeVAE        = "vae"
	TypeEmbedding  = "embedding"
	TypeControlNet = "controlnet"
	TypeUpscale    = "upscale"
	TypeCLIP       = "clip"
)

var typeDirs = map[string]string{
	TypeCheckpoint: "checkpoints",
	TypeLora:       "loras",
	TypeVAE:        "vae",
	TypeEmbedding:  "embeddings",
	TypeControlNet: "controlnet",
	TypeUpscale:    "upscale_models",
	TypeCLIP:       "clip",
}

// DirForType returns the model-tree subdirectory for a model type.
// Unknown types land in "other".
func DirForType(modelType string) string {
	if dir, ok := typeDirs[modelType]; ok {
		return dir
	}
	return "other"
}

// TypeForDir is the inverse of DirForType, used when scanning the tree.
func TypeForDir(dir string) string {
	for t, d := range typeDirs {
		if d == dir {
			return t
		}
	}
	return ""
}

// ModelExtensions are the file extensions recognized as model files.
var ModelExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx"}

// IsModelFile reports whether a filename looks like a model file.
func IsModelFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range ModelExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Model is a managed model file.
type Model struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Path        string    `json:"path"` // relative to the model root
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
	PreviewPath string    `json:"preview_path,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ModelFilter narrows ListModels results. Zero values match everything.
type ModelFilter struct {
	Type  string
	Query string // substring match on name
}

// SaveModel inserts or replaces a model record. A missing ID or CreatedAt is
// filled in.
func (s *Store) SaveModel(m *Model) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO models (id, name, type, path, size, sha256, source_url, preview_path, description, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Type, m.Path, m.Size, m.SHA256, m.SourceURL, m.PreviewPath, m.Description, m.CreatedAt)
	return err
}

// GetModel looks a model up by id.
func (s *Store) GetModel(id string) (*Model, error) {
	return s.scanModel(s.db.QueryRow(`
	SELECT id, name, type, path, size, sha256, source_url, preview_path, description, created_at
	FROM models WHERE id = ?`, id))
}

// GetModelByPath looks a model up by its tree-relative path.
func (s *Store) GetModelByPath(path string) (*Model, error) {
	return s.scanModel(s.db.QueryRow(`
	SELECT id, name, type, path, size, sha256, source_url, preview_path, description, created_at
	FROM models WHERE path = ?`, path))
}

// GetModelByHash looks a model up by its sha256 digest.
func (s *Store) GetModelByHash(sha string) (*Model, error) {
	if sha == "" {
		return nil, ErrNotFound
	}
	return s.scanModel(s.db.QueryRow(`
	SELECT id, name, type, path, size, sha256, source_url, preview_path, description, created_at
	FROM models WHERE sha256 = ? COLLATE NOCASE`, sha))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanModel(row rowScanner) (*Model, error) {
	var m Model
	var sha, source, preview, desc sql.NullString
	err := row.Scan(&m.ID, &m.Name, &m.Type, &m.Path, &m.Size, &sha, &source, &preview, &desc, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.SHA256 = sha.String
	m.SourceURL = source.String
	m.PreviewPath = preview.String
	m.Description = desc.String
	return &m, nil
}

// ListModels returns models matching the filter, newest first.
func (s *Store) ListModels(f ModelFilter) ([]Model, error) {
	query := `
	SELECT id, name, type, path, size, sha256, source_url, preview_path, description, created_at
	FROM models`
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Query != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+f.Query+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []Model
	for rows.Next() {
		m, err := s.scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	return models, rows.Err()
}

// DeleteModel removes a model record. Deleting a missing id is a no-op.
func (s *Store) DeleteModel(id string) error {
	_, err := s.db.Exec("DELETE FROM models WHERE id = ?", id)
	return err
}

// DeleteModelByPath removes a model record by path.
func (s *Store) DeleteModelByPath(path string) error {
	_, err := s.db.Exec("DELETE FROM models WHERE path = ?", path)
	return err
}
