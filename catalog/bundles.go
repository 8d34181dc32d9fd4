package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BundleModel is one model a bundle pulls in.
type BundleModel struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	URL    string `json:"url"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// BundleWorkflow is a workflow shipped inside a bundle.
type BundleWorkflow struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// HardwareProfile gates a bundle install on the machine it targets.
type HardwareProfile struct {
	Name       string   `json:"name"`
	MinVRAMGB  int      `json:"min_vram_gb,omitempty"`
	LaunchArgs []string `json:"launch_args,omitempty"`
}

// Bundle is a curated set of models, workflows, and hardware profiles that
// installs as a unit.
type Bundle struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Models      []BundleModel     `json:"models"`
	Workflows   []BundleWorkflow  `json:"workflows,omitempty"`
	Profiles    []HardwareProfile `json:"profiles,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BundleInstall records one install of a bundle.
type BundleInstall struct {
	ID          string    `json:"id"`
	BundleID    string    `json:"bundle_id"`
	Profile     string    `json:"profile,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// Validate checks the parts of a bundle the installer depends on.
func (b *Bundle) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("bundle name is required")
	}
	for i, m := range b.Models {
		if m.URL == "" {
			return fmt.Errorf("bundle model %d (%s): url is required", i, m.Name)
		}
		if m.Name == "" {
			return fmt.Errorf("bundle model %d: name is required", i)
		}
	}
	for i, p := range b.Profiles {
		if p.Name == "" {
			return fmt.Errorf("bundle profile %d: name is required", i)
		}
	}
	return nil
}

// Profile returns the named hardware profile, or nil when the bundle does not
// define it.
func (b *Bundle) Profile(name string) *HardwareProfile {
	for i := range b.Profiles {
		if b.Profiles[i].Name == name {
			return &b.Profiles[i]
		}
	}
	return nil
}

// SaveBundle inserts or replaces a bundle. The document column holds the
// whole bundle as JSON; name and description are denormalized for listing.
func (s *Store) SaveBundle(b *Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT OR REPLACE INTO bundles (id, name, description, version, document, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, b.Version, string(doc), b.CreatedAt, b.UpdatedAt)
	return err
}

// GetBundle looks a bundle up by id.
func (s *Store) GetBundle(id string) (*Bundle, error) {
	var doc string
	err := s.db.QueryRow("SELECT document FROM bundles WHERE id = ?", id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, fmt.Errorf("bundle %s: %w", id, err)
	}
	return &b, nil
}

// ListBundles returns all bundles, newest first.
func (s *Store) ListBundles() ([]Bundle, error) {
	rows, err := s.db.Query("SELECT document FROM bundles ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bundles []Bundle
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var b Bundle
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, rows.Err()
}

// DeleteBundle removes a bundle and its install history.
func (s *Store) DeleteBundle(id string) error {
	if _, err := s.db.Exec("DELETE FROM bundle_installs WHERE bundle_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM bundles WHERE id = ?", id)
	return err
}

// RecordInstall notes that a bundle was installed with a profile.
func (s *Store) RecordInstall(bundleID, profile string) error {
	_, err := s.db.Exec(`
	INSERT INTO bundle_installs (id, bundle_id, profile, installed_at)
	VALUES (?, ?, ?, ?)`,
		uuid.NewString(), bundleID, profile, time.Now())
	return err
}

// Installs returns the install history for a bundle, newest first.
func (s *Store) Installs(bundleID string) ([]BundleInstall, error) {
	rows, err := s.db.Query(`
	SELECT id, bundle_id, profile, installed_at FROM bundle_installs
	WHERE bundle_id = ? ORDER BY installed_at DESC`, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installs []BundleInstall
	for rows.Next() {
		var bi BundleInstall
		var profile sql.NullString
		if err := rows.Scan(&bi.ID, &bi.BundleID, &profile, &bi.InstalledAt); err != nil {
			return nil, err
		}
		bi.Profile = profile.String
		installs = append(installs, bi)
	}
	return installs, rows.Err()
}
