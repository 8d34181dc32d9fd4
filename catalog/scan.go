package catalog

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ScanResult summarizes a reconcile pass over the model tree.
type ScanResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// ScanRoot walks the model root and reconciles the models table with what is
// on disk. Files already recorded keep their metadata; files that vanished
// are dropped.
func (s *Store) ScanRoot(root string) (*ScanResult, error) {
	onDisk := map[string]int64{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !IsModelFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		onDisk[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}

	existing, err := s.ListModels(ModelFilter{})
	if err != nil {
		return nil, err
	}
	known := map[string]bool{}
	result := &ScanResult{}
	for _, m := range existing {
		if _, ok := onDisk[m.Path]; !ok {
			if err := s.DeleteModel(m.ID); err != nil {
				return nil, err
			}
			result.Removed++
			continue
		}
		known[m.Path] = true
	}

	for rel, size := range onDisk {
		if known[rel] {
			continue
		}
		m := &Model{
			Name: strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel)),
			Type: typeFromPath(rel),
			Path: rel,
			Size: size,
		}
		if err := s.SaveModel(m); err != nil {
			return nil, err
		}
		result.Added++
	}
	result.Total = len(onDisk)
	log.Printf("model scan: %d added, %d removed, %d total", result.Added, result.Removed, result.Total)
	return result, nil
}

// typeFromPath infers a model type from the first path segment.
func typeFromPath(rel string) string {
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return TypeForDir(parts[0])
}
