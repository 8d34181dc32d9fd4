package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mikelund/magpie/platform"
)

// Config holds application configuration including database path, the managed
// model tree, remote source credentials, and server settings.
type Config struct {
	DBPath string `json:"dbPath"`

	// Root of the managed model tree. Models are organized in per-type
	// subdirectories (checkpoints, loras, vae, ...) underneath it.
	ModelRoot string `json:"modelRoot"`

	// Address the HTTP API listens on.
	ListenAddr string `json:"listenAddr"`

	// API credentials for remote model sources.
	CivitaiAPIKey    string `json:"civitaiApiKey"`
	HuggingFaceToken string `json:"huggingFaceToken"`

	// S3 settings for s3:// model sources.
	S3 struct {
		Region          string `json:"region"`
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
	} `json:"s3"`

	// Maximum concurrent downloads per source host.
	MaxPerHost int `json:"maxPerHost"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "magpie.db")
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		ModelRoot:  platform.DefaultModelRoot(),
		ListenAddr: ":8091",
		MaxPerHost: 2,
		JWTSecret:  uuid.New().String(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It returns
// the config and path. If the config file doesn't exist, it creates one with
// default values, along with any missing directories.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()

			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
			}

			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := defaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.ModelRoot == "" {
		c.ModelRoot = def.ModelRoot
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = def.MaxPerHost
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}

	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns
// the path. Fields present on disk but unknown to this version survive the
// write through a deep JSON merge.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
