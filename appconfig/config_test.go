package appconfig

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != ":8091" {
		t.Errorf("Default ListenAddr = %q; want %q", cfg.ListenAddr, ":8091")
	}

	if cfg.MaxPerHost != 2 {
		t.Errorf("Default MaxPerHost = %d; want 2", cfg.MaxPerHost)
	}

	if cfg.ModelRoot == "" {
		t.Error("Default ModelRoot should not be empty")
	}

	if cfg.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}

	if filepath.Base(cfg.DBPath) != "magpie.db" {
		t.Errorf("Default DBPath should end with magpie.db; got %q", cfg.DBPath)
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	testConfig := Config{
		DBPath:     "/test/path/db.sqlite",
		ModelRoot:  "/test/models",
		ListenAddr: ":9999",
		MaxPerHost: 5,
	}

	Set(testConfig)

	retrieved := Get()

	if retrieved.DBPath != testConfig.DBPath {
		t.Errorf("Get().DBPath = %q; want %q", retrieved.DBPath, testConfig.DBPath)
	}
	if retrieved.ModelRoot != testConfig.ModelRoot {
		t.Errorf("Get().ModelRoot = %q; want %q", retrieved.ModelRoot, testConfig.ModelRoot)
	}
	if retrieved.ListenAddr != testConfig.ListenAddr {
		t.Errorf("Get().ListenAddr = %q; want %q", retrieved.ListenAddr, testConfig.ListenAddr)
	}
	if retrieved.MaxPerHost != testConfig.MaxPerHost {
		t.Errorf("Get().MaxPerHost = %d; want %d", retrieved.MaxPerHost, testConfig.MaxPerHost)
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{
			name:     "Simple merge",
			dst:      `{"a": "1"}`,
			src:      `{"b": "2"}`,
			expected: `{"a":"1","b":"2"}`,
		},
		{
			name:     "Override value",
			dst:      `{"a": "1"}`,
			src:      `{"a": "2"}`,
			expected: `{"a":"2"}`,
		},
		{
			name:     "Nested merge",
			dst:      `{"nested": {"a": "1"}}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"nested":{"a":"1","b":"2"}}`,
		},
		{
			name:     "Add new nested",
			dst:      `{"a": "1"}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"a":"1","nested":{"b":"2"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst map[string]json.RawMessage
			var src map[string]json.RawMessage

			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)

			result, _ := json.Marshal(dst)

			// Parse both for comparison (order-independent)
			var resultMap, expectedMap map[string]interface{}
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !mapsEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

// mapsEqual compares two maps recursively
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		return mapsEqual(av, bv)
	default:
		return a == b
	}
}

// TestConfigJSONMarshal verifies Config can be marshaled to JSON
func TestConfigJSONMarshal(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = "/test/db.sqlite"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}

	expectedKeys := []string{"dbPath", "modelRoot", "listenAddr", "maxPerHost", "s3", "jwtSecret"}
	for _, key := range expectedKeys {
		if _, ok := parsed[key]; !ok {
			t.Errorf("Expected key %q not found in JSON output", key)
		}
	}
}

// TestConfigJSONUnmarshal verifies Config can be unmarshaled from JSON
func TestConfigJSONUnmarshal(t *testing.T) {
	jsonData := `{
		"dbPath": "/test/db.sqlite",
		"modelRoot": "/test/models",
		"listenAddr": ":8099",
		"civitaiApiKey": "key123",
		"maxPerHost": 3,
		"s3": {
			"region": "us-west-2",
			"accessKeyId": "AKIA",
			"secretAccessKey": "secret"
		}
	}`

	var cfg Config
	if err := json.Unmarshal([]byte(jsonData), &cfg); err != nil {
		t.Fatalf("json.Unmarshal error = %v", err)
	}

	if cfg.DBPath != "/test/db.sqlite" {
		t.Errorf("DBPath = %q; want %q", cfg.DBPath, "/test/db.sqlite")
	}
	if cfg.CivitaiAPIKey != "key123" {
		t.Errorf("CivitaiAPIKey = %q; want %q", cfg.CivitaiAPIKey, "key123")
	}
	if cfg.S3.Region != "us-west-2" {
		t.Errorf("S3.Region = %q; want %q", cfg.S3.Region, "us-west-2")
	}
	if cfg.MaxPerHost != 3 {
		t.Errorf("MaxPerHost = %d; want 3", cfg.MaxPerHost)
	}
}

// TestConfigConcurrency tests concurrent access to Get/Set
func TestConfigConcurrency(t *testing.T) {
	original := Get()
	defer Set(original)

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{DBPath: "/path"})
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()

	<-done
	<-done
}
