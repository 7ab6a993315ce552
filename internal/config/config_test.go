package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// TestConfig exercises every field kind LoadConfig knows how to fill.
type TestConfig struct {
	Config string `help:"Config file path"`

	StringField string   `toml:"test.string_field" env:"STRING_FIELD"`
	BoolField   bool     `toml:"test.bool_field" env:"BOOL_FIELD"`
	IntField    int      `toml:"test.int_field" env:"INT_FIELD"`
	SliceField  []string `toml:"test.slice_field" env:"SLICE_FIELD"`

	NestedString string `toml:"nested.value" env:"NESTED_VALUE"`
}

// writeConfigFile drops TOML content into a temp file and returns its path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeConfigFile(t, `
[test]
string_field = "hello world"
bool_field = true
int_field = 42
slice_field = ["item1", "item2", "item3"]

[nested]
value = "nested value"
`)

	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.StringField != "hello world" {
		t.Errorf("StringField = %q, want %q", config.StringField, "hello world")
	}
	if !config.BoolField {
		t.Errorf("BoolField = %v, want true", config.BoolField)
	}
	if config.IntField != 42 {
		t.Errorf("IntField = %d, want 42", config.IntField)
	}
	wantSlice := []string{"item1", "item2", "item3"}
	if !reflect.DeepEqual(config.SliceField, wantSlice) {
		t.Errorf("SliceField = %v, want %v", config.SliceField, wantSlice)
	}
	if config.NestedString != "nested value" {
		t.Errorf("NestedString = %q, want %q", config.NestedString, "nested value")
	}
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	t.Setenv("LLMPOOL_STRING_FIELD", "env string")
	t.Setenv("LLMPOOL_BOOL_FIELD", "false")
	t.Setenv("LLMPOOL_INT_FIELD", "123")
	t.Setenv("LLMPOOL_SLICE_FIELD", "a,b,c")
	t.Setenv("LLMPOOL_NESTED_VALUE", "env nested")

	config := &TestConfig{}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.StringField != "env string" {
		t.Errorf("StringField = %q, want %q", config.StringField, "env string")
	}
	if config.BoolField {
		t.Errorf("BoolField = %v, want false", config.BoolField)
	}
	if config.IntField != 123 {
		t.Errorf("IntField = %d, want 123", config.IntField)
	}
	wantSlice := []string{"a", "b", "c"}
	if !reflect.DeepEqual(config.SliceField, wantSlice) {
		t.Errorf("SliceField = %v, want %v", config.SliceField, wantSlice)
	}
	if config.NestedString != "env nested" {
		t.Errorf("NestedString = %q, want %q", config.NestedString, "env nested")
	}
}

func TestLoadConfigEnvOverridesToml(t *testing.T) {
	path := writeConfigFile(t, `
[test]
string_field = "toml value"
bool_field = true
int_field = 100
slice_field = ["toml1", "toml2"]
`)

	t.Setenv("LLMPOOL_STRING_FIELD", "env override")
	t.Setenv("LLMPOOL_BOOL_FIELD", "false")

	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Environment wins over the file.
	if config.StringField != "env override" {
		t.Errorf("StringField = %q, want %q", config.StringField, "env override")
	}
	if config.BoolField {
		t.Errorf("BoolField = %v, want false (env override)", config.BoolField)
	}

	// File values survive where no env var is set.
	if config.IntField != 100 {
		t.Errorf("IntField = %d, want 100 (from TOML)", config.IntField)
	}
	wantSlice := []string{"toml1", "toml2"}
	if !reflect.DeepEqual(config.SliceField, wantSlice) {
		t.Errorf("SliceField = %v, want %v (from TOML)", config.SliceField, wantSlice)
	}
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{
		"level1": map[string]any{
			"level2": map[string]any{
				"value": "nested_value",
			},
			"simple": "simple_value",
		},
		"root": "root_value",
	}

	tests := []struct {
		path string
		want any
	}{
		{"root", "root_value"},
		{"level1.simple", "simple_value"},
		{"level1.level2.value", "nested_value"},
		{"nonexistent", nil},
		{"level1.nonexistent", nil},
	}

	for _, tt := range tests {
		if got := getNestedValue(data, tt.path); got != tt.want {
			t.Errorf("getNestedValue(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSetFieldValue(t *testing.T) {
	type target struct {
		StringField string
		BoolField   bool
		IntField    int
		SliceField  []string
	}

	s := &target{}
	v := reflect.ValueOf(s).Elem()

	setFieldValue(v.FieldByName("StringField"), "test string")
	if s.StringField != "test string" {
		t.Errorf("StringField = %q, want %q", s.StringField, "test string")
	}

	setFieldValue(v.FieldByName("BoolField"), true)
	if !s.BoolField {
		t.Errorf("BoolField = %v, want true", s.BoolField)
	}

	// TOML integers decode as int64.
	setFieldValue(v.FieldByName("IntField"), int64(42))
	if s.IntField != 42 {
		t.Errorf("IntField = %d, want 42", s.IntField)
	}

	setFieldValue(v.FieldByName("SliceField"), []any{"a", "b", "c"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(s.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", s.SliceField, want)
	}
}

func TestSetFieldValueFromString(t *testing.T) {
	type target struct {
		StringField string
		BoolField   bool
		IntField    int
		SliceField  []string
	}

	s := &target{}
	v := reflect.ValueOf(s).Elem()

	setFieldValueFromString(v.FieldByName("StringField"), "test string")
	if s.StringField != "test string" {
		t.Errorf("StringField = %q, want %q", s.StringField, "test string")
	}

	setFieldValueFromString(v.FieldByName("BoolField"), "true")
	if !s.BoolField {
		t.Errorf("BoolField = %v, want true", s.BoolField)
	}

	setFieldValueFromString(v.FieldByName("IntField"), "123")
	if s.IntField != 123 {
		t.Errorf("IntField = %d, want 123", s.IntField)
	}

	setFieldValueFromString(v.FieldByName("SliceField"), "x,y,z")
	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(s.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", s.SliceField, want)
	}

	// Items are trimmed around the commas.
	setFieldValueFromString(v.FieldByName("SliceField"), " a , b , c ")
	want = []string{"a", "b", "c"}
	if !reflect.DeepEqual(s.SliceField, want) {
		t.Errorf("SliceField = %v, want %v", s.SliceField, want)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	config := &TestConfig{Config: "nonexistent_file.toml"}

	// A missing file is not an error, flags and env still apply.
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig should not fail for missing file: %v", err)
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeConfigFile(t, `
[test
invalid toml syntax
`)

	config := &TestConfig{Config: path}
	if err := LoadConfig(config, nil); err == nil {
		t.Fatal("LoadConfig should fail for invalid TOML")
	}
}

// LoggingConfig mirrors the logging fields of the server Options struct.
type LoggingConfig struct {
	Config         string `help:"Config file path"`
	LoggingLevel   string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingPool    string `toml:"logging.pool" env:"LOGGING_POOL"`
	LoggingSession string `toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingServer  string `toml:"logging.server" env:"LOGGING_SERVER"`
	LoggingAPI     string `toml:"logging.api" env:"LOGGING_API"`
}

func TestLoadLoggingModuleLevels(t *testing.T) {
	path := writeConfigFile(t, `
[logging]
level = "info"
format = "text"
pool = "debug"
session = "debug"
server = "warn"
api = "error"
`)

	config := &LoggingConfig{
		Config:         path,
		LoggingLevel:   "info",
		LoggingFormat:  "text",
		LoggingPool:    "info",
		LoggingSession: "info",
		LoggingServer:  "info",
		LoggingAPI:     "info",
	}
	if err := LoadConfig(config, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	tests := []struct {
		field string
		got   string
		want  string
	}{
		{"LoggingLevel", config.LoggingLevel, "info"},
		{"LoggingFormat", config.LoggingFormat, "text"},
		{"LoggingPool", config.LoggingPool, "debug"},
		{"LoggingSession", config.LoggingSession, "debug"},
		{"LoggingServer", config.LoggingServer, "warn"},
		{"LoggingAPI", config.LoggingAPI, "error"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.field, tt.got, tt.want)
		}
	}
}

func TestLoadBackendConfig(t *testing.T) {
	path := writeConfigFile(t, `
[backend]
command = "/usr/bin/llm-backend --serve"
model = "base-7b"
`)

	cfg, err := LoadBackendConfig(path)
	if err != nil {
		t.Fatalf("LoadBackendConfig failed: %v", err)
	}
	if cfg.Command != "/usr/bin/llm-backend --serve" {
		t.Errorf("Command = %q, want %q", cfg.Command, "/usr/bin/llm-backend --serve")
	}
	if cfg.Model != "base-7b" {
		t.Errorf("Model = %q, want %q", cfg.Model, "base-7b")
	}
}

func TestLoadBackendConfigMissingCommand(t *testing.T) {
	path := writeConfigFile(t, "[backend]\nmodel = \"base\"\n")

	if _, err := LoadBackendConfig(path); err == nil {
		t.Fatal("LoadBackendConfig should fail without backend.command")
	}
}

func TestLoadBackendConfigMissingFile(t *testing.T) {
	if _, err := LoadBackendConfig("nonexistent_backend.toml"); err == nil {
		t.Fatal("LoadBackendConfig should fail for a missing file")
	}
}
