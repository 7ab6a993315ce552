package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "LLMPOOL_"

// LoadConfig fills opts from the config file and environment, with CLI
// flags winning over both. Fields opt in through their toml and env
// struct tags; a field named Config carries the file path.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	changed := changedCLIFlags(cmd)

	var fileValues map[string]any
	if f, ok := t.FieldByName("Config"); ok {
		path := v.FieldByIndex(f.Index).String()
		if path != "" {
			if data, err := os.ReadFile(path); err == nil {
				if err := toml.Unmarshal(data, &fileValues); err != nil {
					return fmt.Errorf("failed to parse TOML config: %w", err)
				}
			}
		}
	}

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)

		// A flag the user passed explicitly is never overwritten.
		if changed[fieldNameToFlag(sf.Name)] {
			continue
		}

		if path := sf.Tag.Get("toml"); path != "" && fileValues != nil {
			if value := getNestedValue(fileValues, path); value != nil {
				setFieldValue(field, value)
			}
		}
		if key := sf.Tag.Get("env"); key != "" {
			if value := os.Getenv(envPrefix + key); value != "" {
				setFieldValueFromString(field, value)
			}
		}
	}
	return nil
}

// changedCLIFlags collects the names of flags explicitly set on the
// command line.
func changedCLIFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

// fieldNameToFlag converts a struct field name to its kebab-case flag
// name: "LoggingLevel" becomes "logging-level".
func fieldNameToFlag(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// getNestedValue walks a dotted path through nested TOML tables.
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current[parts[len(parts)-1]]
}

// setFieldValue assigns a decoded TOML value to a struct field.
func setFieldValue(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		items, ok := value.([]any)
		if !ok {
			return
		}
		out := make([]string, len(items))
		for i, item := range items {
			if s, ok := item.(string); ok {
				out[i] = s
			}
		}
		field.Set(reflect.ValueOf(out))
	}
}

// setFieldValueFromString assigns an environment value to a struct field.
// Slices split on commas.
func setFieldValueFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return
		}
		parts := strings.Split(value, ",")
		out := make([]string, len(parts))
		for i, part := range parts {
			out[i] = strings.TrimSpace(part)
		}
		field.Set(reflect.ValueOf(out))
	}
}

// LoadBackendConfig reads the backend session launch settings from a
// TOML config file. The config watcher calls this on every change so
// handlers always see fresh file contents.
func LoadBackendConfig(configPath string) (session.BackendConfig, error) {
	var raw struct {
		Backend struct {
			Command string `toml:"command"`
			Model   string `toml:"model"`
		} `toml:"backend"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return session.BackendConfig{}, err
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return session.BackendConfig{}, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	if raw.Backend.Command == "" {
		return session.BackendConfig{}, errors.New("config has no backend.command")
	}
	return session.BackendConfig{
		Command: raw.Backend.Command,
		Model:   raw.Backend.Model,
	}, nil
}

// LoadLoggingConfig reads the [logging] table. Any key besides level and
// format names a module whose level it overrides. Missing or unreadable
// files yield the defaults, since logging must come up regardless.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}
	if configPath == "" {
		return cfg
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]string `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}

	for key, value := range raw.Logging {
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
