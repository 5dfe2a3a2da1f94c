// Package config loads the daemon configuration from a YAML file, validates
// it against an embedded JSON schema and applies environment overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	// Token is the bearer token for the remote service.
	Token   string `yaml:"token" json:"token"`
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`

	// Database is the path of the SQLite bookmark tree database. State is
	// the correlation state DSN: a file path, memory:, or a postgres URL.
	Database string `yaml:"database" json:"database"`
	State    string `yaml:"state" json:"state"`

	RootFolder     string `yaml:"rootFolder" json:"rootFolder"`
	UnsortedFolder string `yaml:"unsortedFolder" json:"unsortedFolder"`

	// Interval is the scheduled sync period as a Go duration string.
	Interval   string `yaml:"interval" json:"interval"`
	StatusAddr string `yaml:"statusAddr" json:"statusAddr"`
	LogFile    string `yaml:"logFile" json:"logFile"`
}

func Default() Config {
	return Config{
		BaseURL:        "https://api.raindrop.io/rest/v1",
		Database:       "marksync.db",
		State:          "marksync.state.json",
		RootFolder:     "Raindrop",
		UnsortedFolder: "Unsorted",
		Interval:       "5m",
	}
}

// Load reads the YAML file at path, merged over defaults. An empty path skips
// the file and yields defaults plus environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := validate(raw); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if _, err := cfg.SyncInterval(); err != nil {
		return Config{}, fmt.Errorf("config: interval: %w", err)
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return Config{}, errors.New("config: database path is required")
	}
	return cfg, nil
}

// SyncInterval parses the scheduled sync period.
func (c Config) SyncInterval() (time.Duration, error) {
	return time.ParseDuration(c.Interval)
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Token, "MARKSYNC_TOKEN")
	override(&c.BaseURL, "MARKSYNC_BASE_URL")
	override(&c.Database, "MARKSYNC_DB")
	override(&c.State, "MARKSYNC_STATE")
	override(&c.RootFolder, "MARKSYNC_ROOT_FOLDER")
	override(&c.UnsortedFolder, "MARKSYNC_UNSORTED_FOLDER")
	override(&c.Interval, "MARKSYNC_INTERVAL")
	override(&c.StatusAddr, "MARKSYNC_STATUS_ADDR")
	override(&c.LogFile, "MARKSYNC_LOG_FILE")
}

// validate checks the raw YAML document against the embedded schema. The
// document is round-tripped through JSON so the schema engine sees plain
// values.
func validate(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("config.schema.json")
}
