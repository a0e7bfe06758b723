// Package config loads the engine's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("5s", "1m30s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full engine configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Scheduler Scheduler `yaml:"scheduler"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Storage selects and configures the coordination-store backend.
type Storage struct {
	// Backend is one of "etcd", "sqlite", "memory".
	Backend string       `yaml:"backend"`
	Etcd    EtcdBackend  `yaml:"etcd"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

type EtcdBackend struct {
	Endpoints []string `yaml:"endpoints"`
	Timeout   Duration `yaml:"timeout"`
}

type SQLiteConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type Scheduler struct {
	PollInterval   Duration `yaml:"poll_interval"`
	WorkerCapacity int      `yaml:"worker_capacity"`
	IdentityFile   string   `yaml:"identity_file"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{Addr: ":4567"},
		Storage: Storage{
			Backend: "etcd",
			Etcd: EtcdBackend{
				Endpoints: []string{"localhost:2379"},
				Timeout:   Duration(5 * time.Second),
			},
			SQLite: SQLiteConfig{
				Path:        "./data/tasks.db",
				BusyTimeout: Duration(5 * time.Second),
			},
		},
		Scheduler: Scheduler{
			PollInterval:   Duration(time.Second),
			WorkerCapacity: 10,
			IdentityFile:   "./data/engine.id",
		},
		Log: Log{Level: "info", Console: true},
	}
}

// Load reads and validates the YAML file at path, applying defaults for
// unset fields. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case "etcd":
		if len(c.Storage.Etcd.Endpoints) == 0 {
			return fmt.Errorf("storage.etcd.endpoints must not be empty")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must not be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Scheduler.PollInterval.Std() <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Scheduler.WorkerCapacity <= 0 {
		return fmt.Errorf("scheduler.worker_capacity must be > 0")
	}
	if c.Scheduler.IdentityFile == "" {
		return fmt.Errorf("scheduler.identity_file must not be empty")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	return nil
}
