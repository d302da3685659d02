// Package config loads the YAML configuration of the entwire command and
// of programs wiring entwire from a file.
//
//	log:
//	  level: info
//	codec:
//	  format: msgpack
//	storage:
//	  driver: sqlite
//	  dsn: file:entities.db
//	  slow_threshold: 200ms
//	relation:
//	  bulk_load: false
//	  buffer_size: 20
//	queue:
//	  workers: 8
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/syssam/entwire/queue"
	"github.com/syssam/entwire/relation"
)

// Config is the root document.
type Config struct {
	Log      Log      `yaml:"log"`
	Codec    Codec    `yaml:"codec"`
	Storage  Storage  `yaml:"storage"`
	Relation Relation `yaml:"relation"`
	Queue    Queue    `yaml:"queue"`
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Codec selects the wire format of stored entities.
type Codec struct {
	Format string `yaml:"format" validate:"oneof=msgpack xml yaml"`
}

// Storage selects and configures the store.
type Storage struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite mysql postgres badger"`
	// DSN is the data source of the SQL drivers.
	DSN string `yaml:"dsn"`
	// Path is the badger data directory; empty keeps it in memory.
	Path          string        `yaml:"path"`
	SlowThreshold time.Duration `yaml:"slow_threshold" validate:"gte=0"`
	// CacheTTL enables the identity cache of SQL stores when positive.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`
}

// SQL reports whether the driver is a database/sql one.
func (s Storage) SQL() bool {
	switch s.Driver {
	case "sqlite", "mysql", "postgres":
		return true
	}
	return false
}

// Relation holds the default options of relation lists.
type Relation struct {
	BulkLoad   bool `yaml:"bulk_load"`
	CacheCount bool `yaml:"cache_count"`
	Watch      bool `yaml:"watch"`
	BufferSize int  `yaml:"buffer_size" validate:"gte=0,lte=10000"`
}

// Queue configures the delayed-write batcher.
type Queue struct {
	Workers  int           `yaml:"workers" validate:"gte=0,lte=1024"`
	Capacity int           `yaml:"capacity" validate:"gte=0"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		s := sl.Current().Interface().(Storage)
		if s.SQL() && s.DSN == "" {
			sl.ReportError(s.DSN, "DSN", "dsn", "required_for_sql", s.Driver)
		}
	}, Storage{})
	return v
}

// Default returns the configuration used for absent keys.
func Default() Config {
	return Config{
		Log:      Log{Level: "info"},
		Codec:    Codec{Format: "msgpack"},
		Storage:  Storage{Driver: "memory", SlowThreshold: 100 * time.Millisecond},
		Relation: Relation{BufferSize: relation.DefaultBufferSize},
		Queue:    Queue{Workers: 8},
	}
}

// Parse decodes and validates a YAML document over the defaults. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("entwire: config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("entwire: config: %w", err)
	}
	return Parse(data)
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("entwire: config: %w", err)
	}
	return nil
}

// Level returns the slog level named by Log.Level.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// RelationOptions returns the relation list defaults.
func (c Config) RelationOptions() relation.Options {
	o := relation.DefaultOptions()
	o.BulkLoad = c.Relation.BulkLoad
	o.CacheCount = c.Relation.CacheCount
	o.Watch = c.Relation.Watch
	if c.Relation.BufferSize > 0 {
		o.BufferSize = c.Relation.BufferSize
	}
	return o
}

// QueueOptions returns the batcher options.
func (c Config) QueueOptions() []queue.Option {
	return []queue.Option{queue.WithWorkers(c.Queue.Workers), queue.WithCapacity(c.Queue.Capacity)}
}
