package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/dr4tinymous/auditspool"
)

// daemonConfig is the layout of the daemon configuration file.
//
//	spoolRoot: /var/spool/audit
//	flushInterval: 30s
//	local:
//	  deviceName: dcm4chee-arc
//	admin:
//	  addr: 127.0.0.1:8089
//	destinations:
//	  - name: central-arr
//	    installed: true
//	    mode: batched
//	    emitter:
//	      kafka:
//	        brokers: [kafka-1:9092]
//	        topic: audit
type daemonConfig struct {
	SpoolRoot     string                 `yaml:"spoolRoot"`
	FlushInterval time.Duration          `yaml:"flushInterval"`
	MinFileAge    *time.Duration         `yaml:"minFileAge"`
	Local         auditspool.LocalSystem `yaml:"local"`
	Admin         adminConfig            `yaml:"admin"`
	Destinations  []destinationConfig    `yaml:"destinations"`
}

type adminConfig struct {
	Addr string `yaml:"addr"`
}

// destinationConfig is a destination together with the emitter that
// delivers its records.
type destinationConfig struct {
	auditspool.Destination `yaml:",inline"`
	Emitter                emitterConfig `yaml:"emitter"`
}

// emitterConfig selects exactly one emitter kind.
type emitterConfig struct {
	Kafka *kafkaConfig           `yaml:"kafka,omitempty"`
	SQL   *sqlConfig             `yaml:"sql,omitempty"`
	File  *auditspool.FileConfig `yaml:"file,omitempty"`
	Redis *redisConfig           `yaml:"redis,omitempty"`
}

type kafkaConfig struct {
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

type sqlConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`
}

type redisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamPrefix string `yaml:"streamPrefix"`
	MaxLen       int64  `yaml:"maxLen"`
}

func (e emitterConfig) kinds() int {
	n := 0
	if e.Kafka != nil {
		n++
	}
	if e.SQL != nil {
		n++
	}
	if e.File != nil {
		n++
	}
	if e.Redis != nil {
		n++
	}
	return n
}

func loadDaemonConfig(path string) (*daemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseDaemonConfig(data)
}

func parseDaemonConfig(data []byte) (*daemonConfig, error) {
	cfg := &daemonConfig{Admin: adminConfig{Addr: "127.0.0.1:8089"}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	for _, d := range cfg.Destinations {
		if n := d.Emitter.kinds(); n != 1 {
			return nil, fmt.Errorf("destination %q: expected exactly one emitter, got %d", d.Name, n)
		}
	}
	return cfg, nil
}

// options converts the file settings into pipeline options.
func (c *daemonConfig) options() []auditspool.Option {
	dests := make([]auditspool.Destination, len(c.Destinations))
	for i, d := range c.Destinations {
		dests[i] = d.Destination
	}
	opts := []auditspool.Option{
		auditspool.WithSpoolRoot(c.SpoolRoot),
		auditspool.WithDestinations(dests...),
		auditspool.WithLocalSystem(c.Local),
	}
	if c.FlushInterval > 0 {
		opts = append(opts, auditspool.WithFlushInterval(c.FlushInterval))
	}
	if c.MinFileAge != nil {
		opts = append(opts, auditspool.WithMinFileAge(*c.MinFileAge))
	}
	return opts
}

// buildRouter creates one emitter per installed destination. The returned
// closers must be closed even when an error is returned.
func buildRouter(dests []destinationConfig) (*auditspool.Router, []io.Closer, error) {
	router := auditspool.NewRouter(nil)
	var closers []io.Closer
	for _, d := range dests {
		if !d.Installed {
			continue
		}
		e, c, err := buildEmitter(d.Name, d.Emitter)
		if c != nil {
			closers = append(closers, c)
		}
		if err != nil {
			return nil, closers, fmt.Errorf("destination %q: %w", d.Name, err)
		}
		router.Handle(d.Name, e)
	}
	return router, closers, nil
}

func buildEmitter(destination string, cfg emitterConfig) (auditspool.Emitter, io.Closer, error) {
	switch {
	case cfg.Kafka != nil:
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, nil, errors.New("kafka emitter needs at least one broker")
		}
		topic := cfg.Kafka.Topic
		if topic == "" {
			topic = "audit-" + destination
		}
		var opts []auditspool.KafkaOption
		if cfg.Kafka.Retries > 0 {
			opts = append(opts, auditspool.WithKafkaRetries(cfg.Kafka.Retries))
		}
		if cfg.Kafka.RetryDelay > 0 {
			opts = append(opts, auditspool.WithKafkaRetryDelay(cfg.Kafka.RetryDelay))
		}
		e, err := auditspool.NewKafkaEmitter(cfg.Kafka.Brokers, topic, opts...)
		if err != nil {
			return nil, nil, err
		}
		return e, e, nil

	case cfg.SQL != nil:
		var opts []auditspool.SQLOption
		switch cfg.SQL.Driver {
		case "sqlite3":
		case "postgres":
			opts = append(opts, auditspool.WithNumberedPlaceholders())
		default:
			return nil, nil, fmt.Errorf("unsupported sql driver %q", cfg.SQL.Driver)
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := auditspool.SetupDatabase(db); err != nil {
			return nil, db, err
		}
		return auditspool.NewSQLEmitter(db, opts...), db, nil

	case cfg.File != nil:
		fc := auditspool.DefaultFileConfig()
		if cfg.File.FilePath != "" {
			fc.FilePath = cfg.File.FilePath
		}
		if cfg.File.MaxSizeMB > 0 {
			fc.MaxSizeMB = cfg.File.MaxSizeMB
		}
		if cfg.File.MaxBackups > 0 {
			fc.MaxBackups = cfg.File.MaxBackups
		}
		if cfg.File.MaxAgeDays > 0 {
			fc.MaxAgeDays = cfg.File.MaxAgeDays
		}
		fc.Compress = cfg.File.Compress
		e := auditspool.NewFileEmitter(fc)
		return e, e, nil

	case cfg.Redis != nil:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		var opts []auditspool.RedisOption
		if cfg.Redis.StreamPrefix != "" {
			opts = append(opts, auditspool.WithRedisStreamPrefix(cfg.Redis.StreamPrefix))
		}
		if cfg.Redis.MaxLen > 0 {
			opts = append(opts, auditspool.WithRedisMaxLen(cfg.Redis.MaxLen))
		}
		return auditspool.NewRedisEmitter(client, opts...), client, nil
	}
	return nil, nil, errors.New("no emitter configured")
}
