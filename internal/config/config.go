package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds everything the pipeline needs at startup. Values come from a
// YAML file; DB and Redis settings can be overridden by environment
// variables (a .env file is honored when present).
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Queue struct {
		Key string `yaml:"key"`
	} `yaml:"queue"`

	Recovery struct {
		BatchSize        int `yaml:"batch_size"`
		MaxEnrollRetries int `yaml:"max_enroll_retries"`
	} `yaml:"recovery"`

	Tracker struct {
		PollIntervalSec int `yaml:"poll_interval_sec"`
		MaxDurationMin  int `yaml:"max_duration_min"`
	} `yaml:"tracker"`

	Audit struct {
		FilePath   string `yaml:"file_path"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"audit"`

	Enrollment struct {
		BaseURL    string `yaml:"base_url"`
		TimeoutSec int    `yaml:"timeout_sec"`
	} `yaml:"enrollment"`
}

// Load reads the YAML file at path, then applies env overrides. An empty
// path yields a config built from defaults and environment only.
func Load(path string) (*Config, error) {
	// .env is optional; missing file is not an error
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) TrackerPollInterval() time.Duration {
	return time.Duration(c.Tracker.PollIntervalSec) * time.Second
}

func (c *Config) TrackerMaxDuration() time.Duration {
	return time.Duration(c.Tracker.MaxDurationMin) * time.Minute
}

func (c *Config) EnrollmentTimeout() time.Duration {
	return time.Duration(c.Enrollment.TimeoutSec) * time.Second
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if c.Database.URL == "" {
		// assemble from DB_* parts when a full URL is not given
		user := os.Getenv("DB_USERNAME")
		pass := os.Getenv("DB_PASSWORD")
		host := os.Getenv("DB_HOST")
		port := os.Getenv("DB_PORT")
		name := os.Getenv("DB_NAME")
		if user != "" && pass != "" && host != "" && port != "" && name != "" {
			c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				user, pass, host, port, name)
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Queue.Key == "" {
		c.Queue.Key = "course_download_queue"
	}
	if c.Recovery.BatchSize <= 0 {
		c.Recovery.BatchSize = 50
	}
	if c.Recovery.MaxEnrollRetries <= 0 {
		c.Recovery.MaxEnrollRetries = 3
	}
	if c.Tracker.PollIntervalSec <= 0 {
		c.Tracker.PollIntervalSec = 10
	}
	if c.Tracker.MaxDurationMin <= 0 {
		c.Tracker.MaxDurationMin = 120
	}
	if c.Audit.FilePath == "" {
		c.Audit.FilePath = "logs/audit.log"
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = 50
	}
	if c.Audit.MaxBackups <= 0 {
		c.Audit.MaxBackups = 5
	}
	if c.Enrollment.TimeoutSec <= 0 {
		c.Enrollment.TimeoutSec = 30
	}
}
