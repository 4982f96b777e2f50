/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the engine's typed configuration surface from a
// YAML file, applies environment variable overrides, and optionally
// watches the file for changes so operators can roll out workflow
// tuning without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	MaxRequestSize int64  `yaml:"max_request_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DatabaseConfig controls the persistence collaborator.
type DatabaseConfig struct {
	PostgresURL              string `yaml:"postgres_url"`
	MongoDBURL               string `yaml:"mongodb_url"`
	RedisURL                 string `yaml:"redis_url"`
	MaxConnections           int    `yaml:"max_connections"`
	ConnectionTimeoutSeconds int    `yaml:"connection_timeout_seconds"`
}

// EmailConfig controls outbound supplier-facing SMTP delivery.
type EmailConfig struct {
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	FromAddress  string `yaml:"from_address"`
	FromName     string `yaml:"from_name"`
}

// WorkflowConfig tunes the campaign scheduler.
type WorkflowConfig struct {
	MaxFollowUps            int  `yaml:"max_follow_ups"`
	FollowUpIntervalDays    int  `yaml:"follow_up_interval_days"`
	AutoEscalate            bool `yaml:"auto_escalate"`
	EscalationThresholdDays int  `yaml:"escalation_threshold_days"`
	StaggerMinutes          int  `yaml:"stagger_minutes"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path,omitempty"`
}

// Config is the complete, typed configuration surface of the engine.
// Every recognized option is an explicit field; there is no bag of
// key-value pairs. An unrecognized top-level key produces a warning,
// not a load failure; an unknown key inside a section is ignored
// without a warning.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Email    EmailConfig    `yaml:"email"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// defaults applies the engine's baseline values before the file and
// environment overrides are layered on.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           "8080",
			MaxRequestSize: 10 * 1024 * 1024,
			TimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			MaxConnections:           20,
			ConnectionTimeoutSeconds: 5,
		},
		Workflow: WorkflowConfig{
			MaxFollowUps:            3,
			FollowUpIntervalDays:    7,
			AutoEscalate:            true,
			EscalationThresholdDays: 14,
			StaggerMinutes:          2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the baseline configuration with no file loaded,
// for callers that run without a config file at all.
func Default() *Config {
	return defaults()
}

// Load reads path, applies an ENVIRONMENT-selected overlay file (if
// present alongside path), applies environment variable overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if err := loadYAMLInto(cfg, path); err != nil {
		return nil, err
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		overlay := overlayPath(path, env)
		if _, err := os.Stat(overlay); err == nil {
			if err := loadYAMLInto(cfg, overlay); err != nil {
				return nil, err
			}
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func overlayPath(path, env string) string {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", base, env, ext))
}

func loadYAMLInto(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	warnUnrecognizedKeys(raw)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

var recognizedTopLevelKeys = map[string]bool{
	"server": true, "database": true, "email": true, "workflow": true, "logging": true,
}

func warnUnrecognizedKeys(raw map[string]interface{}) {
	for key := range raw {
		if !recognizedTopLevelKeys[key] {
			fmt.Fprintf(os.Stderr, "config: warning: unrecognized key %q ignored\n", key)
		}
	}
}

// loadFromEnv applies environment overrides on top of an already
// populated config. Only variables that are actually set are applied.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("MONGODB_URL"); v != "" {
		cfg.Database.MongoDBURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Database.RedisURL = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.Email.SMTPUsername = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTPPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("AUTO_ESCALATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTO_ESCALATE value %q: %w", v, err)
		}
		cfg.Workflow.AutoEscalate = b
	}
	return nil
}

// validate rejects a config whose values could never produce a
// working engine; it never rejects on a missing optional field.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if cfg.Workflow.StaggerMinutes < 0 {
		return fmt.Errorf("workflow stagger minutes must not be negative")
	}
	if cfg.Workflow.MaxFollowUps < 0 {
		return fmt.Errorf("workflow max follow-ups must not be negative")
	}
	switch cfg.Logging.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("unsupported logging format %q", cfg.Logging.Format)
	}
	return nil
}

// Watcher reloads a Config from disk whenever its file changes and
// invokes onReload with the new value. The previous value stays in
// effect until a reload fully succeeds; a bad edit never blanks out a
// running configuration.
type Watcher struct {
	mu       sync.RWMutex
	path     string
	current  *Config
	watcher  *fsnotify.Watcher
	log      logr.Logger
	onReload func(*Config)
	done     chan struct{}
}

// NewWatcher loads path and starts watching it for changes.
func NewWatcher(path string, log logr.Logger, onReload func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		path:     path,
		current:  cfg,
		watcher:  fw,
		log:      log,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently, successfully loaded config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error(err, "config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error(err, "config reload failed, keeping previous configuration")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// FollowUpInterval returns the workflow's follow-up cadence as a
// time.Duration.
func (c *WorkflowConfig) FollowUpInterval() time.Duration {
	return time.Duration(c.FollowUpIntervalDays) * 24 * time.Hour
}

// EscalationThreshold returns the workflow's escalation deadline
// window as a time.Duration.
func (c *WorkflowConfig) EscalationThreshold() time.Duration {
	return time.Duration(c.EscalationThresholdDays) * 24 * time.Hour
}

// Stagger returns the campaign task stagger interval as a
// time.Duration.
func (c *WorkflowConfig) Stagger() time.Duration {
	return time.Duration(c.StaggerMinutes) * time.Minute
}
