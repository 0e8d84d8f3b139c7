package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config carries every tunable the platform services read. It is built
// once at startup and passed explicitly; there is no mutable global.
// Services that want live reload hold a ConfigSource instead.
type Config struct {
	// Task lifecycle
	TaskTTL         time.Duration // record lifetime in the state store
	TaskMaxRetries  int
	TaskMaxWaitTime time.Duration // wall-clock deadline from created_at

	// Scheduler
	SchedulerMaxPendingTasks int           // low-load admission threshold
	SchedulerRetryDelay      time.Duration // requeue backoff
	ProbeTimeout             time.Duration // worker status/capability probes

	// Callbacks
	CallbackTimeout     time.Duration // per attempt
	CallbackMaxRetries  int
	CallbackInitialWait time.Duration

	// Log sink
	LogBatchSize    int
	LogBatchTimeout time.Duration

	// Gateway
	APIKeys     []string // acceptable bearer tokens; empty means open (dev)
	InternalKey string   // shared secret for the internal callback
	GatewayURL  string   // externally reachable base URL of the gateway

	// Infrastructure
	RedisURL       string
	NATSURL        string
	InputsBucket   string
	OutputsBucket  string
	AdaptersDir    string
	OTelEndpoint   string // empty disables tracing
	RegistryTTL    time.Duration
	LogLevel       LogLevel
	ServiceHost    string // bind address
	ServicePort    int
	AdvertiseHost  string // externally reachable address; empty means auto-detect
	InstanceSuffix string
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		TaskTTL:                  24 * time.Hour,
		TaskMaxRetries:           3,
		TaskMaxWaitTime:          120 * time.Second,
		SchedulerMaxPendingTasks: 2,
		SchedulerRetryDelay:      5 * time.Second,
		ProbeTimeout:             5 * time.Second,
		CallbackTimeout:          30 * time.Second,
		CallbackMaxRetries:       3,
		CallbackInitialWait:      2 * time.Second,
		LogBatchSize:             50,
		LogBatchTimeout:          5 * time.Second,
		GatewayURL:               "http://localhost:8080",
		RedisURL:                 "redis://localhost:6379",
		NATSURL:                  "nats://localhost:4222",
		InputsBucket:             "aiflow-inputs",
		OutputsBucket:            "aiflow-outputs",
		AdaptersDir:              "adapters",
		RegistryTTL:              30 * time.Second,
		LogLevel:                 LogLevelInfo,
		ServiceHost:              "0.0.0.0",
		ServicePort:              8080,
	}
}

// LoadConfig builds a Config from defaults overridden by the process
// environment. If envFile is non-empty the file's KEY=VALUE pairs are
// applied first, then the environment wins.
func LoadConfig(envFile string) (*Config, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		var err error
		fileVars, err = LoadEnvFile(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.TaskTTL = lookupSeconds(lookup, "TASK_TTL", cfg.TaskTTL)
	cfg.TaskMaxRetries = lookupInt(lookup, "TASK_MAX_RETRIES", cfg.TaskMaxRetries)
	cfg.TaskMaxWaitTime = lookupSeconds(lookup, "TASK_MAX_WAIT_TIME", cfg.TaskMaxWaitTime)
	cfg.SchedulerMaxPendingTasks = lookupInt(lookup, "SCHEDULER_MAX_PENDING_TASKS", cfg.SchedulerMaxPendingTasks)
	cfg.SchedulerRetryDelay = lookupSeconds(lookup, "SCHEDULER_RETRY_DELAY", cfg.SchedulerRetryDelay)
	cfg.ProbeTimeout = lookupSeconds(lookup, "PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.CallbackTimeout = lookupSeconds(lookup, "CALLBACK_TIMEOUT", cfg.CallbackTimeout)
	cfg.CallbackMaxRetries = lookupInt(lookup, "CALLBACK_MAX_RETRIES", cfg.CallbackMaxRetries)
	cfg.LogBatchSize = lookupInt(lookup, "LOG_BATCH_SIZE", cfg.LogBatchSize)
	cfg.LogBatchTimeout = lookupSeconds(lookup, "LOG_BATCH_TIMEOUT", cfg.LogBatchTimeout)
	cfg.InternalKey = lookupString(lookup, "API_GATEWAY_INTERNAL_KEY", cfg.InternalKey)
	cfg.GatewayURL = strings.TrimRight(lookupString(lookup, "API_GATEWAY_URL", cfg.GatewayURL), "/")
	cfg.RedisURL = lookupString(lookup, "REDIS_URL", cfg.RedisURL)
	cfg.NATSURL = lookupString(lookup, "NATS_URL", cfg.NATSURL)
	cfg.InputsBucket = lookupString(lookup, "STORAGE_BUCKET_INPUTS", cfg.InputsBucket)
	cfg.OutputsBucket = lookupString(lookup, "STORAGE_BUCKET_OUTPUTS", cfg.OutputsBucket)
	cfg.AdaptersDir = lookupString(lookup, "ADAPTERS_DIR", cfg.AdaptersDir)
	cfg.OTelEndpoint = lookupString(lookup, "OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTelEndpoint)
	cfg.RegistryTTL = lookupSeconds(lookup, "REGISTRY_TTL", cfg.RegistryTTL)
	cfg.ServiceHost = lookupString(lookup, "SERVICE_HOST", cfg.ServiceHost)
	cfg.ServicePort = lookupInt(lookup, "SERVICE_PORT", cfg.ServicePort)
	cfg.AdvertiseHost = lookupString(lookup, "ADVERTISE_HOST", cfg.AdvertiseHost)

	if keys, ok := lookup("API_GATEWAY_API_KEYS"); ok {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}
	if level, ok := lookup("LOG_LEVEL"); ok {
		switch LogLevel(strings.ToUpper(level)) {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
			cfg.LogLevel = LogLevel(strings.ToUpper(level))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must be >= 0: %w", ErrInvalidConfiguration)
	}
	if c.TaskMaxWaitTime <= 0 {
		return fmt.Errorf("TASK_MAX_WAIT_TIME must be positive: %w", ErrInvalidConfiguration)
	}
	if c.TaskTTL <= 0 {
		return fmt.Errorf("TASK_TTL must be positive: %w", ErrInvalidConfiguration)
	}
	if c.SchedulerMaxPendingTasks < 0 {
		return fmt.Errorf("SCHEDULER_MAX_PENDING_TASKS must be >= 0: %w", ErrInvalidConfiguration)
	}
	return nil
}

// LoadEnvFile parses a KEY=VALUE file. Blank lines and lines starting
// with '#' are skipped; values may be quoted.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key != "" {
			vars[key] = value
		}
	}
	return vars, scanner.Err()
}

func lookupString(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func lookupInt(lookup func(string) (string, bool), key string, def int) int {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// lookupSeconds reads a value in whole seconds, the unit the env file
// uses for every duration option.
func lookupSeconds(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// ConfigSource provides read-mostly access to the current Config. A
// background watcher swaps the pointer when the env file changes, so
// readers always see a complete, consistent snapshot.
type ConfigSource struct {
	current atomic.Pointer[Config]
	envFile string
	logger  Logger
}

// NewConfigSource wraps an initial config. envFile may be empty, in
// which case Watch is a no-op.
func NewConfigSource(initial *Config, envFile string, logger Logger) *ConfigSource {
	s := &ConfigSource{envFile: envFile, logger: logger}
	s.current.Store(initial)
	return s
}

// Current returns the live configuration snapshot.
func (s *ConfigSource) Current() *Config {
	return s.current.Load()
}

// Watch re-reads the env file whenever it changes, atomically swapping
// the snapshot. Reload failures keep the previous config. Blocks until
// the context is cancelled.
func (s *ConfigSource) Watch(ctx context.Context) error {
	if s.envFile == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.envFile); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.envFile, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(s.envFile)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("Config reload failed, keeping previous", map[string]interface{}{
						"file":  s.envFile,
						"error": err.Error(),
					})
				}
				continue
			}
			s.current.Store(cfg)
			if s.logger != nil {
				s.logger.Info("Configuration reloaded", map[string]interface{}{
					"file": s.envFile,
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn("Config watcher error", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
