// Package config loads the command-line tool's settings from the environment
// and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/cf-client/pkg/backoff"
	"github.com/Sternrassler/cf-client/pkg/client"
	"github.com/Sternrassler/cf-client/pkg/logging"
)

// Environment variable names.
const (
	EnvAPIURL            = "CF_API_URL"
	EnvToken             = "CF_TOKEN"
	EnvUserAgent         = "CF_USER_AGENT"
	EnvRedisURL          = "REDIS_URL"
	EnvRequestsPerSecond = "CF_REQUESTS_PER_SECOND"
	EnvJobTimeout        = "CF_JOB_TIMEOUT"
	EnvBackoffInitial    = "CF_BACKOFF_INITIAL"
	EnvBackoffMax        = "CF_BACKOFF_MAX"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogPretty         = "LOG_PRETTY"
	EnvMetricsAddr       = "METRICS_ADDR"
)

// DefaultUserAgent is sent when CF_USER_AGENT is not set.
const DefaultUserAgent = "cfjobs/0.1.0"

// Settings are the values read from the environment. Zero values mean
// "not configured"; Load fills in defaults.
type Settings struct {
	APIURL            string
	Token             string
	UserAgent         string
	RedisURL          string
	RequestsPerSecond float64
	JobTimeout        time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	LogLevel          string
	LogPretty         bool
	MetricsAddr       string
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	sched := backoff.Default()
	return Settings{
		UserAgent:         DefaultUserAgent,
		RequestsPerSecond: 10,
		JobTimeout:        sched.MaxElapsed(),
		BackoffInitial:    sched.InitialDelay(),
		BackoffMax:        sched.MaxDelay(),
		LogLevel:          string(logging.LevelInfo),
	}
}

// Load reads .env files (missing ones are ignored) and then the environment.
// Variables already set in the environment win over .env entries.
func Load(envFiles ...string) (Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	s := Defaults()
	s.APIURL = getEnv(EnvAPIURL, s.APIURL)
	s.Token = getEnv(EnvToken, s.Token)
	s.UserAgent = getEnv(EnvUserAgent, s.UserAgent)
	s.RedisURL = getEnv(EnvRedisURL, s.RedisURL)
	s.LogLevel = getEnv(EnvLogLevel, s.LogLevel)
	s.MetricsAddr = getEnv(EnvMetricsAddr, s.MetricsAddr)

	var errs []error
	var err error
	if s.RequestsPerSecond, err = getFloat(EnvRequestsPerSecond, s.RequestsPerSecond); err != nil {
		errs = append(errs, err)
	}
	if s.JobTimeout, err = getDuration(EnvJobTimeout, s.JobTimeout); err != nil {
		errs = append(errs, err)
	}
	if s.BackoffInitial, err = getDuration(EnvBackoffInitial, s.BackoffInitial); err != nil {
		errs = append(errs, err)
	}
	if s.BackoffMax, err = getDuration(EnvBackoffMax, s.BackoffMax); err != nil {
		errs = append(errs, err)
	}
	if s.LogPretty, err = getBool(EnvLogPretty, s.LogPretty); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

// Logging returns the logger configuration.
func (s Settings) Logging() (logging.Config, error) {
	level, err := logging.ParseLevel(s.LogLevel)
	if err != nil {
		return logging.Config{}, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Pretty = s.LogPretty
	return cfg, nil
}

// RedisOptions parses RedisURL. Both "redis://host:6379/0" and a bare
// "host:6379" are accepted. It returns nil when Redis is not configured.
func (s Settings) RedisOptions() (*redis.Options, error) {
	if s.RedisURL == "" {
		return nil, nil
	}
	if strings.Contains(s.RedisURL, "://") {
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvRedisURL, err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: s.RedisURL}, nil
}

// ClientConfig builds the API client configuration. rdb may be nil.
func (s Settings) ClientConfig(rdb *redis.Client) (client.Config, error) {
	if s.APIURL == "" {
		return client.Config{}, fmt.Errorf("%s is required", EnvAPIURL)
	}

	sched, err := backoff.New(s.BackoffInitial, s.BackoffMax, s.JobTimeout)
	if err != nil {
		return client.Config{}, err
	}

	cfg := client.DefaultConfig(s.APIURL, s.UserAgent)
	cfg.Token = s.Token
	cfg.Redis = rdb
	cfg.RequestsPerSecond = s.RequestsPerSecond
	cfg.JobTimeout = s.JobTimeout
	cfg.Backoff = sched
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
