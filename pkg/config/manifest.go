// Package config loads the worker manifest and the process environment.
//
// The manifest is the build artifact stamped by cmd/cachever: it carries the
// cache version, the origin and the precache list. It is read once at
// startup with viper (YAML, TOML or JSON by file extension). Process settings
// such as the listen port and storage backend come from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/cache-worker/pkg/version"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Manifest is the stamped worker manifest.
type Manifest struct {
	Version             string        `mapstructure:"version"`
	Origin              string        `mapstructure:"origin"`
	Precache            []string      `mapstructure:"precache"`
	PrecacheConcurrency int           `mapstructure:"precache_concurrency"`
	PrecacheTimeout     time.Duration `mapstructure:"precache_timeout"`
	Activation          Activation    `mapstructure:"activation"`
	Fetch               Fetch         `mapstructure:"fetch"`
	Revalidate          Revalidate    `mapstructure:"revalidate"`
}

// Activation controls when an installed version takes over.
type Activation struct {
	WaitForSkip bool `mapstructure:"wait_for_skip"`
}

// Fetch configures network access.
type Fetch struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Revalidate bounds background refresh traffic.
type Revalidate struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// LoadManifest reads, defaults and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: manifest path is empty", ErrInvalidConfig)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := v.Unmarshal(&m, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("precache", []string{})
	v.SetDefault("precache_concurrency", 6)
	v.SetDefault("precache_timeout", "30s")
	v.SetDefault("activation.wait_for_skip", false)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", "500ms")
	v.SetDefault("fetch.user_agent", "cache-worker/1.0")
	v.SetDefault("revalidate.rps", 10)
	v.SetDefault("revalidate.burst", 20)
}

// Validate checks the manifest. Errors wrap ErrInvalidConfig and name the field.
func (m *Manifest) Validate() error {
	if !version.Valid(m.Version) {
		return fmt.Errorf("%w: version %q is empty or was never stamped", ErrInvalidConfig, m.Version)
	}

	origin, err := url.Parse(m.Origin)
	if err != nil || origin.Host == "" || (origin.Scheme != "http" && origin.Scheme != "https") {
		return fmt.Errorf("%w: origin %q must be an absolute http(s) URL", ErrInvalidConfig, m.Origin)
	}

	for i, raw := range m.Precache {
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("%w: precache[%d] is empty", ErrInvalidConfig, i)
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%w: precache[%d] %q: %v", ErrInvalidConfig, i, raw, err)
		}
	}

	if m.PrecacheConcurrency <= 0 {
		return fmt.Errorf("%w: precache_concurrency must be > 0", ErrInvalidConfig)
	}
	if m.Fetch.Timeout <= 0 {
		return fmt.Errorf("%w: fetch.timeout must be > 0", ErrInvalidConfig)
	}
	if m.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("%w: fetch.max_attempts must be > 0", ErrInvalidConfig)
	}
	if m.Revalidate.RPS < 0 {
		return fmt.Errorf("%w: revalidate.rps must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// OriginURL returns the parsed origin. Call after Validate.
func (m *Manifest) OriginURL() *url.URL {
	u, _ := url.Parse(m.Origin)
	return u
}

// durationDecodeHook accepts "1.5s" style strings and plain numbers (seconds).
func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return parsed, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("cannot parse duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return data, nil
		}
	}
}
