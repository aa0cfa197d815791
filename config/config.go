// Package config loads server settings from the environment and socket
// options from YAML or JSON files, and watches option files for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/fakesocket-go/socket"
)

// Backend names accepted in Server.Backend.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig is returned for settings that cannot be used.
var ErrInvalidConfig = errors.New("config: invalid setting")

// Server holds process settings. Defaults can be loaded via envdecode.
type Server struct {
	// Addr to listen on. ENV: FAKESOCKET_ADDR
	Addr string `env:"FAKESOCKET_ADDR,default=:8080"`
	// Path the socket is mounted at. ENV: FAKESOCKET_PATH
	Path string `env:"FAKESOCKET_PATH,default=/chat"`
	// Backend storing collections: file, memory, redis or postgres. ENV: FAKESOCKET_BACKEND
	Backend string `env:"FAKESOCKET_BACKEND,default=file"`
	// Namespace prefixing collection names. ENV: FAKESOCKET_NAMESPACE
	Namespace string `env:"FAKESOCKET_NAMESPACE,default=fakeSocket"`
	// OptionsFile with socket options, watched for changes. ENV: FAKESOCKET_OPTIONS_FILE
	OptionsFile string `env:"FAKESOCKET_OPTIONS_FILE"`
	// AllowOrigin enables CORS when set. ENV: FAKESOCKET_ALLOW_ORIGIN
	AllowOrigin string `env:"FAKESOCKET_ALLOW_ORIGIN"`
	// AuditRetention of the request log, zero disables it. ENV: FAKESOCKET_AUDIT_RETENTION
	AuditRetention time.Duration `env:"FAKESOCKET_AUDIT_RETENTION,default=1h"`
	// ShutdownTimeout for in-flight requests. ENV: FAKESOCKET_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"FAKESOCKET_SHUTDOWN_TIMEOUT,default=10s"`
	// LogLevel: debug, info, warn or error. ENV: FAKESOCKET_LOG_LEVEL
	LogLevel string `env:"FAKESOCKET_LOG_LEVEL,default=info"`
	// LogFormat: text or json. ENV: FAKESOCKET_LOG_FORMAT
	LogFormat string `env:"FAKESOCKET_LOG_FORMAT,default=text"`
}

// FromEnv decodes Server from the environment.
func FromEnv() (Server, error) {
	var cfg Server
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Server{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings.
func (s Server) Validate() error {
	switch s.Backend {
	case BackendFile, BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, s.Backend)
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, s.LogFormat)
	}
	if s.AuditRetention < 0 {
		return fmt.Errorf("%w: audit retention must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadOptions reads socket options from a YAML or JSON file. Missing keys
// keep their defaults; unknown keys are errors.
func LoadOptions(path string) (socket.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return socket.Options{}, fmt.Errorf("read options: %w", err)
	}
	return ParseOptions(b)
}

// ParseOptions decodes an options document.
func ParseOptions(b []byte) (socket.Options, error) {
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return socket.Options{}, fmt.Errorf("parse options: %w", err)
	}
	o, err := socket.ParseOptions(m)
	if err != nil {
		return socket.Options{}, err
	}
	return o, nil
}
