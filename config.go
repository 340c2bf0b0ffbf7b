package mcp

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host configuration document: a named set of server
// definitions, each describing either a stdio child process or an SSE
// endpoint.
//
//	servers:
//	  filesystem:
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-filesystem", "/data"]
//	    env:
//	      LOG_LEVEL: debug
//	    denyTools: ["*_delete"]
//	  search:
//	    url: https://search.internal/sse
//	    headers:
//	      Authorization: Bearer s3cr3t
type Config struct {
	Servers map[string]ServerConfig `yaml:"servers"`
}

// ServerConfig describes one server connection. Exactly one of Command
// (stdio) or URL (SSE) must be set.
type ServerConfig struct {
	// Command starts a stdio server as a child process.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	// Env overlays extra environment variables on the child process.
	Env map[string]string `yaml:"env,omitempty"`

	// URL connects to an SSE server.
	URL string `yaml:"url,omitempty"`
	// Headers are sent on the GET and every POST, e.g. an Authorization
	// bearer token or a cookie.
	Headers map[string]string `yaml:"headers,omitempty"`

	// ConnectTimeout, SendTimeout, and MaxMessageSize override the transport
	// defaults. Timeouts are duration strings such as "30s".
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty"`
	SendTimeout    Duration `yaml:"sendTimeout,omitempty"`
	MaxMessageSize int      `yaml:"maxMessageSize,omitempty"`

	// AllowTools and DenyTools are glob patterns filtering the tools this
	// connection contributes to the host's aggregated view.
	AllowTools []string `yaml:"allowTools,omitempty"`
	DenyTools  []string `yaml:"denyTools,omitempty"`
}

// LoadConfig reads and validates a YAML host configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	for name, srv := range cfg.Servers {
		if err := srv.validate(); err != nil {
			return Config{}, fmt.Errorf("server %q: %w", name, err)
		}
	}

	return cfg, nil
}

func (s ServerConfig) validate() error {
	switch {
	case s.Command == "" && s.URL == "":
		return fmt.Errorf("either command or url must be set")
	case s.Command != "" && s.URL != "":
		return fmt.Errorf("command and url are mutually exclusive")
	}
	return nil
}

// Transport builds the transport this server definition describes.
func (s ServerConfig) Transport() (Transport, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	cfg := TransportConfig{
		ConnectTimeout: time.Duration(s.ConnectTimeout),
		SendTimeout:    time.Duration(s.SendTimeout),
		MaxMessageSize: s.MaxMessageSize,
	}

	if s.Command != "" {
		return NewStdioTransport(s.Command, s.Args,
			WithStdioEnv(s.Env),
			WithStdioConfig(cfg),
		), nil
	}

	headers := http.Header{}
	for k, v := range s.Headers {
		headers.Set(k, v)
	}
	return NewSSETransport(s.URL,
		WithSSEHeaders(headers),
		WithSSEConfig(cfg),
	), nil
}

// ConnectionOptions returns the connection options this server definition
// implies, such as its tool filter.
func (s ServerConfig) ConnectionOptions() []ConnectionOption {
	var opts []ConnectionOption
	if len(s.AllowTools) > 0 || len(s.DenyTools) > 0 {
		opts = append(opts, WithToolFilter(s.AllowTools, s.DenyTools))
	}
	return opts
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "250ms" or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
