package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr string

	JanusURL          string
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	ICEServers []webrtc.ICEServer

	LogLevel string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:        ":8080",
		JanusURL:          "ws://localhost:8188",
		RequestTimeout:    30 * time.Second,
		KeepAliveInterval: 25 * time.Second,
		RedisHost:         "localhost",
		RedisPort:         6379,
		KeyPrefix:         "qc:",
		LogLevel:          "info",
	}
}

// Load reads configuration from a .env file (if present) and environment
// variables on top of the defaults. Environment variables take precedence
// over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	c := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := env(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := env(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: not a duration", key, v))
				return
			}
			*dst = d
		}
	}

	str("QC_LISTEN_ADDR", &c.ListenAddr)
	str("JANUS_URL", &c.JanusURL)
	duration("JANUS_REQUEST_TIMEOUT", &c.RequestTimeout)
	duration("JANUS_KEEPALIVE_INTERVAL", &c.KeepAliveInterval)
	str("REDIS_HOST", &c.RedisHost)
	integer("REDIS_PORT", &c.RedisPort)
	str("REDIS_PASSWORD", &c.RedisPassword)
	integer("REDIS_DB", &c.RedisDB)
	str("QC_KEY_PREFIX", &c.KeyPrefix)
	str("LOG_LEVEL", &c.LogLevel)
	c.ICEServers = ParseICEServers(env("RTC_ICE_SERVERS"), env("RTC_ICE_USERNAME"), env("RTC_ICE_CREDENTIAL"))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.JanusURL == "" {
		errs = append(errs, errors.New("gateway url is required"))
	} else if !strings.HasPrefix(c.JanusURL, "ws://") && !strings.HasPrefix(c.JanusURL, "wss://") {
		errs = append(errs, fmt.Errorf("gateway url %q: want ws:// or wss://", c.JanusURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout %s must be positive", c.RequestTimeout))
	}
	if c.KeepAliveInterval < 0 {
		errs = append(errs, fmt.Errorf("keepalive interval %s must not be negative", c.KeepAliveInterval))
	}
	if c.RedisPort < 1 || c.RedisPort > 65535 {
		errs = append(errs, fmt.Errorf("redis port %d out of range", c.RedisPort))
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("redis db %d must not be negative", c.RedisDB))
	}
	return errors.Join(errs...)
}

// RedisAddr returns the host:port of the store.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// ParseICEServers turns a comma-separated URL list into ICE servers that
// share one set of credentials.
func ParseICEServers(raw, username, credential string) []webrtc.ICEServer {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	entries := strings.Split(raw, ",")
	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, entry := range entries {
		url := strings.TrimSpace(entry)
		if url == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{url}}
		if username != "" {
			server.Username = username
		}
		if credential != "" {
			server.Credential = credential
		}
		servers = append(servers, server)
	}
	return servers
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
