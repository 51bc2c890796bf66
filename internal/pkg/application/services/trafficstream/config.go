package trafficstream

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"gopkg.in/yaml.v3"
)

// ReconnectConfig controls the delay between reconnection attempts.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// Config describes one subscription against the feed together with the
// callbacks that receive its events. Zero timing values are replaced by
// their defaults when the client is started.
type Config struct {
	AuthenticationKey string   `yaml:"-"`
	StreamURL         string   `yaml:"streamUrl"`
	QueryURL          string   `yaml:"queryUrl"`
	ObjectTypes       []string `yaml:"objectTypes"`
	SchemaVersion     string   `yaml:"schemaVersion"`
	Limit             int      `yaml:"limit"`

	Reconnect         ReconnectConfig `yaml:"reconnect"`
	FlushInterval     time.Duration   `yaml:"flushInterval"`
	MaxPending        int             `yaml:"maxPending"`
	HeartbeatInterval time.Duration   `yaml:"heartbeatInterval"`
	DegradedAfter     time.Duration   `yaml:"degradedAfter"`
	DeadAfter         time.Duration   `yaml:"deadAfter"`
	HandshakeTimeout  time.Duration   `yaml:"handshakeTimeout"`

	OnEvent      func(tfv.Situation) `yaml:"-"`
	OnConnect    func()              `yaml:"-"`
	OnDisconnect func()              `yaml:"-"`
	OnError      func(reason string) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		ObjectTypes:   []string{"Situation"},
		SchemaVersion: "1.5",
		Limit:         100,
		Reconnect: ReconnectConfig{
			BaseDelay:   3 * time.Second,
			Multiplier:  1.5,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
		},
		FlushInterval:     2 * time.Second,
		MaxPending:        50,
		HeartbeatInterval: 10 * time.Second,
		DegradedAfter:     60 * time.Second,
		DeadAfter:         120 * time.Second,
		HandshakeTimeout:  30 * time.Second,
	}
}

// LoadConfig reads a YAML subscription document on top of DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()

	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: failed to decode subscription file: %s", ErrInvalidConfig, err.Error())
	}

	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()

	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = def.SchemaVersion
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxDelay <= 0 {
		cfg.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = def.DeadAfter
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	return cfg
}

func (cfg Config) validate() error {
	if cfg.AuthenticationKey == "" {
		return fmt.Errorf("%w: authentication key is required", ErrInvalidConfig)
	}

	u, err := url.Parse(cfg.StreamURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: stream url %q is not a ws:// or wss:// url", ErrInvalidConfig, cfg.StreamURL)
	}

	if len(cfg.ObjectTypes) == 0 {
		return fmt.Errorf("%w: at least one object type must be subscribed to", ErrInvalidConfig)
	}

	for _, ot := range cfg.ObjectTypes {
		if ot == "" {
			return fmt.Errorf("%w: empty object type", ErrInvalidConfig)
		}
	}

	if cfg.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidConfig)
	}

	if cfg.OnEvent == nil {
		return fmt.Errorf("%w: an event callback is required", ErrInvalidConfig)
	}

	return nil
}

func (cfg Config) request() tfv.Request {
	return tfv.NewRequest(cfg.AuthenticationKey, cfg.SchemaVersion, cfg.Limit, cfg.ObjectTypes...)
}

func (cfg Config) connected() {
	if cfg.OnConnect != nil {
		cfg.OnConnect()
	}
}

func (cfg Config) disconnected() {
	if cfg.OnDisconnect != nil {
		cfg.OnDisconnect()
	}
}

func (cfg Config) failed(reason string) {
	if cfg.OnError != nil {
		cfg.OnError(reason)
	}
}
