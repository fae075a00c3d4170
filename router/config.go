package router

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Defaults for zero Config fields.
const (
	DefaultMaxEndpoints      = 1024
	DefaultOutboundQueue     = 256
	DefaultSessionlessTTL    = 5 * time.Minute
	DefaultRouterCallTimeout = 10 * time.Second
)

// Config configures a [Router].
//
// The exported yaml fields can be loaded from a file with
// [LoadConfig]. Logger and Registerer can only be set in code.
type Config struct {
	// Listen is the list of addresses the router listens on when
	// started with [Router.ListenAndServe], such as
	// "unix:path=/run/alljoyn/bus" or "null:name=test".
	Listen []string `yaml:"listen"`
	// MaxMessageSize is the largest message accepted from an
	// attachment. Zero means alljoyn.DefaultMaxMessageSize.
	MaxMessageSize int `yaml:"max_message_size"`
	// MaxEndpoints limits the number of connected attachments.
	MaxEndpoints int `yaml:"max_endpoints"`
	// OutboundQueue is the number of messages buffered for each
	// attachment. Messages to an attachment with a full queue are
	// dropped.
	OutboundQueue int `yaml:"outbound_queue"`
	// SessionlessTTL is how long sessionless signals without a TTL
	// of their own are stored.
	SessionlessTTL Duration `yaml:"sessionless_ttl"`
	// CallTimeout bounds the calls the router makes to attachments,
	// to ask hosts to accept joiners.
	CallTimeout Duration `yaml:"call_timeout"`

	// Logger receives the router's logs. If nil, slog.Default() is
	// used.
	Logger *slog.Logger `yaml:"-"`
	// Registerer, if set, receives the router's metrics.
	Registerer prometheus.Registerer `yaml:"-"`
}

// Duration is a time.Duration that reads from YAML as a string such
// as "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads a YAML router configuration from path.
func LoadConfig(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(bs)
}

// ParseConfig parses a YAML router configuration. Unknown keys are
// errors.
func ParseConfig(bs []byte) (Config, error) {
	var ret Config
	dec := yaml.NewDecoder(bytes.NewReader(bs))
	dec.KnownFields(true)
	if err := dec.Decode(&ret); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing router config: %w", err)
	}
	if ret.MaxMessageSize < 0 || ret.MaxEndpoints < 0 || ret.OutboundQueue < 0 {
		return Config{}, fmt.Errorf("parsing router config: limits must not be negative")
	}
	return ret, nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxEndpoints == 0 {
		c.MaxEndpoints = DefaultMaxEndpoints
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.SessionlessTTL == 0 {
		c.SessionlessTTL = Duration(DefaultSessionlessTTL)
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = Duration(DefaultRouterCallTimeout)
	}
	return c
}
