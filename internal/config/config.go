package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type LookupFunc func(key string) (string, bool)

// Keys recognized in a broker settings mapping.
const (
	KeyHost     = "host"
	KeyPort     = "port"
	KeyUser     = "user"
	KeyPassword = "password"
	KeyVHost    = "vhost"
)

var requiredKeys = []string{KeyHost, KeyPort, KeyUser, KeyPassword, KeyVHost}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// ManagementURI is the base URL of the RabbitMQ management API. Optional.
	ManagementURI string
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URI returns the AMQP URI for the connection settings.
func (c Config) URI() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Addr(),
	}
	// "/" is the default vhost and must travel as "%2F"
	u.Path = "/" + c.VHost
	u.RawPath = "/" + url.PathEscape(c.VHost)
	return u.String()
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.Password == "" {
		return errors.New("password is required")
	}
	if c.VHost == "" {
		return errors.New("vhost is required")
	}
	return nil
}

// Settings returns the connection settings as the mapping accepted by FromMap.
func (c Config) Settings() map[string]any {
	return map[string]any{
		KeyHost:     c.Host,
		KeyPort:     c.Port,
		KeyUser:     c.User,
		KeyPassword: c.Password,
		KeyVHost:    c.VHost,
	}
}

// FromMap builds a Config from a settings mapping. All five keys are required
// and there are no defaults.
func FromMap(m map[string]any) (Config, error) {
	for _, key := range requiredKeys {
		v, ok := m[key]
		if !ok || v == nil {
			return Config{}, fmt.Errorf("%s is required", key)
		}
	}

	cfg := Config{}
	var err error
	if cfg.Host, err = stringValue(m, KeyHost); err != nil {
		return Config{}, err
	}
	if cfg.Port, err = portValue(m[KeyPort]); err != nil {
		return Config{}, err
	}
	if cfg.User, err = stringValue(m, KeyUser); err != nil {
		return Config{}, err
	}
	if cfg.Password, err = stringValue(m, KeyPassword); err != nil {
		return Config{}, err
	}
	if cfg.VHost, err = stringValue(m, KeyVHost); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadFromEnv(lookup LookupFunc) (Config, error) {
	m := map[string]any{}

	envKeys := map[string]string{
		KeyHost:     "AMQP_HOST",
		KeyPort:     "AMQP_PORT",
		KeyUser:     "AMQP_USER",
		KeyPassword: "AMQP_PASSWORD",
		KeyVHost:    "AMQP_VHOST",
	}
	for _, key := range requiredKeys {
		v, ok := lookup(envKeys[key])
		if !ok || v == "" {
			return Config{}, fmt.Errorf("%s is required", envKeys[key])
		}
		m[key] = v
	}

	cfg, err := FromMap(m)
	if err != nil {
		return Config{}, err
	}

	// Optional; only the binding assertion and cleanup need it
	if cfg.ManagementURI, _ = lookup("AMQP_MANAGEMENT_URI"); cfg.ManagementURI != "" {
		cfg.ManagementURI = strings.TrimSuffix(cfg.ManagementURI, "/")
	}
	return cfg, nil
}

// Suite is the YAML suite file consumed by the runner.
type Suite struct {
	Broker        map[string]any `yaml:"broker"`
	ManagementURI string         `yaml:"management_uri"`
	Topology      Topology       `yaml:"topology"`
}

type Topology struct {
	Exchanges map[string]string `yaml:"exchanges"` // name -> kind
	Queues    []string          `yaml:"queues"`
	Bindings  []Binding         `yaml:"bindings"`
}

type Binding struct {
	Queue    string `yaml:"queue"`
	Exchange string `yaml:"exchange"`
	Key      string `yaml:"key"`
}

// LoadFile reads a YAML suite file and returns the broker settings along with
// the rest of the suite definition.
func LoadFile(path string) (Config, Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, Suite{}, fmt.Errorf("read suite file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Config, Suite, error) {
	var suite Suite
	if err := yaml.Unmarshal(raw, &suite); err != nil {
		return Config{}, Suite{}, fmt.Errorf("parse suite file: %w", err)
	}
	if suite.Broker == nil {
		return Config{}, Suite{}, errors.New("broker section is required")
	}
	cfg, err := FromMap(suite.Broker)
	if err != nil {
		return Config{}, Suite{}, fmt.Errorf("broker: %w", err)
	}
	cfg.ManagementURI = strings.TrimSuffix(suite.ManagementURI, "/")
	return cfg, suite, nil
}

func stringValue(m map[string]any, key string) (string, error) {
	s, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, m[key])
	}
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func portValue(v any) (int, error) {
	switch p := v.(type) {
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case uint16:
		return int(p), nil
	case float64:
		if p != float64(int(p)) {
			return 0, fmt.Errorf("port must be an integer, got %v", p)
		}
		return int(p), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("port must be an integer: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("port must be an integer, got %T", v)
	}
}
