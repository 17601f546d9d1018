// Package config loads ldk settings from ~/.ldk/config.yaml with LDK_*
// environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kfsoftware/ldk/pkg/retry"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	dirName        = ".ldk"
	configFileName = "config.yaml"
	dbFileName     = "ldk.db"
)

type Proxy struct {
	// Endpoint replaces the regional secure tunneling data endpoint.
	Endpoint             string        `yaml:"endpoint"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	StartTimeout         time.Duration `yaml:"startTimeout"`
}

type LocalStack struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	DebugPort int    `yaml:"debugPort"`
}

type Config struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
	// LambdaEndpoint and TunnelEndpoint override the AWS service endpoints.
	LambdaEndpoint string `yaml:"lambdaEndpoint"`
	TunnelEndpoint string `yaml:"tunnelEndpoint"`
	// Database is a sqlite path or a postgres:// or mysql:// DSN.
	Database   string `yaml:"database"`
	InstanceID string `yaml:"instanceId"`
	// LayerArn may contain {region}.
	LayerArn       string   `yaml:"layerArn"`
	Timeout        int32    `yaml:"timeout"`
	PublishVersion bool     `yaml:"publishVersion"`
	CloseTunnel    bool     `yaml:"closeTunnel"`
	AdminAddr      string   `yaml:"adminAddr"`
	Debugger       []string `yaml:"debugger"`

	Retry      retry.Config `yaml:"retry"`
	Proxy      Proxy        `yaml:"proxy"`
	LocalStack LocalStack   `yaml:"localstack"`
}

func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory")
	}
	return filepath.Join(home, dirName), nil
}

func Default() *Config {
	return &Config{
		Timeout:   900,
		AdminAddr: "127.0.0.1:7890",
		Retry:     retry.DefaultConfig(),
		Proxy: Proxy{
			PingInterval:         30 * time.Second,
			ReconnectInterval:    time.Second,
			MaxReconnectAttempts: 5,
			StartTimeout:         30 * time.Second,
		},
		LocalStack: LocalStack{Endpoint: "http://localhost:4566"},
	}
}

// Load reads path, or ~/.ldk/config.yaml when path is empty, and applies the
// environment. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, configFileName)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.fillDerived(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LDK_REGION":              &c.Region,
		"LDK_PROFILE":             &c.Profile,
		"LDK_LAMBDA_ENDPOINT":     &c.LambdaEndpoint,
		"LDK_TUNNEL_ENDPOINT":     &c.TunnelEndpoint,
		"LDK_DATABASE":            &c.Database,
		"LDK_INSTANCE_ID":         &c.InstanceID,
		"LDK_LAYER_ARN":           &c.LayerArn,
		"LDK_ADMIN_ADDR":          &c.AdminAddr,
		"LDK_LOCALSTACK_ENDPOINT": &c.LocalStack.Endpoint,
		"LDK_PROXY_ENDPOINT":      &c.Proxy.Endpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	bools := map[string]*bool{
		"LDK_PUBLISH_VERSION": &c.PublishVersion,
		"LDK_CLOSE_TUNNEL":    &c.CloseTunnel,
		"LDK_LOCALSTACK":      &c.LocalStack.Enabled,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean for %s", key)
		}
		*dst = b
	}
	if v, ok := lookup("LDK_TIMEOUT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return errors.Wrap(err, "invalid integer for LDK_TIMEOUT")
		}
		c.Timeout = int32(n)
	}
	if v, ok := lookup("LDK_DEBUGGER"); ok && v != "" {
		c.Debugger = strings.Fields(v)
	}
	return nil
}

func (c *Config) fillDerived() error {
	if c.Database == "" {
		dir, err := Dir()
		if err != nil {
			return err
		}
		c.Database = filepath.Join(dir, dbFileName)
	}
	if c.InstanceID == "" {
		id, err := MachineInstanceID()
		if err != nil {
			return err
		}
		c.InstanceID = id
	}
	return nil
}

// MachineInstanceID is stable for a host, so tunnels opened by earlier runs
// can be found again.
func MachineInstanceID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "failed to read hostname")
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("ldk/"+host)).String(), nil
}

// LayerArnFor resolves the debug layer for region.
func (c *Config) LayerArnFor(region string) string {
	return strings.ReplaceAll(c.LayerArn, "{region}", region)
}

func (c *Config) Validate() error {
	if c.Timeout < 0 || c.Timeout > 900 {
		return errors.Errorf("timeout must be between 0 and 900 seconds, got %d", c.Timeout)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("retry.maxRetries must not be negative")
	}
	if c.Proxy.MaxReconnectAttempts < 0 {
		return errors.New("proxy.maxReconnectAttempts must not be negative")
	}
	if c.LocalStack.Enabled {
		if c.LocalStack.Endpoint == "" {
			return errors.New("localstack.endpoint is required when localstack is enabled")
		}
		return nil
	}
	if c.LayerArn == "" {
		return errors.New("layerArn is required for remote debugging")
	}
	return nil
}
