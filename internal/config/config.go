package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ConfigOption struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

const (
	KeyServerAddress          = "server.address"
	KeyServerAllowedOrigins   = "server.allowed_origins"
	KeyServerHandshakeTimeout = "server.handshake_timeout"
	KeyServerShutdownGrace    = "server.shutdown_grace"
)

const (
	KeySessionGraceInterval    = "session.grace_interval"
	KeySessionBufferSize       = "session.buffer_size"
	KeySessionMaxTotal         = "session.max_total"
	KeySessionMaxPerCredential = "session.max_per_credential"
)

const (
	KeyContainerImage       = "container.image"
	KeyContainerCommand     = "container.command"
	KeyContainerUser        = "container.user"
	KeyContainerNetwork     = "container.network"
	KeyContainerMemory      = "container.memory"
	KeyContainerCPUs        = "container.cpus"
	KeyContainerStopTimeout = "container.stop_timeout"
)

var ServerOptions = []ConfigOption{
	{Key: KeyServerAddress, Flag: flag(KeyServerAddress), Default: ":8080", Description: "Server listen address"},
	{Key: KeyServerAllowedOrigins, Flag: flag(KeyServerAllowedOrigins), Default: []string{}, Description: "Server allowed origins"},
	{Key: KeyServerHandshakeTimeout, Flag: flag(KeyServerHandshakeTimeout), Default: 30 * time.Second, Description: "WebSocket auth handshake timeout"},
	{Key: KeyServerShutdownGrace, Flag: flag(KeyServerShutdownGrace), Default: 10 * time.Second, Description: "Shutdown grace for session teardown"},
}

var SessionOptions = []ConfigOption{
	{Key: KeySessionGraceInterval, Flag: flag(KeySessionGraceInterval), Default: time.Minute, Description: "Orphaned session resume window"},
	{Key: KeySessionBufferSize, Flag: flag(KeySessionBufferSize), Default: 256 * 1024, Description: "Output replay buffer cap in bytes"},
	{Key: KeySessionMaxTotal, Flag: flag(KeySessionMaxTotal), Default: 50, Description: "Maximum sessions overall"},
	{Key: KeySessionMaxPerCredential, Flag: flag(KeySessionMaxPerCredential), Default: 2, Description: "Maximum sessions per credential pair"},
}

var ContainerOptions = []ConfigOption{
	{Key: KeyContainerImage, Flag: flag(KeyContainerImage), Default: "ably/cli-sandbox:latest", Description: "Container image for session shells"},
	{Key: KeyContainerCommand, Flag: flag(KeyContainerCommand), Default: []string{"ably", "interactive"}, Description: "Interactive shell entry point"},
	{Key: KeyContainerUser, Flag: flag(KeyContainerUser), Default: "node", Description: "Container user for the shell"},
	{Key: KeyContainerNetwork, Flag: flag(KeyContainerNetwork), Default: "bridge", Description: "Container network mode"},
	{Key: KeyContainerMemory, Flag: flag(KeyContainerMemory), Default: "256m", Description: "Container memory limit"},
	{Key: KeyContainerCPUs, Flag: flag(KeyContainerCPUs), Default: "1", Description: "Container CPU limit"},
	{Key: KeyContainerStopTimeout, Flag: flag(KeyContainerStopTimeout), Default: 5 * time.Second, Description: "Container stop timeout before kill"},
}

type Config struct {
	v *viper.Viper
}

func New() (*Config, error) {
	v := viper.New()

	// default values
	for _, o := range ServerOptions {
		v.SetDefault(o.Key, o.Default)
	}

	for _, o := range SessionOptions {
		v.SetDefault(o.Key, o.Default)
	}

	for _, o := range ContainerOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// load config from file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/terminal-server/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// load config from environment variables
	v.SetEnvPrefix("TERMINAL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

func (c *Config) BindFlags(fs *pflag.FlagSet, options []ConfigOption) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ServerAddress() string {
	return c.v.GetString(KeyServerAddress) // TERMINAL_SERVER_ADDRESS
}

func (c *Config) ServerAllowedOrigins() []string {
	return c.v.GetStringSlice(KeyServerAllowedOrigins) // TERMINAL_SERVER_ALLOWED_ORIGINS
}

func (c *Config) ServerHandshakeTimeout() time.Duration {
	return c.v.GetDuration(KeyServerHandshakeTimeout) // TERMINAL_SERVER_HANDSHAKE_TIMEOUT
}

func (c *Config) ServerShutdownGrace() time.Duration {
	return c.v.GetDuration(KeyServerShutdownGrace) // TERMINAL_SERVER_SHUTDOWN_GRACE
}

func (c *Config) SessionGraceInterval() time.Duration {
	return c.v.GetDuration(KeySessionGraceInterval) // TERMINAL_SESSION_GRACE_INTERVAL
}

func (c *Config) SessionBufferSize() int {
	return c.v.GetInt(KeySessionBufferSize) // TERMINAL_SESSION_BUFFER_SIZE
}

func (c *Config) SessionMaxTotal() int {
	return c.v.GetInt(KeySessionMaxTotal) // TERMINAL_SESSION_MAX_TOTAL
}

func (c *Config) SessionMaxPerCredential() int {
	return c.v.GetInt(KeySessionMaxPerCredential) // TERMINAL_SESSION_MAX_PER_CREDENTIAL
}

func (c *Config) ContainerImage() string {
	return c.v.GetString(KeyContainerImage) // TERMINAL_CONTAINER_IMAGE
}

func (c *Config) ContainerCommand() []string {
	return c.v.GetStringSlice(KeyContainerCommand) // TERMINAL_CONTAINER_COMMAND
}

func (c *Config) ContainerUser() string {
	return c.v.GetString(KeyContainerUser) // TERMINAL_CONTAINER_USER
}

func (c *Config) ContainerNetwork() string {
	return c.v.GetString(KeyContainerNetwork) // TERMINAL_CONTAINER_NETWORK
}

func (c *Config) ContainerMemory() string {
	return c.v.GetString(KeyContainerMemory) // TERMINAL_CONTAINER_MEMORY
}

func (c *Config) ContainerCPUs() string {
	return c.v.GetString(KeyContainerCPUs) // TERMINAL_CONTAINER_CPUS
}

func (c *Config) ContainerStopTimeout() time.Duration {
	return c.v.GetDuration(KeyContainerStopTimeout) // TERMINAL_CONTAINER_STOP_TIMEOUT
}

func flag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	flag = strings.TrimPrefix(flag, "session-")
	flag = strings.TrimPrefix(flag, "container-")
	return flag
}
