package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the snowfight
// server and its command line tools.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`

	Server struct {
		// Port on which the game server will accept connections.
		Port int `mapstructure:"port"`
		// Number of connections allowed to sit between accept and registration
		// (i.e. still completing their TLS handshake).
		Backlog int `mapstructure:"backlog"`
		// Maximum number of concurrent connections. 0 means no limit.
		MaxConnections int `mapstructure:"max_connections"`
		// How long a write to a client may block before the client is dropped.
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	Security struct {
		// PKCS#12 keystore holding the server's private key and certificate chain.
		KeystoreFile string `mapstructure:"keystore_file"`
		// Password protecting keystore_file.
		KeystorePassword string `mapstructure:"keystore_password"`
		// Options: SSL, SSLv2, SSLv3, TLS, TLSv1, TLSv1.1, TLSv1.2, TLSv1.3
		Protocol string `mapstructure:"protocol"`
	} `mapstructure:"security"`

	Client struct {
		// Host the client command connects to.
		Host string `mapstructure:"host"`
		// PKCS#12 trust store containing the server certificate.
		TruststoreFile string `mapstructure:"truststore_file"`
		// Password protecting truststore_file.
		TruststorePassword string `mapstructure:"truststore_password"`
	} `mapstructure:"client"`

	RateLimit struct {
		// Messages a single connection may send per second. 0 disables the limit.
		MessagesPerSecond float64 `mapstructure:"messages_per_second"`
		// Maximum burst above messages_per_second.
		Burst int `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Database struct {
		// Options: sqlite, postgres. Leave blank to disable match history.
		Engine string `mapstructure:"engine"`
		// Name of the sqlite database file, relative to the config directory.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to name.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Logging struct {
		// Minimum level of a log required to be written. Options: trace, debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
	} `mapstructure:"logging"`

	Debugging struct {
		// Start a pprof server on localhost.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which the pprof server will listen.
		PprofPort int `mapstructure:"pprof_port"`
		// Log the identifier of every message received by the server.
		MessageLoggingEnabled bool `mapstructure:"message_logging_enabled"`
	} `mapstructure:"debugging"`

	configDir string
}

const envVarPrefix = "SNOWFIGHT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("server.port", 49999)
	v.SetDefault("server.backlog", 50)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("security.protocol", "TLSv1.3")
	v.SetDefault("client.host", "localhost")
	v.SetDefault("rate_limit.messages_per_second", 0)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("database.filename", "snowfight.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("debugging.pprof_port", 6060)
}

// LoadConfig reads config.yaml from configPath. Every key may be overridden with
// an environment variable; database.host, for example, is read from
// SNOWFIGHT_DATABASE_HOST.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envVarPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := &Config{configDir: configPath}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return config, nil
}

// ListenAddress returns the host:port pair the game server binds to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Server.Port)
}

// ClientAddress returns the host:port pair the client command dials.
func (c *Config) ClientAddress() string {
	return fmt.Sprintf("%s:%d", c.Client.Host, c.Server.Port)
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// QualifiedPath resolves file relative to the directory the config was loaded
// from. Absolute paths are returned unchanged.
func (c *Config) QualifiedPath(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.configDir, file)
}
