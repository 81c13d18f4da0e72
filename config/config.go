package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ServiceBus ServiceBusConfig
	NewRelic   NewRelicConfig
	Firmware   FirmwareConfig
	Auth       AuthConfig
	Updates    UpdatesConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	Enabled  bool
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// FirmwareConfig holds firmware storage settings
type FirmwareConfig struct {
	StoragePath string
	MaxSizeMB   int
}

// AuthConfig holds the operator credentials.
// Authentication is deliberately a single username/password pair.
type AuthConfig struct {
	Username string
	Password string
}

// UpdatesConfig holds update-queue and watchdog tuning
type UpdatesConfig struct {
	MaxConcurrent     int // concurrent device updates
	DuplicateWindow   int // minutes
	CheckinWindow     int // minutes granted to a device after deploy
	StuckAfter        int // minutes before a silent updating device is at risk
	CheckRateLimit    int // check requests per minute per MAC
	DownloadRateLimit int // download requests per minute, global
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/ota-server")
		viper.SetConfigName("config")
	}

	// Environment variable overrides, e.g. OTA_SERVER_PORT for server.port
	viper.SetEnvPrefix("OTA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "ota")
	viper.SetDefault("database.password", "ota")
	viper.SetDefault("database.dbname", "ota_server_db")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.enabled", false)

	viper.SetDefault("servicebus.queuename", "ota-events")

	viper.SetDefault("newrelic.appname", "OTA Server Local")
	viper.SetDefault("newrelic.enabled", false)

	viper.SetDefault("firmware.storagepath", "./firmwares")
	viper.SetDefault("firmware.maxsizemb", 16)

	viper.SetDefault("auth.username", "admin")
	viper.SetDefault("auth.password", "admin")

	viper.SetDefault("updates.maxconcurrent", 5)
	viper.SetDefault("updates.duplicatewindow", 5)
	viper.SetDefault("updates.checkinwindow", 10)
	viper.SetDefault("updates.stuckafter", 15)
	viper.SetDefault("updates.checkratelimit", 30)
	viper.SetDefault("updates.downloadratelimit", 5)
}

// Load loads the configuration
func Load() (*Config, error) {
	return &Config{
		Server: ServerConfig{
			Port: viper.GetInt("server.port"),
			Mode: viper.GetString("server.mode"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetInt("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Enabled:  viper.GetBool("redis.enabled"),
		},
		ServiceBus: ServiceBusConfig{
			ConnectionString: viper.GetString("servicebus.connectionstring"),
			QueueName:        viper.GetString("servicebus.queuename"),
		},
		NewRelic: NewRelicConfig{
			AppName:    viper.GetString("newrelic.appname"),
			LicenseKey: viper.GetString("newrelic.licensekey"),
			Enabled:    viper.GetBool("newrelic.enabled"),
		},
		Firmware: FirmwareConfig{
			StoragePath: viper.GetString("firmware.storagepath"),
			MaxSizeMB:   viper.GetInt("firmware.maxsizemb"),
		},
		Auth: AuthConfig{
			Username: viper.GetString("auth.username"),
			Password: viper.GetString("auth.password"),
		},
		Updates: UpdatesConfig{
			MaxConcurrent:     viper.GetInt("updates.maxconcurrent"),
			DuplicateWindow:   viper.GetInt("updates.duplicatewindow"),
			CheckinWindow:     viper.GetInt("updates.checkinwindow"),
			StuckAfter:        viper.GetInt("updates.stuckafter"),
			CheckRateLimit:    viper.GetInt("updates.checkratelimit"),
			DownloadRateLimit: viper.GetInt("updates.downloadratelimit"),
		},
	}, nil
}
