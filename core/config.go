package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "BOOTCAMP"

// Database engines
const (
	EngineMemory   = "memory"
	EngineMongoDB  = "mongodb"
	EnginePostgres = "postgres"
)

type (
	ServerConfig struct {
		Address         string
		DebugAddress    string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
		DisableReqLogs  bool
	}

	DatabaseConfig struct {
		Engine        string
		URI           string // mongodb only
		Name          string
		Host          string
		Port          int
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
		Transactions  bool
		Timeout       time.Duration
	}

	RedisConfig struct {
		Enabled  bool
		Address  string
		Password string
		DB       int
		LockTTL  time.Duration
		LockWait time.Duration
	}

	Config struct {
		Build           string
		Env             string
		Debug           bool
		TestMode        bool
		AppName         string
		WorkDir         string
		Timezone        *time.Location
		FrontendBaseURL string
		RollbarToken    string
		SendgridApiKey  string

		Server   ServerConfig
		Database DatabaseConfig
		Redis    RedisConfig

		RevenueMode        string
		MissingBatchPolicy string
		ReportCacheTTL     time.Duration

		defaultFromEmail string
	}
)

func (conf *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(conf.defaultFromEmail)
	if err != nil {
		return mail.Address{Name: conf.AppName, Address: conf.defaultFromEmail}
	}
	return *addr
}

func (db DatabaseConfig) Address() string {
	return net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Bootcamp")
	v.SetDefault("app.build", "develop")
	v.SetDefault("app.debug", true)
	v.SetDefault("app.timezone", "UTC")
	v.SetDefault("frontend.baseURL", "http://localhost:3000")

	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.debugAddress", ":4000")
	v.SetDefault("server.readTimeout", 5*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.shutdownTimeout", 10*time.Second)
	v.SetDefault("server.disableRequestLogs", false)

	v.SetDefault("database.engine", EngineMemory)
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "bootcamp")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "bootcamp")
	v.SetDefault("database.password", "")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "")
	v.SetDefault("database.disableTLS", true)
	v.SetDefault("database.transactions", true)
	v.SetDefault("database.timeout", 10*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lockTTL", 30*time.Second)
	v.SetDefault("redis.lockWait", 5*time.Second)

	v.SetDefault("revenue.mode", "independent")
	v.SetDefault("enrollment.missingBatchPolicy", "fail-fast")
	v.SetDefault("report.cacheTTL", 30*time.Second)

	v.SetDefault("email.defaultFrom", "Bootcamp <noreply@localhost>")
	v.SetDefault("email.sendgridAPIKey", "")
	v.SetDefault("rollbar.token", "")
}

// loadDotEnv loads `.env` and `.env.<env>` from the working dir if they exist.
func loadDotEnv(wd, env string) {
	for _, name := range []string{".env." + env, ".env"} {
		path := filepath.Join(wd, name)
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				log.Fatalf("config.godotenv(%s): %v", path, err)
			}
		} else if !os.IsNotExist(err) {
			log.Fatalf("config.os.Stat(%s): %v", path, err)
		}
	}
}

// NewConfig reads the configuration from the environment (prefixed with BOOTCAMP_) and the optional dotenv files.
// Nested keys map to env vars by replacing dots with underscores, e.g. BOOTCAMP_DATABASE_ENGINE.
func NewConfig() *Config {
	env := strings.ToLower(os.Getenv("APP_ENV")) // dev (default), test, qa, prod
	if env == "" {
		env = "dev"
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("config.os.Getwd(): %v", err)
	}
	loadDotEnv(wd, env)

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return buildConfig(v, env, wd)
}

func buildConfig(v *viper.Viper, env, wd string) *Config {
	tz, err := time.LoadLocation(v.GetString("app.timezone"))
	if err != nil {
		log.Printf("config: invalid timezone %q, falling back to UTC", v.GetString("app.timezone"))
		tz = time.UTC
	}

	conf := &Config{
		Build:           v.GetString("app.build"),
		Env:             env,
		Debug:           v.GetBool("app.debug"),
		TestMode:        env == "test",
		AppName:         v.GetString("app.name"),
		WorkDir:         wd,
		Timezone:        tz,
		FrontendBaseURL: v.GetString("frontend.baseURL"),
		RollbarToken:    v.GetString("rollbar.token"),
		SendgridApiKey:  v.GetString("email.sendgridAPIKey"),
		Server: ServerConfig{
			Address:         v.GetString("server.address"),
			DebugAddress:    v.GetString("server.debugAddress"),
			ReadTimeout:     v.GetDuration("server.readTimeout"),
			WriteTimeout:    v.GetDuration("server.writeTimeout"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
			DisableReqLogs:  v.GetBool("server.disableRequestLogs"),
		},
		Database: DatabaseConfig{
			Engine:        strings.ToLower(v.GetString("database.engine")),
			URI:           v.GetString("database.uri"),
			Name:          v.GetString("database.name"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
			Transactions:  v.GetBool("database.transactions"),
			Timeout:       v.GetDuration("database.timeout"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lockTTL"),
			LockWait: v.GetDuration("redis.lockWait"),
		},
		RevenueMode:        v.GetString("revenue.mode"),
		MissingBatchPolicy: v.GetString("enrollment.missingBatchPolicy"),
		ReportCacheTTL:     v.GetDuration("report.cacheTTL"),
		defaultFromEmail:   v.GetString("email.defaultFrom"),
	}
	return conf
}

// NewTestConfig returns the defaults with debug off, as used across tests.
func NewTestConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	conf := buildConfig(v, "test", os.TempDir())
	conf.Debug = false
	conf.Server.DisableReqLogs = true
	return conf
}
