// Package config provides utilities to load environment variables & set config structs, it includes app, logger, db, redis cache, task queue, worker pool, batch control, model residency, telemetry and http server settings.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, message queue, scheduler core, and http server
type (
	AppConfig struct {
		App       *App       `mapstructure:"app"`
		Logger    *Logger    `mapstructure:"logger"`
		DB        *DB        `mapstructure:"db"`
		Redis     *Redis     `mapstructure:"redis"`
		Queue     *Queue     `mapstructure:"queue"`
		Server    *Server    `mapstructure:"server"`
		Pools     []Pool     `mapstructure:"pools"`
		Batch     *Batch     `mapstructure:"batch"`
		Residency *Residency `mapstructure:"residency"`
		Telemetry *Telemetry `mapstructure:"telemetry"`
		Inference *Inference `mapstructure:"inference"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}

	// DB contains all the environment variables for the task mirror database
	DB struct {
		Enabled    bool   `mapstructure:"enabled"`
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// Redis contains all the environment variables for the metadata store
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// Queue contains all the environment variables for the AMQP task ingress
	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		VHost    string `mapstructure:"vhost"`
	}

	// Server contains the boundary HTTP API settings
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	}

	// Pool describes one bounded worker pool
	Pool struct {
		Name          string        `mapstructure:"name"`
		MinWorkers    int           `mapstructure:"min_workers"`
		MaxWorkers    int           `mapstructure:"max_workers"`
		QueueCapacity int           `mapstructure:"queue_capacity"`
		TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	}

	// Batch tunes the adaptive batch size controller
	Batch struct {
		InitialSize       int           `mapstructure:"initial_size"`
		MinSize           int           `mapstructure:"min_size"`
		MaxSize           int           `mapstructure:"max_size"`
		AdjustmentStep    int           `mapstructure:"adjustment_step"`
		IncreaseThreshold float64       `mapstructure:"increase_threshold"`
		DecreaseThreshold float64       `mapstructure:"decrease_threshold"`
		Cooldown          time.Duration `mapstructure:"cooldown"`
	}

	// Residency tunes model eviction
	Residency struct {
		MaxModelsInMemory int           `mapstructure:"max_models_in_memory"`
		InactiveTimeout   time.Duration `mapstructure:"inactive_timeout"`
		CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	}

	// Telemetry selects the resource sampler feeding batch control
	Telemetry struct {
		Sampler        string        `mapstructure:"sampler"` // "local" or "prometheus"
		PrometheusURL  string        `mapstructure:"prometheus_url"`
		Instance       string        `mapstructure:"instance"`
		SampleInterval time.Duration `mapstructure:"sample_interval"`
	}

	// Inference points at the model-serving sidecar
	Inference struct {
		BaseURL string        `mapstructure:"base_url"`
		Timeout time.Duration `mapstructure:"timeout"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind AMQP variables
	viper.BindEnv("queue.user", "MQ_USER")
	viper.BindEnv("queue.password", "MQ_PASS")
	viper.BindEnv("queue.host", "MQ_HOST")
	viper.BindEnv("queue.port", "MQ_PORT")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}

func setDefaults() {
	viper.SetDefault("app.name", "msearch")
	viper.SetDefault("app.env", "development")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "json")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8650)
	viper.SetDefault("db.connection", "postgres")
	viper.SetDefault("queue.vhost", "msearch")
	viper.SetDefault("telemetry.sampler", "local")
	viper.SetDefault("telemetry.sample_interval", "10s")
	viper.SetDefault("inference.base_url", "http://127.0.0.1:9020")
	viper.SetDefault("inference.timeout", "60s")
}
