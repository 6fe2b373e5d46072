package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cncworker/internal/tasks"
)

// EnvPrefix prefixes every environment override, e.g. CNC_MACHINE_SERIAL_PORT.
const EnvPrefix = "CNC"

type Config struct {
	Database struct {
		Driver string `mapstructure:"driver"` // "postgres" or "sqlite3"
		DSN    string `mapstructure:"dsn"`

		// Pool settings apply to postgres only.
		MaxConns        int32         `mapstructure:"max_conns"`
		MinConns        int32         `mapstructure:"min_conns"`
		MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	} `mapstructure:"database"`

	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Worker struct {
		Concurrency       int            `mapstructure:"concurrency"`
		Queues            map[string]int `mapstructure:"queues"`
		MarkFailedOnAbort bool           `mapstructure:"mark_failed_on_abort"`
		TaskTimeout       time.Duration  `mapstructure:"task_timeout"`
	} `mapstructure:"worker"`

	Machine struct {
		SerialPort       string        `mapstructure:"serial_port"`
		Baudrate         int           `mapstructure:"baudrate"`
		HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
		QueryTimeout     time.Duration `mapstructure:"query_timeout"`
		PollInterval     time.Duration `mapstructure:"poll_interval"`
		MaxPollInterval  time.Duration `mapstructure:"max_poll_interval"`
	} `mapstructure:"machine"`

	Files struct {
		BasePath string `mapstructure:"base_path"`
	} `mapstructure:"files"`

	// Progress fans execution updates out over AMQP when AMQPURL is set.
	Progress struct {
		AMQPURL  string `mapstructure:"amqp_url"`
		Exchange string `mapstructure:"exchange"`
	} `mapstructure:"progress"`

	Server struct {
		Addr string `mapstructure:"addr"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Metrics struct {
		Addr string `mapstructure:"addr"` // empty disables the worker's metrics listener
	} `mapstructure:"metrics"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "text" or "json"
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "cncworker.db")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queues", map[string]int{tasks.QueueCNC: 1})
	v.SetDefault("worker.mark_failed_on_abort", false)
	v.SetDefault("worker.task_timeout", 24*time.Hour)
	v.SetDefault("machine.serial_port", "/dev/ttyUSB0")
	v.SetDefault("machine.baudrate", 115200)
	v.SetDefault("machine.handshake_timeout", 5*time.Second)
	v.SetDefault("machine.query_timeout", 2*time.Second)
	v.SetDefault("machine.poll_interval", 50*time.Millisecond)
	v.SetDefault("machine.max_poll_interval", time.Second)
	v.SetDefault("files.base_path", "./uploads")
	v.SetDefault("progress.amqp_url", "")
	v.SetDefault("progress.exchange", "cnc.progress")
	v.SetDefault("server.addr", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.addr", ":9091")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads config.yaml from the working directory, then applies
// CNC_* environment overrides on top of the defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	return load(v)
}

// LoadFile reads the given config file instead of searching for config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	// Every key has a default, so AutomaticEnv also reaches Unmarshal.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	return &cfg, nil
}
