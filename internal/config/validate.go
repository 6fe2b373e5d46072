package config

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"cncworker/internal/tasks"
)

// Validate checks that the configuration is usable before any connection is made.
func (c *Config) Validate() error {
	// Database config
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be \"postgres\" or \"sqlite3\", got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	// Redis config
	if c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}

	// Worker config
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	if len(c.Worker.Queues) == 0 {
		return errors.New("worker.queues must define at least one queue")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}
	if c.Worker.TaskTimeout < 0 {
		return errors.New("worker.task_timeout must not be negative")
	}

	// Machine config
	if c.Machine.SerialPort == "" {
		return errors.New("machine.serial_port is required")
	}
	if c.Machine.Baudrate <= 0 {
		return errors.New("machine.baudrate must be a positive integer")
	}
	if c.Machine.HandshakeTimeout <= 0 || c.Machine.QueryTimeout <= 0 {
		return errors.New("machine.handshake_timeout and machine.query_timeout must be positive")
	}
	if c.Machine.PollInterval <= 0 {
		return errors.New("machine.poll_interval must be positive")
	}
	if c.Machine.MaxPollInterval < c.Machine.PollInterval {
		return fmt.Errorf("machine.max_poll_interval (%s) must not be below machine.poll_interval (%s)",
			c.Machine.MaxPollInterval, c.Machine.PollInterval)
	}

	if c.Files.BasePath == "" {
		return errors.New("files.base_path is required")
	}

	if c.Progress.AMQPURL != "" && c.Progress.Exchange == "" {
		return errors.New("progress.exchange is required when progress.amqp_url is set")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}
	return nil
}

// WarnOnRisk logs settings that are allowed but unusual for a single machine.
func (c *Config) WarnOnRisk() {
	if c.Worker.Concurrency > 1 {
		log.Warnf("worker.concurrency is %d; only one execution can hold the machine, extra runs will be refused", c.Worker.Concurrency)
	}
	if _, ok := c.Worker.Queues[tasks.QueueCNC]; !ok {
		log.Warnf("worker.queues does not include %q; execution tasks will never be picked up", tasks.QueueCNC)
	}
}
