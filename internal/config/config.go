// Package config loads the control plane's INI configuration file, selected
// by the ENVIRONMENT variable, as described in the external interfaces
// contract.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Environment is one of the four deployment environments this control
// plane runs in.
type Environment string

const (
	Prod Environment = "PROD"
	Dev  Environment = "DEV"
	Test Environment = "TEST"
	CI   Environment = "CI"
)

func (e Environment) fileName() string {
	switch e {
	case Prod:
		return "prod.ini"
	case Dev:
		return "dev.ini"
	case Test:
		return "test.ini"
	case CI:
		return "ci.ini"
	default:
		return ""
	}
}

// ParseEnvironment validates and normalizes s into one of the four known
// environments.
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToUpper(strings.TrimSpace(s))) {
	case Prod:
		return Prod, true
	case Dev:
		return Dev, true
	case Test:
		return Test, true
	case CI:
		return CI, true
	default:
		return "", false
	}
}

// ProcessingMode selects whether the worker container runs on CPU or GPU.
type ProcessingMode string

const (
	CPU ProcessingMode = "CPU"
	GPU ProcessingMode = "GPU"
)

// DatabaseConfig is the `[database]` INI section.
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     int
}

// DSN renders the Postgres connection string for this section.
func (d DatabaseConfig) DSN(dbName string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, dbName)
}

// RabbitMQConfig is the `[rabbitmq]` INI section.
type RabbitMQConfig struct {
	User                        string
	Password                    string
	Host                        string
	Port                        int
	ControllerQueue             string
	AckStatusQueue              string
	InstanceSchedulerNotification string
}

// URL renders the AMQP connection string for this section.
func (r RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Password, r.Host, r.Port)
}

// HardwareAccelerationConfig is the `[hardware_acceleration]` INI section.
type HardwareAccelerationConfig struct {
	ProcessingMode ProcessingMode
	CUDAVersion    string
}

// Config is the fully parsed control-plane configuration.
type Config struct {
	Environment         Environment
	Database            DatabaseConfig
	RabbitMQ            RabbitMQConfig
	HardwareAcceleration HardwareAccelerationConfig
}

// Load selects ./configs/{env}.ini per the ENVIRONMENT variable (defaulting
// to DEV when unset) and parses it into a Config.
func Load() (*Config, error) {
	envStr := os.Getenv("ENVIRONMENT")
	if envStr == "" {
		envStr = string(Dev)
	}
	env, ok := ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid ENVIRONMENT: %q (must be PROD, DEV, TEST, or CI)", envStr)
	}
	return LoadFile(env, "configs/"+env.fileName())
}

// LoadFile parses the INI file at path as the configuration for env.
func LoadFile(env Environment, path string) (*Config, error) {
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg := &Config{Environment: env}

	dbSection := iniFile.Section("database")
	cfg.Database = DatabaseConfig{
		User:     dbSection.Key("user").String(),
		Password: dbSection.Key("password").String(),
		Host:     dbSection.Key("host").MustString("localhost"),
		Port:     dbSection.Key("port").MustInt(5432),
	}

	mqSection := iniFile.Section("rabbitmq")
	cfg.RabbitMQ = RabbitMQConfig{
		User:                        mqSection.Key("user").String(),
		Password:                    mqSection.Key("password").String(),
		Host:                        mqSection.Key("host").MustString("localhost"),
		Port:                        mqSection.Key("port").MustInt(5672),
		ControllerQueue:             mqSection.Key("controller_queue").MustString("controller_queue"),
		AckStatusQueue:              mqSection.Key("ack_status_queue").MustString("ack_status_queue"),
		InstanceSchedulerNotification: mqSection.Key("instance_scheduler_notification").MustString("instance_scheduler_notification"),
	}

	hwSection := iniFile.Section("hardware_acceleration")
	mode := strings.ToUpper(hwSection.Key("processing_mode").MustString(string(CPU)))
	cfg.HardwareAcceleration = HardwareAccelerationConfig{
		ProcessingMode: ProcessingMode(mode),
		CUDAVersion:    hwSection.Key("cuda_version").String(),
	}

	if cfg.HardwareAcceleration.ProcessingMode == GPU && cfg.HardwareAcceleration.CUDAVersion == "" {
		return nil, fmt.Errorf("hardware_acceleration.cuda_version is required when processing_mode=GPU")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq.host is required")
	}
	switch c.HardwareAcceleration.ProcessingMode {
	case CPU, GPU:
	default:
		return fmt.Errorf("hardware_acceleration.processing_mode must be CPU or GPU, got %q", c.HardwareAcceleration.ProcessingMode)
	}
	return nil
}

// DeviceFlag returns the container run contract's `--device` value: "cpu"
// for CPU mode, "0" for GPU mode (first CUDA device).
func (h HardwareAccelerationConfig) DeviceFlag() string {
	if h.ProcessingMode == GPU {
		return "0"
	}
	return "cpu"
}
