package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Redis        RedisConfig        `json:"redis"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
}

type ServerConfig struct {
	BindAddr      string `json:"bindAddr"`
	AdminBindAddr string `json:"adminBindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type OrchestratorConfig struct {
	WorkerPoolSize            int             `json:"workerPoolSize"`
	DefaultDrainDelaySeconds  int             `json:"defaultDrainDelaySeconds"`
	PlaybookDir               string          `json:"playbookDir"`
	PlaybookScanInterval      string          `json:"playbookScanInterval"` // e.g. "5m"
	OrchestratorPlaybook      string          `json:"orchestratorPlaybook"`
	TaskDefaultDeadline       string          `json:"taskDefaultDeadline"`       // e.g. "1h"
	WorkerHeartbeatStaleAfter string          `json:"workerHeartbeatStaleAfter"` // e.g. "5m"
	Transport                 TransportConfig `json:"transport"`
}

type TransportConfig struct {
	Mode           string `json:"mode"` // "local" or "remote-ssh"
	Command        string `json:"command"`
	SSHControlHost string `json:"sshControlHost"`
	SSHUser        string `json:"sshUser"`
	SSHKeyPath     string `json:"sshKeyPath"`
	TermGrace      string `json:"termGrace"` // e.g. "10s"
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr:      getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			AdminBindAddr: getEnv("ADMIN_BIND_ADDR", "0.0.0.0:9100"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "appcontrol"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Orchestrator: OrchestratorConfig{
			WorkerPoolSize:            getEnvInt("AC_WORKER_POOL_SIZE", 4),
			DefaultDrainDelaySeconds:  getEnvInt("AC_DEFAULT_DRAIN_DELAY_SECONDS", 300),
			PlaybookDir:               getEnv("AC_PLAYBOOK_DIR", "playbooks"),
			PlaybookScanInterval:      getEnv("AC_PLAYBOOK_SCAN_INTERVAL", "5m"),
			OrchestratorPlaybook:      getEnv("AC_ORCHESTRATOR_PLAYBOOK", "playbooks/update_orchestrator.yml"),
			TaskDefaultDeadline:       getEnv("AC_TASK_DEFAULT_DEADLINE", "1h"),
			WorkerHeartbeatStaleAfter: getEnv("AC_WORKER_HEARTBEAT_STALE_AFTER", "5m"),
			Transport: TransportConfig{
				Mode:           getEnv("AC_TRANSPORT_MODE", "local"),
				Command:        getEnv("AC_TRANSPORT_COMMAND", "ansible-playbook"),
				SSHControlHost: getEnv("AC_SSH_CONTROL_HOST", ""),
				SSHUser:        getEnv("AC_SSH_USER", ""),
				SSHKeyPath:     getEnv("AC_SSH_KEY_PATH", ""),
				TermGrace:      getEnv("AC_TRANSPORT_TERM_GRACE", "10s"),
			},
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Server.AdminBindAddr == "" {
		cfg.Server.AdminBindAddr = "0.0.0.0:9100"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Orchestrator.WorkerPoolSize <= 0 {
		cfg.Orchestrator.WorkerPoolSize = 4
	}
	if cfg.Orchestrator.DefaultDrainDelaySeconds <= 0 {
		cfg.Orchestrator.DefaultDrainDelaySeconds = 300
	}
	if cfg.Orchestrator.PlaybookDir == "" {
		cfg.Orchestrator.PlaybookDir = "playbooks"
	}
	if cfg.Orchestrator.PlaybookScanInterval == "" {
		cfg.Orchestrator.PlaybookScanInterval = "5m"
	}
	if cfg.Orchestrator.OrchestratorPlaybook == "" {
		cfg.Orchestrator.OrchestratorPlaybook = "playbooks/update_orchestrator.yml"
	}
	if cfg.Orchestrator.TaskDefaultDeadline == "" {
		cfg.Orchestrator.TaskDefaultDeadline = "1h"
	}
	if cfg.Orchestrator.WorkerHeartbeatStaleAfter == "" {
		cfg.Orchestrator.WorkerHeartbeatStaleAfter = "5m"
	}
	if cfg.Orchestrator.Transport.Mode == "" {
		cfg.Orchestrator.Transport.Mode = "local"
	}
	if cfg.Orchestrator.Transport.Command == "" {
		cfg.Orchestrator.Transport.Command = "ansible-playbook"
	}
	if cfg.Orchestrator.Transport.TermGrace == "" {
		cfg.Orchestrator.Transport.TermGrace = "10s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
