package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sonekEtcd/kvserver"
	"sonekEtcd/util/logutil"
)

const (
	DefaultName    = "Sonek-KV"
	DefaultDataDir = "data"

	DefaultMaxRequestBytes       = 1.5 * 1024 * 1024
	DefaultGRPCKeepAliveMinTime  = 5 * time.Second
	DefaultGRPCKeepAliveInterval = 2 * time.Hour
	DefaultGRPCKeepAliveTimeout  = 20 * time.Second

	DefaultHost = "0.0.0.0"
	DefaultPort = "2379"

	DefaultLogOutput = "logs/logger"
	DefaultLogLevel  = "info"
)

type Config struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"data-dir"`

	MaxRequestBytes uint `yaml:"max-request-bytes"`

	GRPCKeepAliveMinTime  time.Duration `yaml:"grpc-keepalive-min-time"`
	GRPCKeepAliveInterval time.Duration `yaml:"grpc-keepalive-interval"`
	GRPCKeepAliveTimeout  time.Duration `yaml:"grpc-keepalive-timeout"`

	Host string `yaml:"host"`
	Port string `yaml:"port"`

	ClusterToken string `yaml:"cluster-token"`
	PeerURL      string `yaml:"peer-url"`

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `yaml:"metrics-addr"`

	Env       string `yaml:"env"`
	LogLevel  string `yaml:"log-level"`
	LogOutput string `yaml:"log-outputs"`

	loggerConfig *zap.Config
	logger       *zap.Logger
}

func NewConfig() *Config {
	cfg := &Config{
		Name: DefaultName,
		Dir:  DefaultDataDir,

		MaxRequestBytes: DefaultMaxRequestBytes,

		GRPCKeepAliveInterval: DefaultGRPCKeepAliveInterval,
		GRPCKeepAliveMinTime:  DefaultGRPCKeepAliveMinTime,
		GRPCKeepAliveTimeout:  DefaultGRPCKeepAliveTimeout,

		Host: DefaultHost,
		Port: DefaultPort,

		Env:       logutil.EnvDevelopment,
		LogLevel:  DefaultLogLevel,
		LogOutput: DefaultLogOutput,
	}
	return cfg
}

// ConfigFromFile overlays the YAML file at path, if any, on the defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		if err := cfg.configFromFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (cfg *Config) configFromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (cfg *Config) setupLogging() error {
	if cfg.LogOutput == "" {
		cfg.LogOutput = DefaultLogOutput
	}
	copied, err := logutil.NewConfig(cfg.Env, cfg.LogLevel, cfg.LogOutput)
	if err != nil {
		return err
	}
	cfg.logger, err = copied.Build()
	if err != nil {
		return err
	}
	cfg.loggerConfig = &copied
	return nil
}

// ServerConfig translates cfg for kvserver.NewServer. setupLogging must have
// been called.
func (cfg *Config) ServerConfig() kvserver.ServerConfig {
	return kvserver.ServerConfig{
		Name:            cfg.Name,
		Host:            cfg.Host,
		Port:            cfg.Port,
		DataDir:         cfg.Dir,
		ClusterToken:    cfg.ClusterToken,
		PeerURL:         cfg.PeerURL,
		MaxRequestBytes: cfg.MaxRequestBytes,
		Logger:          cfg.logger,
	}
}
