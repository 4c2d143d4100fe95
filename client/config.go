package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"
)

const DefaultDialTimeout = 5 * time.Second

// Config describes how a Session connects and logs.
type Config struct {
	// Endpoint is host:port, http(s)://host:port or unix://path.
	Endpoint string `yaml:"endpoint"`

	// DialTimeout bounds the blocking dial. 0 means DefaultDialTimeout.
	DialTimeout time.Duration `yaml:"dial-timeout"`

	DialKeepAliveTime time.Duration `yaml:"dial-keep-alive-time"`

	DialKeepAliveTimeout time.Duration `yaml:"dial-keep-alive-timeout"`

	PermitWithoutStream bool `yaml:"permit-without-stream"`

	MaxCallSendMsgSize int `yaml:"max-call-send-msg-size"`

	MaxCallRecvMsgSize int `yaml:"max-call-recv-msg-size"`

	// Secure is turned into TLS by ConfigFromFile.
	Secure *SecureConfig `yaml:"secure"`

	// TLS holds the client secure credentials, if any. An https endpoint with
	// a nil TLS uses the system roots.
	TLS *tls.Config `yaml:"-"`

	DialOptions []grpc.DialOption `yaml:"-"`

	// Context is the base context of the Session. Cancelling it has the same
	// effect as Session.Close on every derived handle.
	Context context.Context `yaml:"-"`

	// Logger takes precedence over LogConfig.
	Logger *zap.Logger `yaml:"-"`

	LogConfig *zap.Config `yaml:"-"`
}

// SecureConfig names the TLS files of a client configuration.
type SecureConfig struct {
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	Cacert     string `yaml:"cacert"`
	ServerName string `yaml:"server-name"`

	InsecureSkipVerify bool `yaml:"insecure-skip-tls-verify"`
}

// ConfigFromFile reads a YAML client configuration.
func ConfigFromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Secure != nil {
		if cfg.TLS, err = cfg.Secure.ClientConfig(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ClientConfig builds the tls configuration described by sc.
func (sc *SecureConfig) ClientConfig() (*tls.Config, error) {
	if (sc.Cert == "") != (sc.Key == "") {
		return nil, errors.New("client cert and key must be set together")
	}
	tlsinfo := transport.TLSInfo{
		CertFile:           sc.Cert,
		KeyFile:            sc.Key,
		TrustedCAFile:      sc.Cacert,
		ServerName:         sc.ServerName,
		InsecureSkipVerify: sc.InsecureSkipVerify,
	}
	cfg, err := tlsinfo.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load client tls config: %w", err)
	}
	return cfg, nil
}
