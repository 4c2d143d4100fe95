package kvserver

import (
	"net"
	"net/url"

	"go.uber.org/zap"
)

type ServerConfig struct {
	Name    string
	Host    string
	Port    string
	DataDir string

	// ClusterToken seeds the cluster and member ids.
	ClusterToken string
	// PeerURL is advertised in the member list; the server does not listen on it.
	PeerURL string

	MaxRequestBytes uint
	Logger          *zap.Logger
}

// ClientURL is the address clients reach the server on.
func (c *ServerConfig) ClientURL() string {
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(c.Host, c.Port)}
	return u.String()
}
