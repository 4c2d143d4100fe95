package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"sonekEtcd/util/logutil"
)

// Session is one logical connection to an etcd v3 server. Every service stub
// shares the same *grpc.ClientConn. A Session is safe for concurrent use.
type Session struct {
	conn *grpc.ClientConn

	kv          pb.KVClient
	watch       pb.WatchClient
	cluster     pb.ClusterClient
	lease       pb.LeaseClient
	auth        pb.AuthClient
	maintenance pb.MaintenanceClient

	cfg      Config
	endpoint string

	ctx      context.Context
	cancel   context.CancelFunc
	callOpts []grpc.CallOption

	lg *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New dials cfg.Endpoint and blocks until the connection is up or
// cfg.DialTimeout expires.
func New(cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		return nil, &ConnectionError{Err: ErrNoAvailableEndpoint}
	}
	dctx := context.Background()
	if cfg.Context != nil {
		dctx = cfg.Context
	}
	return newSession(dctx, &cfg)
}

// Connect dials endpoint with the default configuration. ctx bounds the dial
// only; the Session lives until Close.
func Connect(ctx context.Context, endpoint string) (*Session, error) {
	if endpoint == "" {
		return nil, &ConnectionError{Err: ErrNoAvailableEndpoint}
	}
	return newSession(ctx, &Config{Endpoint: endpoint})
}

func newSession(dctx context.Context, cfg *Config) (*Session, error) {
	baseCtx := context.Background()
	if cfg.Context != nil {
		baseCtx = cfg.Context
	}
	ctx, cancel := context.WithCancel(baseCtx)
	s := &Session{
		cfg:      *cfg,
		endpoint: cfg.Endpoint,
		ctx:      ctx,
		cancel:   cancel,
		callOpts: defaultCallOpts,
	}

	lg, err := newLogger(cfg)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}
	s.lg = lg.With(zap.String("endpoint", cfg.Endpoint))

	if cfg.MaxCallSendMsgSize > 0 || cfg.MaxCallRecvMsgSize > 0 {
		if cfg.MaxCallRecvMsgSize > 0 && cfg.MaxCallSendMsgSize > cfg.MaxCallRecvMsgSize {
			cancel()
			return nil, &ConnectionError{
				Endpoint: cfg.Endpoint,
				Err:      fmt.Errorf("gRPC message recv limit (%d bytes) must be greater than send limit (%d bytes)", cfg.MaxCallRecvMsgSize, cfg.MaxCallSendMsgSize),
			}
		}
		callOpts := []grpc.CallOption{
			defaultMaxCallSendMsgSize,
			defaultMaxCallRecvMsgSize,
		}
		if cfg.MaxCallSendMsgSize > 0 {
			callOpts[0] = grpc.MaxCallSendMsgSize(cfg.MaxCallSendMsgSize)
		}
		if cfg.MaxCallRecvMsgSize > 0 {
			callOpts[1] = grpc.MaxCallRecvMsgSize(cfg.MaxCallRecvMsgSize)
		}
		s.callOpts = callOpts
	}

	target, secure, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		cancel()
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}
	creds := insecure.NewCredentials()
	if secure || cfg.TLS != nil {
		tlsCfg := cfg.TLS
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(tlsCfg)
	}

	conn, err := s.dial(dctx, target, grpc.WithTransportCredentials(creds))
	if err != nil {
		cancel()
		s.lg.Debug("failed to connect", zap.Error(err))
		return nil, &ConnectionError{Endpoint: cfg.Endpoint, Err: err}
	}

	s.conn = conn
	s.kv = pb.NewKVClient(conn)
	s.watch = pb.NewWatchClient(conn)
	s.cluster = pb.NewClusterClient(conn)
	s.lease = pb.NewLeaseClient(conn)
	s.auth = pb.NewAuthClient(conn)
	s.maintenance = pb.NewMaintenanceClient(conn)

	s.lg.Debug("session established", zap.String("target", target))
	return s, nil
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	if cfg.Logger != nil {
		return cfg.Logger, nil
	}
	lcfg := logutil.DefaultZapLoggerConfig
	if cfg.LogConfig != nil {
		lcfg = *cfg.LogConfig
	}
	return lcfg.Build()
}

func (s *Session) dial(dctx context.Context, target string, dopts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := s.dialSetupOpts(dopts...)

	timeout := s.cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(dctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dctx, target, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("dial timed out after %v: %w", timeout, err)
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) dialSetupOpts(dopts ...grpc.DialOption) []grpc.DialOption {
	var opts []grpc.DialOption
	if s.cfg.DialKeepAliveTime > 0 {
		params := keepalive.ClientParameters{
			Time:                s.cfg.DialKeepAliveTime,
			Timeout:             s.cfg.DialKeepAliveTimeout,
			PermitWithoutStream: s.cfg.PermitWithoutStream,
		}
		opts = append(opts, grpc.WithKeepaliveParams(params))
	}
	opts = append(opts, grpc.WithBlock())
	opts = append(opts, dopts...)
	// user options go last so they can override the defaults
	opts = append(opts, s.cfg.DialOptions...)
	return opts
}

// parseEndpoint turns ep into a gRPC dial target and reports whether the
// endpoint asks for TLS.
func parseEndpoint(ep string) (target string, secure bool, err error) {
	if !strings.Contains(ep, "://") {
		if _, _, err = net.SplitHostPort(ep); err != nil {
			return "", false, fmt.Errorf("invalid endpoint %q: %w", ep, err)
		}
		return ep, false, nil
	}
	u, err := url.Parse(ep)
	if err != nil {
		return "", false, fmt.Errorf("invalid endpoint %q: %w", ep, err)
	}
	switch u.Scheme {
	case "http", "https":
		if _, _, err = net.SplitHostPort(u.Host); err != nil {
			return "", false, fmt.Errorf("invalid endpoint %q: %w", ep, err)
		}
		return u.Host, u.Scheme == "https", nil
	case "unix":
		if u.Host == "" && u.Path == "" {
			return "", false, fmt.Errorf("invalid endpoint %q: missing socket path", ep)
		}
		if u.Host == "" {
			// absolute path
			return "unix://" + u.Path, false, nil
		}
		return "unix:" + u.Host + u.Path, false, nil
	default:
		return "", false, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", ep, u.Scheme)
	}
}

// Range returns a handle on the exact key start, or on [start, end) when end
// is given. It performs no I/O.
func (s *Session) Range(start string, end ...string) *Range {
	r := &Range{s: s, start: start}
	if len(end) > 0 {
		r.end, r.hasEnd = end[0], true
	}
	return r
}

// Cluster returns a handle for membership queries. It performs no I/O.
func (s *Session) Cluster() *Cluster {
	return &Cluster{s: s}
}

// Endpoint returns the endpoint the Session was created with.
func (s *Session) Endpoint() string { return s.endpoint }

// Close releases the connection. Handles derived from s fail afterwards with
// ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
		s.lg.Debug("session closed", zap.Error(s.closeErr))
	})
	return s.closeErr
}

// checkAlive guards every operation of a derived handle.
func (s *Session) checkAlive() error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return nil
}

// toErr converts a failed call. A call cut short by Close reports
// ErrSessionClosed rather than the transport error.
func (s *Session) toErr(op string, err error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return newRequestError(op, err)
}
