package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"sonekEtcd/kvserver"
	"sonekEtcd/kvserver/api/rpc"
)

const testEndpoint = "localhost:2379"

type testCluster struct {
	server *kvserver.EtcdServer
	lis    *bufconn.Listener
}

func newTestCluster(t *testing.T) *testCluster {
	s, err := kvserver.NewServer(kvserver.ServerConfig{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	lis := bufconn.Listen(1024 * 1024)
	srv := rpc.Server(s)
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		s.Close()
	})
	return &testCluster{server: s, lis: lis}
}

func (c *testCluster) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return c.lis.DialContext(ctx)
	})
}

func (c *testCluster) config(t *testing.T) Config {
	return Config{
		Endpoint:    testEndpoint,
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{c.dialer()},
		Logger:      zaptest.NewLogger(t),
	}
}

func (c *testCluster) session(t *testing.T) *Session {
	s, err := New(c.config(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSession(t *testing.T) {
	s := newTestCluster(t).session(t)
	assert.NotNil(t, s.kv)
	assert.NotNil(t, s.watch)
	assert.NotNil(t, s.cluster)
	assert.NotNil(t, s.lease)
	assert.NotNil(t, s.auth)
	assert.NotNil(t, s.maintenance)
	assert.Equal(t, testEndpoint, s.Endpoint())
	assert.Equal(t, defaultCallOpts, s.callOpts)
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantErr  error
	}{
		{name: "empty", endpoint: "", wantErr: ErrNoAvailableEndpoint},
		{name: "missing port", endpoint: "localhost"},
		{name: "unknown scheme", endpoint: "ftp://localhost:2379"},
		{name: "unix without path", endpoint: "unix://"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Connect(context.Background(), tt.endpoint)
			assert.Nil(t, s)
			var cerr *ConnectionError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.endpoint, cerr.Endpoint)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestConnectUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	start := time.Now()
	_, err = New(Config{
		Endpoint:    "http://" + addr,
		DialTimeout: 200 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
	})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectCallSizeLimits(t *testing.T) {
	c := newTestCluster(t)
	cfg := c.config(t)
	cfg.MaxCallSendMsgSize = 10
	cfg.MaxCallRecvMsgSize = 5
	_, err := New(cfg)
	var cerr *ConnectionError
	assert.ErrorAs(t, err, &cerr)

	cfg.MaxCallSendMsgSize = 64
	cfg.MaxCallRecvMsgSize = 0
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.callOpts, 2)

	err = s.Range("foo").Put(context.Background(), string(make([]byte, 128)))
	var rerr *RequestError
	assert.ErrorAs(t, err, &rerr)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		ep         string
		wantTarget string
		wantSecure bool
	}{
		{ep: "127.0.0.1:2379", wantTarget: "127.0.0.1:2379"},
		{ep: "http://127.0.0.1:2379", wantTarget: "127.0.0.1:2379"},
		{ep: "https://etcd.local:2379", wantTarget: "etcd.local:2379", wantSecure: true},
		{ep: "unix:///tmp/etcd.sock", wantTarget: "unix:///tmp/etcd.sock"},
		{ep: "unix://etcd.sock", wantTarget: "unix:etcd.sock"},
	}
	for _, tt := range tests {
		target, secure, err := parseEndpoint(tt.ep)
		require.NoError(t, err, tt.ep)
		assert.Equal(t, tt.wantTarget, target, tt.ep)
		assert.Equal(t, tt.wantSecure, secure, tt.ep)
	}
}

func TestRoundTrip(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()

	for _, kv := range [][2]string{{"foo", "bar"}, {"héllo", "wörld"}, {"k", ""}} {
		require.NoError(t, s.Range(kv[0]).Put(ctx, kv[1]))
		got, err := s.Range(kv[0]).Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{kv[0]: kv[1]}, got)
	}
}

func TestFooBarScenario(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()

	require.NoError(t, s.Range("foo").Put(ctx, "bar"))
	got, err := s.Range("foo").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"foo": "bar"}, got)

	require.NoError(t, s.Range("foo").Delete(ctx))
	got, err = s.Range("foo").Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestIdempotentDelete(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Range(k).Put(ctx, k))
	}
	require.NoError(t, s.Range("a", "c").Delete(ctx))
	got, err := s.Range("a", "c").Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, s.Range("a", "c").Delete(ctx))

	got, err = s.Range("c").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c": "c"}, got)
}

func TestRangeConsumed(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()

	r := s.Range("foo")
	require.NoError(t, r.Put(ctx, "bar"))
	require.NoError(t, r.Delete(ctx))

	assert.ErrorIs(t, r.Delete(ctx), ErrRangeConsumed)
	assert.ErrorIs(t, r.Put(ctx, "x"), ErrRangeConsumed)
	_, err := r.Get(ctx)
	assert.ErrorIs(t, err, ErrRangeConsumed)
	_, _, err = r.Swap(ctx, "x")
	assert.ErrorIs(t, err, ErrRangeConsumed)

	assert.Equal(t, "foo", r.Start())
	_, ok := r.End()
	assert.False(t, ok)
}

func TestRangeSemantics(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "ba", "c", "d"} {
		require.NoError(t, s.Range(k).Put(ctx, "v"+k))
	}

	tests := []struct {
		name  string
		start string
		end   []string
		want  []string
	}{
		{name: "exact", start: "b", want: []string{"b"}},
		{name: "exact missing", start: "bb", want: nil},
		{name: "half open", start: "b", end: []string{"d"}, want: []string{"b", "ba", "c"}},
		{name: "empty interval", start: "b", end: []string{"b"}, want: nil},
		{name: "end before start", start: "d", end: []string{"a"}, want: nil},
		{name: "from key", start: "c", end: []string{"\x00"}, want: []string{"c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.Range(tt.start, tt.end...)
			end, ok := r.End()
			assert.Equal(t, len(tt.end) > 0, ok)
			if ok {
				assert.Equal(t, tt.end[0], end)
			}

			got, err := r.Get(ctx)
			require.NoError(t, err)
			want := make(map[string]string)
			for _, k := range tt.want {
				want[k] = "v" + k
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestSwap(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()

	prev, existed, err := s.Range("foo").Swap(ctx, "1")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Empty(t, prev)

	prev, existed, err = s.Range("foo").Swap(ctx, "2")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "1", prev)
}

func TestGetDecodeError(t *testing.T) {
	c := newTestCluster(t)
	s := c.session(t)
	ctx := context.Background()

	// write raw bytes through the stub, bypassing the string API
	for _, kv := range []struct{ k, v []byte }{
		{[]byte("a"), []byte("ok")},
		{[]byte("b"), []byte{0xff, 0xfe}},
		{[]byte{'c', 0xc0}, []byte("ok")},
	} {
		_, err := s.kv.Put(ctx, &pb.PutRequest{Key: kv.k, Value: kv.v})
		require.NoError(t, err)
	}

	got, err := s.Range("a", "d").Get(ctx)
	assert.Nil(t, got)
	var derr *DecodeError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Records, 2)
	assert.Equal(t, "b", string(derr.Records[0].Key))
	assert.Equal(t, []byte{'c', 0xc0}, derr.Records[1].Key)
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	got, err = s.Range("a").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "ok"}, got)
}

func TestRequestError(t *testing.T) {
	s := newTestCluster(t).session(t)

	err := s.Range("").Put(context.Background(), "v")
	var rerr *RequestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "put", rerr.Op)
	assert.ErrorIs(t, err, rpctypes.ErrEmptyKey)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Range("foo").Get(ctx)
	assert.ErrorAs(t, err, &rerr)
}

func TestMembers(t *testing.T) {
	c := newTestCluster(t)
	s := c.session(t)

	members, err := s.Cluster().Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, c.server.ID(), members[0].ID)
	assert.Equal(t, kvserver.DefaultName, members[0].Name)
}

func TestSessionIsolation(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()
	require.NoError(t, s.Range("b").Put(ctx, "stable"))

	const n = 50
	var wg sync.WaitGroup
	errc := make(chan error, 2*n)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a := s.Range("a")
		for i := 0; i < n; i++ {
			if err := a.Put(ctx, fmt.Sprintf("v%d", i)); err != nil {
				errc <- err
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			got, err := s.Range("b").Get(ctx)
			if err != nil {
				errc <- err
				continue
			}
			if got["b"] != "stable" {
				errc <- fmt.Errorf("unexpected read %v", got)
			}
		}
	}()
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	got, err := s.Range("a").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": fmt.Sprintf("v%d", n-1)}, got)
}

func TestSessionClosed(t *testing.T) {
	s := newTestCluster(t).session(t)
	ctx := context.Background()
	r := s.Range("foo")
	cl := s.Cluster()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, r.Put(ctx, "bar"), ErrSessionClosed)
	_, err := r.Get(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, r.Delete(ctx), ErrSessionClosed)
	_, err = cl.Members(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Watch(ctx, "foo")
	assert.ErrorIs(t, err, ErrSessionClosed)

	// a Range refused for a closed session is not consumed
	assert.NotErrorIs(t, r.Delete(ctx), ErrRangeConsumed)
}

func TestSessionContextCancel(t *testing.T) {
	c := newTestCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	cfg := c.config(t)
	cfg.Context = ctx
	s, err := New(cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Range("foo").Put(context.Background(), "bar"))
	cancel()
	assert.ErrorIs(t, s.Range("foo").Put(context.Background(), "bar"), ErrSessionClosed)
}

func TestConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	content := `endpoint: https://127.0.0.1:2379
dial-timeout: 3s
dial-keep-alive-time: 30s
max-call-send-msg-size: 1024
secure:
  insecure-skip-tls-verify: true
  server-name: etcd.local
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := ConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:2379", cfg.Endpoint)
	assert.Equal(t, 3*time.Second, cfg.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.DialKeepAliveTime)
	assert.Equal(t, 1024, cfg.MaxCallSendMsgSize)
	require.NotNil(t, cfg.TLS)
	assert.True(t, cfg.TLS.InsecureSkipVerify)
	assert.Equal(t, "etcd.local", cfg.TLS.ServerName)

	_, err = ConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSecureConfig(t *testing.T) {
	_, err := (&SecureConfig{Cert: "client.crt"}).ClientConfig()
	assert.Error(t, err)

	_, err = (&SecureConfig{Cacert: filepath.Join(t.TempDir(), "missing-ca.crt")}).ClientConfig()
	assert.Error(t, err)

	cfg, err := (&SecureConfig{ServerName: "etcd.local"}).ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "etcd.local", cfg.ServerName)
	assert.Empty(t, cfg.Certificates)
	assert.False(t, cfg.InsecureSkipVerify)
}
