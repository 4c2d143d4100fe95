package rpc

import (
	"math"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc"

	"sonekEtcd/kvserver"
)

const (
	grpcOverheadBytes = 512 * 1024
	maxSendBytes      = math.MaxInt32
)

// Server builds a gRPC server exposing every etcd v3 service. KV, Watch and
// Cluster are served by s; Lease, Auth and Maintenance answer Unimplemented.
func Server(s *kvserver.EtcdServer, gopts ...grpc.ServerOption) *grpc.Server {
	var opts []grpc.ServerOption
	opts = append(opts, grpc.MaxRecvMsgSize(int(s.Cfg.MaxRequestBytes+grpcOverheadBytes)))
	opts = append(opts, grpc.MaxSendMsgSize(maxSendBytes))
	opts = append(opts, grpc.ChainUnaryInterceptor(
		grpc_prometheus.UnaryServerInterceptor,
		newUnaryInterceptor(s),
	))
	opts = append(opts, grpc.ChainStreamInterceptor(
		grpc_prometheus.StreamServerInterceptor,
	))

	grpcServer := grpc.NewServer(append(opts, gopts...)...)
	pb.RegisterKVServer(grpcServer, NewKVServer(s))
	pb.RegisterWatchServer(grpcServer, NewWatchServer(s))
	pb.RegisterClusterServer(grpcServer, NewClusterServer(s))
	pb.RegisterLeaseServer(grpcServer, &pb.UnimplementedLeaseServer{})
	pb.RegisterAuthServer(grpcServer, &pb.UnimplementedAuthServer{})
	pb.RegisterMaintenanceServer(grpcServer, &pb.UnimplementedMaintenanceServer{})

	grpc_prometheus.Register(grpcServer)
	return grpcServer
}
