package rpc

import (
	"context"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"sonekEtcd/kvserver"
)

type clusterServer struct {
	pb.UnimplementedClusterServer

	server *kvserver.EtcdServer
}

// NewClusterServer serves MemberList; membership changes are unsupported on a
// single member server.
func NewClusterServer(s *kvserver.EtcdServer) pb.ClusterServer {
	return &clusterServer{server: s}
}

func (cs *clusterServer) MemberList(ctx context.Context, r *pb.MemberListRequest) (*pb.MemberListResponse, error) {
	resp, err := cs.server.MemberList(ctx, r)
	if err != nil {
		return nil, togRPCError(err)
	}
	return resp, nil
}
