package client

import (
	"context"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
)

// Cluster is the membership view of a Session.
type Cluster struct {
	s *Session
}

// Members lists the cluster members in the order the server reports them.
func (c *Cluster) Members(ctx context.Context) ([]*pb.Member, error) {
	if err := c.s.checkAlive(); err != nil {
		return nil, err
	}
	resp, err := c.s.cluster.MemberList(ctx, &pb.MemberListRequest{}, c.s.callOpts...)
	if err != nil {
		return nil, c.s.toErr("members", err)
	}
	return resp.Members, nil
}
