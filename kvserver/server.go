package kvserver

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"slices"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"

	"sonekEtcd/kvserver/api/service"
)

const (
	DefaultName         = "default"
	DefaultClusterToken = "sonek-cluster"
	DefaultPeerURL      = "http://localhost:2380"

	// DefaultMaxRequestBytes is 1.5 MiB, the etcd default.
	DefaultMaxRequestBytes = 1.5 * 1024 * 1024

	// raftTerm is constant: a single member never holds an election.
	raftTerm = 1
)

var (
	ErrKeyNotFound   = errors.New("kvserver: key not found")
	ErrLeaseNotFound = errors.New("kvserver: lease not found")
)

// EtcdServer answers etcd v3 requests from a single local store.
type EtcdServer struct {
	Cfg ServerConfig

	kv service.WatchableKV
	lg *zap.Logger

	clusterID uint64
	memberID  uint64

	stopOnce sync.Once
	stopc    chan struct{}
}

func NewServer(cfg ServerConfig) (srv *EtcdServer, err error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.ClusterToken == "" {
		cfg.ClusterToken = DefaultClusterToken
	}
	if cfg.PeerURL == "" {
		cfg.PeerURL = DefaultPeerURL
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}

	st, err := service.NewStore(service.StoreConfig{
		DataDir: cfg.DataDir,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	srv = &EtcdServer{
		Cfg:       cfg,
		kv:        service.NewWatchableStore(st),
		lg:        cfg.Logger,
		clusterID: computeID(cfg.ClusterToken),
		memberID:  computeID(cfg.PeerURL, cfg.ClusterToken),
		stopc:     make(chan struct{}),
	}
	return srv, nil
}

func computeID(parts ...string) uint64 {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	hash := sha1.Sum(b)
	return binary.BigEndian.Uint64(hash[:8])
}

// Watchable returns a watchable interface attached to the server.
func (s *EtcdServer) Watchable() service.Watchable { return s.kv }

func (s *EtcdServer) Logger() *zap.Logger { return s.lg }

func (s *EtcdServer) ID() uint64 { return s.memberID }

// StopNotify returns a channel that is closed when the server is closed.
func (s *EtcdServer) StopNotify() <-chan struct{} { return s.stopc }

func (s *EtcdServer) Header(rev int64) *pb.ResponseHeader {
	return &pb.ResponseHeader{
		ClusterId: s.clusterID,
		MemberId:  s.memberID,
		Revision:  rev,
		RaftTerm:  raftTerm,
	}
}

func (s *EtcdServer) Range(ctx context.Context, r *pb.RangeRequest) (*pb.RangeResponse, error) {
	txn := s.kv.Read()
	defer txn.End()

	ro := service.RangeOptions{
		Limit:     r.Limit,
		Rev:       r.Revision,
		CountOnly: r.CountOnly,
	}
	sorted := isSorted(r)
	if sorted {
		// sort everything in range, then apply the limit
		ro.Limit = 0
	}
	res, err := txn.Range(r.Key, r.RangeEnd, ro)
	if err != nil {
		return nil, err
	}
	if sorted {
		sortKVs(res.KVs, r.SortTarget, r.SortOrder)
		if r.Limit > 0 && int64(len(res.KVs)) > r.Limit {
			res.KVs = res.KVs[:r.Limit]
		}
	}

	resp := &pb.RangeResponse{
		Header: s.Header(res.Rev),
		Count:  int64(res.Count),
	}
	if r.CountOnly {
		return resp, nil
	}
	resp.Kvs = make([]*mvccpb.KeyValue, len(res.KVs))
	for i := range res.KVs {
		if r.KeysOnly {
			res.KVs[i].Value = nil
		}
		resp.Kvs[i] = &res.KVs[i]
	}
	resp.More = r.Limit > 0 && int64(res.Count) > r.Limit
	return resp, nil
}

func (s *EtcdServer) Put(ctx context.Context, r *pb.PutRequest) (*pb.PutResponse, error) {
	txn := s.kv.Write()
	defer txn.End()

	value := r.Value
	if r.IgnoreValue {
		res, err := txn.Range(r.Key, nil, service.RangeOptions{})
		if err != nil {
			return nil, err
		}
		if len(res.KVs) == 0 {
			return nil, ErrKeyNotFound
		}
		value = res.KVs[0].Value
	}
	// leases are never granted, so any lease id is unknown
	if r.Lease != 0 {
		return nil, ErrLeaseNotFound
	}

	prev, rev, err := txn.Put(r.Key, value)
	if err != nil {
		return nil, err
	}
	resp := &pb.PutResponse{Header: s.Header(rev)}
	if r.PrevKv && prev != nil {
		resp.PrevKv = prev
	}
	return resp, nil
}

func (s *EtcdServer) DeleteRange(ctx context.Context, r *pb.DeleteRangeRequest) (*pb.DeleteRangeResponse, error) {
	txn := s.kv.Write()
	defer txn.End()

	deleted, rev, err := txn.DeleteRange(r.Key, r.RangeEnd)
	if err != nil {
		return nil, err
	}
	resp := &pb.DeleteRangeResponse{
		Header:  s.Header(rev),
		Deleted: int64(len(deleted)),
	}
	if r.PrevKv {
		resp.PrevKvs = make([]*mvccpb.KeyValue, len(deleted))
		for i := range deleted {
			resp.PrevKvs[i] = &deleted[i]
		}
	}
	return resp, nil
}

// Member describes the local server.
func (s *EtcdServer) Member() *pb.Member {
	return &pb.Member{
		ID:         s.memberID,
		Name:       s.Cfg.Name,
		PeerURLs:   []string{s.Cfg.PeerURL},
		ClientURLs: []string{s.Cfg.ClientURL()},
	}
}

func (s *EtcdServer) MemberList(ctx context.Context, r *pb.MemberListRequest) (*pb.MemberListResponse, error) {
	return &pb.MemberListResponse{
		Header:  s.Header(s.kv.Rev()),
		Members: []*pb.Member{s.Member()},
	}, nil
}

func (s *EtcdServer) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopc)
		err = s.kv.Close()
	})
	return err
}

// isSorted reports whether r asks for an order other than the store's natural
// ascending key order.
func isSorted(r *pb.RangeRequest) bool {
	if r.SortOrder == pb.RangeRequest_NONE {
		return false
	}
	return !(r.SortOrder == pb.RangeRequest_ASCEND && r.SortTarget == pb.RangeRequest_KEY)
}

func sortKVs(kvs []mvccpb.KeyValue, target pb.RangeRequest_SortTarget, order pb.RangeRequest_SortOrder) {
	cmpFn := func(a, b *mvccpb.KeyValue) int {
		switch target {
		case pb.RangeRequest_VERSION:
			return cmp.Compare(a.Version, b.Version)
		case pb.RangeRequest_CREATE:
			return cmp.Compare(a.CreateRevision, b.CreateRevision)
		case pb.RangeRequest_MOD:
			return cmp.Compare(a.ModRevision, b.ModRevision)
		case pb.RangeRequest_VALUE:
			return bytes.Compare(a.Value, b.Value)
		default:
			return bytes.Compare(a.Key, b.Key)
		}
	}
	slices.SortStableFunc(kvs, func(a, b mvccpb.KeyValue) int {
		if order == pb.RangeRequest_DESCEND {
			return cmpFn(&b, &a)
		}
		return cmpFn(&a, &b)
	})
}
