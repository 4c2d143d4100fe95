package rpc

import (
	"context"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"sonekEtcd/kvserver"
)

func newUnaryInterceptor(s *kvserver.EtcdServer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		select {
		case <-s.StopNotify():
			return nil, rpctypes.ErrGRPCStopped
		default:
		}

		start := time.Now()
		clientRequests.WithLabelValues(info.FullMethod).Inc()
		resp, err := handler(ctx, req)
		if err != nil {
			failedRequests.WithLabelValues(info.FullMethod).Inc()
		}
		if lg := s.Logger(); lg != nil {
			lg.Debug(
				"request served",
				zap.String("method", info.FullMethod),
				zap.Duration("took", time.Since(start)),
				zap.Error(err),
			)
		}
		return resp, err
	}
}
