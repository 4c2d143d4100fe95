package rpc

import (
	"context"
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"sonekEtcd/kvserver"
	"sonekEtcd/kvserver/api/service"
)

// errGRPCInvalidSortOption is not part of the v3.5 rpctypes.
var errGRPCInvalidSortOption = status.New(codes.InvalidArgument, "etcdserver: invalid sort option").Err()

var toGRPCErrorMap = map[error]error{
	service.ErrCompacted:      rpctypes.ErrGRPCCompacted,
	service.ErrFutureRev:      rpctypes.ErrGRPCFutureRev,
	service.ErrClosed:         rpctypes.ErrGRPCStopped,
	kvserver.ErrKeyNotFound:   rpctypes.ErrGRPCKeyNotFound,
	kvserver.ErrLeaseNotFound: rpctypes.ErrGRPCLeaseNotFound,
}

func togRPCError(err error) error {
	// let gRPC server convert to codes.Canceled, codes.DeadlineExceeded
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for from, to := range toGRPCErrorMap {
		if errors.Is(err, from) {
			return to
		}
	}
	return status.Error(codes.Unknown, err.Error())
}
