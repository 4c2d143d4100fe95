package client

import (
	"math"

	"google.golang.org/grpc"
)

var (
	// client-side request send limit, gRPC default is math.MaxInt32
	defaultMaxCallSendMsgSize = grpc.MaxCallSendMsgSize(2 * 1024 * 1024)

	// range responses can easily exceed request send limits
	defaultMaxCallRecvMsgSize = grpc.MaxCallRecvMsgSize(math.MaxInt32)
)

var defaultCallOpts = []grpc.CallOption{defaultMaxCallSendMsgSize, defaultMaxCallRecvMsgSize}
