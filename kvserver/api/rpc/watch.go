package rpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"go.uber.org/zap"

	"sonekEtcd/kvserver"
	"sonekEtcd/kvserver/api/service"
)

const ctrlStreamBufLen = 16

type watchServer struct {
	lg *zap.Logger

	server    *kvserver.EtcdServer
	watchable service.Watchable

	// streams holds the open watch streams by stream id.
	streams  *xsync.MapOf[int64, *serverWatchStream]
	streamID atomic.Int64
}

// NewWatchServer returns a new watch server. Its open streams are ended
// with ErrGRPCStopped once s is closed.
func NewWatchServer(s *kvserver.EtcdServer) pb.WatchServer {
	ws := &watchServer{
		lg:        s.Logger(),
		server:    s,
		watchable: s.Watchable(),
		streams:   xsync.NewMapOf[int64, *serverWatchStream](),
	}
	go func() {
		<-s.StopNotify()
		ws.stopStreams()
	}()
	return ws
}

// stopStreams ends every open stream.
func (ws *watchServer) stopStreams() {
	ws.streams.Range(func(_ int64, sws *serverWatchStream) bool {
		sws.lg.Debug("stopping watch stream")
		sws.stop()
		return true
	})
}

// openStreams returns the number of watch streams currently served.
func (ws *watchServer) openStreams() int { return ws.streams.Size() }

type serverWatchStream struct {
	lg *zap.Logger
	id int64

	hdr func(rev int64) *pb.ResponseHeader

	gRPCStream  pb.Watch_WatchServer
	watchStream service.WatchStream
	ctrlStream  chan *pb.WatchResponse

	// closec indicates the stream is closed.
	closec chan struct{}
	// stopc is closed when the server stops
	stopc    chan struct{}
	stopOnce sync.Once

	// wg waits for the send loop to complete
	wg sync.WaitGroup
}

func (ws *watchServer) Watch(stream pb.Watch_WatchServer) (err error) {
	id := ws.streamID.Add(1)
	sws := &serverWatchStream{
		lg:  ws.lg.With(zap.Int64("stream-id", id)),
		id:  id,
		hdr: ws.server.Header,

		gRPCStream:  stream,
		watchStream: ws.watchable.NewWatchStream(),

		ctrlStream: make(chan *pb.WatchResponse, ctrlStreamBufLen),

		closec: make(chan struct{}),
		stopc:  make(chan struct{}),
	}
	ws.streams.Store(id, sws)
	watchStreams.Inc()
	defer func() {
		ws.streams.Delete(id)
		watchStreams.Dec()
	}()
	select {
	case <-ws.server.StopNotify():
		// stopStreams may have walked the registry before the Store
		sws.stop()
	default:
	}

	sws.wg.Add(1)
	go func() {
		sws.sendLoop()
		sws.wg.Done()
	}()

	errc := make(chan error, 1)
	// recvLoop returns nil on io.EOF; the stream then stays open until the
	// client goes away, so a half-closed client still receives events.
	go func() {
		if rerr := sws.recvLoop(); rerr != nil {
			sws.lg.Debug("failed to receive watch request from gRPC stream", zap.Error(rerr))
			errc <- rerr
		}
	}()

	select {
	case err = <-errc:
		if err == context.Canceled {
			err = rpctypes.ErrGRPCWatchCanceled
		}
	case <-stream.Context().Done():
		err = stream.Context().Err()
		if err == context.Canceled {
			err = rpctypes.ErrGRPCWatchCanceled
		}
	case <-sws.stopc:
		err = rpctypes.ErrGRPCStopped
	}
	sws.close()
	return err
}

func (sws *serverWatchStream) recvLoop() error {
	for {
		req, err := sws.gRPCStream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch uv := req.RequestUnion.(type) {
		case *pb.WatchRequest_CreateRequest:
			if uv.CreateRequest == nil {
				break
			}
			if !sws.create(uv.CreateRequest) {
				return nil
			}
		case *pb.WatchRequest_CancelRequest:
			if uv.CancelRequest != nil {
				id := uv.CancelRequest.WatchId
				err := sws.watchStream.Cancel(service.WatchID(id))
				if err == nil {
					if !sws.sendCtrl(&pb.WatchResponse{
						Header:       sws.hdr(sws.watchStream.Rev()),
						WatchId:      id,
						Canceled:     true,
						CancelReason: "watch canceled by client",
					}) {
						return nil
					}
				}
			}
		case *pb.WatchRequest_ProgressRequest:
			if uv.ProgressRequest != nil {
				if !sws.sendCtrl(&pb.WatchResponse{
					Header:  sws.hdr(sws.watchStream.Rev()),
					WatchId: -1,
				}) {
					return nil
				}
			}
		default:
			continue
		}
	}
}

// create registers a watcher for creq and queues the creation response. It
// returns false once the stream is closing.
func (sws *serverWatchStream) create(creq *pb.WatchCreateRequest) bool {
	if len(creq.Key) == 0 {
		// \x00 is the smallest key
		creq.Key = []byte{0}
	}
	rev := sws.watchStream.Rev()
	startRev := creq.StartRevision
	wr := &pb.WatchResponse{
		Header:  sws.hdr(rev),
		Created: true,
	}
	switch {
	case startRev != 0 && startRev <= rev:
		// only the latest revision is kept, history cannot be replayed
		wr.WatchId = -1
		wr.Canceled = true
		wr.CompactRevision = rev + 1
		wr.CancelReason = rpctypes.ErrCompacted.Error()
	default:
		id, err := sws.watchStream.Watch(service.WatchID(creq.WatchId), creq.Key, creq.RangeEnd, startRev, creq.PrevKv)
		wr.WatchId = int64(id)
		if err != nil {
			wr.Canceled = true
			wr.CancelReason = err.Error()
		}
	}
	return sws.sendCtrl(wr)
}

func (sws *serverWatchStream) sendCtrl(wr *pb.WatchResponse) bool {
	select {
	case sws.ctrlStream <- wr:
		return true
	case <-sws.closec:
		return false
	}
}

func (sws *serverWatchStream) sendLoop() {
	// watch ids that are currently active
	ids := make(map[service.WatchID]struct{})
	// watch responses pending on a watch id creation message
	pending := make(map[service.WatchID][]*pb.WatchResponse)

	for {
		select {
		case wresp, ok := <-sws.watchStream.Chan():
			if !ok {
				return
			}
			events := make([]*mvccpb.Event, len(wresp.Events))
			for i := range wresp.Events {
				events[i] = &wresp.Events[i]
			}
			wr := &pb.WatchResponse{
				Header:  sws.hdr(wresp.Revision),
				WatchId: int64(wresp.WatchID),
				Events:  events,
			}

			if _, okID := ids[wresp.WatchID]; !okID {
				// buffer if id not yet announced
				wrs := append(pending[wresp.WatchID], wr)
				pending[wresp.WatchID] = wrs
				continue
			}

			sentWatchResponseSize.Observe(float64(wr.Size()))
			if serr := sws.gRPCStream.Send(wr); serr != nil {
				sws.lg.Debug("failed to send watch response to gRPC stream", zap.Error(serr))
				return
			}

		case c, ok := <-sws.ctrlStream:
			if !ok {
				return
			}

			if err := sws.gRPCStream.Send(c); err != nil {
				sws.lg.Debug("failed to send watch control response to gRPC stream", zap.Error(err))
				return
			}

			// track id creation
			wid := service.WatchID(c.WatchId)
			if c.Canceled {
				delete(ids, wid)
				continue
			}
			if c.Created {
				// flush buffered events
				ids[wid] = struct{}{}
				for _, v := range pending[wid] {
					if err := sws.gRPCStream.Send(v); err != nil {
						sws.lg.Debug("failed to send pending watch response to gRPC stream", zap.Error(err))
						return
					}
				}
				delete(pending, wid)
			}
		case <-sws.closec:
			return
		}
	}
}

func (sws *serverWatchStream) stop() {
	sws.stopOnce.Do(func() { close(sws.stopc) })
}

func (sws *serverWatchStream) close() {
	sws.watchStream.Close()
	close(sws.closec)
	sws.wg.Wait()
}
