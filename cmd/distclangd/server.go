package main

import (
	"context"
	"net"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/logging"

	"github.com/dreamer-dead/dist-clang/internal/dispatcher"
	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// server accepts client connections on the wire protocol from
// SPEC_FULL.md §6.1 and feeds each decoded Request into the
// Dispatcher. The transport itself is the one piece spec.md §1 calls
// an external collaborator ("only their contracts are named"); this is
// the thinnest loop that actually exercises protocol.ReadFrame/WriteFrame
// and internal/dispatcher end to end.
type server struct {
	listener net.Listener
	dispatch *dispatcher.Dispatcher
}

func newServer(ln net.Listener, d *dispatcher.Dispatcher) *server {
	return &server{listener: ln, dispatch: d}
}

// serve accepts connections until ctx is done or the listener is closed.
func (s *server) serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warningf(ctx, "distclangd: accept failed: %v", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Each connection gets its own correlation id so its log lines can be
	// grepped out of a busy daemon's output.
	reqID := uuid.NewString()

	var req protocol.Request
	if err := protocol.ReadFrame(conn, &req); err != nil {
		logging.Warningf(ctx, "distclangd[%s]: read request: %v", reqID, err)
		return
	}

	dreq := dispatcher.NewRequest(req.Flags, sourceFromRequest(&req))
	out := s.dispatch.Dispatch(ctx, dreq)

	resp := protocol.Result{Stderr: out.Stderr}
	switch {
	case out.OK:
		resp.Status = protocol.StatusOK
		resp.Artifact = out.Artifact
	case errs.BuildFailed.In(out.Err):
		resp.Status = protocol.StatusBuildFailed
	default:
		resp.Status = protocol.StatusInternal
	}

	if err := protocol.WriteFrame(conn, &resp); err != nil {
		logging.Warningf(ctx, "distclangd[%s]: write response: %v", reqID, err)
	}
}

func sourceFromRequest(req *protocol.Request) *dispatcher.RequestSource {
	if req.Source == nil {
		return nil
	}
	return dispatcher.NewSource(req.Source.Bytes)
}
