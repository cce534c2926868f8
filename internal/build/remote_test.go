package build

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.chromium.org/luci/common/clock/testclock"

	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// pipeDialer hands out one side of an in-memory net.Pipe per dial; the
// test drives the other side directly, standing in for a remote
// builder without a real listening socket.
type pipeDialer struct {
	serve func(net.Conn)
}

func (d pipeDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.serve(server)
	return client, nil
}

type failDialer struct{}

func (failDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, context.DeadlineExceeded
}

func TestRemoteRunSuccess(t *testing.T) {
	_, clk := testclock.UseTime(context.Background(), testclock.TestRecentTimeLocal)
	r := NewRemote("builder:1234", time.Second, 0.5, time.Minute, clk)
	r.Dialer = pipeDialer{serve: func(conn net.Conn) {
		defer conn.Close()
		var req protocol.Request
		require.NoError(t, protocol.ReadFrame(conn, &req))
		require.NoError(t, protocol.WriteFrame(conn, &protocol.Result{
			Status:   protocol.StatusOK,
			Artifact: []byte("remote-obj"),
		}))
	}}

	out, err := r.Run(context.Background(), Input{
		Flags:  protocol.Flags{Input: "a.cc", Action: protocol.ActionCompile},
		Source: []byte("src"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("remote-obj"), out.Artifact)
}

func TestRemoteRunBuildFailedDoesNotTripBreaker(t *testing.T) {
	_, clk := testclock.UseTime(context.Background(), testclock.TestRecentTimeLocal)
	r := NewRemote("builder:1234", time.Second, 0.1, time.Minute, clk)
	r.Dialer = pipeDialer{serve: func(conn net.Conn) {
		defer conn.Close()
		var req protocol.Request
		require.NoError(t, protocol.ReadFrame(conn, &req))
		require.NoError(t, protocol.WriteFrame(conn, &protocol.Result{
			Status: protocol.StatusBuildFailed,
			Stderr: "compile error",
		}))
	}}

	for i := 0; i < 10; i++ {
		_, err := r.Run(context.Background(), Input{
			Flags:  protocol.Flags{Input: "a.cc", Action: protocol.ActionCompile},
			Source: []byte("src"),
		})
		require.Error(t, err)
		require.True(t, errs.BuildFailed.In(err))
	}
	require.False(t, r.Unreachable(), "remote-healthy BUILD_FAILED responses must not trip the breaker")
}

func TestRemoteRunTripsBreakerOnRepeatedTransportFailure(t *testing.T) {
	_, clk := testclock.UseTime(context.Background(), testclock.TestRecentTimeLocal)
	r := NewRemote("builder:1234", time.Second, 0.5, time.Minute, clk)
	r.Dialer = failDialer{}

	var lastErr error
	for i := 0; i < 15; i++ {
		_, lastErr = r.Run(context.Background(), Input{
			Flags:  protocol.Flags{Input: "a.cc", Action: protocol.ActionCompile},
			Source: []byte("src"),
		})
		require.True(t, errs.RemoteUnavailable.In(lastErr))
	}
	require.True(t, r.Unreachable())
}
