package build

import (
	"context"
	"net"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
)

// Dialer opens a connection to the remote builder. Narrowed to the one
// method Remote needs, the same interface-narrowing idiom
// infra/chromium/bootstrapper/cas/cas.go uses for its CasClient; tests
// substitute an in-memory pipe instead of a real TCP dial.
type Dialer interface {
	Dial(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Remote forwards a compilation to a remote builder over the
// length-prefixed wire protocol in internal/protocol, per spec.md §6.
// It tracks the remote failure rate and, once it crosses
// remote_error_threshold, treats remote as unreachable for a cooldown
// period (SPEC_FULL.md §10 "Remote error-rate breaker").
type Remote struct {
	Endpoint string
	Deadline time.Duration
	Dialer   Dialer

	breaker *errorRateBreaker
}

var _ Runner = (*Remote)(nil)

// NewRemote constructs a Remote builder client. threshold is the
// trailing-window failure rate (0..1) above which the breaker trips;
// cooldown is how long it stays tripped before re-probing.
func NewRemote(endpoint string, deadline time.Duration, threshold float64, cooldown time.Duration, clk clock.Clock) *Remote {
	return &Remote{
		Endpoint: endpoint,
		Deadline: deadline,
		Dialer:   netDialer{},
		breaker:  newErrorRateBreaker(threshold, cooldown, clk),
	}
}

// Unreachable reports whether the breaker is currently tripped, i.e.
// the Dispatcher should prefer local without even attempting remote.
func (r *Remote) Unreachable() bool {
	return r.breaker.Tripped()
}

func (r *Remote) Run(ctx context.Context, in Input) (Output, error) {
	if r.breaker.Tripped() {
		return Output{}, errs.RemoteUnavailable.Apply(
			errors.Reason("remote builder %s tripped the error-rate breaker", r.Endpoint).Err())
	}

	ctx, cancel := context.WithTimeout(ctx, r.Deadline)
	defer cancel()

	conn, err := r.Dialer.Dial(ctx, "tcp", r.Endpoint)
	if err != nil {
		r.breaker.Record(false)
		return Output{}, errs.RemoteUnavailable.Apply(errors.Annotate(err, "dial remote builder %s", r.Endpoint).Err())
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := protocol.Request{Flags: in.Flags, Source: protocol.NewSource(in.Source)}
	if err := protocol.WriteFrame(conn, &req); err != nil {
		r.breaker.Record(false)
		return Output{}, errs.RemoteUnavailable.Apply(errors.Annotate(err, "send request to %s", r.Endpoint).Err())
	}

	var resp protocol.Result
	if err := protocol.ReadFrame(conn, &resp); err != nil {
		r.breaker.Record(false)
		return Output{}, errs.RemoteUnavailable.Apply(errors.Annotate(err, "read response from %s", r.Endpoint).Err())
	}

	switch resp.Status {
	case protocol.StatusOK:
		r.breaker.Record(true)
		return Output{Artifact: resp.Artifact, Stderr: resp.Stderr}, nil
	case protocol.StatusBuildFailed:
		// The remote builder is healthy; the compilation itself failed.
		// That is not a transport problem, so it does not count against
		// the breaker.
		r.breaker.Record(true)
		return Output{Stderr: resp.Stderr}, errs.BuildFailed.Apply(
			errors.Reason("remote compile of %s failed", in.Flags.Input).Err())
	default:
		r.breaker.Record(false)
		return Output{}, errs.RemoteUnavailable.Apply(
			errors.Reason("remote builder %s returned internal status", r.Endpoint).Err())
	}
}
