// Package dispatcher implements the request state machine from
// spec.md §4.4: NEW → PARSED → FINGERPRINTED → LOOKUP → {SERVE |
// INFLIGHT → {WAIT | BUILD} → STORE → SERVE | FAIL} → DONE.
//
// The shape is grounded on the teacher's commandBase.Run/exec dispatch
// in cmdbase.go — flags parsed once, then a single linear call chain —
// kept here as a chain of per-branch methods (Dispatch, waitOnLeader,
// runLeader, build) rather than a loop over states, since this state
// machine branches (hit/miss, leader/follower, local/remote) in ways a
// single straight-line exec never needs to. Request.state records where
// a request currently is.
package dispatcher

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/dreamer-dead/dist-clang/internal/build"
	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
	"github.com/dreamer-dead/dist-clang/internal/inflight"
	"github.com/dreamer-dead/dist-clang/internal/store"
	"github.com/dreamer-dead/dist-clang/internal/worker"
)

// Metrics is the narrow set of counters the Dispatcher reports against,
// satisfied by *metrics.Sink. Kept as an interface here (rather than a
// direct dependency on internal/metrics) so dispatcher tests can supply
// a no-op, per spec.md §9 "pass an explicit Context ... no process-wide
// singletons."
type Metrics interface {
	CacheHit()
	CacheMiss()
	InflightCollapse()
	BuildCompleted(kind string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) CacheHit()                                {}
func (noopMetrics) CacheMiss()                               {}
func (noopMetrics) InflightCollapse()                        {}
func (noopMetrics) BuildCompleted(kind string, d time.Duration) {}

// Config carries the routing knobs from SPEC_FULL.md §6.4.
type Config struct {
	// LocalQueueHighWatermark is the worker queue depth above which the
	// Dispatcher prefers remote, per spec.md §4.4.
	LocalQueueHighWatermark int
}

// Dispatcher wires together Fingerprint, the Artifact Store, the
// Inflight Table, the build Runners, and the Worker Pool into the
// per-request state machine. All fields are explicit collaborators
// threaded in at construction, per spec.md §9's "explicit Context"
// guidance — no package-level singletons.
type Dispatcher struct {
	cfg     Config
	store   *store.Store
	inflt   *inflight.Table
	pool    *worker.Pool
	local   build.Runner
	remote  remoteRunner
	clk     clock.Clock
	metrics Metrics
}

// remoteRunner narrows build.Remote to the two things the routing rule
// needs, so Dispatcher can run with remote disabled (nil).
type remoteRunner interface {
	build.Runner
	Unreachable() bool
}

// New constructs a Dispatcher. remote may be nil when no remote builder
// is configured, in which case every BUILD transition goes local only.
func New(cfg Config, st *store.Store, inflt *inflight.Table, pool *worker.Pool, local build.Runner, remote remoteRunner, clk clock.Clock, m Metrics) *Dispatcher {
	if m == nil {
		m = noopMetrics{}
	}
	return &Dispatcher{
		cfg:     cfg,
		store:   st,
		inflt:   inflt,
		pool:    pool,
		local:   local,
		remote:  remote,
		clk:     clk,
		metrics: m,
	}
}

// Outcome is what the Dispatcher hands back to the transport layer once
// a Request reaches DONE.
type Outcome struct {
	OK       bool
	Artifact []byte
	Stderr   string
	Err      error
}

// Dispatch runs one Request through the full state machine and returns
// once it reaches DONE. ctx cancellation is honored at every suspension
// point (inflight wait, worker submission), per spec.md §5.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) Outcome {
	req.state = stateParsed

	if !req.Flags.EligibleForCache() {
		// Help/version/link-only/unparseable: bypass Fingerprint, Store,
		// and Inflight entirely, per spec.md §4.4 routing rules.
		return d.runDirect(ctx, req)
	}

	fp, err := d.fingerprintOf(req)
	if err != nil {
		// No preprocessable source: route direct, same as an ineligible
		// classification (spec.md §4.4: "A request with no preprocessable
		// source cannot be fingerprinted and is routed direct.")
		return d.runDirect(ctx, req)
	}
	req.state = stateFingerprinted
	req.Fingerprint = fp

	if handle, hit, err := d.store.Lookup(ctx, fp); err == nil && hit {
		req.state = stateServe
		d.metrics.CacheHit()
		payload, rerr := handle.ReadAll()
		if rerr != nil {
			// Treat a read failure on a supposed hit as a miss and fall
			// through to rebuild, per spec.md §7 StoreIO degradation.
			logging.Warningf(ctx, "dispatcher: read back hit %s failed, re-routing as miss: %v", fp, rerr)
		} else {
			return d.serve(req, payload, "")
		}
	}
	d.metrics.CacheMiss()

	req.state = stateLookup
	ticket := d.inflt.Claim(fp)
	switch ticket.Role {
	case inflight.Follower:
		return d.waitOnLeader(ctx, req, ticket)
	default:
		return d.runLeader(ctx, req, ticket)
	}
}

func (d *Dispatcher) fingerprintOf(req *Request) (fingerprint.Digest128, error) {
	if req.Source == nil {
		return fingerprint.Digest128{}, errors.Reason("no preprocessed source").Err()
	}
	compiler := fingerprint.CompilerID{PathOrHash: req.Flags.Compiler.Path, Version: req.Flags.Compiler.Version}
	return fingerprint.Sum(compiler, req.Flags.Cacheable(), req.Source.Reader())
}

// runDirect executes a request that bypasses caching entirely, straight
// on the local runner, with no Store or Inflight involvement.
func (d *Dispatcher) runDirect(ctx context.Context, req *Request) Outcome {
	out, err := d.local.Run(ctx, req.buildInput())
	if err != nil {
		return Outcome{Err: err, Stderr: out.Stderr}
	}
	return Outcome{OK: true, Artifact: out.Artifact, Stderr: out.Stderr}
}

// waitOnLeader is the Follower branch: WAIT --leader-done--> SERVE | FAIL,
// with promotion to Leader handled by re-entering runLeader, per
// spec.md §5 "the next Follower ... is promoted."
func (d *Dispatcher) waitOnLeader(ctx context.Context, req *Request, ticket *inflight.Ticket) Outcome {
	req.state = stateWait
	for {
		res, err := ticket.Wait(ctx)
		switch {
		case err == inflight.ErrPromoted:
			return d.runLeader(ctx, req, ticket)
		case err != nil:
			ticket.Detach()
			return Outcome{Err: errs.Cancelled.Apply(err)}
		case res.OK:
			d.metrics.InflightCollapse()
			return d.serve(req, res.Payload, res.Stderr)
		default:
			d.metrics.InflightCollapse()
			return Outcome{Err: res.Err, Stderr: res.Stderr}
		}
	}
}

// runLeader is the Leader branch: BUILD, with remote-then-local
// fallback (see build), then STORE → SERVE on success.
func (d *Dispatcher) runLeader(ctx context.Context, req *Request, ticket *inflight.Ticket) Outcome {
	req.state = stateBuild

	// buildCtx, not the pool's own lifetime context, is what the subprocess
	// or remote RPC actually runs under: cancelling the caller's ctx must
	// abort the build itself, per spec.md §5 "the build is aborted."
	buildCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out build.Output
	var buildErr error
	done := make(chan struct{})

	submitErr := d.pool.Submit(ctx, func(jobCtx context.Context) {
		defer close(done)
		out, buildErr = d.build(buildCtx, req)
	})
	if submitErr != nil {
		ticket.Abandon()
		return Outcome{Err: errs.Cancelled.Apply(submitErr)}
	}

	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		ticket.Abandon()
		return Outcome{Err: errs.Cancelled.Apply(ctx.Err())}
	}

	if buildErr != nil {
		ticket.Complete(inflight.Result{OK: false, Err: buildErr, Stderr: out.Stderr})
		return Outcome{Err: buildErr, Stderr: out.Stderr}
	}

	req.state = stateStore
	d.commitArtifact(ctx, req, out.Artifact)

	ticket.Complete(inflight.Result{OK: true, Payload: out.Artifact, Stderr: out.Stderr})
	return d.serve(req, out.Artifact, out.Stderr)
}

// build picks local vs. remote per spec.md §4.4's routing rule and
// applies the one-shot remote-failure fallback from spec.md §4.4
// "Failure semantics".
func (d *Dispatcher) build(ctx context.Context, req *Request) (build.Output, error) {
	start := d.clk.Now()
	if d.preferRemote() {
		out, err := d.remote.Run(ctx, req.buildInput())
		if err == nil {
			d.metrics.BuildCompleted("remote_ok", d.clk.Now().Sub(start))
			return out, nil
		}
		if errs.RemoteUnavailable.In(err) {
			d.metrics.BuildCompleted("remote_err", d.clk.Now().Sub(start))
			return d.buildLocal(ctx, req, start)
		}
		// BuildFailed on remote: not cached, not a local-fallback case.
		d.metrics.BuildCompleted("remote_err", d.clk.Now().Sub(start))
		return out, err
	}
	return d.buildLocal(ctx, req, start)
}

func (d *Dispatcher) buildLocal(ctx context.Context, req *Request, start time.Time) (build.Output, error) {
	out, err := d.local.Run(ctx, req.buildInput())
	if err != nil {
		d.metrics.BuildCompleted("local_err", d.clk.Now().Sub(start))
		return out, err
	}
	d.metrics.BuildCompleted("local_ok", d.clk.Now().Sub(start))
	return out, nil
}

// preferRemote implements spec.md §4.4: "prefers remote build when
// local queue depth is above a configured high-watermark, and prefers
// local when the remote pool is unreachable or returning errors above a
// configured rate."
func (d *Dispatcher) preferRemote() bool {
	if d.remote == nil {
		return false
	}
	if d.remote.Unreachable() {
		return false
	}
	if d.cfg.LocalQueueHighWatermark <= 0 {
		return false
	}
	return d.pool.QueueDepth() >= d.cfg.LocalQueueHighWatermark
}

// commitArtifact reserves and writes the artifact, per spec.md §7:
// "Store I/O failures during commit are logged and discarded — the
// artifact is still returned to the caller in-memory, but not
// persisted." Budget-exceeded is likewise non-fatal.
func (d *Dispatcher) commitArtifact(ctx context.Context, req *Request, payload []byte) {
	token, err := d.store.Reserve(ctx, req.Fingerprint, uint64(len(payload)))
	if err != nil {
		logging.Warningf(ctx, "dispatcher: reserve %s failed, serving uncached: %v", req.Fingerprint, err)
		return
	}
	if err := d.store.Commit(ctx, token, payload); err != nil {
		logging.Warningf(ctx, "dispatcher: commit %s failed, serving uncached: %v", req.Fingerprint, err)
	}
}

func (d *Dispatcher) serve(req *Request, payload []byte, stderr string) Outcome {
	req.state = stateServe
	_ = req // output-path materialization is the caller's concern, per
	// spec.md §4.4 "Tie-breaks": the Dispatcher hands back the
	// content-addressed payload; writing it to req.Flags.Output is the
	// transport layer's job, not the cache core's.
	return Outcome{OK: true, Artifact: payload, Stderr: stderr}
}
