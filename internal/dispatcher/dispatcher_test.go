package dispatcher

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.chromium.org/luci/common/clock/testclock"

	"github.com/dreamer-dead/dist-clang/internal/build"
	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/inflight"
	"github.com/dreamer-dead/dist-clang/internal/protocol"
	"github.com/dreamer-dead/dist-clang/internal/store"
	"github.com/dreamer-dead/dist-clang/internal/worker"
)

// fakeRunner is a build.Runner driven entirely by test expectations:
// it counts invocations and returns a canned Output/error, optionally
// blocking until release is closed so tests can observe mid-build
// state (used for the concurrent-duplicate scenario).
type fakeRunner struct {
	calls    int32
	out      build.Output
	err      error
	release  chan struct{}
	blocking bool
}

func (f *fakeRunner) Run(ctx context.Context, in build.Input) (build.Output, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blocking {
		select {
		case <-f.release:
		case <-ctx.Done():
			return build.Output{}, ctx.Err()
		}
	}
	return f.out, f.err
}

func (f *fakeRunner) invocations() int { return int(atomic.LoadInt32(&f.calls)) }

func newTestDispatcher(t *testing.T, local build.Runner) (*Dispatcher, *store.Store, func()) {
	t.Helper()
	tmp, err := ioutil.TempDir("", "dist_clang_dispatcher_test")
	require.NoError(t, err)

	_, clk := testclock.UseTime(context.Background(), testclock.TestRecentTimeLocal)
	st, err := store.Open(context.Background(), filepath.Join(tmp, "cache"), 1<<20, clk, nil)
	require.NoError(t, err)

	pool := worker.New(context.Background(), 4)
	d := New(Config{}, st, inflight.New(), pool, local, nil, clk, nil)

	cleanup := func() {
		pool.Shutdown()
		st.Close()
		os.RemoveAll(tmp)
	}
	return d, st, cleanup
}

func compileFlags(input string) protocol.Flags {
	return protocol.Flags{
		Compiler: protocol.Compiler{Path: "clang", Version: "3.4"},
		Input:    input,
		Output:   "a.o",
		Other:    []string{"-cc1", "-emit-obj"},
		Action:   protocol.ActionCompile,
	}
}

func TestDispatchCacheHitSkipsSecondBuild(t *testing.T) {
	runner := &fakeRunner{out: build.Output{Artifact: []byte("obj-bytes")}}
	d, _, cleanup := newTestDispatcher(t, runner)
	defer cleanup()

	source := NewSource([]byte("int main(){return 0;}\n"))
	out1 := d.Dispatch(context.Background(), NewRequest(compileFlags("a.cc"), source))
	require.True(t, out1.OK)
	require.Equal(t, []byte("obj-bytes"), out1.Artifact)

	// A second, otherwise-identical request with a different output path
	// must be a cache hit per spec.md's scenario 1.
	flags2 := compileFlags("a.cc")
	flags2.Output = "b.o"
	out2 := d.Dispatch(context.Background(), NewRequest(flags2, source))
	require.True(t, out2.OK)
	require.Equal(t, []byte("obj-bytes"), out2.Artifact)

	require.Equal(t, 1, runner.invocations())
}

func TestDispatchFlagNormalizationIsCacheEquivalent(t *testing.T) {
	runner := &fakeRunner{out: build.Output{Artifact: []byte("obj")}}
	d, _, cleanup := newTestDispatcher(t, runner)
	defer cleanup()

	source := NewSource([]byte("src"))
	flagsA := compileFlags("a.cc")
	flagsA.NonCached = []string{"-coverage-file", "/tmp/a.o"}
	flagsB := compileFlags("a.cc")
	flagsB.NonCached = []string{"-coverage-file", "/tmp/b.o"}

	out1 := d.Dispatch(context.Background(), NewRequest(flagsA, source))
	require.True(t, out1.OK)
	out2 := d.Dispatch(context.Background(), NewRequest(flagsB, source))
	require.True(t, out2.OK)

	require.Equal(t, 1, runner.invocations())
}

func TestDispatchConcurrentDuplicatesCollapseToOneBuild(t *testing.T) {
	runner := &fakeRunner{
		out:      build.Output{Artifact: []byte("shared-obj")},
		release:  make(chan struct{}),
		blocking: true,
	}
	d, _, cleanup := newTestDispatcher(t, runner)
	defer cleanup()

	source := NewSource([]byte("int main(){return 0;}\n"))
	const n = 10
	results := make([]Outcome, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = d.Dispatch(context.Background(), NewRequest(compileFlags("a.cc"), source))
		}()
	}

	// Give every goroutine a chance to claim (leader or follower) before
	// unblocking the single in-flight build.
	time.Sleep(50 * time.Millisecond)
	close(runner.release)
	wg.Wait()

	for _, r := range results {
		require.True(t, r.OK)
		require.Equal(t, []byte("shared-obj"), r.Artifact)
	}
	require.Equal(t, 1, runner.invocations())
}

func TestDispatchLocalFailureIsNotCached(t *testing.T) {
	runnerFail := &fakeRunner{out: build.Output{Stderr: "boom"}, err: errBuild()}
	d, st, cleanup := newTestDispatcher(t, runnerFail)
	defer cleanup()

	source := NewSource([]byte("broken"))
	out := d.Dispatch(context.Background(), NewRequest(compileFlags("a.cc"), source))
	require.False(t, out.OK)
	require.True(t, errs.BuildFailed.In(out.Err))
	require.Equal(t, 0, st.Len())
}

func errBuild() error {
	return errs.BuildFailed.Apply(wrapErr("compiler exited 1"))
}

type wrapErr string

func (e wrapErr) Error() string { return string(e) }

func TestDispatchRemoteFallbackThenCacheHit(t *testing.T) {
	local := &fakeRunner{out: build.Output{Artifact: []byte("local-obj")}}
	remote := &failingRemote{err: errs.RemoteUnavailable.Apply(wrapErr("dial refused"))}
	d, _, cleanup := newTestDispatcher(t, local)
	defer cleanup()
	d.remote = remote
	d.cfg.LocalQueueHighWatermark = 1

	// Occupy one worker slot so the queue depth crosses the configured
	// high-watermark, forcing the routing rule to prefer remote for the
	// next Dispatch call, per spec.md §4.4.
	occupyRelease := make(chan struct{})
	occupyStarted := make(chan struct{})
	require.NoError(t, d.pool.Submit(context.Background(), func(ctx context.Context) {
		close(occupyStarted)
		<-occupyRelease
	}))
	<-occupyStarted

	source := NewSource([]byte("int main(){return 0;}\n"))
	out := d.Dispatch(context.Background(), NewRequest(compileFlags("a.cc"), source))
	require.True(t, out.OK)
	require.Equal(t, []byte("local-obj"), out.Artifact)
	require.Equal(t, 1, local.invocations())
	require.Equal(t, 1, remote.calls)
	close(occupyRelease)

	out2 := d.Dispatch(context.Background(), NewRequest(compileFlags("a.cc"), source))
	require.True(t, out2.OK)
	require.Equal(t, []byte("local-obj"), out2.Artifact)
	require.Equal(t, 1, local.invocations(), "second identical request must be a cache hit, not a rebuild")
}

type failingRemote struct {
	err   error
	calls int
}

func (r *failingRemote) Run(ctx context.Context, in build.Input) (build.Output, error) {
	r.calls++
	return build.Output{}, r.err
}

func (r *failingRemote) Unreachable() bool { return false }
