// Package store implements the Artifact Store and Eviction Index from
// spec.md §3/§4.2: an on-disk, content-addressed, LRU-trimmed cache of
// compilation artifacts with a bounded byte budget.
//
// Directory layout (spec.md §6):
//
//	<root>/
//	  objects/<first-2-hex>/<remaining-hex>   artifact files
//	  lock                                    store-wide advisory lock
//
// Grounded on the teacher's infra/cmd/gaedeploy/cache package: the
// temp-file-then-rename commit path and the directory-scan startup
// rebuild are adapted directly from cache.go; the advisory lock is the
// same fslock.L usage as cache/lock.go, but store-wide rather than
// per-entry (spec.md §5 gives the whole store directory to one process).
package store

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/dreamer-dead/dist-clang/internal/errs"
	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
)

// Metrics is the narrow set of counters the Store reports against,
// satisfied by *metrics.Sink. Kept as an interface here, the same
// dependency-inversion shape internal/dispatcher uses for its own
// Metrics, so internal/store never imports internal/metrics directly.
type Metrics interface {
	Eviction()
	SetStoreOccupancy(bytes uint64)
}

type noopMetrics struct{}

func (noopMetrics) Eviction()                      {}
func (noopMetrics) SetStoreOccupancy(bytes uint64) {}

// Store is the on-disk, content-addressed Artifact Store plus its
// in-memory Eviction Index.
type Store struct {
	root    string
	budget  uint64
	idx     *evictionIndex
	clk     clock.Clock
	metrics Metrics

	reserveMu sync.Mutex
	reserved  uint64 // bytes claimed by reservations not yet committed or discarded

	unlock func() error
}

// ReadHandle is a read-only reference to a committed artifact. Obtained
// from Lookup; touches the Eviction Index at creation time.
type ReadHandle struct {
	fp   fingerprint.Digest128
	path string
}

// Fingerprint returns the digest this handle refers to.
func (h *ReadHandle) Fingerprint() fingerprint.Digest128 { return h.fp }

// ReadAll reads the full artifact payload.
func (h *ReadHandle) ReadAll() ([]byte, error) {
	b, err := ioutil.ReadFile(h.path)
	if err != nil {
		return nil, errs.StoreIO.Apply(errors.Annotate(err, "read artifact %s", h.fp).Err())
	}
	return b, nil
}

// ReservationToken is a pre-commit claim on store capacity, returned by
// Reserve and consumed by exactly one of Commit or Discard.
type ReservationToken struct {
	fp   fingerprint.Digest128
	size uint64
	done bool
}

// Open opens (or initializes) the store rooted at root, grabbing the
// store-wide advisory lock and rebuilding the Eviction Index from a
// directory scan, per spec.md §4.2 "Persistence." clk lets tests and
// the daemon share one clock.Clock (testclock in tests, the system
// clock in production) the way the teacher's cache_test.go does with
// testclock.UseTime. m may be nil, in which case eviction/occupancy
// reporting is a no-op (used by the one-shot cache-stats/cache-trim
// subcommands, which have no metrics sink to report against).
func Open(ctx context.Context, root string, budgetBytes uint64, clk clock.Clock, m Metrics) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, objectsDirName), 0700); err != nil {
		return nil, errs.StoreUnavailable.Apply(errors.Annotate(err, "create store root %s", root).Err())
	}

	unlock, err := lockFS(ctx, lockPath(root), 15*time.Second)
	if err != nil {
		return nil, errs.StoreUnavailable.Apply(errors.Annotate(err, "grab store lock").Err())
	}

	if m == nil {
		m = noopMetrics{}
	}
	s := &Store{
		root:    root,
		budget:  budgetBytes,
		idx:     newEvictionIndex(),
		clk:     clk,
		metrics: m,
		unlock:  unlock,
	}
	if err := s.rebuild(ctx); err != nil {
		_ = unlock()
		return nil, err
	}
	s.metrics.SetStoreOccupancy(s.idx.occupancyBytes())
	return s, nil
}

// Close releases the store-wide advisory lock.
func (s *Store) Close() error {
	if s.unlock == nil {
		return nil
	}
	return s.unlock()
}

// rebuild scans the objects directory and repopulates the Eviction
// Index from what is actually on disk, per spec.md §4.2. Entries whose
// shard/name don't look like a fingerprint are deleted, matching the
// teacher's Trim, which skips and logs anything that doesn't parse as a
// cache entry. Last-access is approximated from the file's mtime.
func (s *Store) rebuild(ctx context.Context) error {
	objectsRoot := filepath.Join(s.root, objectsDirName)
	shards, err := ioutil.ReadDir(objectsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.StoreUnavailable.Apply(errors.Annotate(err, "scan store root").Err())
	}

	var found []entryMeta
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != shardHexLen {
			logging.Warningf(ctx, "store: ignoring unexpected entry %q in objects/", shard.Name())
			continue
		}
		shardPath := filepath.Join(objectsRoot, shard.Name())
		files, err := ioutil.ReadDir(shardPath)
		if err != nil {
			logging.Warningf(ctx, "store: failed to scan shard %q: %s", shard.Name(), err)
			continue
		}
		for _, f := range files {
			if f.IsDir() || len(f.Name()) != restHexLen || strings.HasPrefix(f.Name(), "tmp_") {
				logging.Warningf(ctx, "store: deleting malformed entry %q", filepath.Join(shard.Name(), f.Name()))
				_ = os.Remove(filepath.Join(shardPath, f.Name()))
				continue
			}
			fp, err := parseFingerprint(shard.Name(), f.Name())
			if err != nil {
				logging.Warningf(ctx, "store: deleting unparsable entry %q: %s", filepath.Join(shard.Name(), f.Name()), err)
				_ = os.Remove(filepath.Join(shardPath, f.Name()))
				continue
			}
			found = append(found, entryMeta{fp: fp, size: uint64(f.Size()), lastAccess: f.ModTime()})
		}
	}
	// Insert oldest first, so the index's recency order follows mtime.
	sort.SliceStable(found, func(i, j int) bool { return found[i].lastAccess.Before(found[j].lastAccess) })
	for _, m := range found {
		s.idx.insert(m.fp, m.size, m.lastAccess)
	}
	return nil
}

// Lookup returns a read handle for fp if the store has it, touching its
// Eviction Index entry. Returns (nil, false, nil) on a clean miss. A
// Store Entry whose size no longer matches the index (spec.md §3
// "invalid unless its size matches the Eviction Index record") is
// treated as corruption: the entry is deleted and the caller sees a
// miss so the Dispatcher re-runs the build, per spec.md §7.
func (s *Store) Lookup(ctx context.Context, fp fingerprint.Digest128) (*ReadHandle, bool, error) {
	meta, ok := s.idx.get(fp)
	if !ok {
		return nil, false, nil
	}

	path := objectPath(s.root, fp)
	info, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		// One retry before a stat failure is degraded to a miss.
		info, err = os.Stat(path)
	}
	switch {
	case os.IsNotExist(err):
		s.idx.remove(fp)
		return nil, false, nil
	case err != nil:
		// Treat as StoreIO and degrade to a miss rather than propagate,
		// per spec.md §7: "The Store never promotes an I/O error past
		// itself — it degrades to 'miss' after one retry."
		logging.Warningf(ctx, "store: stat failed for %s, treating as miss: %s", fp, err)
		return nil, false, nil
	case uint64(info.Size()) != meta.size:
		logging.Warningf(ctx, "store: size mismatch for %s (index=%d disk=%d), evicting corrupt entry", fp, meta.size, info.Size())
		s.idx.remove(fp)
		_ = os.Remove(path)
		return nil, false, nil
	}

	s.idx.touch(fp, s.clk.Now())
	return &ReadHandle{fp: fp, path: path}, true, nil
}

// Reserve declares intent to insert size bytes for fp, evicting
// least-recently-used entries until the reservation fits. A size larger
// than the budget fails outright without evicting anything, per
// spec.md §8's boundary behavior. A size within the budget fails only
// when, after the index has been emptied, outstanding reservations still
// leave no room; the entries evicted on the way stay evicted.
func (s *Store) Reserve(ctx context.Context, fp fingerprint.Digest128, size uint64) (*ReservationToken, error) {
	if size > s.budget {
		return nil, errs.StoreBudgetExceeded.Apply(
			errors.Reason("artifact of %d bytes exceeds store budget of %d bytes", size, s.budget).Err())
	}

	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	evicted := false
	for s.idx.occupancyBytes()+s.reserved+size > s.budget {
		victim, ok := s.idx.popLeastRecent()
		if !ok {
			return nil, errs.StoreBudgetExceeded.Apply(
				errors.Reason("cannot make room for %d bytes (fp=%s) in an empty index", size, fp).Err())
		}
		if err := os.Remove(objectPath(s.root, victim.fp)); err != nil && !os.IsNotExist(err) {
			logging.Warningf(ctx, "store: failed to delete evicted entry %s: %s", victim.fp, err)
		}
		logging.Infof(ctx, "store: evicted %s (%d bytes, last used %s) to make room for %s",
			victim.fp, victim.size, victim.lastAccess, fp)
		s.metrics.Eviction()
		evicted = true
	}
	if evicted {
		s.metrics.SetStoreOccupancy(s.idx.occupancyBytes())
	}

	s.reserved += size
	return &ReservationToken{fp: fp, size: size}, nil
}

// Commit atomically materializes payload at fp's content-addressed
// path: write to a temp name under the shard directory, then rename,
// exactly as the teacher's cache.go stages a tarball before renaming it
// into place. On success the Eviction Index gains an entry. On I/O
// failure the reservation is released, the index is left untouched, and
// the error is returned tagged StoreIO so the Dispatcher can still hand
// the in-memory payload back to the caller without persisting it, per
// spec.md §4.4's failure semantics.
func (s *Store) Commit(ctx context.Context, token *ReservationToken, payload []byte) error {
	if token.done {
		return errors.Reason("store: reservation for %s already consumed", token.fp).Err()
	}
	token.done = true
	defer s.releaseReservation(token.size)

	dir := shardDir(s.root, token.fp)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errs.StoreIO.Apply(errors.Annotate(err, "create shard dir for %s", token.fp).Err())
	}

	tmp, err := ioutil.TempFile(dir, "tmp_*")
	if err != nil {
		return errs.StoreIO.Apply(errors.Annotate(err, "create temp file for %s", token.fp).Err())
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(payload)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if writeErr == nil {
			writeErr = closeErr
		}
		return errs.StoreIO.Apply(errors.Annotate(writeErr, "write artifact %s", token.fp).Err())
	}

	finalPath := objectPath(s.root, token.fp)
	if err := os.Rename(tmpName, finalPath); err != nil {
		_ = os.Remove(tmpName)
		return errs.StoreIO.Apply(errors.Annotate(err, "publish artifact %s", token.fp).Err())
	}

	s.idx.insert(token.fp, uint64(len(payload)), s.clk.Now())
	s.metrics.SetStoreOccupancy(s.idx.occupancyBytes())
	return nil
}

// Discard releases a reservation without publishing anything.
func (s *Store) Discard(token *ReservationToken) {
	if token.done {
		return
	}
	token.done = true
	s.releaseReservation(token.size)
}

func (s *Store) releaseReservation(size uint64) {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	s.reserved -= size
}

// Delete explicitly removes fp's entry, used for tests and poisoned
// entries (spec.md §4.2).
func (s *Store) Delete(fp fingerprint.Digest128) error {
	s.idx.remove(fp)
	s.metrics.SetStoreOccupancy(s.idx.occupancyBytes())
	if err := os.Remove(objectPath(s.root, fp)); err != nil && !os.IsNotExist(err) {
		return errs.StoreIO.Apply(errors.Annotate(err, "delete %s", fp).Err())
	}
	return nil
}

// OccupancyBytes returns the current total size of committed entries.
func (s *Store) OccupancyBytes() uint64 { return s.idx.occupancyBytes() }

// Budget returns the configured maximum store size in bytes.
func (s *Store) Budget() uint64 { return s.budget }

// Len returns the number of committed entries.
func (s *Store) Len() int { return s.idx.len() }

// Stats is a point-in-time snapshot used by the cache-stats subcommand.
type Stats struct {
	Entries       int
	OccupancyBytes uint64
	BudgetBytes    uint64
	OldestAccess   time.Time
	NewestAccess   time.Time
}

// Stats summarizes the store's current occupancy and entry ages.
func (s *Store) Stats() Stats {
	entries := s.idx.snapshot()
	st := Stats{
		Entries:        len(entries),
		OccupancyBytes: s.idx.occupancyBytes(),
		BudgetBytes:    s.budget,
	}
	for i, e := range entries {
		if i == 0 || e.lastAccess.Before(st.OldestAccess) {
			st.OldestAccess = e.lastAccess
		}
		if i == 0 || e.lastAccess.After(st.NewestAccess) {
			st.NewestAccess = e.lastAccess
		}
	}
	return st
}

// Trim keeps only the keep most-recently-touched entries, deleting the
// rest. Adapted from the teacher's cache.Trim, generalized from
// "unpacked tarballs" to "cached compilation artifacts" and driven by
// the Eviction Index instead of re-reading metadata files from disk.
func (s *Store) Trim(ctx context.Context, keep int) (trimmed int, err error) {
	entries := s.idx.snapshot() // most-recently-used first
	if len(entries) <= keep {
		logging.Infof(ctx, "store: nothing to trim (%d entries, keep %d)", len(entries), keep)
		return 0, nil
	}
	var firstErr error
	for _, e := range entries[keep:] {
		if _, ok := s.idx.remove(e.fp); !ok {
			continue
		}
		if rmErr := os.Remove(objectPath(s.root, e.fp)); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Errorf(ctx, "store: failed to trim %s: %s", e.fp, rmErr)
			if firstErr == nil {
				firstErr = rmErr
			}
			continue
		}
		trimmed++
	}
	if trimmed > 0 {
		s.metrics.SetStoreOccupancy(s.idx.occupancyBytes())
	}
	if firstErr != nil {
		return trimmed, errs.StoreIO.Apply(errors.Annotate(firstErr, "trim encountered errors, see logs").Err())
	}
	return trimmed, nil
}
