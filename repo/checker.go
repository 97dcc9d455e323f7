// repo/checker.go
// BSD licensed; see LICENSE for details.

package repo

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snvd-io/blobvault/storage"
	u "github.com/snvd-io/blobvault/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidPercent = errors.New("percent must be between 0 and 100")

// Notifier receives fire-and-forget progress and completion events from
// a check run.
type Notifier interface {
	// ShowCheckNotification reports verification progress: the current
	// rate and how much of the sample is done, in permille. Calls are
	// throttled to one per 500ms.
	ShowCheckNotification(bytesPerSecond int64, permille int)

	// OnCheckComplete fires when a check run ends with every sampled blob
	// intact.
	OnCheckComplete(bytesChecked, bytesPerSecond int64)

	// OnCheckFinishedWithError fires when a check run ends with bad pairs
	// or undecodable snapshots.
	OnCheckFinishedWithError(bytesChecked, bytesPerSecond int64)
}

const notifyInterval = 500 * time.Millisecond

// BadPair is a (chunk id, blob) pair that failed verification in this
// run: either the blob's content no longer hashes to the chunk id, or it
// couldn't be read at all.
type BadPair struct {
	Chunk storage.Hash
	Blob  BlobDescriptor
}

// pairKey identifies a pair for set membership: the chunk id plus the
// blob id. Two snapshots referencing the same chunk through different
// blobs are distinct pairs, and only the broken one condemns its
// snapshots.
type pairKey struct {
	chunk storage.Hash
	blob  storage.Hash
}

///////////////////////////////////////////////////////////////////////////
// Check results

// Result is the verdict of one check run: Success, Error, or
// GeneralError.
type Result interface {
	isResult()
}

// Success: every snapshot handle decoded and every sampled blob verified.
type Success struct {
	Snapshots    []*Snapshot
	Percent      int
	BytesChecked int64
}

// Error: some sampled blobs failed verification, some snapshot handles
// didn't decode, or the repository holds no snapshots at all.
type Error struct {
	// ExistingSnapshots is the number of snapshot handles the backend
	// listed; always >= len(Snapshots).
	ExistingSnapshots int
	Snapshots         []*Snapshot
	BadPairs          []BadPair
}

// GeneralError: the check never got as far as sampling.
type GeneralError struct {
	Cause error
}

func (*Success) isResult()      {}
func (*Error) isResult()        {}
func (*GeneralError) isResult() {}

// BadSnapshots returns the snapshots that reference at least one bad
// (chunk, blob) pair. Referencing a bad pair's chunk through a different
// blob doesn't count; the partition is always derived fresh from
// BadPairs.
func (e *Error) BadSnapshots() []*Snapshot {
	return e.partition(true)
}

// GoodSnapshots returns the snapshots that reference no bad pair.
func (e *Error) GoodSnapshots() []*Snapshot {
	return e.partition(false)
}

func (e *Error) partition(wantBad bool) []*Snapshot {
	bad := make(map[pairKey]struct{}, len(e.BadPairs))
	for _, p := range e.BadPairs {
		bad[pairKey{chunk: p.Chunk, blob: p.Blob.ID}] = struct{}{}
	}

	var out []*Snapshot
	for _, s := range e.Snapshots {
		isBad := false
		for chunk, blob := range s.Blobs {
			if _, ok := bad[pairKey{chunk: chunk, blob: blob.ID}]; ok {
				isBad = true
				break
			}
		}
		if isBad == wantBad {
			out = append(out, s)
		}
	}
	return out
}

///////////////////////////////////////////////////////////////////////////
// Checker

// CheckState tracks where a check run is; results are readable only in
// the terminal states.
type CheckState int

const (
	StateIdle CheckState = iota
	StateLoading
	StateSampling
	StateVerifying
	StateDone
)

// Checker verifies a sampled fraction of the repository's blobs against
// their chunk hashes and classifies every snapshot as good or bad. One
// Checker, paired with one BlobCache, serves one repository.
type Checker struct {
	backend storage.Backend
	cache   *BlobCache
	notify  Notifier

	// rng drives the sampler's permutation; tests inject a fixed seed.
	rng *rand.Rand

	mu     sync.Mutex
	state  CheckState
	result Result
}

func NewChecker(backend storage.Backend, cache *BlobCache, notify Notifier) *Checker {
	return &Checker{
		backend: backend,
		cache:   cache,
		notify:  notify,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the sampler's randomness source.
func (c *Checker) SetRand(rng *rand.Rand) {
	c.rng = rng
}

// State returns where the current (or last) check run is.
func (c *Checker) State() CheckState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the verdict of the last completed check run, or nil if
// none has completed since the last Clear.
func (c *Checker) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Clear drops the stored result and returns the checker to Idle.
func (c *Checker) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.result = nil
}

func (c *Checker) setState(s CheckState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Checker) finish(r Result) Result {
	c.mu.Lock()
	c.state = StateDone
	c.result = r
	c.mu.Unlock()
	return r
}

// concurrency bounds the number of in-flight blob reads: stay well clear
// of saturating a network backend, but allow a wide fan-out against
// local storage.
func (c *Checker) concurrency() int {
	limit := 42
	if c.backend.RequiresNetwork() {
		limit = 3
	}
	if n := runtime.GOMAXPROCS(0); n < limit {
		limit = n
	}
	return limit
}

// Check samples roughly percent% of the stored bytes, verifies each
// sampled blob's content against its chunk hash, and classifies the
// snapshots. Hash mismatches are quarantined; read failures are recorded
// but not quarantined, since a flaky backend must not poison future runs.
// Cancelling ctx aborts the run without touching the stored result.
func (c *Checker) Check(ctx context.Context, percent int) (Result, error) {
	if percent < 0 || percent > 100 {
		return nil, ErrInvalidPercent
	}

	c.setState(StateLoading)
	handleCount, snapshots, err := loadSnapshots(ctx, c.backend)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r := c.finish(&GeneralError{Cause: err})
		c.notify.OnCheckFinishedWithError(0, 0)
		return r, nil
	}

	c.setState(StateSampling)
	sample := buildSample(snapshots, percent, c.rng)

	var sampleBytes int64
	for _, e := range sample {
		sampleBytes += e.blob.Length
	}
	log.Verbose("checking %d blobs, %d bytes (%d%% of stored data)",
		len(sample), sampleBytes, percent)

	c.setState(StateVerifying)
	start := time.Now()
	bytesChecked, badPairs, err := c.verify(ctx, sample, sampleBytes)
	if err != nil {
		// Cancelled; leave no result behind.
		return nil, err
	}

	elapsed := time.Since(start)
	rate := int64(0)
	if elapsed > 0 {
		rate = int64(float64(bytesChecked) / elapsed.Seconds())
	}

	if len(badPairs) == 0 && handleCount == len(snapshots) && handleCount > 0 {
		r := c.finish(&Success{
			Snapshots:    snapshots,
			Percent:      percent,
			BytesChecked: bytesChecked,
		})
		c.notify.OnCheckComplete(bytesChecked, rate)
		return r, nil
	}

	r := c.finish(&Error{
		ExistingSnapshots: handleCount,
		Snapshots:         snapshots,
		BadPairs:          badPairs,
	})
	c.notify.OnCheckFinishedWithError(bytesChecked, rate)
	return r, nil
}

// verify fetches and hashes every sampled blob under the concurrency
// bound, returning the bytes verified and the pairs that failed.
func (c *Checker) verify(ctx context.Context, sample []sampleEntry,
	sampleBytes int64) (int64, []BadPair, error) {

	sem := semaphore.NewWeighted(int64(c.concurrency()))
	g, ctx := errgroup.WithContext(ctx)

	var bytesChecked atomic.Int64
	reporter := u.NewProgressReporter(notifyInterval, c.notify.ShowCheckNotification)

	var mu sync.Mutex
	bad := make(map[pairKey]BadPair)

	for _, e := range sample {
		e := e
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			switch err := c.verifyBlob(ctx, e); {
			case err == nil:
				done := bytesChecked.Add(e.blob.Length)
				reporter.Report(done, sampleBytes)

			case errors.Is(err, storage.ErrHashMismatch):
				log.Error("chunk %s: blob %s failed verification", e.chunk, e.blob.ID)
				mu.Lock()
				bad[pairKey{chunk: e.chunk, blob: e.blob.ID}] = BadPair{e.chunk, e.blob}
				// The content is provably wrong; never trust this blob
				// again.
				c.cache.DoNotUseBlob(e.blob.ID)
				mu.Unlock()

			default:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error("chunk %s: blob %s unreadable: %s", e.chunk, e.blob.ID, err)
				// Could be a transient backend failure; record but don't
				// quarantine.
				mu.Lock()
				bad[pairKey{chunk: e.chunk, blob: e.blob.ID}] = BadPair{e.chunk, e.blob}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	pairs := make([]BadPair, 0, len(bad))
	for _, p := range bad {
		pairs = append(pairs, p)
	}
	return bytesChecked.Load(), pairs, nil
}

// verifyBlob streams one blob through the content hash and compares the
// result to the chunk id. Returns storage.ErrHashMismatch when the
// content is wrong and the underlying error when the read fails.
func (c *Checker) verifyBlob(ctx context.Context, e sampleEntry) error {
	r, err := c.backend.Load(ctx, storage.KindBlob, e.blob.ID)
	if err != nil {
		return err
	}

	shake := storage.NewShake()
	if _, err := io.Copy(shake, r); err != nil {
		r.Close()
		return err
	}
	if err := r.Close(); err != nil {
		return err
	}

	var sum [storage.HashSize]byte
	if _, err := io.ReadFull(shake, sum[:]); err != nil {
		return err
	}

	if storage.Hash(sum).String() != e.chunk.String() {
		return storage.ErrHashMismatch
	}
	return nil
}
