// Package store holds the authoritative in-memory snapshot: projects,
// markings and identities, each a keyed collection guarded by its own
// RWMutex. Mutations bump an alteration counter; Persist writes one JSON
// object per collection through a storage.Backend and subtracts only the
// alterations it covered, so writes made during a save are not lost.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/codec"
	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrNoSnapshot is returned by Restore when the backend holds none of the
// collection objects.
var ErrNoSnapshot = errors.New("store: no snapshot")

// Reasons reported by a skipped persist.
const (
	SkipClean      = "clean"
	SkipInProgress = "in_progress"
)

// Config wires a Store.
type Config struct {
	Backend storage.Backend
	Logger  pslog.Logger
	Clock   clock.Clock
}

// PersistResult describes one Persist call.
type PersistResult struct {
	Skipped     bool
	Reason      string
	Alterations int64
	Bytes       int64
	Elapsed     time.Duration
}

// Store is the process-wide snapshot.
type Store struct {
	backend storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
	metrics *storeMetrics

	projects   *Collection[api.Project]
	markings   *Collection[api.MarkingData]
	identities *Collection[api.Identity]

	alterations  atomic.Int64
	lastDuration atomic.Int64

	// persistMu serialises Persist and Restore. It is never held by
	// collection reads or writes.
	persistMu sync.Mutex
}

// New builds an empty Store.
func New(cfg Config) *Store {
	logger := svcfields.WithSubsystem(cfg.Logger, "store")
	s := &Store{
		backend: cfg.Backend,
		logger:  logger,
		clock:   clock.OrReal(cfg.Clock),
		metrics: newStoreMetrics(logger),
	}
	count := func() { s.alterations.Add(1) }
	s.projects = newCollection[api.Project](codec.ProjectsObject, count)
	s.markings = newCollection[api.MarkingData](codec.MarkingsObject, count)
	s.identities = newCollection[api.Identity](codec.IdentitiesObject, count)
	return s
}

// Projects returns the project collection, keyed by project id.
func (s *Store) Projects() *Collection[api.Project] { return s.projects }

// Markings returns the marking collection, keyed by projectId|mediaId.
func (s *Store) Markings() *Collection[api.MarkingData] { return s.markings }

// Identities returns the identity collection, keyed by username.
func (s *Store) Identities() *Collection[api.Identity] { return s.identities }

// Alterations returns the number of mutations since the last persist.
func (s *Store) Alterations() int64 { return s.alterations.Load() }

// LastPersistDuration returns how long the most recent successful persist
// took.
func (s *Store) LastPersistDuration() time.Duration {
	return time.Duration(s.lastDuration.Load())
}

// Reset clears every collection. It counts as one alteration so the next
// persist overwrites the stored snapshot.
func (s *Store) Reset() {
	s.projects.clear()
	s.markings.clear()
	s.identities.clear()
	s.alterations.Add(1)
	s.logger.Info("store.reset")
}

// Persist writes the snapshot. A call made while another persist or a
// restore runs returns Skipped without I/O, as does a call with nothing to
// save. On failure the alteration counter is left untouched.
func (s *Store) Persist(ctx context.Context) (PersistResult, error) {
	if !s.persistMu.TryLock() {
		s.metrics.recordSkip(ctx, SkipInProgress)
		return PersistResult{Skipped: true, Reason: SkipInProgress}, nil
	}
	defer s.persistMu.Unlock()

	covered := s.alterations.Load()
	if covered == 0 {
		return PersistResult{Skipped: true, Reason: SkipClean}, nil
	}
	logger := svcfields.WithSubsystem(s.logger, "store.persist")
	ctx = pslog.ContextWithLogger(ctx, logger)
	ctx, span := tracer.Start(ctx, "markd.store.persist",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int64("markd.alterations", covered)),
	)
	defer span.End()
	start := s.clock.Now()

	var total int64
	for _, write := range []func() (int64, error){
		func() (int64, error) { return writeCollection(ctx, s.backend, s.projects) },
		func() (int64, error) { return writeCollection(ctx, s.backend, s.markings) },
		func() (int64, error) { return writeCollection(ctx, s.backend, s.identities) },
	} {
		n, err := write()
		if err != nil {
			s.metrics.recordPersist(ctx, clock.Since(s.clock, start), 0, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			return PersistResult{}, err
		}
		total += n
	}

	elapsed := clock.Since(s.clock, start)
	s.alterations.Add(-covered)
	s.lastDuration.Store(int64(elapsed))
	s.metrics.recordPersist(ctx, elapsed, total, nil)
	span.SetAttributes(attribute.Int64("markd.bytes", total))
	logger.Info("store.persist.complete",
		"alterations", covered,
		"elapsed_ms", elapsed.Milliseconds(),
		"bytes", total,
		"size", humanize.IBytes(uint64(total)),
		"kb_per_sec", kbPerSecond(total, elapsed),
	)
	return PersistResult{Alterations: covered, Bytes: total, Elapsed: elapsed}, nil
}

// Restore replaces the in-memory snapshot with the persisted one. It waits
// for an in-flight persist to finish. Objects missing from the backend leave
// their collection empty; when all are missing ErrNoSnapshot is returned and
// memory is left untouched.
func (s *Store) Restore(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	logger := svcfields.WithSubsystem(s.logger, "store.restore")
	ctx = pslog.ContextWithLogger(ctx, logger)
	start := s.clock.Now()

	projects, pBytes, pFound, err := readCollection(ctx, s.backend, s.projects.Object(), func(p *api.Project) { p.Normalize() })
	if err != nil {
		return err
	}
	markings, mBytes, mFound, err := readCollection(ctx, s.backend, s.markings.Object(), func(m *api.MarkingData) { m.Normalize() })
	if err != nil {
		return err
	}
	identities, iBytes, iFound, err := readCollection[api.Identity](ctx, s.backend, s.identities.Object(), nil)
	if err != nil {
		return err
	}
	if !pFound && !mFound && !iFound {
		return ErrNoSnapshot
	}
	// Reset before swapping so a Set racing the swap is still counted.
	s.alterations.Store(0)
	s.projects.replace(projects)
	s.markings.replace(markings)
	s.identities.replace(identities)

	elapsed := clock.Since(s.clock, start)
	total := pBytes + mBytes + iBytes
	logger.Info("store.restore.complete",
		"projects", len(projects),
		"markings", len(markings),
		"identities", len(identities),
		"elapsed_ms", elapsed.Milliseconds(),
		"bytes", total,
		"kb_per_sec", kbPerSecond(total, elapsed),
	)
	return nil
}

func writeCollection[T any](ctx context.Context, backend storage.Backend, c *Collection[T]) (int64, error) {
	var buf bytes.Buffer
	n, err := codec.EncodeCollection(&buf, c.snapshot())
	if err != nil {
		return 0, err
	}
	if _, err := backend.PutObject(ctx, c.Object(), bytes.NewReader(buf.Bytes()), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		return 0, fmt.Errorf("store: write %s: %w: %w", c.Object(), core.ErrIO, err)
	}
	return n, nil
}

func readCollection[T any](ctx context.Context, backend storage.Backend, object string, fix func(*T)) (map[Key]T, int64, bool, error) {
	out := make(map[Key]T)
	res, err := backend.GetObject(ctx, object)
	if errors.Is(err, storage.ErrNotFound) {
		return out, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("store: read %s: %w: %w", object, core.ErrIO, err)
	}
	defer res.Reader.Close()
	counter := &countingReader{r: res.Reader}
	err = codec.DecodeCollection(counter, func(key string, value T) error {
		if fix != nil {
			fix(&value)
		}
		out[Key(key)] = value
		return nil
	})
	if err != nil {
		return nil, 0, false, fmt.Errorf("store: read %s: %w", object, err)
	}
	return out, counter.n, true, nil
}

type countingReader struct {
	r interface{ Read([]byte) (int, error) }
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func kbPerSecond(bytes int64, elapsed time.Duration) int64 {
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(bytes) / 1024 / elapsed.Seconds())
}
