package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/codec"
	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/storage/memory"
)

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := [][]string{
		nil,
		{"p1"},
		{"p1", "c1", "m1"},
		{"", "x"},
		{"0", "9999"},
	}
	for _, segments := range cases {
		if got := NewKey(segments...).Segments(); !slices.Equal(got, segments) {
			t.Fatalf("round trip %v -> %v", segments, got)
		}
	}
	if NewKey("p1", "m1") != "p1|m1" {
		t.Fatalf("unexpected join %q", NewKey("p1", "m1"))
	}
}

func TestKeyHasPrefixRespectsSegments(t *testing.T) {
	t.Parallel()

	key := NewKey("p1", "m1")
	for prefix, want := range map[Key]bool{
		"":               true,
		"p1":             true,
		"p1|m1":          true,
		"p":              false,
		"p1|m":           false,
		NewKey("p2"):     false,
		"p1|m1|extra":    false,
		NewKey("p1", ""): false,
	} {
		if got := key.HasPrefix(prefix); got != want {
			t.Fatalf("HasPrefix(%q) = %v want %v", prefix, got, want)
		}
	}
}

func TestAlterationAccounting(t *testing.T) {
	t.Parallel()

	s := New(Config{Backend: memory.New()})
	for i := range 5 {
		s.Markings().Set(NewKey("p", string(rune('a'+i))), api.MarkingData{})
	}
	if s.Alterations() != 5 {
		t.Fatalf("expected 5 alterations, got %d", s.Alterations())
	}
	if s.Markings().Delete(NewKey("p", "zz")) {
		t.Fatal("delete of missing key reported true")
	}
	if s.Alterations() != 5 {
		t.Fatalf("missing delete counted: %d", s.Alterations())
	}
	if !s.Markings().Delete(NewKey("p", "a")) {
		t.Fatal("delete of existing key reported false")
	}
	if s.Alterations() != 6 {
		t.Fatalf("expected 6 alterations, got %d", s.Alterations())
	}
	res, err := s.Persist(context.Background())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if res.Skipped || res.Alterations != 6 || res.Bytes == 0 {
		t.Fatalf("unexpected persist result %+v", res)
	}
	if s.Alterations() != 0 {
		t.Fatalf("expected 0 alterations after persist, got %d", s.Alterations())
	}
}

type countingBackend struct {
	storage.Backend
	mu   sync.Mutex
	puts int
}

func (c *countingBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	c.mu.Lock()
	c.puts++
	c.mu.Unlock()
	return c.Backend.PutObject(ctx, key, body, opts)
}

func TestPersistAtZeroDoesNoIO(t *testing.T) {
	t.Parallel()

	backend := &countingBackend{Backend: memory.New()}
	s := New(Config{Backend: backend})
	res, err := s.Persist(context.Background())
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !res.Skipped || res.Reason != SkipClean {
		t.Fatalf("expected clean skip, got %+v", res)
	}
	if backend.puts != 0 {
		t.Fatalf("expected no writes, got %d", backend.puts)
	}
}

// blockingBackend parks the first PutObject until release is closed.
type blockingBackend struct {
	storage.Backend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{Backend: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.Backend.PutObject(ctx, key, body, opts)
}

func TestSetsDuringPersistSurvive(t *testing.T) {
	t.Parallel()

	backend := newBlockingBackend()
	s := New(Config{Backend: backend})
	const n, m = 4, 3
	for i := range n {
		s.Projects().Set(NewKey(string(rune('a'+i))), api.Project{Title: "x"})
	}

	done := make(chan PersistResult)
	go func() {
		res, err := s.Persist(context.Background())
		if err != nil {
			t.Errorf("persist: %v", err)
		}
		done <- res
	}()
	<-backend.entered

	for i := range m {
		s.Markings().Set(NewKey("p", string(rune('a'+i))), api.MarkingData{})
	}
	if v, ok := s.Projects().Get(NewKey("a")); !ok || v.Title != "x" {
		t.Fatal("read blocked or lost during persist")
	}
	concurrent, err := s.Persist(context.Background())
	if err != nil {
		t.Fatalf("concurrent persist: %v", err)
	}
	if !concurrent.Skipped || concurrent.Reason != SkipInProgress {
		t.Fatalf("expected in-progress skip, got %+v", concurrent)
	}

	close(backend.release)
	res := <-done
	if res.Alterations != n {
		t.Fatalf("expected persist to cover %d alterations, got %d", n, res.Alterations)
	}
	if s.Alterations() != m {
		t.Fatalf("expected %d alterations to remain, got %d", m, s.Alterations())
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	first := New(Config{Backend: backend})
	r1 := api.MarkingData{
		TaggedClassIDs: []string{"hasTrees"},
		BoxMarkings:    []api.BoxMarking{{ClassID: "tree", First: [2]float64{1, 2}, Second: [2]float64{3, 4}}},
	}
	key := NewKey("p1", "c1", "m1")
	first.Markings().Set(key, r1)
	first.Projects().Set(NewKey("p1"), api.Project{Title: "P", MediaType: api.MediaImages, Classes: []api.MarkingClass{}, TagMarkingOptions: []api.TagMarkingOption{}})
	first.Identities().Set(NewKey("alice"), api.Identity{Username: "alice", PasswordHash: "$2a$10$x", ScreenName: "Alice"})
	if _, err := first.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	second := New(Config{Backend: backend})
	second.Markings().Set(NewKey("stale"), api.MarkingData{})
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, ok := second.Markings().Get(key)
	if !ok {
		t.Fatal("restored marking missing")
	}
	if !slices.Equal(got.TaggedClassIDs, r1.TaggedClassIDs) || !slices.Equal(got.BoxMarkings, r1.BoxMarkings) {
		t.Fatalf("restored marking differs: %+v", got)
	}
	if _, ok := second.Markings().Get(NewKey("stale")); ok {
		t.Fatal("restore did not clear previous records")
	}
	if p, ok := second.Projects().Get(NewKey("p1")); !ok || p.Title != "P" || p.MediaType != api.MediaImages {
		t.Fatalf("restored project differs: %+v", p)
	}
	if id, ok := second.Identities().Get(NewKey("alice")); !ok || id.ScreenName != "Alice" {
		t.Fatalf("restored identity differs: %+v", id)
	}
	if second.Alterations() != 0 {
		t.Fatalf("expected clean store after restore, got %d", second.Alterations())
	}
}

func TestSetsRacingRestoreAreCounted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(Config{Backend: memory.New()})
	s.Projects().Set(NewKey("base"), api.Project{})
	if _, err := s.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.Projects().Set(NewKey("live", string(rune('a'+i%26))), api.Project{})
		}
	}()
	for i := 0; i < 200; i++ {
		if err := s.Restore(ctx); err != nil {
			t.Fatalf("restore: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	// Anything beyond the persisted snapshot is a write that must reach the
	// next persist.
	if s.Projects().Len() > 1 && s.Alterations() == 0 {
		t.Fatalf("%d unsaved projects but no pending alterations", s.Projects().Len()-1)
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	t.Parallel()

	s := New(Config{Backend: memory.New()})
	s.Projects().Set(NewKey("keep"), api.Project{})
	if err := s.Restore(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	if s.Projects().Len() != 1 {
		t.Fatal("memory changed on missing snapshot")
	}
}

func TestRestoreCorruptObjectIsDecodeFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	if _, err := backend.PutObject(ctx, codec.MarkingsObject, bytes.NewBufferString(`{"0|0":`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	s := New(Config{Backend: backend})
	if err := s.Restore(ctx); !errors.Is(err, core.ErrDecode) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestRestoreNormalizesMissingArrays(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	backend.PutObject(ctx, codec.MarkingsObject, bytes.NewBufferString(`{"0|0":{}}`), storage.PutObjectOptions{})
	backend.PutObject(ctx, codec.ProjectsObject, bytes.NewBufferString(`{"0":{"title":"t"}}`), storage.PutObjectOptions{})
	s := New(Config{Backend: backend})
	if err := s.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	m, _ := s.Markings().Get(NewKey("0", "0"))
	if m.TaggedClassIDs == nil || m.BoxMarkings == nil {
		t.Fatalf("expected empty arrays, got %+v", m)
	}
	p, _ := s.Projects().Get(NewKey("0"))
	if p.MediaType != api.MediaVideo {
		t.Fatalf("expected default media type, got %q", p.MediaType)
	}
}

type failingBackend struct {
	storage.Backend
}

func (failingBackend) PutObject(context.Context, string, io.Reader, storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	return nil, errors.New("bucket gone")
}

func TestPersistFailureKeepsCounter(t *testing.T) {
	t.Parallel()

	s := New(Config{Backend: failingBackend{Backend: memory.New()}})
	s.Projects().Set(NewKey("0"), api.Project{})
	if _, err := s.Persist(context.Background()); !errors.Is(err, core.ErrIO) {
		t.Fatalf("expected io failure, got %v", err)
	}
	if s.Alterations() != 1 {
		t.Fatalf("expected counter intact, got %d", s.Alterations())
	}
	if s.LastPersistDuration() != 0 {
		t.Fatal("failed persist recorded a duration")
	}
}

func TestScanIsOrderedAndTolerantOfMutation(t *testing.T) {
	t.Parallel()

	s := New(Config{Backend: memory.New()})
	for _, k := range []Key{NewKey("p1", "b"), NewKey("p1", "a"), NewKey("p10", "a"), NewKey("p2", "a")} {
		s.Markings().Set(k, api.MarkingData{})
	}
	var seen []Key
	for key := range s.Markings().Scan(NewKey("p1")) {
		seen = append(seen, key)
		s.Markings().Delete(NewKey("p1", "b"))
		s.Markings().Set(NewKey("p1", "c"), api.MarkingData{})
	}
	if !slices.Equal(seen, []Key{NewKey("p1", "a")}) {
		t.Fatalf("unexpected scan %v", seen)
	}
	all := 0
	for range s.Markings().Scan("") {
		all++
	}
	if all != 4 {
		t.Fatalf("expected 4 records in full scan, got %d", all)
	}
}

func TestResetCountsOneAlteration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	s := New(Config{Backend: backend})
	s.Projects().Set(NewKey("0"), api.Project{})
	if _, err := s.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	s.Reset()
	if s.Alterations() != 1 || s.Projects().Len() != 0 {
		t.Fatalf("unexpected state after reset: alterations=%d projects=%d", s.Alterations(), s.Projects().Len())
	}
	if _, err := s.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	fresh := New(Config{Backend: backend})
	if err := fresh.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.Projects().Len() != 0 {
		t.Fatal("reset snapshot still holds projects")
	}
}

func TestRestoreWaitsForPersist(t *testing.T) {
	t.Parallel()

	backend := newBlockingBackend()
	s := New(Config{Backend: backend})
	s.Projects().Set(NewKey("0"), api.Project{Title: "persisted"})
	go s.Persist(context.Background())
	<-backend.entered

	restored := make(chan error, 1)
	go func() { restored <- s.Restore(context.Background()) }()
	select {
	case err := <-restored:
		t.Fatalf("restore finished during persist: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(backend.release)
	if err := <-restored; err != nil {
		t.Fatalf("restore: %v", err)
	}
	if p, ok := s.Projects().Get(NewKey("0")); !ok || p.Title != "persisted" {
		t.Fatalf("unexpected project after restore: %+v", p)
	}
}

func TestSeed(t *testing.T) {
	t.Parallel()

	s := New(Config{Backend: memory.New()})
	Seed(s)
	p, ok := s.Projects().Get(NewKey(SeedProjectID))
	if !ok || p.Title != "Important Project 0" || p.MediaType != api.MediaImages || len(p.Classes) != 2 {
		t.Fatalf("unexpected seed project %+v", p)
	}
	if s.Markings().Len() != SeedMarkings {
		t.Fatalf("expected %d markings, got %d", SeedMarkings, s.Markings().Len())
	}
	m, ok := s.Markings().Get(NewKey("0", "9999"))
	if !ok || m.TaggedClassIDs[0] != "hasTrees" || m.BoxMarkings[0].Second != [2]float64{24, 24} {
		t.Fatalf("unexpected seed marking %+v", m)
	}
	if s.Alterations() != SeedMarkings+1 {
		t.Fatalf("expected %d alterations, got %d", SeedMarkings+1, s.Alterations())
	}
}
