// Package lease implements advisory write leases: at most one identity holds
// a resource at a time, renewals by the holder are idempotent, and only the
// holder can release. Leases never expire and are never persisted.
package lease

import (
	"slices"
	"strings"
	"sync"

	"pkt.systems/markd/internal/core"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// Resource kinds used to build resource ids.
const (
	KindProject = "project"
	KindMarking = "marking"
)

// Resource builds the lease id for a record, e.g. Resource("marking",
// "0|17") is "marking/0|17".
func Resource(kind, key string) string {
	return kind + "/" + key
}

// SplitResource is the inverse of Resource.
func SplitResource(resource string) (kind, key string, ok bool) {
	kind, key, ok = strings.Cut(resource, "/")
	return kind, key, ok && kind != "" && key != ""
}

// Change describes an acquire or release that altered the lease table.
type Change struct {
	Resource string
	Holder   string
	Released bool
}

// Lease is one held lease.
type Lease struct {
	Resource string
	Holder   string
}

// Manager holds the lease table.
type Manager struct {
	logger   pslog.Logger
	onChange func(Change)

	mu     sync.Mutex
	leases map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) { m.logger = svcfields.WithSubsystem(logger, "lease") }
}

// WithChangeHook registers fn to run after every acquire or release that
// changed the table. fn runs outside the manager's lock.
func WithChangeHook(fn func(Change)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// New returns an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{logger: pslog.NoopLogger(), leases: make(map[string]string)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants resource to identity. Re-acquiring a held lease as its
// holder succeeds without change; acquiring one held by someone else fails
// with core.ErrLocked.
func (m *Manager) Acquire(resource, identity string) error {
	m.mu.Lock()
	holder, held := m.leases[resource]
	switch {
	case held && holder == identity:
		m.mu.Unlock()
		m.logger.Trace("lease.acquire.renewed", svcfields.ResourceKey, resource, svcfields.IdentityKey, identity)
		return nil
	case held:
		m.mu.Unlock()
		m.logger.Debug("lease.acquire.locked", svcfields.ResourceKey, resource, svcfields.IdentityKey, identity, "holder", holder)
		return core.Locked(resource, holder)
	}
	m.leases[resource] = identity
	m.mu.Unlock()
	m.logger.Info("lease.acquire.granted", svcfields.ResourceKey, resource, svcfields.IdentityKey, identity)
	m.notify(Change{Resource: resource, Holder: identity})
	return nil
}

// Release frees resource. Only the holder may release; anything else,
// including releasing a free resource, fails with core.ErrNotHolder.
func (m *Manager) Release(resource, identity string) error {
	m.mu.Lock()
	holder, held := m.leases[resource]
	if !held || holder != identity {
		m.mu.Unlock()
		m.logger.Debug("lease.release.not_holder", svcfields.ResourceKey, resource, svcfields.IdentityKey, identity, "holder", holder)
		return core.NotHolder(resource, identity)
	}
	delete(m.leases, resource)
	m.mu.Unlock()
	m.logger.Info("lease.release.complete", svcfields.ResourceKey, resource, svcfields.IdentityKey, identity)
	m.notify(Change{Resource: resource, Holder: identity, Released: true})
	return nil
}

// Check must be called before mutating resource on behalf of requester. It
// fails with core.ErrLocked when another identity holds the lease. Unleased
// resources accept writes from anyone.
func (m *Manager) Check(resource, requester string) error {
	m.mu.Lock()
	holder, held := m.leases[resource]
	m.mu.Unlock()
	if held && holder != requester {
		return core.Locked(resource, holder)
	}
	return nil
}

// Guard runs fn while holding the lease table, provided requester may
// mutate resource. No lease can change hands between the check and fn, so
// fn must be short and must not call back into the Manager.
func (m *Manager) Guard(resource, requester string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, held := m.leases[resource]; held && holder != requester {
		return core.Locked(resource, holder)
	}
	return fn()
}

// Holder returns the identity holding resource.
func (m *Manager) Holder(resource string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.leases[resource]
	return holder, ok
}

// Snapshot lists held leases ordered by resource.
func (m *Manager) Snapshot() []Lease {
	m.mu.Lock()
	out := make([]Lease, 0, len(m.leases))
	for resource, holder := range m.leases {
		out = append(out, Lease{Resource: resource, Holder: holder})
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Lease) int { return strings.Compare(a.Resource, b.Resource) })
	return out
}

func (m *Manager) notify(c Change) {
	if m.onChange != nil {
		m.onChange(c)
	}
}
