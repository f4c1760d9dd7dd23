// Package cache holds computed views in memory with a time-to-live per view
// type. Expiry is lazy: stale entries are dropped when read or cleared.
package cache

import (
	"sort"
	"sync"
	"time"
)

const (
	ViewHierarchy  = "hierarchy"
	ViewValidation = "validation"
	ViewDashboard  = "dashboard"
)

const (
	DefaultHierarchyTTL  = 5 * time.Minute
	DefaultValidationTTL = 3 * time.Minute
	DefaultDashboardTTL  = 5 * time.Minute
)

// Key identifies one cached view. Its string form is
// <view>-<project>[-qualifier].
type Key struct {
	View      string
	ProjectID string
	Qualifier string
}

func (k Key) String() string {
	s := k.View + "-" + k.ProjectID
	if k.Qualifier != "" {
		s += "-" + k.Qualifier
	}
	return s
}

type Entry struct {
	Key       Key
	Data      any
	Timestamp time.Time
}

// Filter selects entries to clear. Empty fields match everything.
type Filter struct {
	ProjectID string
	ViewType  string
}

func (f Filter) matches(k Key) bool {
	return (f.ProjectID == "" || f.ProjectID == k.ProjectID) && (f.ViewType == "" || f.ViewType == k.View)
}

type Options struct {
	TTL        map[string]time.Duration
	DefaultTTL time.Duration
	Now        func() time.Time
}

// DefaultOptions returns the stock TTLs for the three built-in views.
func DefaultOptions() Options {
	return Options{
		TTL: map[string]time.Duration{
			ViewHierarchy:  DefaultHierarchyTTL,
			ViewValidation: DefaultValidationTTL,
			ViewDashboard:  DefaultDashboardTTL,
		},
		DefaultTTL: DefaultHierarchyTTL,
	}
}

type Manager struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	epoch      uint64
	projectGen map[string]uint64
	ttl        map[string]time.Duration
	defaultTTL time.Duration
	now        func() time.Time
}

func New(opts Options) *Manager {
	m := &Manager{
		entries:    make(map[string]*Entry),
		projectGen: make(map[string]uint64),
		ttl:        make(map[string]time.Duration, len(opts.TTL)),
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
	}
	for view, d := range opts.TTL {
		m.ttl[view] = d
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultHierarchyTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// TTL returns the lifetime applied to entries of a view type.
func (m *Manager) TTL(view string) time.Duration {
	if d, ok := m.ttl[view]; ok && d > 0 {
		return d
	}
	return m.defaultTTL
}

func (m *Manager) fresh(e *Entry, now time.Time) bool {
	return now.Sub(e.Timestamp) <= m.TTL(e.Key.View)
}

// Get returns the cached data when the entry is younger than its TTL.
func (m *Manager) Get(k Key) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := k.String()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	if !m.fresh(e, m.now()) {
		delete(m.entries, id)
		return nil, false
	}
	return e.Data, true
}

// Set stores data stamped with the current time, replacing any prior entry.
func (m *Manager) Set(k Key, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[k.String()] = &Entry{Key: k, Data: data, Timestamp: m.now()}
}

// Generation marks the invalidation state of a project. A value computed
// under one generation must not be stored once the project has been cleared.
type Generation struct {
	epoch   uint64
	project uint64
}

// Generation returns the current invalidation state for k's project.
func (m *Manager) Generation(k Key) Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation(k.ProjectID)
}

func (m *Manager) generation(projectID string) Generation {
	return Generation{epoch: m.epoch, project: m.projectGen[projectID]}
}

// SetIfCurrent stores data only when no clear touched k's project since g
// was taken. It reports whether the entry was stored.
func (m *Manager) SetIfCurrent(k Key, data any, g Generation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation(k.ProjectID) != g {
		return false
	}
	m.entries[k.String()] = &Entry{Key: k, Data: data, Timestamp: m.now()}
	return true
}

// Clear removes the entries matching f and returns how many were removed.
// Computations started before the clear can no longer populate the cleared
// project, even when nothing was cached yet.
func (m *Manager) Clear(f Filter) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.ProjectID == "" {
		m.epoch++
	} else {
		m.projectGen[f.ProjectID]++
	}

	removed := 0
	for id, e := range m.entries {
		if f.matches(e.Key) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]*Entry)
	m.epoch++
	return n
}

// Fetch returns the cached value for k or computes and stores it. Concurrent
// misses may both compute. A result whose project was cleared while it was
// being computed is returned to the caller but not cached.
func Fetch[T any](m *Manager, k Key, compute func() (T, error)) (T, bool, error) {
	gen := m.Generation(k)
	if v, ok := m.Get(k); ok {
		if typed, ok := v.(T); ok {
			return typed, true, nil
		}
	}
	v, err := compute()
	if err != nil {
		var zero T
		return zero, false, err
	}
	m.SetIfCurrent(k, v, gen)
	return v, false, nil
}

type Counts struct {
	Fresh   int `json:"fresh"`
	Expired int `json:"expired"`
}

// Status is an operational snapshot; ages are in milliseconds.
type Status struct {
	Total       int               `json:"total"`
	Fresh       int               `json:"fresh"`
	Expired     int               `json:"expired"`
	ByView      map[string]Counts `json:"byView"`
	ByProject   map[string]Counts `json:"byProject"`
	OldestAgeMs int64             `json:"oldestAgeMs"`
	NewestAgeMs int64             `json:"newestAgeMs"`
	Keys        []string          `json:"keys"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := Status{
		Total:     len(m.entries),
		ByView:    map[string]Counts{},
		ByProject: map[string]Counts{},
		Keys:      make([]string, 0, len(m.entries)),
	}
	first := true
	for id, e := range m.entries {
		st.Keys = append(st.Keys, id)
		view, project := st.ByView[e.Key.View], st.ByProject[e.Key.ProjectID]
		if m.fresh(e, now) {
			st.Fresh++
			view.Fresh++
			project.Fresh++
		} else {
			st.Expired++
			view.Expired++
			project.Expired++
		}
		st.ByView[e.Key.View], st.ByProject[e.Key.ProjectID] = view, project

		age := now.Sub(e.Timestamp).Milliseconds()
		if first || age > st.OldestAgeMs {
			st.OldestAgeMs = age
		}
		if first || age < st.NewestAgeMs {
			st.NewestAgeMs = age
		}
		first = false
	}
	sort.Strings(st.Keys)
	return st
}
