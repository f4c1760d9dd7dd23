// Package watch notifies subscribers when a project's task store changes.
//
// A Hub owns one watcher per project. The first subscriber attaches an
// observer to the task store; bursts of change signals are debounced into a
// single pending timer; when it fires and the store's modification time has
// advanced, the project's cached views are dropped and the fresh task list
// is pushed to every subscriber of the project. The last unsubscribe
// detaches the observer.
package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"storyline/internal/cache"
	"storyline/internal/domain"
	"storyline/internal/tasks"
)

const (
	DefaultDebounce  = 300 * time.Millisecond
	DefaultHeartbeat = 30 * time.Second
)

type State int

const (
	Idle State = iota
	Watching
	Notifying
)

func (s State) String() string {
	switch s {
	case Watching:
		return "watching"
	case Notifying:
		return "notifying"
	default:
		return "idle"
	}
}

// Invalidator drops cached views. *cache.Manager satisfies it.
type Invalidator interface {
	Clear(cache.Filter) int
}

type Options struct {
	Tasks     tasks.Repository
	Source    ChangeSource
	Cache     Invalidator
	Debounce  time.Duration
	Heartbeat time.Duration
	Stat      StatFunc
	Now       func() time.Time
	// OnUpdate runs after a detected change, before subscribers are notified.
	OnUpdate func(ctx context.Context, projectID string, tasks []domain.Task)
}

type subscription struct {
	handle        string
	projectID     string
	ch            Channel
	lastHeartbeat time.Time
}

type watcher struct {
	projectID string
	path      string
	state     State
	lastMod   time.Time
	observer  Observer
	pending   *time.Timer
	gen       uint64
	rerun     bool
	stop      chan struct{}
	done      chan struct{}
	subs      map[string]*subscription
}

type Hub struct {
	opts Options

	mu       sync.Mutex
	watchers map[string]*watcher
	subs     map[string]*subscription
	closed   bool
}

func NewHub(opts Options) *Hub {
	if opts.Source == nil {
		opts.Source = FSNotifySource{}
	}
	if opts.Stat == nil {
		opts.Stat = ModTime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Hub{
		opts:     opts,
		watchers: make(map[string]*watcher),
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers ch for pushes about projectID and returns its handle.
// The channel first receives a connected event. If the observer cannot be
// attached, the subscriber gets an error event and the watcher stays idle
// until the next subscribe retries.
func (h *Hub) Subscribe(ctx context.Context, projectID string, ch Channel) (string, error) {
	sub := &subscription{
		handle:        uuid.NewString(),
		projectID:     projectID,
		ch:            ch,
		lastHeartbeat: h.opts.Now(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", fmt.Errorf("watch hub closed")
	}
	w, ok := h.watchers[projectID]
	if !ok {
		w = &watcher{projectID: projectID, subs: make(map[string]*subscription)}
		h.watchers[projectID] = w
	}
	w.subs[sub.handle] = sub
	h.subs[sub.handle] = sub
	var startErr error
	if w.state == Idle {
		startErr = h.start(ctx, w)
	}
	h.mu.Unlock()

	log.Info().Str("project_id", projectID).Str("handle", sub.handle).Msg("subscriber connected")
	h.deliver([]*subscription{sub}, Event{Type: EventConnected, ProjectID: projectID, Timestamp: h.opts.Now()})
	if startErr != nil {
		log.Error().Err(startErr).Str("project_id", projectID).Msg("watcher not started")
		h.deliver([]*subscription{sub}, Event{Type: EventError, ProjectID: projectID, Error: startErr.Error(), Timestamp: h.opts.Now()})
	}
	return sub.handle, nil
}

// start attaches the observer. Called with h.mu held.
func (h *Hub) start(ctx context.Context, w *watcher) error {
	if h.opts.Tasks == nil {
		return fmt.Errorf("%w: no task repository", ErrWatchFailure)
	}
	path, err := h.opts.Tasks.Path(ctx, w.projectID)
	if err != nil {
		return fmt.Errorf("%w: resolve task store: %v", ErrWatchFailure, err)
	}
	mod, err := h.opts.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrWatchFailure, path, err)
	}
	obs, err := h.opts.Source.Observe(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatchFailure, err)
	}
	w.path = path
	w.lastMod = mod
	w.observer = obs
	w.state = Watching
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go h.pump(w, obs, w.stop, w.done)
	log.Debug().Str("project_id", w.projectID).Str("path", path).Msg("watcher started")
	return nil
}

func (h *Hub) pump(w *watcher, obs Observer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case _, ok := <-obs.Signals():
			if !ok {
				return
			}
			h.schedule(w)
		}
	}
}

// schedule replaces the pending debounce timer.
func (h *Hub) schedule(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch w.state {
	case Idle:
		return
	case Notifying:
		w.rerun = true
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.gen++
	gen := w.gen
	w.pending = time.AfterFunc(h.opts.Debounce, func() { h.fire(w, gen) })
}

func (h *Hub) fire(w *watcher, gen uint64) {
	h.mu.Lock()
	if w.gen != gen || w.state != Watching {
		h.mu.Unlock()
		return
	}
	w.pending = nil
	w.state = Notifying
	projectID, path, last := w.projectID, w.path, w.lastMod
	h.mu.Unlock()

	ev, mod, changed := h.refresh(projectID, path, last)

	h.mu.Lock()
	if w.state != Notifying {
		// torn down while refreshing
		h.mu.Unlock()
		return
	}
	w.state = Watching
	if changed {
		w.lastMod = mod
	}
	rerun := w.rerun
	w.rerun = false
	subs := w.subscribers()
	h.mu.Unlock()

	if ev != nil {
		h.deliver(subs, *ev)
	}
	if rerun {
		h.schedule(w)
	}
}

// refresh reads the store when its modification time advanced past last.
func (h *Hub) refresh(projectID, path string, last time.Time) (*Event, time.Time, bool) {
	mod, err := h.opts.Stat(path)
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID).Str("path", path).Msg("stat task store")
		return &Event{Type: EventError, ProjectID: projectID, Error: err.Error(), Timestamp: h.opts.Now()}, time.Time{}, false
	}
	if !mod.After(last) {
		log.Debug().Str("project_id", projectID).Msg("change signal without newer task store")
		return nil, time.Time{}, false
	}

	ctx := context.Background()
	snap, err := h.opts.Tasks.ReadAll(ctx, projectID)
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID).Str("path", path).Msg("read task store")
		return &Event{Type: EventError, ProjectID: projectID, Error: err.Error(), Timestamp: h.opts.Now()}, time.Time{}, false
	}
	if h.opts.Cache != nil {
		n := h.opts.Cache.Clear(cache.Filter{ProjectID: projectID})
		log.Debug().Str("project_id", projectID).Int("entries", n).Msg("cache invalidated")
	}
	if h.opts.OnUpdate != nil {
		h.opts.OnUpdate(ctx, projectID, snap.Tasks)
	}
	log.Info().Str("project_id", projectID).Int("tasks", len(snap.Tasks)).Msg("tasks updated")
	return &Event{Type: EventTasksUpdated, ProjectID: projectID, Tasks: snap.Tasks, Timestamp: h.opts.Now()}, mod, true
}

// Unsubscribe removes a subscription; the last one for a project detaches
// its observer. Unknown handles are ignored.
func (h *Hub) Unsubscribe(handle string) {
	h.mu.Lock()
	sub, ok := h.subs[handle]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, handle)
	w := h.watchers[sub.projectID]
	var stopped *watcher
	if w != nil {
		delete(w.subs, handle)
		if len(w.subs) == 0 {
			delete(h.watchers, sub.projectID)
			stopped = w
			h.teardown(w)
		}
	}
	h.mu.Unlock()

	log.Info().Str("project_id", sub.projectID).Str("handle", handle).Msg("subscriber disconnected")
	if stopped != nil {
		h.release(stopped)
	}
}

// teardown marks w idle and cancels its timer. Called with h.mu held; the
// observer is released afterwards by release without the lock.
func (h *Hub) teardown(w *watcher) {
	w.state = Idle
	w.gen++
	w.rerun = false
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
}

func (h *Hub) release(w *watcher) {
	obs, done := w.observer, w.done
	w.observer, w.done = nil, nil
	if obs != nil {
		if err := obs.Close(); err != nil {
			log.Warn().Err(err).Str("project_id", w.projectID).Msg("close observer")
		}
	}
	if done != nil {
		<-done
	}
	log.Debug().Str("project_id", w.projectID).Msg("watcher stopped")
}

// deliver sends ev to each subscription and drops the ones that fail.
func (h *Hub) deliver(subs []*subscription, ev Event) {
	for _, sub := range subs {
		if err := sub.ch.Send(ev); err != nil {
			log.Warn().Err(err).Str("project_id", sub.projectID).Str("handle", sub.handle).Str("event", ev.Type).Msg("dropping failed subscriber")
			h.Unsubscribe(sub.handle)
		}
	}
}

func (w *watcher) subscribers() []*subscription {
	out := make([]*subscription, 0, len(w.subs))
	for _, s := range w.subs {
		out = append(out, s)
	}
	return out
}

// Heartbeat sends a heartbeat to every subscriber of every project.
func (h *Hub) Heartbeat() {
	now := h.opts.Now()
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		s.lastHeartbeat = now
		subs = append(subs, s)
	}
	h.mu.Unlock()
	h.deliver(subs, Event{Type: EventHeartbeat, Timestamp: now})
}

// Run emits heartbeats until ctx is done, then closes the hub.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Close detaches every observer and drops all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	stopped := make([]*watcher, 0, len(h.watchers))
	for id, w := range h.watchers {
		h.teardown(w)
		stopped = append(stopped, w)
		delete(h.watchers, id)
	}
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()

	for _, w := range stopped {
		h.release(w)
	}
}

// State reports the watcher state of a project.
func (h *Hub) State(projectID string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[projectID]; ok {
		return w.state
	}
	return Idle
}

// Subscribers counts the live subscriptions of a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.watchers[projectID]; ok {
		return len(w.subs)
	}
	return 0
}
