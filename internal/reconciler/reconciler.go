package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/ts-campus/internal/events"
	"github.com/technosupport/ts-campus/internal/metrics"
)

const (
	DefaultRetentionCap  = 100
	DefaultSnapshotLimit = 50
	DefaultTopCameras    = 4
)

// SnapshotSource is the backend's request/response API.
type SnapshotSource interface {
	FetchEvents(ctx context.Context, limit int) ([]events.Event, error)
	FetchStats(ctx context.Context) (events.Stats, error)
	FetchUserCount(ctx context.Context) (int, error)
}

type Config struct {
	RetentionCap  int
	SnapshotLimit int
	TopCameras    int
	// Location is the viewer's time zone used for hour buckets. Defaults to time.Local.
	Location *time.Location
	// FetchUserCount includes the cosmetic active-user request in the snapshot.
	FetchUserCount bool
}

// Stats is the dashboard summary.
// UniqueCameraCount is derived from the retained window only, so it can
// shrink as old events fall off the cap.
type Stats struct {
	TotalEvents       int        `json:"total_events"`
	IntrusionEvents   int        `json:"intrusion_events"`
	LastEventTime     *time.Time `json:"last_event_time"`
	UniqueCameraCount int        `json:"unique_camera_count"`
}

// View is an immutable copy of the reconciled state handed to renderers.
type View struct {
	Events      []events.Event `json:"events"`
	Stats       Stats          `json:"stats"`
	Loading     bool           `json:"loading"`
	Error       string         `json:"error,omitempty"`
	Connected   bool           `json:"connected"`
	Stale       bool           `json:"stale"`
	ActiveUsers int            `json:"active_users"`
	LoadedAt    *time.Time     `json:"loaded_at,omitempty"`
}

// Reconciler merges a snapshot fetch with a live feed into a bounded,
// deduplicated, newest-first event list plus stats and hour buckets.
// All mutation happens under mu; network I/O never does.
type Reconciler struct {
	source SnapshotSource
	cfg    Config

	mu          sync.Mutex
	events      []events.Event
	ids         *lru.Cache[string, struct{}]
	stats       Stats
	buckets     *timeBuckets
	loading     bool
	lastErr     error
	connected   bool
	activeUsers int
	loadedAt    *time.Time
	closed      bool

	// live events applied while a snapshot load is in flight
	inflight int
	pending  []events.Event

	onChange []func()
}

func New(source SnapshotSource, cfg Config) *Reconciler {
	if cfg.RetentionCap <= 0 {
		cfg.RetentionCap = DefaultRetentionCap
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = DefaultSnapshotLimit
	}
	if cfg.TopCameras <= 0 {
		cfg.TopCameras = DefaultTopCameras
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	// Size > 0 always holds after defaults, so New cannot fail.
	ids, _ := lru.New[string, struct{}](cfg.RetentionCap)

	return &Reconciler{
		source:  source,
		cfg:     cfg,
		ids:     ids,
		buckets: newTimeBuckets(cfg.Location),
		loading: true,
	}
}

// OnChange registers fn to be called after every state change. fn runs on
// the mutating goroutine and must not block.
func (r *Reconciler) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	callbacks := make([]func(), len(r.onChange))
	copy(callbacks, r.onChange)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// LoadSnapshot fetches events, stats and the active-user count concurrently
// and replaces the state with them. Any failure fails the whole load and
// leaves the previous state untouched.
func (r *Reconciler) LoadSnapshot(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.inflight++
	r.mu.Unlock()

	start := time.Now()
	evts, stats, users, err := r.fetch(ctx)
	metrics.SnapshotLoadDuration.Observe(float64(time.Since(start).Milliseconds()))

	r.mu.Lock()
	r.inflight--
	r.loading = false

	if r.closed {
		r.pending = nil
		r.mu.Unlock()
		return ErrClosed
	}

	if err != nil {
		loadErr := &SnapshotLoadError{Err: err}
		r.lastErr = loadErr
		if r.inflight == 0 {
			r.pending = nil
		}
		r.mu.Unlock()

		metrics.SnapshotLoadsTotal.WithLabelValues("error").Inc()
		log.WithError(err).Error("Snapshot load failed")
		r.notify()
		return loadErr
	}

	r.applySnapshotLocked(evts, stats, users)

	replay := r.pending
	if r.inflight == 0 {
		r.pending = nil
	}
	replayed := 0
	for _, e := range replay {
		if r.ingestLocked(e) {
			replayed++
		}
	}
	metrics.RetainedEvents.Set(float64(len(r.events)))
	count := len(r.events)
	r.mu.Unlock()

	metrics.SnapshotLoadsTotal.WithLabelValues("success").Inc()
	log.WithFields(log.Fields{
		"events":   count,
		"replayed": replayed,
	}).Info("Snapshot loaded")
	r.notify()
	return nil
}

func (r *Reconciler) fetch(ctx context.Context) ([]events.Event, events.Stats, int, error) {
	var (
		evts  []events.Event
		stats events.Stats
		users int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		evts, err = r.source.FetchEvents(gctx, r.cfg.SnapshotLimit)
		if err != nil {
			return fmt.Errorf("events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stats, err = r.source.FetchStats(gctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return nil
	})
	if r.cfg.FetchUserCount {
		g.Go(func() error {
			var err error
			users, err = r.source.FetchUserCount(gctx)
			if err != nil {
				return fmt.Errorf("user count: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, events.Stats{}, 0, err
	}
	return evts, stats, users, nil
}

func (r *Reconciler) applySnapshotLocked(evts []events.Event, stats events.Stats, users int) {
	seen := make(map[string]struct{}, len(evts))
	kept := make([]events.Event, 0, min(len(evts), r.cfg.RetentionCap))
	for _, e := range evts {
		if len(kept) == r.cfg.RetentionCap {
			break
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		kept = append(kept, e)
	}

	// The index evicts in insertion order; add oldest first so eviction
	// order matches the tail of the list.
	r.ids.Purge()
	for i := len(kept) - 1; i >= 0; i-- {
		r.ids.Add(kept[i].ID, struct{}{})
	}

	r.events = kept
	r.stats = Stats{
		TotalEvents:       stats.TotalEvents,
		IntrusionEvents:   stats.IntrusionEvents,
		LastEventTime:     stats.LastEventTime,
		UniqueCameraCount: r.uniqueCamerasLocked(),
	}
	r.buckets.rebuild(kept)
	r.activeUsers = users
	r.lastErr = nil
	now := time.Now()
	r.loadedAt = &now
}

// OnLiveEvent applies one live event. Replays of an id already retained are
// no-ops. It never performs I/O and is a no-op after Close.
func (r *Reconciler) OnLiveEvent(e events.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		metrics.LiveEventsTotal.WithLabelValues("closed").Inc()
		return
	}

	if r.inflight > 0 {
		r.pending = append(r.pending, e)
	}
	applied := r.ingestLocked(e)
	metrics.RetainedEvents.Set(float64(len(r.events)))
	r.mu.Unlock()

	if !applied {
		metrics.LiveEventsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.LiveEventsTotal.WithLabelValues("applied").Inc()
	r.notify()
}

// ingestLocked reports whether e was new.
func (r *Reconciler) ingestLocked(e events.Event) bool {
	if r.ids.Contains(e.ID) {
		return false
	}

	r.events = append([]events.Event{e}, r.events...)
	r.ids.Add(e.ID, struct{}{})
	if len(r.events) > r.cfg.RetentionCap {
		for _, dropped := range r.events[r.cfg.RetentionCap:] {
			r.ids.Remove(dropped.ID)
		}
		r.events = r.events[:r.cfg.RetentionCap:r.cfg.RetentionCap]
	}

	r.stats.TotalEvents++
	if e.IsIntrusion() {
		r.stats.IntrusionEvents++
	}
	ts := e.Timestamp
	r.stats.LastEventTime = &ts
	r.stats.UniqueCameraCount = r.uniqueCamerasLocked()

	r.buckets.add(e)
	return true
}

func (r *Reconciler) uniqueCamerasLocked() int {
	seen := make(map[string]struct{}, len(r.events))
	for _, e := range r.events {
		seen[e.CameraID] = struct{}{}
	}
	return len(seen)
}

// SetConnected records live feed connectivity. Losing the feed keeps the
// data; the view reports it as stale.
func (r *Reconciler) SetConnected(connected bool) {
	r.mu.Lock()
	if r.closed || r.connected == connected {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	r.mu.Unlock()

	if connected {
		metrics.LiveFeedConnected.Set(1)
	} else {
		metrics.LiveFeedConnected.Set(0)
	}
	r.notify()
}

// View returns a copy of the current state.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	evts := make([]events.Event, len(r.events))
	copy(evts, r.events)

	v := View{
		Events:      evts,
		Stats:       r.stats,
		Loading:     r.loading,
		Connected:   r.connected,
		Stale:       !r.connected && r.loadedAt != nil,
		ActiveUsers: r.activeUsers,
		LoadedAt:    r.loadedAt,
	}
	if r.lastErr != nil {
		v.Error = r.lastErr.Error()
	}
	return v
}

// TimeBuckets returns a copy of the hour buckets.
func (r *Reconciler) TimeBuckets() map[BucketKey]Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets.snapshot()
}

// Chart returns the chart series projected onto the top k cameras.
// k <= 0 uses the configured default.
func (r *Reconciler) Chart(k int) ChartSeries {
	if k <= 0 {
		k = r.cfg.TopCameras
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets.chart(k)
}

// Close tears the reconciler down. Live events delivered afterwards are
// dropped and state is frozen.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.pending = nil
	r.onChange = nil
	r.mu.Unlock()
}
