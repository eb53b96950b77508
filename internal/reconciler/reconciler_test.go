package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-campus/internal/events"
	"github.com/technosupport/ts-campus/internal/reconciler"
)

type fakeSource struct {
	mu     sync.Mutex
	events []events.Event
	stats  events.Stats
	users  int

	eventsErr error
	statsErr  error
	usersErr  error

	// gate, when set, blocks FetchEvents until closed
	gate   chan struct{}
	limits []int
}

func (f *fakeSource) FetchEvents(ctx context.Context, limit int) ([]events.Event, error) {
	f.mu.Lock()
	f.limits = append(f.limits, limit)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.events, f.eventsErr
}

func (f *fakeSource) FetchStats(ctx context.Context) (events.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeSource) FetchUserCount(ctx context.Context) (int, error) {
	return f.users, f.usersErr
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := events.ParseTimestamp(s)
	require.NoError(t, err)
	return ts
}

func evt(t *testing.T, id, cam, typ, ts string) events.Event {
	return events.Event{ID: id, CameraID: cam, EventType: typ, Timestamp: mustTime(t, ts)}
}

func newUTC(src reconciler.SnapshotSource) *reconciler.Reconciler {
	return reconciler.New(src, reconciler.Config{Location: time.UTC, FetchUserCount: true})
}

func TestSnapshotThenLiveEvent(t *testing.T) {
	last := mustTime(t, "2024-01-01T10:15:00Z")
	src := &fakeSource{
		events: []events.Event{evt(t, "1", "cam-01", "intrusion", "2024-01-01T10:15:00Z")},
		stats:  events.Stats{TotalEvents: 1, IntrusionEvents: 1, LastEventTime: &last},
		users:  3,
	}
	r := newUTC(src)

	require.NoError(t, r.LoadSnapshot(context.Background()))

	v := r.View()
	assert.Len(t, v.Events, 1)
	assert.Equal(t, 1, v.Stats.IntrusionEvents)
	assert.Equal(t, 3, v.ActiveUsers)
	assert.False(t, v.Loading)
	assert.Empty(t, v.Error)

	r.OnLiveEvent(evt(t, "2", "cam-02", "loitering", "2024-01-01T10:20:00Z"))

	v = r.View()
	require.Len(t, v.Events, 2)
	assert.Equal(t, "2", v.Events[0].ID)
	assert.Equal(t, 2, v.Stats.TotalEvents)
	assert.Equal(t, 1, v.Stats.IntrusionEvents)
	assert.Equal(t, 2, v.Stats.UniqueCameraCount)
	require.NotNil(t, v.Stats.LastEventTime)
	assert.True(t, v.Stats.LastEventTime.Equal(mustTime(t, "2024-01-01T10:20:00Z")))

	buckets := r.TimeBuckets()
	require.Len(t, buckets, 1)
	b, ok := buckets[reconciler.BucketKey{Year: 2024, Month: time.January, Day: 1, Hour: 10}]
	require.True(t, ok)
	assert.Equal(t, 2, b.Total)
	assert.Equal(t, map[string]int{"cam-01": 1, "cam-02": 1}, b.PerCamera)
	assert.Equal(t, []int{reconciler.DefaultSnapshotLimit}, src.limits)
}

func TestOnLiveEvent_Idempotent(t *testing.T) {
	r := newUTC(&fakeSource{})
	e := evt(t, "7", "cam-01", "intrusion", "2024-01-01T08:00:00Z")

	r.OnLiveEvent(e)
	once := r.View()
	onceBuckets := r.TimeBuckets()

	r.OnLiveEvent(e)
	twice := r.View()

	assert.Equal(t, once.Events, twice.Events)
	assert.Equal(t, once.Stats, twice.Stats)
	assert.Equal(t, onceBuckets, r.TimeBuckets())
}

func TestOnLiveEvent_RetentionCap(t *testing.T) {
	r := newUTC(&fakeSource{})
	base := mustTime(t, "2024-01-01T00:00:00Z")

	for i := 0; i < 130; i++ {
		r.OnLiveEvent(events.Event{
			ID:        fmt.Sprintf("e-%d", i),
			CameraID:  fmt.Sprintf("cam-%d", i%7),
			EventType: "motion",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	v := r.View()
	require.Len(t, v.Events, reconciler.DefaultRetentionCap)
	assert.Equal(t, "e-129", v.Events[0].ID)
	assert.Equal(t, "e-30", v.Events[len(v.Events)-1].ID)
	assert.Equal(t, 130, v.Stats.TotalEvents)

	// An id that fell off the window is new again.
	r.OnLiveEvent(events.Event{ID: "e-0", CameraID: "cam-0", EventType: "motion", Timestamp: base})
	v = r.View()
	assert.Equal(t, "e-0", v.Events[0].ID)
	assert.Equal(t, 131, v.Stats.TotalEvents)
	assert.Len(t, v.Events, reconciler.DefaultRetentionCap)

	// Retained ids are still deduplicated after eviction churn.
	r.OnLiveEvent(events.Event{ID: "e-129", CameraID: "cam-3", EventType: "motion", Timestamp: base})
	assert.Equal(t, 131, r.View().Stats.TotalEvents)
}

func TestUniqueCameraCount_WindowDerived(t *testing.T) {
	r := reconciler.New(&fakeSource{}, reconciler.Config{RetentionCap: 3, Location: time.UTC})

	r.OnLiveEvent(evt(t, "1", "lobby", "motion", "2024-01-01T00:00:00Z"))
	r.OnLiveEvent(evt(t, "2", "gate", "motion", "2024-01-01T00:01:00Z"))
	assert.Equal(t, 2, r.View().Stats.UniqueCameraCount)

	r.OnLiveEvent(evt(t, "3", "gate", "motion", "2024-01-01T00:02:00Z"))
	r.OnLiveEvent(evt(t, "4", "gate", "motion", "2024-01-01T00:03:00Z"))

	// "lobby" fell out of the window, so the count shrinks.
	v := r.View()
	assert.Equal(t, 1, v.Stats.UniqueCameraCount)
	assert.Equal(t, 4, v.Stats.TotalEvents)
}

func TestLoadSnapshot_FailureKeepsState(t *testing.T) {
	src := &fakeSource{statsErr: errors.New("connection refused")}
	r := newUTC(src)
	r.OnLiveEvent(evt(t, "1", "cam-01", "intrusion", "2024-01-01T10:00:00Z"))

	src.events = []events.Event{evt(t, "9", "cam-09", "crowd", "2024-01-01T09:00:00Z")}
	err := r.LoadSnapshot(context.Background())

	var loadErr *reconciler.SnapshotLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "connection refused")

	v := r.View()
	assert.False(t, v.Loading)
	assert.Contains(t, v.Error, "stats")
	require.Len(t, v.Events, 1)
	assert.Equal(t, "1", v.Events[0].ID)
	assert.Equal(t, 1, v.Stats.TotalEvents)

	// A manual retry that succeeds clears the error.
	src.statsErr = nil
	src.stats = events.Stats{TotalEvents: 40, IntrusionEvents: 2}
	require.NoError(t, r.LoadSnapshot(context.Background()))

	v = r.View()
	assert.Empty(t, v.Error)
	assert.Equal(t, 40, v.Stats.TotalEvents)
	require.Len(t, v.Events, 1)
	assert.Equal(t, "9", v.Events[0].ID)
}

func TestLoadSnapshot_UserCountFailureFailsLoad(t *testing.T) {
	src := &fakeSource{usersErr: errors.New("403 admins only")}
	r := newUTC(src)

	err := r.LoadSnapshot(context.Background())
	require.Error(t, err)
	assert.Nil(t, r.View().LoadedAt)

	// Disabled user count does not issue the request.
	r2 := reconciler.New(src, reconciler.Config{Location: time.UTC})
	assert.NoError(t, r2.LoadSnapshot(context.Background()))
}

func TestLoadSnapshot_DedupesAndCaps(t *testing.T) {
	src := &fakeSource{events: []events.Event{
		evt(t, "3", "a", "motion", "2024-01-01T03:00:00Z"),
		evt(t, "3", "a", "motion", "2024-01-01T03:00:00Z"),
		evt(t, "2", "b", "motion", "2024-01-01T02:00:00Z"),
		evt(t, "1", "c", "motion", "2024-01-01T01:00:00Z"),
	}}
	r := reconciler.New(src, reconciler.Config{RetentionCap: 2, Location: time.UTC})
	require.NoError(t, r.LoadSnapshot(context.Background()))

	v := r.View()
	require.Len(t, v.Events, 2)
	assert.Equal(t, "3", v.Events[0].ID)
	assert.Equal(t, "2", v.Events[1].ID)
	assert.Len(t, r.TimeBuckets(), 2)

	// The oldest retained event is the first to go.
	r.OnLiveEvent(evt(t, "4", "d", "motion", "2024-01-01T04:00:00Z"))
	v = r.View()
	assert.Equal(t, []string{"4", "3"}, []string{v.Events[0].ID, v.Events[1].ID})
	r.OnLiveEvent(evt(t, "3", "a", "motion", "2024-01-01T03:00:00Z"))
	assert.Len(t, r.View().Events, 2)
}

func TestLiveEventsDuringLoadSurviveSnapshot(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeSource{
		gate:   gate,
		events: []events.Event{evt(t, "1", "cam-01", "intrusion", "2024-01-01T10:00:00Z")},
		stats:  events.Stats{TotalEvents: 1, IntrusionEvents: 1},
	}
	r := newUTC(src)

	done := make(chan error, 1)
	go func() { done <- r.LoadSnapshot(context.Background()) }()

	// Wait until the load is in flight.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.limits) == 1
	}, time.Second, 5*time.Millisecond)

	r.OnLiveEvent(evt(t, "2", "cam-02", "loitering", "2024-01-01T10:05:00Z"))
	r.OnLiveEvent(evt(t, "1", "cam-01", "intrusion", "2024-01-01T10:00:00Z"))
	assert.True(t, r.View().Loading)

	close(gate)
	require.NoError(t, <-done)

	v := r.View()
	require.Len(t, v.Events, 2)
	assert.Equal(t, "2", v.Events[0].ID)
	assert.Equal(t, "1", v.Events[1].ID)
	assert.Equal(t, 2, v.Stats.TotalEvents)
	assert.Equal(t, 1, v.Stats.IntrusionEvents)
}

func TestClose_StopsIngestion(t *testing.T) {
	r := newUTC(&fakeSource{})
	calls := 0
	r.OnChange(func() { calls++ })

	r.OnLiveEvent(evt(t, "1", "cam-01", "motion", "2024-01-01T10:00:00Z"))
	assert.Equal(t, 1, calls)

	r.Close()
	r.OnLiveEvent(evt(t, "2", "cam-01", "motion", "2024-01-01T10:01:00Z"))
	r.SetConnected(true)

	assert.Len(t, r.View().Events, 1)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, r.LoadSnapshot(context.Background()), reconciler.ErrClosed)
}

func TestSetConnected_KeepsDataAndMarksStale(t *testing.T) {
	r := newUTC(&fakeSource{events: []events.Event{evt(t, "1", "cam-01", "motion", "2024-01-01T10:00:00Z")}})
	require.NoError(t, r.LoadSnapshot(context.Background()))

	r.SetConnected(true)
	v := r.View()
	assert.True(t, v.Connected)
	assert.False(t, v.Stale)

	r.SetConnected(false)
	v = r.View()
	assert.False(t, v.Connected)
	assert.True(t, v.Stale)
	assert.Len(t, v.Events, 1)
}

func TestBuckets_TimezoneNormalization(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	r := reconciler.New(&fakeSource{}, reconciler.Config{Location: ist})

	// Offset-less is UTC: 10:15Z is 15:45 IST.
	r.OnLiveEvent(evt(t, "naive", "cam-01", "motion", "2024-01-01T10:15:00"))
	// Explicit offset: 10:15 IST.
	r.OnLiveEvent(evt(t, "offset", "cam-01", "motion", "2024-01-01T10:15:00+05:30"))
	// Crosses midnight locally: 20:00Z is 01:30 IST next day.
	r.OnLiveEvent(evt(t, "late", "cam-02", "motion", "2024-01-01T20:00:00Z"))

	buckets := r.TimeBuckets()
	assert.Equal(t, 1, buckets[reconciler.BucketKey{Year: 2024, Month: time.January, Day: 1, Hour: 15}].Total)
	assert.Equal(t, 1, buckets[reconciler.BucketKey{Year: 2024, Month: time.January, Day: 1, Hour: 10}].Total)
	assert.Equal(t, 1, buckets[reconciler.BucketKey{Year: 2024, Month: time.January, Day: 2, Hour: 1}].Total)

	chart := r.Chart(0)
	require.Len(t, chart.Points, 3)
	assert.Equal(t, []string{"10", "15", "01"}, []string{chart.Points[0].Hour, chart.Points[1].Hour, chart.Points[2].Hour})
	assert.Equal(t, "2024-01-02", chart.Points[2].Date)
	assert.Equal(t, "3 PM", chart.Points[1].Label)
	assert.Equal(t, "1 AM", chart.Points[2].Label)
}

func TestChart_TopCamerasTieBreak(t *testing.T) {
	r := newUTC(&fakeSource{})
	seq := 0
	add := func(cam string, n int) {
		for i := 0; i < n; i++ {
			seq++
			r.OnLiveEvent(events.Event{
				ID:        fmt.Sprintf("%d", seq),
				CameraID:  cam,
				EventType: "motion",
				Timestamp: mustTime(t, "2024-01-01T10:00:00Z").Add(time.Duration(seq) * time.Minute),
			})
		}
	}
	add("a", 2)
	add("b", 2)
	add("c", 2)
	add("d", 1)
	add("e", 2)
	add("f", 3)

	chart := r.Chart(4)
	assert.Equal(t, []string{"f", "a", "b", "c"}, chart.TopCameras)

	// Determinism: repeated calls agree.
	for i := 0; i < 10; i++ {
		assert.Equal(t, chart.TopCameras, r.Chart(4).TopCameras)
	}

	// Projection keeps totals but only breaks out top cameras.
	var total int
	for _, p := range chart.Points {
		total += p.Total
		assert.Len(t, p.Cameras, 4)
		_, hasD := p.Cameras["d"]
		assert.False(t, hasD)
	}
	assert.Equal(t, 12, total)
}

func TestBucketKey_Labels(t *testing.T) {
	tests := []struct {
		hour    int
		label   string
		display string
	}{
		{0, "00", "12 AM"},
		{9, "09", "9 AM"},
		{12, "12", "12 PM"},
		{23, "23", "11 PM"},
	}
	for _, tt := range tests {
		k := reconciler.BucketKey{Year: 2024, Month: time.May, Day: 3, Hour: tt.hour}
		assert.Equal(t, tt.label, k.Label())
		assert.Equal(t, tt.display, k.DisplayLabel())
	}
}
