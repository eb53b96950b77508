package reconciler

import (
	"fmt"
	"sort"
	"time"

	"github.com/technosupport/ts-campus/internal/events"
)

// BucketKey identifies one calendar hour in the viewer's location.
type BucketKey struct {
	Year  int
	Month time.Month
	Day   int
	Hour  int
}

// BucketKeyFor returns the hour bucket of t in loc.
func BucketKeyFor(t time.Time, loc *time.Location) BucketKey {
	lt := t.In(loc)
	return BucketKey{Year: lt.Year(), Month: lt.Month(), Day: lt.Day(), Hour: lt.Hour()}
}

func (k BucketKey) Less(o BucketKey) bool {
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	if k.Month != o.Month {
		return k.Month < o.Month
	}
	if k.Day != o.Day {
		return k.Day < o.Day
	}
	return k.Hour < o.Hour
}

// Date is the bucket's calendar date, YYYY-MM-DD.
func (k BucketKey) Date() string {
	return fmt.Sprintf("%04d-%02d-%02d", k.Year, int(k.Month), k.Day)
}

// Label is the two-digit hour, "00" to "23".
func (k BucketKey) Label() string {
	return fmt.Sprintf("%02d", k.Hour)
}

// DisplayLabel renders the hour on a 12-hour clock, e.g. "12 AM", "3 PM".
func (k BucketKey) DisplayLabel() string {
	h := k.Hour % 12
	if h == 0 {
		h = 12
	}
	if k.Hour < 12 {
		return fmt.Sprintf("%d AM", h)
	}
	return fmt.Sprintf("%d PM", h)
}

func (k BucketKey) String() string {
	return k.Date() + " " + k.Label()
}

// Bucket aggregates the events of one hour.
type Bucket struct {
	Total     int            `json:"total"`
	PerCamera map[string]int `json:"per_camera"`
}

func (b *Bucket) clone() Bucket {
	pc := make(map[string]int, len(b.PerCamera))
	for k, v := range b.PerCamera {
		pc[k] = v
	}
	return Bucket{Total: b.Total, PerCamera: pc}
}

// timeBuckets holds the hour buckets plus the order in which cameras were
// first seen, used to break ties in top-camera selection.
type timeBuckets struct {
	loc         *time.Location
	buckets     map[BucketKey]*Bucket
	cameraOrder []string
	cameraSeen  map[string]struct{}
}

func newTimeBuckets(loc *time.Location) *timeBuckets {
	tb := &timeBuckets{loc: loc}
	tb.reset()
	return tb
}

func (tb *timeBuckets) reset() {
	tb.buckets = make(map[BucketKey]*Bucket)
	tb.cameraOrder = nil
	tb.cameraSeen = make(map[string]struct{})
}

func (tb *timeBuckets) add(e events.Event) {
	key := BucketKeyFor(e.Timestamp, tb.loc)
	b, ok := tb.buckets[key]
	if !ok {
		b = &Bucket{PerCamera: make(map[string]int)}
		tb.buckets[key] = b
	}
	b.Total++
	b.PerCamera[e.CameraID]++

	if _, seen := tb.cameraSeen[e.CameraID]; !seen {
		tb.cameraSeen[e.CameraID] = struct{}{}
		tb.cameraOrder = append(tb.cameraOrder, e.CameraID)
	}
}

// rebuild recomputes every bucket from a newest-first event list.
// Events are folded oldest first so first-seen order matches arrival order.
func (tb *timeBuckets) rebuild(evts []events.Event) {
	tb.reset()
	for i := len(evts) - 1; i >= 0; i-- {
		tb.add(evts[i])
	}
}

func (tb *timeBuckets) snapshot() map[BucketKey]Bucket {
	out := make(map[BucketKey]Bucket, len(tb.buckets))
	for k, b := range tb.buckets {
		out[k] = b.clone()
	}
	return out
}

func (tb *timeBuckets) sortedKeys() []BucketKey {
	keys := make([]BucketKey, 0, len(tb.buckets))
	for k := range tb.buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// topCameras returns up to k camera ids ordered by total count descending.
// Ties keep first-seen order.
func (tb *timeBuckets) topCameras(k int) []string {
	totals := make(map[string]int, len(tb.cameraOrder))
	for _, b := range tb.buckets {
		for cam, n := range b.PerCamera {
			totals[cam] += n
		}
	}

	ranked := make([]string, 0, len(tb.cameraOrder))
	for _, cam := range tb.cameraOrder {
		if totals[cam] > 0 {
			ranked = append(ranked, cam)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return totals[ranked[i]] > totals[ranked[j]]
	})

	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// ChartPoint is one hour of the time-series chart.
type ChartPoint struct {
	Date    string         `json:"date"`
	Hour    string         `json:"hour"`
	Label   string         `json:"label"`
	Total   int            `json:"total"`
	Cameras map[string]int `json:"cameras"`
}

// ChartSeries is the chart-ready projection of the hour buckets.
type ChartSeries struct {
	TopCameras []string     `json:"top_cameras"`
	Points     []ChartPoint `json:"points"`
}

func (tb *timeBuckets) chart(k int) ChartSeries {
	top := tb.topCameras(k)
	series := ChartSeries{
		TopCameras: top,
		Points:     make([]ChartPoint, 0, len(tb.buckets)),
	}

	for _, key := range tb.sortedKeys() {
		b := tb.buckets[key]
		cams := make(map[string]int, len(top))
		for _, cam := range top {
			cams[cam] = b.PerCamera[cam]
		}
		series.Points = append(series.Points, ChartPoint{
			Date:    key.Date(),
			Hour:    key.Label(),
			Label:   key.DisplayLabel(),
			Total:   b.Total,
			Cameras: cams,
		})
	}
	return series
}
