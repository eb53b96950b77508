package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/apex/log"

	"github.com/technosupport/ts-campus/internal/events"
	"github.com/technosupport/ts-campus/internal/reconciler"
)

// ViewSource is the read side of the reconciler.
type ViewSource interface {
	View() reconciler.View
}

// Dashboard is everything the handlers need from the reconciler.
type Dashboard interface {
	ViewSource
	Chart(k int) reconciler.ChartSeries
	LoadSnapshot(ctx context.Context) error
}

type DashboardHandler struct {
	Dashboard Dashboard
	// ImageURL resolves an event image_path to a fetchable URL. Optional.
	ImageURL func(path string) string
}

func NewDashboardHandler(d Dashboard, imageURL func(path string) string) *DashboardHandler {
	return &DashboardHandler{Dashboard: d, ImageURL: imageURL}
}

type eventResponse struct {
	events.Event
	ImageURL string `json:"image_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func (h *DashboardHandler) GetView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Dashboard.View())
}

func (h *DashboardHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	view := h.Dashboard.View()
	filtered := events.Filter(view.Events, q.Get("event_type"), q.Get("q"))

	out := make([]eventResponse, 0, len(filtered))
	for _, e := range filtered {
		resp := eventResponse{Event: e}
		if h.ImageURL != nil {
			resp.ImageURL = h.ImageURL(e.ImagePath)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *DashboardHandler) ListEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, events.Types(h.Dashboard.View().Events))
}

func (h *DashboardHandler) GetChart(w http.ResponseWriter, r *http.Request) {
	k := 0
	if s := r.URL.Query().Get("top"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "invalid top", http.StatusBadRequest)
			return
		}
		k = v
	}
	writeJSON(w, http.StatusOK, h.Dashboard.Chart(k))
}

// Reload retries the snapshot on the caller's behalf.
func (h *DashboardHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.Dashboard.LoadSnapshot(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, h.Dashboard.View())
}

// Health reports liveness plus whether the live feed is up.
func (h *DashboardHandler) Health(w http.ResponseWriter, r *http.Request) {
	view := h.Dashboard.View()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": view.Connected,
		"loading":   view.Loading,
	})
}
