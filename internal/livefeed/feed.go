package livefeed

import (
	"context"
	"errors"

	"github.com/apex/log"

	"github.com/technosupport/ts-campus/internal/events"
	"github.com/technosupport/ts-campus/internal/metrics"
)

// Sink receives parsed live events and connectivity changes.
// *reconciler.Reconciler satisfies it.
type Sink interface {
	OnLiveEvent(evt events.Event)
	SetConnected(connected bool)
}

// Feed is a live push channel. Run blocks until ctx is cancelled or the
// feed gives up; no event is delivered to the sink after Run returns.
type Feed interface {
	Run(ctx context.Context) error
	// OnReconnect registers fn to run, on its own goroutine, after every
	// successful reconnect (not the first connect).
	OnReconnect(fn func(ctx context.Context))
}

// TokenSource supplies the bearer token used on connect.
type TokenSource interface {
	Token() (string, error)
}

// Dispatch parses one raw message and forwards any event to sink.
// Malformed messages are dropped and logged; control messages are ignored.
func Dispatch(transport string, data []byte, sink Sink) error {
	msg, err := events.ParseLiveMessage(data)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, events.ErrInvalidEvent) {
			reason = "invalid_event"
		}
		metrics.LiveMessagesDropped.WithLabelValues(transport, reason).Inc()
		log.WithFields(log.Fields{
			"transport": transport,
			"bytes":     len(data),
		}).WithError(err).Warn("Dropping malformed live message")
		return err
	}

	if msg.IsControl() {
		log.WithField("transport", transport).Debugf("Live control message: %s", msg.Type)
		return nil
	}

	sink.OnLiveEvent(*msg.Event)
	return nil
}
