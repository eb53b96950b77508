package livefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-campus/internal/metrics"
)

const transportNATS = "nats"

type NATSConfig struct {
	URL           string
	Subject       string
	Name          string
	ReconnectWait time.Duration
}

// NATSFeed consumes the same new_event envelope from a NATS subject. Used
// where the backend fans events out over a broker instead of a WebSocket.
type NATSFeed struct {
	cfg  NATSConfig
	sink Sink

	mu          sync.Mutex
	onReconnect []func(ctx context.Context)

	// stateMu guards stopped; sink calls hold it for reading so none can
	// land after Run has returned.
	stateMu sync.RWMutex
	stopped bool
}

func NewNATSFeed(cfg NATSConfig, sink Sink) *NATSFeed {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "ts-campus-dashboard"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSFeed{cfg: cfg, sink: sink}
}

func (f *NATSFeed) OnReconnect(fn func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnect = append(f.onReconnect, fn)
}

// Handle processes one message payload unless ctx is done or Run has returned.
func (f *NATSFeed) Handle(ctx context.Context, data []byte) {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	if f.stopped || ctx.Err() != nil {
		return
	}
	_ = Dispatch(transportNATS, data, f.sink)
}

func (f *NATSFeed) setConnected(ctx context.Context, connected bool) {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	if f.stopped || ctx.Err() != nil {
		return
	}
	f.sink.SetConnected(connected)
}

// Run connects and consumes until ctx is cancelled. A broker that is down at
// startup is retried in the background like any later outage.
func (f *NATSFeed) Run(ctx context.Context) error {
	f.stateMu.Lock()
	f.stopped = false
	f.stateMu.Unlock()

	nc, err := nats.Connect(f.cfg.URL,
		nats.Name(f.cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(f.cfg.ReconnectWait),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("Live feed (nats) connected")
			f.setConnected(ctx, true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Live feed (nats) disconnected")
			f.setConnected(ctx, false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if ctx.Err() != nil {
				return
			}
			log.WithField("url", nc.ConnectedUrl()).Info("Live feed (nats) reconnected")
			f.setConnected(ctx, true)
			metrics.LiveFeedReconnects.WithLabelValues("success").Inc()

			f.mu.Lock()
			hooks := make([]func(ctx context.Context), len(f.onReconnect))
			copy(hooks, f.onReconnect)
			f.mu.Unlock()
			for _, fn := range hooks {
				go fn(ctx)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	sub, err := nc.Subscribe(f.cfg.Subject, func(m *nats.Msg) {
		f.Handle(ctx, m.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats subscribe %s: %w", f.cfg.Subject, err)
	}
	log.WithField("subject", f.cfg.Subject).Info("Live feed (nats) subscribed")

	if nc.IsConnected() {
		f.setConnected(ctx, true)
	} else {
		log.WithField("url", f.cfg.URL).Warn("Live feed (nats) broker unavailable, retrying")
	}

	<-ctx.Done()

	// Stop sink delivery first; in-flight Handle calls finish before the
	// lock is granted.
	f.stateMu.Lock()
	f.stopped = true
	f.sink.SetConnected(false)
	f.stateMu.Unlock()

	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		log.WithError(err).Warn("Live feed (nats) unsubscribe failed")
	}
	nc.Close()
	return nil
}
