package livefeed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-campus/internal/metrics"
)

const transportWS = "websocket"

type WSConfig struct {
	URL string
	// Handshake is sent as a text frame right after connect. The backend's
	// receive loop expects the client to speak first.
	Handshake    string
	Reconnect    bool
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	ReadLimit    int64
}

// WSClient subscribes to the backend's event WebSocket.
type WSClient struct {
	cfg    WSConfig
	sink   Sink
	tokens TokenSource
	dialer *websocket.Dialer

	mu          sync.Mutex
	onReconnect []func(ctx context.Context)
}

func NewWSClient(cfg WSConfig, tokens TokenSource, sink Sink) *WSClient {
	if cfg.Handshake == "" {
		cfg.Handshake = "subscribe"
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 64 * 1024
	}

	return &WSClient{
		cfg:    cfg,
		sink:   sink,
		tokens: tokens,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

func (c *WSClient) OnReconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Run connects and reads until ctx is cancelled. With Reconnect enabled a
// dropped connection is re-dialed with exponential backoff.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	everConnected := false

	for {
		connected, err := c.session(ctx, everConnected)
		if connected {
			everConnected = true
			backoff = c.cfg.MinBackoff
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).WithField("url", c.cfg.URL).Warn("Live feed disconnected")
		}
		if !c.cfg.Reconnect {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (c *WSClient) session(ctx context.Context, isReconnect bool) (bool, error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return false, fmt.Errorf("bearer token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if isReconnect {
			metrics.LiveFeedReconnects.WithLabelValues("fail").Inc()
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(c.cfg.Handshake)); err != nil {
		return true, fmt.Errorf("handshake: %w", err)
	}

	log.WithField("url", c.cfg.URL).Info("Live feed connected")
	c.sink.SetConnected(true)
	defer c.sink.SetConnected(false)

	if isReconnect {
		metrics.LiveFeedReconnects.WithLabelValues("success").Inc()
		c.mu.Lock()
		hooks := make([]func(ctx context.Context), len(c.onReconnect))
		copy(hooks, c.onReconnect)
		c.mu.Unlock()
		for _, fn := range hooks {
			go fn(ctx)
		}
	}

	// Closing the connection unblocks ReadMessage on cancellation; pings
	// keep the deadline moving. WriteControl is safe alongside the reader.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(c.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		if ctx.Err() != nil {
			return true, nil
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		// Malformed messages are logged and counted inside Dispatch.
		_ = Dispatch(transportWS, msg, c.sink)
	}
}
