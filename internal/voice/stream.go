package voice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/callpilot/pkg/logging"
)

const (
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10
	streamWriteWait = 10 * time.Second
	maxStreamDelay  = 30 * time.Second
)

// HandleFunc consumes one decoded vendor event.
type HandleFunc func(ctx context.Context, w Webhook) error

// StreamListener consumes the vendor's websocket event feed and hands each
// message to a HandleFunc. It reconnects with backoff until its context ends.
type StreamListener struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	handle  HandleFunc
	logger  *logging.Logger
	backoff time.Duration
}

func NewStreamListener(feedURL, apiKey string, handle HandleFunc, logger *logging.Logger) *StreamListener {
	if logger == nil {
		logger = logging.Default()
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("xi-api-key", apiKey)
	}
	return &StreamListener{
		url:     feedURL,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handle:  handle,
		logger:  logger,
		backoff: time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (l *StreamListener) Run(ctx context.Context) {
	delay := l.backoff
	for {
		start := time.Now()
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > streamPongWait {
			delay = l.backoff
		}
		l.logger.Warn("voice event stream disconnected", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxStreamDelay)
	}
}

func (l *StreamListener) consume(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, l.header)
	if err != nil {
		return err
	}
	defer conn.Close()
	l.logger.Info("voice event stream connected")

	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("voice: stream closed by server")
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		w, err := DecodeWebhook(data)
		if err != nil {
			l.logger.Warn("voice stream message dropped", "error", err)
			continue
		}
		if err := l.handle(ctx, w); err != nil {
			l.logger.Warn("voice stream event not applied", "conversation_id", w.ConversationID, "type", w.Type, "error", err)
		}
	}
}
