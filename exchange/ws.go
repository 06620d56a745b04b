package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"opus-trader/config"
)

const (
	pingInterval      = 25 * time.Second
	maxReconnectDelay = 60 * time.Second
	loginWindow       = 10 * time.Second
)

// ChannelArg identifies one OKX WS subscription.
type ChannelArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// WSHandler receives the raw data array of one event frame for a channel.
type WSHandler func(arg ChannelArg, data json.RawMessage)

// wsRequest is the generic OKX WS operation frame.
type wsRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

// wsFrame is the shape of every inbound frame we care about.
type wsFrame struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   ChannelArg      `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// WS is an OKX v5 WebSocket connection, public or private. Handlers are routed
// by channel name; subscriptions are replayed after every reconnect. The
// private flavor authenticates before re-subscribing.
type WS struct {
	url   string
	creds *config.ExchangeConfig // nil for the public endpoint
	log   zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]WSHandler
	subs     []ChannelArg
}

// NewPublicWS creates an unauthenticated socket for market data channels.
func NewPublicWS(url string, log zerolog.Logger) *WS {
	return &WS{
		url:      url,
		log:      log.With().Str("component", "okx_ws").Str("endpoint", "public").Logger(),
		handlers: make(map[string]WSHandler),
	}
}

// NewPrivateWS creates an authenticated socket for orders, positions and
// account channels.
func NewPrivateWS(cfg config.ExchangeConfig, log zerolog.Logger) *WS {
	creds := cfg
	return &WS{
		url:      cfg.WSPrivateURL,
		creds:    &creds,
		log:      log.With().Str("component", "okx_ws").Str("endpoint", "private").Logger(),
		handlers: make(map[string]WSHandler),
	}
}

// On registers the handler for a channel. Candle channels share one handler
// under the "candle" prefix key.
func (w *WS) On(channel string, handler WSHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[channel] = handler
}

// Subscribe records the subscriptions and sends them when connected. Recorded
// subscriptions are replayed on every reconnect.
func (w *WS) Subscribe(args ...ChannelArg) error {
	w.mu.Lock()
	w.subs = append(w.subs, args...)
	conn := w.conn
	w.mu.Unlock()

	if conn == nil {
		return nil // sent on connect
	}
	return w.send(wsRequest{Op: "subscribe", Args: toAny(args)})
}

func toAny(args []ChannelArg) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

func (w *WS) send(req wsRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	return w.conn.WriteJSON(req)
}

// connect dials, authenticates when private, and replays subscriptions.
func (w *WS) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	w.mu.Lock()
	w.conn = conn
	subs := make([]ChannelArg, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	if w.creds != nil {
		if err := w.login(conn); err != nil {
			conn.Close()
			return err
		}
	}

	if len(subs) > 0 {
		if err := w.send(wsRequest{Op: "subscribe", Args: toAny(subs)}); err != nil {
			conn.Close()
			return fmt.Errorf("replay subscriptions: %w", err)
		}
	}

	w.log.Info().Int("subscriptions", len(subs)).Msg("websocket connected")
	return nil
}

// login performs the private-endpoint handshake and waits for the ack.
func (w *WS) login(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := wsRequest{
		Op: "login",
		Args: []interface{}{map[string]string{
			"apiKey":     w.creds.APIKey,
			"passphrase": w.creds.Passphrase,
			"timestamp":  ts,
			"sign":       sign(w.creds.SecretKey, ts, "GET", "/users/self/verify", ""),
		}},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(loginWindow))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read login ack: %w", err)
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case "login":
			if frame.Code != "" && frame.Code != "0" {
				return fmt.Errorf("login rejected: %s %s", frame.Code, frame.Msg)
			}
			return nil
		case "error":
			return fmt.Errorf("login error: %s %s", frame.Code, frame.Msg)
		}
	}
}

// Run reads frames and dispatches them until ctx is cancelled. Disconnects
// reconnect with exponential backoff capped at 60 seconds; the attempt counter
// resets after subscriptions are replayed on a successful reconnect.
func (w *WS) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.connect(ctx); err != nil {
			delay := backoffDelay(attempt)
			w.log.Warn().Err(err).Dur("retry_in", delay).Msg("websocket connect failed")
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		pingCtx, stopPing := context.WithCancel(ctx)
		go w.pingLoop(pingCtx)
		err := w.readLoop(ctx)
		stopPing()
		w.closeConn()

		if ctx.Err() != nil {
			return
		}
		delay := backoffDelay(attempt)
		w.log.Warn().Err(err).Dur("retry_in", delay).Msg("websocket disconnected, reconnecting")
		attempt++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt > 5 {
		return maxReconnectDelay
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (w *WS) readLoop(ctx context.Context) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if string(data) == "pong" {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			w.log.Warn().Str("frame", truncate(string(data), 200)).Msg("dropping malformed frame")
			continue
		}

		switch {
		case frame.Event == "error":
			w.log.Warn().Str("code", frame.Code).Str("msg", frame.Msg).Msg("websocket error event")
		case frame.Event != "":
			// subscribe/unsubscribe acks
			w.log.Debug().Str("event", frame.Event).Str("channel", frame.Arg.Channel).Msg("ws event")
		case frame.Data != nil:
			w.dispatch(frame)
		default:
			w.log.Warn().Str("frame", truncate(string(data), 200)).Msg("dropping non-data frame")
		}
	}
}

func (w *WS) dispatch(frame wsFrame) {
	w.mu.Lock()
	handler := w.handlers[frame.Arg.Channel]
	if handler == nil && len(frame.Arg.Channel) > 6 && frame.Arg.Channel[:6] == "candle" {
		handler = w.handlers["candle"]
	}
	w.mu.Unlock()

	if handler == nil {
		w.log.Debug().Str("channel", frame.Arg.Channel).Msg("no handler for channel")
		return
	}
	handler(frame.Arg, frame.Data)
}

func (w *WS) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			w.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				w.log.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (w *WS) closeConn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (w *WS) Close() error {
	w.closeConn()
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
