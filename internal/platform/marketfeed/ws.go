package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/desklab/optiondesk/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	handshakeTimeout = 15 * time.Second
)

// QuoteHandler is called for every contract quote tick.
type QuoteHandler func(symbol string, s domain.QuoteSample)

// GreeksHandler is called for every contract Greeks tick.
type GreeksHandler func(symbol string, s domain.GreeksSample)

// UnderlyingHandler is called for every underlying last-trade tick.
type UnderlyingHandler func(ticker string, s domain.UnderlyingSample)

// StateHandler is called with true after each successful (re)connect and
// false when the connection is lost.
type StateHandler func(connected bool)

// WSClient is a WebSocket client for the market data stream. It manages the
// connection lifecycle and per-channel subscriptions, restores subscriptions
// after a reconnect, and dispatches ticks to registered handlers.
type WSClient struct {
	wsURL  string
	apiKey string

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Subscriptions to restore on reconnect, keyed channel -> symbols.
	subscriptions map[string]map[string]struct{}

	handlerMu      sync.RWMutex
	quoteHandlers  []QuoteHandler
	greeksHandlers []GreeksHandler
	underHandlers  []UnderlyingHandler
	stateHandlers  []StateHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a client for the given stream endpoint. apiKey, if
// non-empty, is sent as a bearer token during the handshake.
func NewWSClient(wsURL, apiKey string) *WSClient {
	return &WSClient{
		wsURL:         wsURL,
		apiKey:        apiKey,
		subscriptions: make(map[string]map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and restores any
// subscriptions recorded before a disconnect.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("marketfeed/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var header http.Header
	if w.apiKey != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+w.apiKey)
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, header)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("marketfeed/ws: connect: %w", err)
	}

	w.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Loops are bound to this conn so a reconnect cannot leave a stray
	// pinger driving the new connection.
	go w.readLoop(conn)
	go w.pingLoop(conn)

	for ch, symbols := range w.subscriptions {
		if len(symbols) == 0 {
			continue
		}
		cmd := WSCommand{Action: "subscribe", Channel: ch, Symbols: symbolList(symbols)}
		if err := w.sendCommand(conn, cmd); err != nil {
			w.mu.Unlock()
			return fmt.Errorf("marketfeed/ws: restore subscription: %w", err)
		}
	}
	w.mu.Unlock()

	// State handlers run outside the lock so one may call back into the
	// client without deadlocking.
	w.notifyState(true)
	return nil
}

// Subscribe subscribes the given symbols on a channel and records them for
// restoration after a reconnect. Re-subscribing a known symbol is a no-op.
func (w *WSClient) Subscribe(ctx context.Context, channel string, symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("marketfeed/ws: not connected")
	}

	set, ok := w.subscriptions[channel]
	if !ok {
		set = make(map[string]struct{})
		w.subscriptions[channel] = set
	}

	fresh := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, known := set[s]; !known {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	cmd := WSCommand{Action: "subscribe", Channel: channel, Symbols: fresh}
	if err := w.sendCommand(w.conn, cmd); err != nil {
		return fmt.Errorf("marketfeed/ws: subscribe to %s: %w", channel, err)
	}

	for _, s := range fresh {
		set[s] = struct{}{}
	}
	return nil
}

// Unsubscribe removes the given symbols from a channel.
func (w *WSClient) Unsubscribe(ctx context.Context, channel string, symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("marketfeed/ws: not connected")
	}

	set := w.subscriptions[channel]
	stale := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, known := set[s]; known {
			stale = append(stale, s)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	cmd := WSCommand{Action: "unsubscribe", Channel: channel, Symbols: stale}
	if err := w.sendCommand(w.conn, cmd); err != nil {
		return fmt.Errorf("marketfeed/ws: unsubscribe from %s: %w", channel, err)
	}

	for _, s := range stale {
		delete(set, s)
	}
	return nil
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnQuote registers a handler for contract quote ticks.
func (w *WSClient) OnQuote(handler QuoteHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.quoteHandlers = append(w.quoteHandlers, handler)
}

// OnGreeks registers a handler for contract Greeks ticks.
func (w *WSClient) OnGreeks(handler GreeksHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.greeksHandlers = append(w.greeksHandlers, handler)
}

// OnUnderlying registers a handler for underlying last-trade ticks.
func (w *WSClient) OnUnderlying(handler UnderlyingHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.underHandlers = append(w.underHandlers, handler)
}

// OnStateChange registers a handler for connect/disconnect transitions.
func (w *WSClient) OnStateChange(handler StateHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.stateHandlers = append(w.stateHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendCommand sends a JSON command on the given connection. Caller must
// hold w.mu.
func (w *WSClient) sendCommand(conn *websocket.Conn, cmd WSCommand) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages from one connection and dispatches them until
// that connection fails, then hands off to reconnect.
func (w *WSClient) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.notifyState(false)
			w.reconnect()
			return // the new Connect starts its own readLoop
		}

		w.handleMessage(message)
	}
}

// pingLoop keeps one connection alive until it fails or the client closes.
func (w *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw stream message and routes it by channel.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		Channel string `json:"channel"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // silently drop unparseable messages
	}

	switch envelope.Channel {
	case ChannelQuotes:
		var q APIQuote
		if err := json.Unmarshal(raw, &q); err != nil {
			return
		}
		sample := q.ToDomainSample(domain.SourceWebsocket)

		w.handlerMu.RLock()
		handlers := w.quoteHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(q.Symbol, sample)
		}

	case ChannelGreeks:
		var g APIGreeksTick
		if err := json.Unmarshal(raw, &g); err != nil {
			return
		}
		sample := g.ToDomainSample(domain.SourceWebsocket)

		w.handlerMu.RLock()
		handlers := w.greeksHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(g.Symbol, sample)
		}

	case ChannelUnderlying:
		var u APIUnderlying
		if err := json.Unmarshal(raw, &u); err != nil {
			return
		}
		sample := u.ToDomainSample(domain.SourceWebsocket)

		w.handlerMu.RLock()
		handlers := w.underHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(u.Ticker, sample)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (w *WSClient) notifyState(connected bool) {
	w.handlerMu.RLock()
	handlers := w.stateHandlers
	w.handlerMu.RUnlock()

	for _, h := range handlers {
		h(connected)
	}
}

func symbolList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}
