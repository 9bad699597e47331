package hub

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/relayhub/internal/metrics"
)

var newline = []byte{'\n'}

// Agent owns exactly one WebSocket connection and its two pumps. The
// connection is never written from more than one goroutine: the write pump
// is the sole writer of data frames, and close frames are written only
// after the write pump has exited.
type Agent struct {
	id       uuid.UUID
	conn     *websocket.Conn
	remoteIP string
	clock    clockwork.Clock
	opts     Options

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAgent wraps an accepted connection in a fresh agent identity. The
// agent does nothing until it is passed to Register.
func (h *Hub) NewAgent(conn *websocket.Conn, remoteIP string) *Agent {
	return &Agent{
		id:       uuid.New(),
		conn:     conn,
		remoteIP: remoteIP,
		clock:    h.clock,
		opts:     h.opts,
		send:     make(chan []byte, h.opts.SendBuffer),
		done:     make(chan struct{}),
	}
}

// ID returns the agent's unique handle.
func (a *Agent) ID() uuid.UUID { return a.id }

// RemoteIP returns the client IP recorded at upgrade time.
func (a *Agent) RemoteIP() string { return a.remoteIP }

func (a *Agent) closed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// start launches both pumps. Called exactly once, from Register.
func (a *Agent) start(h *Hub) {
	a.wg.Add(1)
	go a.writePump()
	go a.readPump(h)
}

// closeWith tears the agent down: stops the write pump, sends a close
// frame with the given code and reason, and closes the connection.
// Idempotent and safe to call from any goroutine.
func (a *Agent) closeWith(closeCode int, reason string) {
	a.stopOnce.Do(func() {
		close(a.done)

		// Wait for the write pump so the close frame is not written
		// concurrently with a data frame.
		a.wg.Wait()

		msg := websocket.FormatCloseMessage(closeCode, reason)
		a.updateWriteDeadline()
		_ = a.conn.WriteMessage(websocket.CloseMessage, msg)
		_ = a.conn.Close()
	})
}

// readPump forwards every received message to the hub's broadcast path
// until the connection fails, the peer closes, or the read deadline
// expires. Exiting triggers unregistration, which stops the write pump.
func (a *Agent) readPump(h *Hub) {
	defer func() {
		h.Unregister(a)
		_ = a.conn.Close()
	}()

	a.conn.SetReadLimit(a.opts.MaxMessageSize)
	a.refreshReadDeadline()
	a.conn.SetPongHandler(func(string) error {
		a.refreshReadDeadline()
		return nil
	})

	for {
		_, payload, err := a.conn.ReadMessage()
		if err != nil {
			a.handleReadError(err)
			return
		}
		a.refreshReadDeadline()
		h.Broadcast(payload)
	}
}

func (a *Agent) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("Closing agent: message exceeds size limit",
			"agent_id", a.id.String(), "limit", a.opts.MaxMessageSize)
		metrics.AgentOversizedMessages.Inc()
		msg := websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message exceeds size limit")
		_ = a.conn.WriteControl(websocket.CloseMessage, msg, a.clock.Now().Add(a.opts.WriteTimeout))
	case isTimeout(err):
		slog.Debug("Agent read deadline exceeded", "agent_id", a.id.String())
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		slog.Warn("Agent read error", "agent_id", a.id.String(), "error", err)
	default:
		slog.Debug("Agent disconnected", "agent_id", a.id.String(), "error", err)
	}
}

// writePump drains the outbound queue and emits periodic pings. Queued
// messages are coalesced into a single frame, newline-separated, in queue
// order.
func (a *Agent) writePump() {
	ticker := a.clock.NewTicker(a.opts.PingInterval)
	defer ticker.Stop()
	defer a.wg.Done()

	for {
		select {
		case msg := <-a.send:
			start := a.clock.Now()
			if !a.writeCoalesced(msg) {
				_ = a.conn.Close()
				return
			}
			metrics.AgentMessageSendDuration.Observe(a.clock.Since(start).Seconds())
		case <-ticker.Chan():
			a.updateWriteDeadline()
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.AgentPingFailures.Inc()
				_ = a.conn.Close()
				return
			}
		case <-a.done:
			return
		}
	}
}

// writeCoalesced writes msg plus anything already queued as one frame.
func (a *Agent) writeCoalesced(msg []byte) bool {
	a.updateWriteDeadline()
	w, err := a.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	if _, err := w.Write(msg); err != nil {
		return false
	}

	n := len(a.send)
	for range n {
		if _, err := w.Write(newline); err != nil {
			return false
		}
		if _, err := w.Write(<-a.send); err != nil {
			return false
		}
	}

	return w.Close() == nil
}

func (a *Agent) updateWriteDeadline() {
	_ = a.conn.SetWriteDeadline(a.clock.Now().Add(a.opts.WriteTimeout))
}

func (a *Agent) refreshReadDeadline() {
	_ = a.conn.SetReadDeadline(a.clock.Now().Add(a.opts.PongTimeout))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
