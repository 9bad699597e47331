package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/relayhub/internal/metrics"
)

const (
	commandBuffer  = 256
	commandTimeout = 5 * time.Second // Actor command timeout
	stopTimeout    = 10 * time.Second
)

// Options configures a Hub and the agents it creates.
type Options struct {
	MaxAgents      int           // reject registrations beyond this many agents
	SendBuffer     int           // per-agent outbound queue capacity
	MaxMessageSize int64         // inbound read limit in bytes
	PingInterval   time.Duration // liveness probe period
	PongTimeout    time.Duration // read deadline window, must exceed PingInterval
	WriteTimeout   time.Duration // per-write deadline
	OnUnregister   func(*Agent)  // called from the hub goroutine after removal
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAgents:      10000,
		SendBuffer:     256,
		MaxMessageSize: 4096,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAgents <= 0 {
		o.MaxAgents = d.MaxAgents
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = d.PongTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	agent        *Agent
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	agent *Agent
}

type broadcastCmd struct {
	baseHubCmd
	data []byte
}

type countCmd struct {
	baseHubCmd
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns the authoritative set of registered agents. Only the run
// goroutine touches the agents map; everyone else goes through cmdCh.
type Hub struct {
	cmdCh  chan hubCmd
	clock  clockwork.Clock
	agents map[uuid.UUID]*Agent
	opts   Options
	done   chan struct{}
}

// NewHub creates a hub and starts its coordinating goroutine.
func NewHub(clock clockwork.Clock, opts Options) *Hub {
	h := &Hub{
		cmdCh:  make(chan hubCmd, commandBuffer),
		clock:  clock,
		agents: make(map[uuid.UUID]*Agent),
		opts:   opts.withDefaults(),
	}
	h.done = make(chan struct{})
	go h.run()
	return h
}

// Register adds an agent to the hub and starts its pumps. Returns an error
// if the hub is at capacity, the agent was already closed, or the command
// times out.
func (h *Hub) Register(a *Agent) error {
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{agent: a, errorChannel: errCh}

	// Use timeout to prevent blocking forever if the hub is stuck
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		a.start(h)
		return nil
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes an agent from the hub. Idempotent: removing an agent
// that is not registered is a no-op.
func (h *Hub) Unregister(a *Agent) {
	h.cmdCh <- unregisterCmd{agent: a}
}

// Broadcast enqueues data for delivery to every registered agent.
// Blocks only when the command channel itself is full, which throttles
// ingestion when the hub is globally overloaded.
func (h *Hub) Broadcast(data []byte) {
	h.cmdCh <- broadcastCmd{data: data}
}

// Count returns the number of registered agents, answered through the
// actor loop. Returns -1 if the command times out.
func (h *Hub) Count() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- countCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("Count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts down the hub. Commands already queued ahead of the stop are
// still processed, then every agent is closed with a normal close frame.
// Blocks until the hub goroutine has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
	}
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAllAgents("hub failure")
		}
	}()
	defer close(h.done)

	// Sample command channel depth every second
	depthTicker := h.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			metrics.HubCommandChannelDepth.Set(float64(depth))
			if depth > cap(h.cmdCh)*4/5 {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case unregisterCmd:
				h.remove(c.agent, websocket.CloseNormalClosure, "")
			case broadcastCmd:
				h.handleBroadcast(c.data)
			case countCmd:
				c.replyChannel <- len(h.agents)
			case stopCmd:
				h.closeAllAgents("server shutting down")
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	a := c.agent

	if a.closed() {
		c.errorChannel <- fmt.Errorf("agent %s is already closed; identities are not reused", a.id)
		return
	}

	if _, ok := h.agents[a.id]; ok {
		c.errorChannel <- fmt.Errorf("agent %s is already registered", a.id)
		return
	}

	if len(h.agents) >= h.opts.MaxAgents {
		slog.Warn("Rejecting agent: max agents reached", "agent_id", a.id.String(), "max_agents", h.opts.MaxAgents)
		a.conn.Close()
		c.errorChannel <- fmt.Errorf("max agents (%d) reached", h.opts.MaxAgents)
		return
	}

	h.agents[a.id] = a
	metrics.HubConnectedAgents.Set(float64(len(h.agents)))
	metrics.HubRegistrationsTotal.Inc()

	slog.Debug("Agent registered", "agent_id", a.id.String(), "remote_ip", a.remoteIP, "total_agents", len(h.agents))
	c.errorChannel <- nil
}

// remove deletes the agent and closes it with the given close frame.
// Returns false if the agent was not registered.
func (h *Hub) remove(a *Agent, closeCode int, reason string) bool {
	if _, ok := h.agents[a.id]; !ok {
		return false
	}

	delete(h.agents, a.id)
	a.closeWith(closeCode, reason)
	metrics.HubConnectedAgents.Set(float64(len(h.agents)))
	metrics.HubUnregistrationsTotal.Inc()

	if h.opts.OnUnregister != nil {
		h.opts.OnUnregister(a)
	}

	slog.Debug("Agent unregistered", "agent_id", a.id.String(), "remaining_agents", len(h.agents))
	return true
}

func (h *Hub) handleBroadcast(data []byte) {
	start := h.clock.Now()

	var slow []*Agent
	for _, a := range h.agents {
		select {
		case a.send <- data:
		default:
			slow = append(slow, a)
		}
	}

	for _, a := range slow {
		slog.Warn("Evicting slow agent", "agent_id", a.id.String(), "remote_ip", a.remoteIP)
		metrics.HubSlowAgentsEvicted.Inc()
		h.remove(a, websocket.ClosePolicyViolation, "slow consumer")
	}

	metrics.HubBroadcastDuration.Observe(h.clock.Since(start).Seconds())
}

func (h *Hub) closeAllAgents(reason string) {
	for id, a := range h.agents {
		a.closeWith(websocket.CloseNormalClosure, reason)
		delete(h.agents, id)
	}
	metrics.HubConnectedAgents.Set(0)
}
