package endpoint

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/event"
	"github.com/yuuki/efastream/internal/protocol"
)

// StateChangeEvent describes a connection status transition reported to the
// application callback.
type StateChangeEvent struct {
	Status adapter.ConnectionStatus
	// Cause is a human-readable reason, non-empty on disconnects.
	Cause string
	// Negotiated is the protocol version in effect, nil when none was
	// negotiated before the transition.
	Negotiated *protocol.Version

	RemoteIP   string
	RemotePort int
	StreamName string
}

// StateChangeFunc receives connection status transitions. Invoked from
// internal goroutines; it must not block.
type StateChangeFunc func(ev StateChangeEvent)

// Config configures an endpoint manager.
type Config struct {
	Direction      adapter.Direction
	ConnectionName string
	Log            zerolog.Logger

	StateChange StateChangeFunc

	// OpenEndpoint attaches transport and probe state to a freshly created
	// endpoint. The endpoint's remote fields are populated before the call.
	OpenEndpoint func(ep *Endpoint) error
	// CloseEndpoint releases what OpenEndpoint attached.
	CloseEndpoint func(ep *Endpoint)
}

// Manager owns a connection's endpoint list and serializes state-change
// commands against the goroutines using endpoint resources.
//
// Goroutines that touch per-endpoint payload state register once and then
// rendezvous through ThreadWait whenever the notification signal is set. The
// manager goroutine processes queued commands only while every registered
// goroutine is parked, so resets never race payload processing.
type Manager struct {
	cfg Config
	log zerolog.Logger

	listMu    sync.RWMutex
	endpoints []*Endpoint

	// stateMu guards the rendezvous counters and every endpoint's command
	// queue.
	stateMu           sync.Mutex
	registeredThreads int
	threadWaitCount   int
	queuedCommands    int
	threadDone        bool
	shuttingDown      bool
	gotShutdownCmd    bool

	// newCommand doubles as the notification signal handed to registered
	// goroutines: set while commands are pending.
	newCommand  *event.Event
	commandDone *event.Event
	allWaiting  *event.Event
	allRunning  *event.Event
	pollExit    *event.Event

	shutdownSignal *event.Event
	destroyed      *event.Event

	destroyQueue chan *Endpoint

	// pollWaiting tracks whether the poll goroutine is parked in the
	// rendezvous. Poll-goroutine only.
	pollWaiting bool

	wg sync.WaitGroup
}

// NewManager creates a manager and starts its command-processing goroutine.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:            cfg,
		log:            cfg.Log.With().Str("component", "endpoint-manager").Str("connection", cfg.ConnectionName).Logger(),
		newCommand:     event.New(),
		commandDone:    event.New(),
		allWaiting:     event.New(),
		allRunning:     event.New(),
		pollExit:       event.New(),
		shutdownSignal: event.New(),
		destroyed:      event.New(),
		destroyQueue:   make(chan *Endpoint, adapter.MaxEndpointsPerConnection*2),
	}
	m.allRunning.Set() // no commands pending at creation

	m.wg.Add(1)
	go m.run()
	return m
}

// NotificationSignal is set while endpoint commands are pending. Registered
// goroutines select on it and call ThreadWait when it fires.
func (m *Manager) NotificationSignal() *event.Event { return m.newCommand }

// ShutdownSignal is set once connection teardown has begun.
func (m *Manager) ShutdownSignal() *event.Event { return m.shutdownSignal }

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.shuttingDown
}

// ThreadRegister adds the calling goroutine to the rendezvous set. Must be
// called before the goroutine first touches endpoint resources. The poll
// goroutine registers too; it participates through Poll rather than
// ThreadWait.
func (m *Manager) ThreadRegister() {
	m.stateMu.Lock()
	m.registeredThreads++
	m.stateMu.Unlock()
}

// ThreadWait parks the calling goroutine until the manager has processed the
// pending command batch. Call when the notification signal is set.
func (m *Manager) ThreadWait() {
	m.allRunning.Wait()
	m.incrementWaitCount()
	m.commandDone.Wait()
	m.decrementWaitCount()
}

func (m *Manager) incrementWaitCount() {
	m.stateMu.Lock()
	m.threadWaitCount++
	m.checkAllWaitingLocked()
	m.stateMu.Unlock()
}

func (m *Manager) decrementWaitCount() {
	m.stateMu.Lock()
	m.threadWaitCount--
	if m.threadWaitCount == 0 {
		if !m.threadDone {
			m.commandDone.Clear()
		}
		m.allRunning.Set()
	}
	m.stateMu.Unlock()
}

func (m *Manager) checkAllWaitingLocked() {
	if m.threadWaitCount > 0 && m.threadWaitCount >= m.registeredThreads {
		// The notification signal may drop only once every registered
		// goroutine has arrived and no commands remain queued. Clearing on
		// an earlier arrival lets a goroutine that has not yet sampled the
		// signal skip the rendezvous, stranding the others in it.
		if !m.threadDone && m.queuedCommands == 0 {
			m.newCommand.Clear()
		}
		m.allRunning.Clear()
		m.allWaiting.Set()
	}
}

// Poll advances the poll goroutine's walk over the endpoint list. It returns
// the next endpoint (nil at the end of the list) and whether the caller may
// do adapter work for ep this cycle. While a command batch is pending the
// poll goroutine parks here, counted in the rendezvous, until the manager
// signals completion.
func (m *Manager) Poll(ep *Endpoint) (*Endpoint, bool) {
	if !m.pollWaiting {
		m.drainDestroyQueue()
	}

	m.stateMu.Lock()
	threadDone := m.threadDone
	m.stateMu.Unlock()

	doWork := false
	switch {
	case threadDone:
		doWork = true
	case m.newCommand.IsSet() || m.pollWaiting:
		if !m.pollWaiting {
			m.incrementWaitCount()
			m.pollWaiting = true
		} else if m.commandDone.IsSet() {
			m.decrementWaitCount()
			m.pollWaiting = false
			doWork = true
		}
	default:
		doWork = true
	}
	return m.NextEndpoint(ep), doWork
}

// PollThreadExit removes the poll goroutine from the rendezvous set. Called
// exactly once, when the poll cycle observes shutdown.
func (m *Manager) PollThreadExit() {
	if m.pollWaiting {
		m.decrementWaitCount()
		m.pollWaiting = false
	}
	m.stateMu.Lock()
	m.registeredThreads--
	m.checkAllWaitingLocked()
	m.stateMu.Unlock()
	m.pollExit.Set()
}

// FirstEndpoint returns the head of the endpoint list, nil when empty.
func (m *Manager) FirstEndpoint() *Endpoint {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	if len(m.endpoints) == 0 {
		return nil
	}
	return m.endpoints[0]
}

// NextEndpoint returns the endpoint after ep in the list, nil at the end or
// when ep has been removed. A nil ep starts the walk at the head.
func (m *Manager) NextEndpoint(ep *Endpoint) *Endpoint {
	if ep == nil {
		return m.FirstEndpoint()
	}
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	for i, e := range m.endpoints {
		if e == ep {
			if i+1 < len(m.endpoints) {
				return m.endpoints[i+1]
			}
			return nil
		}
	}
	return nil
}

// Endpoints returns a snapshot of the endpoint list.
func (m *Manager) Endpoints() []*Endpoint {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	return append([]*Endpoint(nil), m.endpoints...)
}

// Count returns the number of endpoints in the list.
func (m *Manager) Count() int {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	return len(m.endpoints)
}

// QueueEndpointReset requests that the manager flush and reset the endpoint.
func (m *Manager) QueueEndpointReset(ep *Endpoint) {
	m.queueCommand(ep, CommandReset)
}

// QueueEndpointStart requests that the manager start the endpoint's fabric
// flows after probe warm-up.
func (m *Manager) QueueEndpointStart(ep *Endpoint) {
	m.queueCommand(ep, CommandStart)
}

func (m *Manager) queueCommand(ep *Endpoint, cmd Command) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if ep.gotShutdown && cmd != CommandShutdown {
		return
	}
	if ep.commandQueue.Length() >= maxQueuedCommands {
		m.log.Warn().Stringer("command", cmd).Msg("endpoint command queue full, dropping command")
		return
	}
	ep.commandQueue.Add(cmd)
	m.queuedCommands++
	ep.gotNewCommand = true
	m.newCommand.Set()
}

// run is the manager goroutine. It drains every endpoint's command queue,
// but only between rendezvous: commands run while all registered goroutines
// are parked.
func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.allWaiting.C():
			m.allWaiting.Clear()
		case <-m.shutdownSignal.C():
		}

		shutdown := m.processCommands()
		m.stateMu.Lock()
		if m.shuttingDown {
			shutdown = true
		}
		// The batch drained every queue: drop the notification signal before
		// releasing the waiters so they do not re-enter for a phantom cycle.
		// Left set when commands were queued during processing, or on
		// shutdown, where watchers use it to wake.
		if !shutdown && m.queuedCommands == 0 {
			m.newCommand.Clear()
		}
		m.stateMu.Unlock()
		m.commandDone.Set()
		if shutdown {
			break
		}
	}

	m.stateMu.Lock()
	m.threadDone = true
	m.stateMu.Unlock()
	// Release every current and future waiter.
	m.commandDone.Set()
	m.allRunning.Set()
	m.newCommand.Set()
}

func (m *Manager) processCommands() bool {
	shutdown := false
	for _, ep := range m.Endpoints() {
		for {
			m.stateMu.Lock()
			if ep.commandQueue.Length() == 0 {
				ep.gotNewCommand = false
				m.stateMu.Unlock()
				break
			}
			cmd := ep.commandQueue.Remove()
			m.queuedCommands--
			m.stateMu.Unlock()

			m.log.Debug().Stringer("command", cmd).Str("remote", ep.RemoteIP()).Msg("processing endpoint command")
			switch cmd {
			case CommandIdle:
			case CommandReset:
				ep.flushResources()
			case CommandStart:
				ep.startEndpoint()
			case CommandShutdown:
				ep.flushResources()
				shutdown = true
			}
		}
	}
	return shutdown
}

// TxCreateEndpoint creates a transmit endpoint for the remote stream
// destination, reusing an existing endpoint when one already serves the same
// remote IP and port (multiple streams share one fabric flow).
func (m *Manager) TxCreateEndpoint(streamName, remoteIP string, remotePort int) (*Endpoint, error) {
	m.listMu.RLock()
	for _, ep := range m.endpoints {
		if ep.RemoteIP() == remoteIP && ep.RemotePort() == remotePort {
			m.listMu.RUnlock()
			return ep, nil
		}
	}
	m.listMu.RUnlock()
	return m.createEndpoint(streamName, remoteIP, remotePort)
}

// RxCreateEndpoint creates a receive endpoint. remoteIP and remotePort may
// be empty for an unclaimed endpoint that will be bound to a peer when its
// first control packet arrives; they are recorded before transport state is
// opened so inbound traffic is attributable immediately.
func (m *Manager) RxCreateEndpoint(streamName, remoteIP string, remotePort int) (*Endpoint, error) {
	return m.createEndpoint(streamName, remoteIP, remotePort)
}

func (m *Manager) createEndpoint(streamName, remoteIP string, remotePort int) (*Endpoint, error) {
	if m.IsShuttingDown() {
		return nil, fmt.Errorf("connection %s is shutting down", m.cfg.ConnectionName)
	}
	if m.Count() >= adapter.MaxEndpointsPerConnection {
		return nil, fmt.Errorf("connection %s already has %d endpoints", m.cfg.ConnectionName, adapter.MaxEndpointsPerConnection)
	}

	ep := newEndpoint(m, streamName, remoteIP, remotePort)
	if m.cfg.OpenEndpoint != nil {
		if err := m.cfg.OpenEndpoint(ep); err != nil {
			return nil, fmt.Errorf("open endpoint for %s:%d: %w", remoteIP, remotePort, err)
		}
	}

	m.listMu.Lock()
	m.endpoints = append(m.endpoints, ep)
	m.listMu.Unlock()

	m.log.Info().Str("stream", streamName).Str("remote", remoteIP).Int("port", remotePort).Msg("created endpoint")
	return ep, nil
}

// EndpointDestroy removes the endpoint from the connection, blocking until
// the poll goroutine has dropped it. Used by the receive side to tear down
// endpoints whose peer never completed a connection.
func (m *Manager) EndpointDestroy(ep *Endpoint) {
	m.listMu.Lock()
	if ep.queuedToDestroy {
		m.listMu.Unlock()
		return
	}
	ep.queuedToDestroy = true
	m.listMu.Unlock()

	m.destroyed.Clear()
	select {
	case m.destroyQueue <- ep:
	default:
		m.log.Error().Msg("endpoint destroy queue full")
		return
	}

	// The endpoint's own shutdown aborts the wait: teardown of this very
	// endpoint may be what is draining the queue, and its probe goroutine
	// can be the caller here.
	var aeShutdown <-chan struct{}
	if ae := ep.AdapterEndpoint(); ae != nil {
		aeShutdown = ae.ShutdownSignal().C()
	}

	for m.contains(ep) {
		select {
		case <-m.destroyed.C():
			m.destroyed.Clear()
		case <-m.shutdownSignal.C():
			return
		case <-aeShutdown:
			return
		case <-m.pollExit.C():
			// Poll goroutine is gone; reclaim directly.
			m.drainDestroyQueue()
			return
		}
	}
}

func (m *Manager) contains(ep *Endpoint) bool {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	for _, e := range m.endpoints {
		if e == ep {
			return true
		}
	}
	return false
}

// drainDestroyQueue reclaims endpoints queued for destruction. Called from
// the poll goroutine between cycles, and directly once the poll goroutine
// has exited.
func (m *Manager) drainDestroyQueue() {
	destroyedAny := false
	for {
		select {
		case ep := <-m.destroyQueue:
			m.destroyEndpoint(ep)
			destroyedAny = true
		default:
			if destroyedAny {
				m.destroyed.Set()
			}
			return
		}
	}
}

func (m *Manager) destroyEndpoint(ep *Endpoint) {
	m.listMu.Lock()
	for i, e := range m.endpoints {
		if e == ep {
			m.endpoints = append(m.endpoints[:i], m.endpoints[i+1:]...)
			break
		}
	}
	m.listMu.Unlock()

	if m.cfg.CloseEndpoint != nil {
		m.cfg.CloseEndpoint(ep)
	}
	if ae := ep.AdapterEndpoint(); ae != nil {
		if err := ae.Close(); err != nil {
			m.log.Warn().Err(err).Msg("closing adapter endpoint")
		}
	}
	m.log.Info().Str("remote", ep.RemoteIP()).Msg("destroyed endpoint")
}

// ConnectionStateChange records a status transition for ep and reports it to
// the application callback, deduplicated against the endpoint's current
// status. A connected report is downgraded to disconnected until every
// endpoint on the connection is connected; a receive-side disconnect is
// suppressed while sibling endpoints remain, since other streams still flow.
func (m *Manager) ConnectionStateChange(ep *Endpoint, status adapter.ConnectionStatus, cause string) {
	ae := ep.AdapterEndpoint()
	if ae == nil {
		return
	}

	if status == adapter.StatusDisconnected &&
		m.cfg.Direction == adapter.DirectionReceive && m.Count() > 1 {
		ae.SetStatus(status)
		return
	}

	if !ae.SetStatus(status) {
		return
	}
	// The endpoint is connected, but the connection is not until every
	// sibling endpoint is; report the connection-level status as still
	// disconnected.
	if status == adapter.StatusConnected && !m.allConnected() {
		status = adapter.StatusDisconnected
		if cause == "" {
			cause = "waiting for remaining endpoints to connect"
		}
	}

	ev := StateChangeEvent{
		Status:     status,
		Cause:      cause,
		RemoteIP:   ep.RemoteIP(),
		RemotePort: ep.RemotePort(),
		StreamName: ep.StreamName(),
	}
	if p := ep.Protocol(); p != nil {
		v := p.Version()
		ev.Negotiated = &v
	}
	if m.cfg.StateChange != nil {
		m.cfg.StateChange(ev)
	}
}

func (m *Manager) allConnected() bool {
	m.listMu.RLock()
	defer m.listMu.RUnlock()
	for _, ep := range m.endpoints {
		ae := ep.adapterEndpoint
		if ae == nil || ae.Status() != adapter.StatusConnected {
			return false
		}
	}
	return true
}

// Shutdown tears the connection down: every endpoint gets a Shutdown
// command, the manager goroutine drains and exits, and remaining endpoints
// are destroyed. Blocks until complete. The caller must stop the data poll
// cycle first.
func (m *Manager) Shutdown() {
	eps := m.Endpoints()

	m.stateMu.Lock()
	if m.shuttingDown {
		m.stateMu.Unlock()
		m.wg.Wait()
		return
	}
	m.shuttingDown = true
	for _, ep := range eps {
		ep.gotShutdown = true
	}
	m.stateMu.Unlock()

	for _, ep := range eps {
		m.queueCommand(ep, CommandShutdown)
	}

	m.shutdownSignal.Set()
	m.wg.Wait()

	m.drainDestroyQueue()
	for _, ep := range m.Endpoints() {
		m.destroyEndpoint(ep)
	}
}
