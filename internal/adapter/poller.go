package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/event"
)

// utilizationPeriod is the averaging window for the poll load snapshot.
const utilizationPeriod = 5 * time.Second

// pollIdleSleep bounds how long an idle poller sleeps so retry timers and
// list mutations stay responsive.
const pollIdleSleep = time.Millisecond

// utilizationState accumulates busy/idle time for one connection's slice of
// a poll goroutine.
type utilizationState struct {
	topTime time.Time
	busy    time.Duration
	idle    time.Duration
	start   time.Time
}

// update folds one cycle's outcome into the rolling load snapshot published
// on stats.
func (u *utilizationState) update(stats *EndpointStats, wasIdle bool) {
	if stats == nil {
		return
	}
	now := time.Now()
	if wasIdle {
		u.idle += now.Sub(u.topTime)
	} else {
		u.busy += now.Sub(u.topTime)
	}

	if now.Sub(u.start) > utilizationPeriod {
		total := u.busy + u.idle
		if total == 0 || total > 2*utilizationPeriod {
			stats.setPollThreadLoad(-1)
		} else {
			stats.setPollThreadLoad(int(u.busy * 10000 / total))
		}
		u.busy = 0
		u.idle = 0
		u.start = now
	}
}

// Poller is one scheduling goroutine serving the adapter connections that
// share a poll thread ID.
type Poller struct {
	id        int
	direction Direction
	dataType  DataType
	log       zerolog.Logger

	mu    sync.Mutex
	conns []*Connection

	// Connection-list mutation protocol: mutators set listChanged and wait
	// for listProcessed; the loop re-snapshots only at the top of a cycle.
	mutatorMu     sync.Mutex
	listChanged   *event.Event
	listProcessed *event.Event

	// wake is set whenever work is queued from outside the poll goroutine.
	wake *event.Event

	stop *event.Event
	wg   sync.WaitGroup

	registry *PollerRegistry
}

// PollerRegistry owns the poll goroutines, keyed by shared poll thread ID.
type PollerRegistry struct {
	mu      sync.Mutex
	pollers map[int]*Poller
	log     zerolog.Logger
}

// NewPollerRegistry creates an empty registry.
func NewPollerRegistry(log zerolog.Logger) *PollerRegistry {
	return &PollerRegistry{
		pollers: make(map[int]*Poller),
		log:     log.With().Str("component", "poller").Logger(),
	}
}

// attach adds conn to the poller for id, creating it on first use.
// Connections sharing a poller must be homogeneous in direction and data
// type; a mismatch is a fatal configuration error.
func (r *PollerRegistry) attach(id int, conn *Connection) (*Poller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pollers[id]
	if !ok {
		p = &Poller{
			id:            id,
			direction:     conn.direction,
			dataType:      conn.dataType,
			log:           r.log.With().Int("poll_thread_id", id).Logger(),
			listChanged:   event.New(),
			listProcessed: event.New(),
			wake:          event.New(),
			stop:          event.New(),
			registry:      r,
		}
		r.pollers[id] = p
		p.wg.Add(1)
		go p.run()
	} else if p.direction != conn.direction || p.dataType != conn.dataType {
		return nil, fmt.Errorf("%w: poll thread %d is %s/%d, connection wants %s/%d",
			ErrInvalidConfig, id, p.direction, p.dataType, conn.direction, conn.dataType)
	}

	p.mutate(func() { p.conns = append(p.conns, conn) })
	return p, nil
}

// mutate applies a connection-list change and blocks until the poll loop has
// re-snapshotted the list, so the mutator can safely free the removed
// connection's resources.
func (p *Poller) mutate(apply func()) {
	p.mutatorMu.Lock()
	defer p.mutatorMu.Unlock()

	p.mu.Lock()
	apply()
	p.mu.Unlock()

	p.listProcessed.Clear()
	p.listChanged.Set()
	select {
	case <-p.listProcessed.C():
	case <-p.stop.C():
	}
}

// detach removes conn; the last detach stops the goroutine and drops the
// poller from its registry.
func (p *Poller) detach(conn *Connection) {
	p.mutate(func() {
		for i, c := range p.conns {
			if c == conn {
				p.conns = append(p.conns[:i], p.conns[i+1:]...)
				break
			}
		}
	})

	p.mu.Lock()
	empty := len(p.conns) == 0
	p.mu.Unlock()
	if empty {
		p.stop.Set()
		p.wg.Wait()
		p.registry.mu.Lock()
		if p.registry.pollers[p.id] == p {
			delete(p.registry.pollers, p.id)
		}
		p.registry.mu.Unlock()
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	var snapshot []*Connection
	util := make(map[*Connection]*utilizationState)

	for {
		if p.listChanged.IsSet() {
			p.mu.Lock()
			snapshot = append(snapshot[:0], p.conns...)
			p.mu.Unlock()
			p.listChanged.Clear()
			p.listProcessed.Set()
		}
		if p.stop.IsSet() {
			return
		}

		productive := false
		for _, conn := range snapshot {
			if conn.shutdownSignal.IsSet() || !conn.startSignal.IsSet() {
				continue
			}
			u := util[conn]
			if u == nil {
				u = &utilizationState{start: time.Now()}
				util[conn] = u
			}
			u.topTime = time.Now()
			if conn.pollCycle() {
				productive = true
				u.update(conn.connStats(), false)
			} else {
				u.update(conn.connStats(), true)
			}
		}

		if !productive {
			p.idleWait(snapshot)
		}
	}
}

// idleWait sleeps when nothing is in flight. Receivers and unstarted
// connections keep the sleep short so inbound traffic and start signals are
// picked up promptly; a pure poll-mode transmitter set may simply park on
// the wake signal.
func (p *Poller) idleWait(snapshot []*Connection) {
	timeout := pollIdleSleep
	allTx := true
	for _, conn := range snapshot {
		if conn.direction != DirectionSend || !conn.startSignal.IsSet() {
			allTx = false
			break
		}
	}
	if allTx && len(snapshot) > 0 {
		timeout = 10 * pollIdleSleep
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.wake.C():
		p.wake.Clear()
	case <-p.listChanged.C():
	case <-p.stop.C():
	case <-timer.C:
	}
}

// pollCycle runs one scheduling pass for the connection and reports whether
// productive work was done.
func (c *Connection) pollCycle() bool {
	if c.dataType == DataTypeControl {
		return c.controlCycle()
	}
	if c.pollFunc != nil {
		return c.pollFunc()
	}
	return false
}

// controlCycle services the control interface endpoint. Control connections
// do not use the endpoint manager and rely only on the shutdown signal.
func (c *Connection) controlCycle() bool {
	ep := c.controlEndpoint
	if ep == nil {
		return false
	}
	// Control channels are bidirectional regardless of the connection's
	// nominal direction.
	productive := false
	if TxPollProcess(ep) {
		productive = true
	}
	if RxPollProcess(ep) {
		productive = true
	}
	if ep.Poll() {
		productive = true
	}
	return productive
}

func (c *Connection) connStats() *EndpointStats { return &c.stats }

// TxPollProcess drains queued Tx packets up to the backend's transmit queue
// level and hands them to Send. Returns true if a packet was sent.
func TxPollProcess(ep *Endpoint) bool {
	if ep.TransmitQueueLevel() == QueueLevelFull {
		return false
	}
	pkt, last := ep.nextPacket()
	if pkt == nil {
		return false
	}
	// Send failures while the receiver is not connected are normal during
	// probe; the completion status carries the outcome.
	_ = ep.Send(pkt, last)
	return true
}

// RxPollProcess performs receive-side buffer-free housekeeping. Returns true
// if buffers were returned to the backend.
func RxPollProcess(ep *Endpoint) bool {
	productive := false
	for {
		select {
		case sgl := <-ep.rxFreeQueue:
			_ = ep.conn.adapter.RxBuffersFree(ep, sgl)
			productive = true
		default:
			return productive
		}
	}
}
