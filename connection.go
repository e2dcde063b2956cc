package efastream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yuuki/efastream/internal/adapter"
	"github.com/yuuki/efastream/internal/endpoint"
	"github.com/yuuki/efastream/internal/mempool"
	"github.com/yuuki/efastream/internal/payload"
	"github.com/yuuki/efastream/internal/probe"
	"github.com/yuuki/efastream/internal/protocol"
	"github.com/yuuki/efastream/internal/telemetry"
)

// maxSGLEntriesPerPacket bounds a wire packet's fragment count, header
// included.
const maxSGLEntriesPerPacket = 16

// pollLoadReportPeriod paces poll utilization reporting to telemetry.
const pollLoadReportPeriod = 5 * time.Second

// Config is the explicit configuration record for a connection.
type Config struct {
	Direction  Direction
	StreamName string

	// LocalIP is the local interface address for both the control socket
	// and the data fabric.
	LocalIP string
	// RemoteIP is the receiving host. Transmit connections only.
	RemoteIP string
	// DestPort is the control handshake port; the emulated data fabric uses
	// the next port up. Zero selects DefaultDestPort.
	DestPort int

	// PollThreadID selects the shared poll goroutine for the data fabric.
	// Connections sharing an ID must agree on direction.
	PollThreadID int

	// MaxPayloads bounds payloads in flight. Zero selects the default.
	MaxPayloads int
	// MaxPayloadSize bounds one payload's total bytes. Zero selects the
	// default.
	MaxPayloadSize int
	// MaxPacketSize bounds one wire packet, header included. Zero selects
	// the default.
	MaxPacketSize int
	// GroupSize, when non-zero, keeps packet boundaries from splitting a
	// semantic unit of that many bytes (a pixel group, an audio frame).
	GroupSize int
	// TOS is the DSCP/TOS byte stamped on control traffic. Zero leaves the
	// system default.
	TOS int

	StateChange     StateChangeFunc
	PayloadComplete PayloadCompleteFunc
	PayloadReceived PayloadReceivedFunc

	// Metrics is optional; nil disables telemetry.
	Metrics *telemetry.Metrics

	Log zerolog.Logger
}

// Package-wide poll scheduler registry, shared so connections with the same
// poll thread ID land on the same goroutine.
var (
	pollerOnce sync.Once
	pollers    *adapter.PollerRegistry
)

func pollerRegistry(log zerolog.Logger) *adapter.PollerRegistry {
	pollerOnce.Do(func() {
		pollers = adapter.NewPollerRegistry(log)
	})
	return pollers
}

// txPayload tracks one in-flight transmit payload until every packet of it
// has reported completion.
type txPayload struct {
	userData  uint64
	remaining atomic.Int32
	failed    atomic.Bool
	// done guards the completion callback: the packet completion path and
	// the reset flush path may race.
	done atomic.Bool
}

// txWorkRequest is per-packet completion context, pooled alongside the header
// buffers. It carries the pool generation it was drawn from: a reset rebuilds
// the pools, and completions straggling in afterwards must release into the
// old generation, not the new one.
type txWorkRequest struct {
	pl    *txPayload
	hdr   *payload.HeaderBuffer
	pools *txPools
}

// txPools is one generation of the transmit resource pools.
type txPools struct {
	header *mempool.Pool[payload.HeaderBuffer]
	wr     *mempool.Pool[txWorkRequest]
}

func newTxPools(size int) *txPools {
	return &txPools{
		header: mempool.New(size, func() *payload.HeaderBuffer { return &payload.HeaderBuffer{} }),
		wr:     mempool.New(size, func() *txWorkRequest { return &txWorkRequest{} }),
	}
}

func (tp *txPools) release(wr *txWorkRequest) {
	tp.header.Put(wr.hdr)
	wr.pl, wr.hdr, wr.pools = nil, nil, nil
	tp.wr.Put(wr)
}

// rxPayload accumulates one payload's packets until the advertised total size
// has arrived.
type rxPayload struct {
	ep *endpoint.Endpoint

	fragments [][]byte
	received  int
	totalSize int
	haveNum0  bool
	info      protocol.Num0Info

	// packets retains the raw receive SGLs so their buffers can be returned
	// after the application callback.
	packets []adapter.SGL
}

type callbackEvent struct {
	tx *txPayload
	rx *rxPayload
}

// Connection is one directional payload transport to a remote host.
type Connection struct {
	cfg Config
	log zerolog.Logger

	dataAdapter *adapter.EfaAdapter
	ctrlAdapter *adapter.SocketAdapter
	dataConn    *adapter.Connection
	ctrl        *adapter.ControlInterface

	mgr        *endpoint.Manager
	dispatcher *probe.Dispatcher

	localGID protocol.GID

	// Transmit path. sendMu serializes Send against the reset flush hook.
	sendMu     sync.Mutex
	pktz       *payload.Packetizer
	pktzProto  *protocol.Protocol
	payloadNum int

	// pools is the current transmit pool generation, swapped under sendMu
	// by the reset flush hook.
	pools    *txPools
	poolSize int

	payloadSlots chan struct{}

	inflightMu sync.Mutex
	inflight   map[*txPayload]struct{}

	// Receive path. Poll-goroutine only.
	assembly map[uint16]*rxPayload

	cbQueue chan callbackEvent

	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

// NewConnection creates a connection and begins the control handshake. A
// transmitter immediately starts soliciting the remote receiver; a receiver
// waits for a transmitter to announce itself. Connected state is reported
// through the state change callback.
func NewConnection(cfg Config) (*Connection, error) {
	if cfg.LocalIP == "" {
		return nil, fmt.Errorf("efastream: LocalIP is required")
	}
	if cfg.Direction == DirectionSend && cfg.RemoteIP == "" {
		return nil, fmt.Errorf("efastream: RemoteIP is required for a transmit connection")
	}
	if cfg.DestPort == 0 {
		cfg.DestPort = DefaultDestPort
	}
	if cfg.MaxPayloads <= 0 {
		cfg.MaxPayloads = DefaultMaxPayloads
	}
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.MaxPacketSize <= protocol.MaxPacketHeaderSize {
		return nil, fmt.Errorf("efastream: MaxPacketSize %d cannot fit a packet header", cfg.MaxPacketSize)
	}

	c := &Connection{
		cfg: cfg,
		log: cfg.Log.With().Str("component", "connection").
			Str("direction", cfg.Direction.String()).Str("stream", cfg.StreamName).Logger(),
		payloadSlots: make(chan struct{}, cfg.MaxPayloads),
		inflight:     make(map[*txPayload]struct{}),
		assembly:     make(map[uint16]*rxPayload),
		cbQueue:      make(chan callbackEvent, 256),
	}
	copy(c.localGID[:], cfg.LocalIP)

	if cfg.Direction == DirectionSend {
		// Sized so a full complement of maximum-size payloads can be
		// packetized without exhausting the pools.
		perPayload := (cfg.MaxPayloadSize+cfg.MaxPacketSize-protocol.MaxPacketHeaderSize-1)/
			(cfg.MaxPacketSize-protocol.MaxPacketHeaderSize) + 1
		c.poolSize = cfg.MaxPayloads * perPayload
		c.pools = newTxPools(c.poolSize)
	}

	dir := cfg.Direction.adapterDirection()
	reg := pollerRegistry(cfg.Log)

	c.dataAdapter = adapter.NewEfaAdapter(adapter.EfaConfig{LocalIP: cfg.LocalIP, Log: cfg.Log})
	c.ctrlAdapter = adapter.NewSocketAdapter(adapter.SocketConfig{LocalIP: cfg.LocalIP, TOS: cfg.TOS, Log: cfg.Log})

	dataConn, err := adapter.NewConnection(adapter.ConnectionConfig{
		Adapter:      c.dataAdapter,
		Direction:    dir,
		DataType:     adapter.DataTypeData,
		Port:         c.fabricPort(),
		PollThreadID: cfg.PollThreadID,
		Log:          cfg.Log,
	}, reg)
	if err != nil {
		return nil, err
	}
	c.dataConn = dataConn

	c.mgr = endpoint.NewManager(endpoint.Config{
		Direction:      dir,
		ConnectionName: c.connectionName(),
		Log:            cfg.Log,
		StateChange:    c.stateChanged,
		OpenEndpoint:   c.openEndpoint,
		CloseEndpoint:  c.closeEndpoint,
	})
	c.dispatcher = probe.NewDispatcher(c.mgr, dir, cfg.Log)

	ctrlRemote := ""
	if dir == adapter.DirectionSend {
		ctrlRemote = cfg.RemoteIP
	}
	ctrl, err := adapter.NewControlInterface(adapter.ControlInterfaceConfig{
		Adapter:      c.ctrlAdapter,
		MessageFunc:  c.dispatcher.HandleControlPacket,
		RemoteIP:     ctrlRemote,
		Port:         cfg.DestPort,
		PollThreadID: c.controlPollThreadID(),
		Log:          cfg.Log,
	}, dir, reg)
	if err != nil {
		c.mgr.Shutdown()
		_ = dataConn.Destroy()
		return nil, err
	}
	c.ctrl = ctrl

	// Rendezvous membership: the data poll cycle and the callback
	// goroutine. Both must park before the manager touches endpoint state.
	c.mgr.ThreadRegister()
	c.mgr.ThreadRegister()

	c.installPollFunc()
	// The poll cycle runs from creation; per-endpoint fabric flow is gated
	// by the probe's start choreography, not by the connection.
	c.dataConn.StartSignal().Set()

	c.wg.Add(1)
	go c.callbackLoop()

	if dir == adapter.DirectionSend {
		if _, err := c.mgr.TxCreateEndpoint(cfg.StreamName, cfg.RemoteIP, cfg.DestPort); err != nil {
			c.shutdownInternal()
			return nil, err
		}
	}

	c.log.Info().Str("local", cfg.LocalIP).Str("remote", cfg.RemoteIP).
		Int("dest_port", cfg.DestPort).Msg("connection created")
	return c, nil
}

func (c *Connection) connectionName() string {
	if c.cfg.StreamName != "" {
		return c.cfg.StreamName
	}
	return fmt.Sprintf("%s:%d", c.cfg.LocalIP, c.cfg.DestPort)
}

// fabricPort is the emulated data fabric's port, one above the control port.
func (c *Connection) fabricPort() int { return c.cfg.DestPort + 1 }

// controlPollThreadID maps the control interface onto a reserved negative
// scheduler slot. Data and control connections may not share a poll goroutine,
// and neither may the two control directions.
func (c *Connection) controlPollThreadID() int {
	id := -(2*c.cfg.PollThreadID + 1)
	if c.cfg.Direction == DirectionReceive {
		id--
	}
	return id
}

// Status reports whether the connection is established. Multi-stream
// transmitters are connected only when every endpoint is.
func (c *Connection) Status() Status {
	eps := c.mgr.Endpoints()
	if len(eps) == 0 {
		return StatusDisconnected
	}
	for _, ep := range eps {
		if ep.Status() != adapter.StatusConnected {
			return StatusDisconnected
		}
	}
	return StatusConnected
}

// Send queues one payload for transmission. The payload's fragments must stay
// untouched until the completion callback fires for opts.UserData. Send never
// blocks: in-flight and queue limits surface as ErrInFlightLimit and
// ErrBackpressure.
func (c *Connection) Send(fragments [][]byte, opts PayloadOptions) error {
	if c.cfg.Direction != DirectionSend {
		return adapter.ErrWrongDirection
	}
	if c.closed.Load() || c.mgr.IsShuttingDown() {
		return ErrShuttingDown
	}

	src := adapter.MakeSGL(fragments...)
	if src.TotalSize > c.cfg.MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	ep := c.mgr.FirstEndpoint()
	if ep == nil || ep.Status() != adapter.StatusConnected {
		return ErrNotConnected
	}
	ae := ep.AdapterEndpoint()
	proto := ep.Protocol()
	if ae == nil || proto == nil {
		return ErrNotConnected
	}

	select {
	case c.payloadSlots <- struct{}{}:
	default:
		return ErrInFlightLimit
	}

	pl := &txPayload{userData: opts.UserData}
	pkts, err := c.packetize(src, opts, proto, pl)
	if err != nil {
		<-c.payloadSlots
		return err
	}
	pl.remaining.Store(int32(len(pkts)))

	c.inflightMu.Lock()
	c.inflight[pl] = struct{}{}
	c.inflightMu.Unlock()

	if err := ae.EnqueueSendBatch(pkts); err != nil {
		c.inflightMu.Lock()
		delete(c.inflight, pl)
		c.inflightMu.Unlock()
		c.releasePackets(pkts)
		<-c.payloadSlots
		return ErrBackpressure
	}
	return nil
}

// packetize fragments one payload under the send lock, wrapping each packet
// with pooled completion context.
func (c *Connection) packetize(src adapter.SGL, opts PayloadOptions, proto *protocol.Protocol, pl *txPayload) ([]*adapter.Packet, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pools := c.pools
	if c.pktz == nil || c.pktzProto != proto {
		pktz, err := payload.NewPacketizer(payload.Config{
			Protocol:      proto,
			MaxPacketSize: c.cfg.MaxPacketSize,
			MaxSGLEntries: maxSGLEntriesPerPacket,
			GroupSize:     c.cfg.GroupSize,
			HeaderPool:    pools.header,
			Log:           c.log,
		})
		if err != nil {
			return nil, err
		}
		c.pktz = pktz
		c.pktzProto = proto
		c.payloadNum = 0
	}

	num := uint16(c.payloadNum)
	c.payloadNum = (c.payloadNum + 1) % (proto.PayloadNumMax() + 1)

	info := payload.PayloadInfo{
		UserData:         opts.UserData,
		MaxLatencyMicros: opts.MaxLatencyMicros,
		Origination: protocol.PtpTimestamp{
			Seconds:     opts.OriginationSeconds,
			Nanoseconds: opts.OriginationNanoseconds,
		},
		ExtraData:     opts.ExtraData,
		TxStartMicros: uint64(time.Now().UnixMicro()),
	}
	if err := c.pktz.StartPayload(src, info, num); err != nil {
		return nil, err
	}

	var pkts []*adapter.Packet
	for {
		pkt, last, err := c.pktz.NextPacket()
		if err != nil {
			c.pktz.Reset()
			c.releasePackets(pkts)
			return nil, err
		}
		wr, werr := pools.wr.Get()
		if werr != nil {
			c.pktz.Reset()
			pools.header.Put(pkt.UserData().(*payload.HeaderBuffer))
			c.releasePackets(pkts)
			return nil, ErrBackpressure
		}
		wr.pl = pl
		wr.hdr = pkt.UserData().(*payload.HeaderBuffer)
		wr.pools = pools
		pkt.SetUserData(wr)
		pkts = append(pkts, pkt)
		if last {
			return pkts, nil
		}
	}
}

// releasePackets returns pooled resources of packets that will never reach
// the fabric.
func (c *Connection) releasePackets(pkts []*adapter.Packet) {
	for _, pkt := range pkts {
		if wr, ok := pkt.UserData().(*txWorkRequest); ok {
			wr.pools.release(wr)
		}
	}
}

// txPacketMessage consumes fabric send completions for one endpoint. Runs on
// the poll goroutine.
func (c *Connection) txPacketMessage(ep *endpoint.Endpoint) adapter.MessageFunc {
	return func(msg adapter.PacketMessage) {
		if msg.Type != adapter.MessagePacketSent {
			return
		}
		wr, ok := msg.Packet.UserData().(*txWorkRequest)
		if !ok {
			// Probe warm-up leftovers completing after handover.
			return
		}
		if msg.Packet.Status != adapter.PacketOK {
			wr.pl.failed.Store(true)
			if p := c.dispatcher.Lookup(ep); p != nil {
				p.Error()
			}
		}
		pl := wr.pl
		wr.pools.release(wr)

		if pl.remaining.Add(-1) == 0 && pl.done.CompareAndSwap(false, true) {
			c.inflightMu.Lock()
			delete(c.inflight, pl)
			c.inflightMu.Unlock()
			c.queueCallback(callbackEvent{tx: pl})
		}
	}
}

// rxPacketMessage consumes inbound fabric packets for one endpoint. Runs on
// the poll goroutine.
func (c *Connection) rxPacketMessage(ep *endpoint.Endpoint) adapter.MessageFunc {
	return func(msg adapter.PacketMessage) {
		if msg.Type != adapter.MessagePacketReceived {
			return
		}
		ep.AddRxPackets(1)
		c.assemble(ep, msg.Packet)
	}
}

// assemble folds one data packet into its payload's reassembly state,
// completing the payload when the advertised total has arrived. Poll-goroutine
// only.
func (c *Connection) assemble(ep *endpoint.Endpoint, pkt *adapter.Packet) {
	ae := ep.AdapterEndpoint()
	proto := ep.Protocol()
	if proto == nil {
		c.freeRxPacket(ae, pkt)
		return
	}
	buf := pkt.SGL.Bytes()
	hdr, err := proto.DecodePacketHeader(buf)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping undecodable data packet")
		c.freeRxPacket(ae, pkt)
		return
	}
	if hdr.PayloadType == protocol.PayloadTypeProbe {
		// Stray warm-up packets completing after handover.
		c.freeRxPacket(ae, pkt)
		return
	}

	pl := c.assembly[hdr.PayloadNum]
	if pl == nil {
		pl = &rxPayload{ep: ep}
		c.assembly[hdr.PayloadNum] = pl
	}
	if hdr.Num0 != nil {
		pl.haveNum0 = true
		pl.info = *hdr.Num0
		pl.totalSize = int(hdr.Num0.TotalPayloadSize)
	}
	data := buf[hdr.EncodedSize:]
	pl.fragments = append(pl.fragments, data)
	pl.received += len(data)
	pl.packets = append(pl.packets, pkt.SGL)

	if pl.haveNum0 && pl.received >= pl.totalSize {
		delete(c.assembly, hdr.PayloadNum)
		c.queueCallback(callbackEvent{rx: pl})
	}
}

func (c *Connection) freeRxPacket(ae *adapter.Endpoint, pkt *adapter.Packet) {
	if ae != nil {
		_ = ae.FreeRxBuffers(pkt.SGL)
	}
}

// queueCallback hands a completion to the callback goroutine. A full queue
// reclaims receive buffers immediately and drops the event.
func (c *Connection) queueCallback(ev callbackEvent) {
	select {
	case c.cbQueue <- ev:
	default:
		c.log.Error().Msg("callback queue full, dropping completion")
		if ev.rx != nil {
			c.freeRxPayload(ev.rx)
		}
		if ev.tx != nil {
			select {
			case <-c.payloadSlots:
			default:
			}
		}
	}
}

func (c *Connection) freeRxPayload(pl *rxPayload) {
	ae := pl.ep.AdapterEndpoint()
	if ae == nil {
		return
	}
	for _, sgl := range pl.packets {
		_ = ae.FreeRxBuffers(sgl)
	}
}

// callbackLoop is the connection's callback goroutine: it dispatches payload
// completions and participates in the endpoint manager rendezvous so resets
// never race a callback touching payload state.
func (c *Connection) callbackLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.cbQueue:
			c.dispatch(ev)
		case <-c.mgr.NotificationSignal().C():
			if c.mgr.ShutdownSignal().IsSet() {
				c.drainCallbacks()
				return
			}
			c.mgr.ThreadWait()
		case <-c.mgr.ShutdownSignal().C():
			c.drainCallbacks()
			return
		}
	}
}

func (c *Connection) dispatch(ev callbackEvent) {
	switch {
	case ev.tx != nil:
		delivered := !ev.tx.failed.Load()
		if c.cfg.PayloadComplete != nil {
			c.cfg.PayloadComplete(ev.tx.userData, delivered)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordPayload("send")
		}
		<-c.payloadSlots
	case ev.rx != nil:
		if c.cfg.PayloadReceived != nil {
			c.cfg.PayloadReceived(&ReceivedPayload{
				Fragments:              ev.rx.fragments,
				TotalSize:              ev.rx.received,
				UserData:               ev.rx.info.UserData,
				MaxLatencyMicros:       ev.rx.info.MaxLatencyMicros,
				TxStartMicros:          ev.rx.info.TxStartMicros,
				OriginationSeconds:     ev.rx.info.Origination.Seconds,
				OriginationNanoseconds: ev.rx.info.Origination.Nanoseconds,
				ExtraData:              ev.rx.info.ExtraData,
			})
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordPayload("receive")
		}
		c.freeRxPayload(ev.rx)
	}
}

func (c *Connection) drainCallbacks() {
	for {
		select {
		case ev := <-c.cbQueue:
			c.dispatch(ev)
		default:
			return
		}
	}
}

// stateChanged adapts internal endpoint state transitions to the public
// callback and telemetry.
func (c *Connection) stateChanged(ev endpoint.StateChangeEvent) {
	remote := fmt.Sprintf("%s:%d", ev.RemoteIP, ev.RemotePort)
	if c.cfg.Metrics != nil {
		if ev.Status == adapter.StatusConnected {
			c.cfg.Metrics.ConnectionUp(remote)
		} else {
			c.cfg.Metrics.ConnectionDown(remote)
		}
	}
	if c.cfg.StateChange == nil {
		return
	}
	sc := StateChange{
		Cause:      ev.Cause,
		RemoteIP:   ev.RemoteIP,
		RemotePort: ev.RemotePort,
		StreamName: ev.StreamName,
	}
	if ev.Status == adapter.StatusConnected {
		sc.Status = StatusConnected
	}
	if ev.Negotiated != nil {
		sc.NegotiatedVersion = ev.Negotiated.String()
	}
	c.cfg.StateChange(sc)
}

// openEndpoint attaches transport and probe state to a freshly created
// endpoint. Installed as the endpoint manager's open hook.
func (c *Connection) openEndpoint(ep *endpoint.Endpoint) error {
	dir := c.cfg.Direction.adapterDirection()

	var msgFunc adapter.MessageFunc
	remote := ""
	if dir == adapter.DirectionSend {
		msgFunc = c.txPacketMessage(ep)
		remote = ep.RemoteIP()
	} else {
		msgFunc = c.rxPacketMessage(ep)
	}

	ae, err := c.dataConn.OpenEndpoint(adapter.EndpointConfig{
		MessageFunc: msgFunc,
		RemoteAddr:  remote,
		Port:        c.fabricPort(),
	})
	if err != nil {
		return err
	}
	ep.SetAdapterEndpoint(ae)

	var obs probe.Observer
	if c.cfg.Metrics != nil {
		obs = c.cfg.Metrics
	}
	p := probe.New(probe.Config{
		Endpoint:        ep,
		AdapterEndpoint: ae,
		Control:         c.ctrl,
		Direction:       dir,
		AppMessageFunc:  msgFunc,
		LocalIP:         c.cfg.LocalIP,
		LocalGID:        c.localGID,
		Observer:        obs,
		Log:             c.cfg.Log,
	})
	ep.SetHooks(p.ResetDone, p.Start, c.flushPayloadState)
	c.dispatcher.Register(ep, p)
	return nil
}

// closeEndpoint releases what openEndpoint attached. Installed as the
// endpoint manager's close hook; the manager closes the adapter endpoint
// itself afterwards.
func (c *Connection) closeEndpoint(ep *endpoint.Endpoint) {
	if p := c.dispatcher.Lookup(ep); p != nil {
		p.Destroy()
	}
	c.dispatcher.Unregister(ep)
}

// flushPayloadState drops per-direction payload state during an endpoint
// reset. Runs on the manager goroutine while every registered goroutine is
// parked; packets already flushed from the adapter queues never complete, so
// their payloads are failed here and the pools rebuilt.
func (c *Connection) flushPayloadState() {
	if c.cfg.Direction == DirectionSend {
		c.sendMu.Lock()
		if c.pktz != nil {
			c.pktz.Reset()
		}
		c.pools = newTxPools(c.poolSize)
		c.pktz = nil
		c.sendMu.Unlock()

		c.inflightMu.Lock()
		stale := make([]*txPayload, 0, len(c.inflight))
		for pl := range c.inflight {
			delete(c.inflight, pl)
			stale = append(stale, pl)
		}
		c.inflightMu.Unlock()
		for _, pl := range stale {
			if pl.done.CompareAndSwap(false, true) {
				pl.failed.Store(true)
				c.queueCallback(callbackEvent{tx: pl})
			}
		}
		return
	}

	for num, pl := range c.assembly {
		delete(c.assembly, num)
		c.freeRxPayload(pl)
	}
}

// installPollFunc wires the data connection's poll cycle: walk the endpoint
// list through the manager's rendezvous-aware iterator, drain transmit
// queues, run backend polling and receive housekeeping.
func (c *Connection) installPollFunc() {
	dir := c.cfg.Direction.adapterDirection()
	exited := false
	lastLoadReport := time.Now()

	c.dataConn.SetPollFunc(func() bool {
		if c.dataConn.ShutdownSignal().IsSet() || c.mgr.ShutdownSignal().IsSet() {
			if !exited {
				c.mgr.PollThreadExit()
				exited = true
			}
			return false
		}

		productive := false
		var ep *endpoint.Endpoint
		for {
			next, doWork := c.mgr.Poll(ep)
			ep = next
			if ep == nil {
				break
			}
			if !doWork {
				continue
			}
			ae := ep.AdapterEndpoint()
			if ae == nil {
				continue
			}
			if dir == adapter.DirectionSend {
				if adapter.TxPollProcess(ae) {
					productive = true
				}
			} else if adapter.RxPollProcess(ae) {
				productive = true
			}
			if ae.Poll() {
				productive = true
			}
		}

		if c.cfg.Metrics != nil && time.Since(lastLoadReport) > pollLoadReportPeriod {
			lastLoadReport = time.Now()
			c.cfg.Metrics.RecordPollLoad(c.cfg.PollThreadID, c.dataConn.Stats().PollThreadLoad())
		}
		return productive
	})
}

// Shutdown tears the connection down: endpoints are reset and destroyed, the
// probe goroutines stopped, and the control and data transports closed.
// Blocks until complete. Idempotent.
func (c *Connection) Shutdown() error {
	c.shutdownInternal()
	return nil
}

func (c *Connection) shutdownInternal() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.log.Info().Msg("shutting down connection")

		// Stop the data poll cycle first so the manager can close adapter
		// endpoints without racing it.
		c.dataConn.Stop()
		c.mgr.Shutdown()
		_ = c.ctrl.Destroy()
		_ = c.dataConn.Destroy()

		c.wg.Wait()

		_ = c.dataAdapter.Shutdown()
		_ = c.ctrlAdapter.Shutdown()
		c.log.Info().Msg("connection shut down")
	})
}
