package swarm

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marlin/peer"
	"marlin/pieces"
	"marlin/wire"
)

// State is the lifecycle of a peer connection.
type State int

const (
	Connecting State = iota
	Handshaking
	ExchangingBitfield
	Steady
	Closed
)

// ErrProtocol marks a peer that sent something malformed or
// inconsistent. Terminal for the connection, never for the session.
var ErrProtocol = errors.New("peer protocol violation")

// ErrUnreachable marks an address that could not be dialed.
var ErrUnreachable = errors.New("peer unreachable")

// PieceReader supplies verified piece bytes for serving requests.
type PieceReader interface {
	ReadPiece(index int) ([]byte, error)
}

// Config bounds one connection's behavior.
type Config struct {
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	InactivityTimeout time.Duration
	PipelineDepth     int
	MaxViolations     int

	// OnPort, when set, receives the remote's advertised DHT node
	// address from port messages.
	OnPort func(p peer.Peer)
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.DialTimeout == 0 {
		out.DialTimeout = 5 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 5 * time.Second
	}
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = 60 * time.Second
	}
	if out.InactivityTimeout == 0 {
		out.InactivityTimeout = 2 * time.Minute
	}
	if out.PipelineDepth == 0 {
		out.PipelineDepth = 5
	}
	if out.MaxViolations == 0 {
		out.MaxViolations = 3
	}
	return out
}

// Conn is one peer connection. Ownership is exclusive to its run
// goroutine; other goroutines only touch the write side (sendHave,
// cancelRequest) and Close.
type Conn struct {
	id   string
	addr peer.Peer
	cfg  Config

	infoHash [20]byte
	peerID   [20]byte

	manager *pieces.Manager
	reader  PieceReader
	swarm   *Swarm
	log     zerolog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	remoteID       [20]byte
	bitfield       wire.Bitfield
	outstanding    map[wire.Request]time.Time
	cancelled      map[wire.Request]time.Time
	lastActivity   time.Time
	violations     int

	pendingServe []wire.Request

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens, handshakes and runs a connection to addr. It returns once
// the connection reaches Steady; the returned Conn keeps running until
// the transport fails, the peer misbehaves or Close is called. onExit
// fires exactly once after the connection is fully torn down.
func Dial(addr peer.Peer, infoHash, peerID [20]byte, manager *pieces.Manager, reader PieceReader, sw *Swarm, cfg Config, log zerolog.Logger, onExit func(c *Conn, err error)) (*Conn, error) {
	c := &Conn{
		id:          addr.String(),
		addr:        addr,
		cfg:         cfg.withDefaults(),
		infoHash:    infoHash,
		peerID:      peerID,
		manager:     manager,
		reader:      reader,
		swarm:       sw,
		log:         log.With().Str("peer", addr.String()).Logger(),
		state:       Connecting,
		amChoking:   true,
		peerChoking: true,
		outstanding: make(map[wire.Request]time.Time),
		cancelled:   make(map[wire.Request]time.Time),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}

	conn, err := net.DialTimeout("tcp", c.id, c.cfg.DialTimeout)
	if err != nil {
		c.setState(Closed)
		close(c.done)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.conn = conn

	if err := c.handshake(); err != nil {
		conn.Close()
		c.setState(Closed)
		close(c.done)
		return nil, err
	}

	if !sw.add(c) {
		conn.Close()
		c.setState(Closed)
		close(c.done)
		return nil, fmt.Errorf("already connected to %s", c.id)
	}

	go func() {
		err := c.run()
		c.teardown()
		if onExit != nil {
			onExit(c, err)
		}
		close(c.done)
	}()
	return c, nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the connection's lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Addr is the remote peer address.
func (c *Conn) Addr() peer.Peer { return c.addr }

// ID is the registry key, the remote address in host:port form.
func (c *Conn) ID() string { return c.id }

func (c *Conn) handshake() error {
	c.setState(Handshaking)
	c.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	request := wire.NewHandshake(c.infoHash, c.peerID)
	if _, err := c.conn.Write(request.Serialize()); err != nil {
		return err
	}

	result, err := wire.ReadHandshake(c.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := result.VerifyInfoHash(c.infoHash); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.remoteID = result.PeerID
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// run is the connection's main loop: optional bitfield exchange, then
// the steady state. Any error out of here is terminal.
func (c *Conn) run() error {
	c.setState(ExchangingBitfield)

	// Let the remote know what we already have; an empty bitfield is
	// skipped, same as peers are allowed to do towards us.
	if bf := c.manager.Bitfield(); bf.Count() > 0 {
		if err := c.send(wire.NewBitfieldMessage(bf)); err != nil {
			return err
		}
	}
	if err := c.send(&wire.Message{ID: wire.MsgUnchoke}); err != nil {
		return err
	}
	c.mu.Lock()
	c.amChoking = false
	c.mu.Unlock()
	if err := c.send(&wire.Message{ID: wire.MsgInterested}); err != nil {
		return err
	}
	c.mu.Lock()
	c.amInterested = true
	c.bitfield = wire.NewBitfield(c.manager.NumPieces())
	c.mu.Unlock()

	go c.keepAliveLoop()

	c.setState(Steady)
	for {
		select {
		case <-c.closed:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.InactivityTimeout))
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			return err
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		if err := c.handleMessage(msg); err != nil {
			return err
		}
		if err := c.servePending(); err != nil {
			return err
		}
		if err := c.fillPipeline(); err != nil {
			return err
		}
	}
}

func (c *Conn) handleMessage(msg *wire.Message) error {
	if msg == nil { // keep-alive
		return nil
	}

	switch msg.ID {
	case wire.MsgChoke:
		c.onChoke()
	case wire.MsgUnchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case wire.MsgInterested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case wire.MsgNotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case wire.MsgHave:
		index, err := wire.ParseHave(msg)
		if err != nil {
			return c.violation(err)
		}
		c.mu.Lock()
		c.bitfield.Set(index)
		c.mu.Unlock()
		c.manager.AddHave(index)
	case wire.MsgBitfield:
		bf := wire.Bitfield(msg.Payload)
		if err := bf.Validate(c.manager.NumPieces()); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		c.mu.Lock()
		old := c.bitfield
		c.bitfield = bf
		c.mu.Unlock()
		if old.Count() > 0 {
			c.manager.DropBitfield(old)
		}
		c.manager.AddBitfield(bf)
	case wire.MsgRequest:
		req, err := wire.ParseRequest(msg)
		if err != nil {
			return c.violation(err)
		}
		c.mu.Lock()
		if !c.amChoking && c.peerInterested {
			c.pendingServe = append(c.pendingServe, req)
		}
		c.mu.Unlock()
	case wire.MsgCancel:
		req, err := wire.ParseRequest(msg)
		if err != nil {
			return c.violation(err)
		}
		c.mu.Lock()
		for i, pending := range c.pendingServe {
			if pending == req {
				c.pendingServe = append(c.pendingServe[:i], c.pendingServe[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	case wire.MsgPiece:
		return c.onPiece(msg)
	case wire.MsgPort:
		port, err := wire.ParsePort(msg)
		if err != nil {
			return c.violation(err)
		}
		if c.cfg.OnPort != nil {
			c.cfg.OnPort(peer.Peer{IP: c.addr.IP, Port: port})
		}
	default:
		return c.violation(fmt.Errorf("unknown message id %d", msg.ID))
	}
	return nil
}

// onChoke drops every in-flight request: a choking peer will not serve
// them, so the claims go back to the manager for other connections.
func (c *Conn) onChoke() {
	c.mu.Lock()
	c.peerChoking = true
	c.outstanding = make(map[wire.Request]time.Time)
	c.mu.Unlock()
	c.manager.Release(c.id)
}

func (c *Conn) onPiece(msg *wire.Message) error {
	block, err := wire.ParsePiece(msg)
	if err != nil {
		return c.violation(err)
	}

	req := wire.Request{Index: block.Index, Begin: block.Begin, Length: len(block.Data)}
	c.mu.Lock()
	_, wanted := c.outstanding[req]
	if wanted {
		delete(c.outstanding, req)
	}
	_, wasCancelled := c.cancelled[req]
	if wasCancelled {
		delete(c.cancelled, req)
	}
	c.mu.Unlock()

	// A cancel and a block routinely cross on the wire during the
	// endgame; the late block is dropped without a strike.
	if !wanted && wasCancelled {
		c.log.Debug().Int("piece", block.Index).Int("begin", block.Begin).Msg("discarding block for cancelled request")
		return nil
	}

	// A block nobody asked for gets discarded without touching piece
	// state; a peer doing that repeatedly gets dropped.
	if !wanted {
		c.log.Debug().Int("piece", block.Index).Int("begin", block.Begin).Msg("discarding unrequested block")
		return c.violation(fmt.Errorf("unrequested block %d:%d", block.Index, block.Begin))
	}

	res, err := c.manager.Deliver(c.id, block.Index, block.Begin, block.Data)
	if err != nil && !errors.Is(err, pieces.ErrVerification) {
		return err // storage failure
	}

	for _, cancel := range res.Cancel {
		if cancel.ConnID != c.id {
			c.swarm.Cancel(cancel.ConnID, cancel.Req)
		}
	}
	if res.PieceComplete {
		c.swarm.BroadcastHave(block.Index)
	}
	return nil
}

// fillPipeline keeps up to PipelineDepth requests outstanding while the
// remote is not choking us and we are interested.
func (c *Conn) fillPipeline() error {
	c.mu.Lock()
	if c.peerChoking || !c.amInterested {
		c.mu.Unlock()
		return nil
	}
	want := c.cfg.PipelineDepth - len(c.outstanding)
	bf := c.bitfield
	c.mu.Unlock()
	if want <= 0 {
		return nil
	}

	reqs := c.manager.Claim(c.id, bf.Has, want)
	for _, req := range reqs {
		c.mu.Lock()
		c.outstanding[req] = time.Now()
		c.mu.Unlock()
		if err := c.send(wire.NewRequest(req)); err != nil {
			return err
		}
	}
	return nil
}

// servePending answers queued request messages from verified pieces.
func (c *Conn) servePending() error {
	c.mu.Lock()
	queue := c.pendingServe
	c.pendingServe = nil
	c.mu.Unlock()

	for _, req := range queue {
		if !c.manager.Have(req.Index) {
			continue
		}
		data, err := c.reader.ReadPiece(req.Index)
		if err != nil {
			c.log.Error().Err(err).Int("piece", req.Index).Msg("reading piece for upload")
			continue
		}
		if req.Begin < 0 || req.Length <= 0 || req.Begin+req.Length > len(data) {
			if err := c.violation(fmt.Errorf("request %d:%d+%d out of bounds", req.Index, req.Begin, req.Length)); err != nil {
				return err
			}
			continue
		}
		if err := c.send(wire.NewPiece(req.Index, req.Begin, data[req.Begin:req.Begin+req.Length])); err != nil {
			return err
		}
		c.manager.AddUploaded(int64(req.Length))
	}
	return nil
}

// violation counts a protocol violation; past the limit it is terminal.
func (c *Conn) violation(cause error) error {
	c.mu.Lock()
	c.violations++
	count := c.violations
	c.mu.Unlock()
	c.log.Debug().Err(cause).Int("count", count).Msg("protocol violation")
	if count >= c.cfg.MaxViolations {
		return fmt.Errorf("%w: %v", ErrProtocol, cause)
	}
	return nil
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			var keepAlive *wire.Message
			if err := c.send(keepAlive); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) send(msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(msg.Serialize())
	return err
}

func (c *Conn) sendHave(index int) {
	if err := c.send(wire.NewHave(index)); err != nil {
		c.Close()
	}
}

func (c *Conn) cancelRequest(req wire.Request) {
	c.mu.Lock()
	_, ok := c.outstanding[req]
	if ok {
		delete(c.outstanding, req)
		c.cancelled[req] = time.Now()
		for old, at := range c.cancelled {
			if time.Since(at) > time.Minute {
				delete(c.cancelled, old)
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(wire.NewCancel(req)); err != nil {
		c.Close()
	}
}

// Close tears the connection down. Safe to call from any goroutine and
// more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// teardown releases everything the connection held: its block claims
// go back to the manager (received blocks stay), its availability is
// subtracted, and it leaves the registry.
func (c *Conn) teardown() {
	c.Close()
	c.setState(Closed)
	c.swarm.remove(c)
	c.manager.Release(c.id)
	c.mu.Lock()
	bf := c.bitfield
	c.bitfield = nil
	c.mu.Unlock()
	if bf.Count() > 0 {
		c.manager.DropBitfield(bf)
	}
}

// Done is closed once the connection goroutine has fully exited.
func (c *Conn) Done() <-chan struct{} { return c.done }
