package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/meshplane/core/pkg/coreerr"
	"github.com/meshplane/core/pkg/log"
	"github.com/meshplane/core/pkg/types"
)

// PeerValidator verifies a peer's leaf certificate against the embedded
// certificate authority and extracts its authenticated NodeId from the
// certificate subject.
// Transport never parses or trusts a certificate on its own; every peer
// identity it hands out has gone through this.
type PeerValidator interface {
	ValidatePeerCert(cert *x509.Certificate, now time.Time) (types.NodeId, error)
}

// Config holds this transport's connection tunables.
type Config struct {
	IdleTimeout      time.Duration
	KeepAliveInterval time.Duration
	GracePeriod      time.Duration
}

// DefaultConfig returns conservative baseline tunables.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       30 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		GracePeriod:       5 * time.Second,
	}
}

// Inbound is one message delivered by recv(), tagged with its sender.
type Inbound struct {
	From types.NodeId
	Msg  *types.TransportMessage
}

// Transport is the single QUIC-based channel that every other component
// rides over. One Transport per node; one Conn per peer NodeId.
type Transport struct {
	self      types.NodeId
	tlsConfig *tls.Config
	validator PeerValidator
	cfg       Config
	logger    zerolog.Logger

	listener *quic.Listener

	mu    sync.Mutex
	conns map[types.NodeId]*Conn

	recvCh chan Inbound
	done   chan struct{}
}

// Conn is one authenticated, pooled connection to a peer.
type Conn struct {
	peer        types.NodeId
	handshakeAt time.Time
	qc          *quic.Conn

	mu      sync.Mutex
	streams map[types.MessageType]*channelStream
	closed  bool
}

type channelStream struct {
	stream  *quic.Stream
	sendSeq uint64
	recvSeq uint64
	hasRecv bool
}

// New creates a Transport bound to the given NodeId, ready to Listen and/or
// Connect. tlsConfig must already carry the node's CA-issued leaf cert and
// `ClientAuth: tls.RequireAndVerifyClientCert` for mutual TLS.
func New(self types.NodeId, tlsConfig *tls.Config, validator PeerValidator, cfg Config) *Transport {
	return &Transport{
		self:      self,
		tlsConfig: tlsConfig,
		validator: validator,
		cfg:       cfg,
		logger:    log.WithComponent("transport").With().Str("self", self.String()).Logger(),
		conns:     make(map[types.NodeId]*Conn),
		recvCh:    make(chan Inbound, 256),
		done:      make(chan struct{}),
	}
}

// Listen binds `[::]:port` (or the given addr) and begins accepting inbound
// QUIC connections in the background.
func (t *Transport) Listen(addr string) error {
	qCfg := &quic.Config{
		MaxIdleTimeout:  t.cfg.IdleTimeout,
		KeepAlivePeriod: t.cfg.KeepAliveInterval,
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}
	ln, err := quic.Listen(pc, t.tlsConfig, qCfg)
	if err != nil {
		return fmt.Errorf("transport: quic listen: %w", err)
	}
	t.listener = ln

	go t.acceptLoop()
	return nil
}

// Addr returns the local address Listen bound to, or nil if not listening.
// Useful when Listen was given a ":0" port and the kernel chose one.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop() {
	for {
		qc, err := t.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		go t.admit(qc)
	}
}

// admit validates an inbound connection's peer certificate and installs it
// in the pool, applying the later-handshake tie-break rule against any
// existing connection from the same peer.
func (t *Transport) admit(qc *quic.Conn) {
	peer, err := t.authenticate(qc)
	if err != nil {
		t.logger.Debug().Err(err).Msg("rejected inbound connection")
		qc.CloseWithError(0, "untrusted peer")
		return
	}
	conn := &Conn{peer: peer, handshakeAt: time.Now(), qc: qc, streams: make(map[types.MessageType]*channelStream)}
	if !t.install(conn) {
		qc.CloseWithError(0, "superseded by newer handshake")
		return
	}
	t.logger.Debug().Str("peer", peer.String()).Msg("admitted inbound connection")
	go t.acceptStreams(conn)
}

func (t *Transport) authenticate(qc *quic.Conn) (types.NodeId, error) {
	state := qc.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return types.NodeId{}, coreerr.New("transport", coreerr.CodeUntrustedPeer, coreerr.Validation,
			"peer presented no certificate", nil)
	}
	return t.validator.ValidatePeerCert(state.PeerCertificates[0], time.Now())
}

// install applies the connection-policy tie-break: a duplicate incoming
// connection from an already-pooled peer only replaces the old one if its
// handshake timestamp is strictly later. Equal timestamps fall back to a
// deterministic tie-break on NodeId bytes so both ends of the pair agree on
// the same winner instead of racing.
func (t *Transport) install(conn *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.conns[conn.peer]
	if ok {
		if conn.handshakeAt.Equal(existing.handshakeAt) {
			if !t.self.Less(conn.peer) {
				return false
			}
		} else if !conn.handshakeAt.After(existing.handshakeAt) {
			return false
		}
		existing.closeLocked()
	}
	t.conns[conn.peer] = conn
	return true
}

func (t *Transport) acceptStreams(conn *Conn) {
	for {
		s, err := conn.qc.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go t.readStream(conn, s)
	}
}

func (t *Transport) readStream(conn *Conn, s *quic.Stream) {
	var cs *channelStream
	for {
		raw, err := readFrame(s)
		if err != nil {
			if ce, ok := err.(*coreerr.Error); ok && ce.Code == coreerr.CodeOversizedFrame {
				conn.qc.CloseWithError(1, "oversized frame")
			}
			return
		}
		msg, err := DecodeEnvelope(raw)
		if err != nil {
			conn.qc.CloseWithError(1, "malformed envelope")
			return
		}
		if err := CheckClockSkew(msg, time.Now()); err != nil {
			continue // drop silently, connection stays up
		}

		conn.mu.Lock()
		if cs == nil {
			cs = &channelStream{stream: s}
			conn.streams[msg.Type] = cs
		}
		if cs.hasRecv && msg.Sequence != cs.recvSeq+1 {
			conn.mu.Unlock()
			conn.qc.CloseWithError(2, "sequence gap")
			return
		}
		cs.recvSeq = msg.Sequence
		cs.hasRecv = true
		conn.mu.Unlock()

		select {
		case t.recvCh <- Inbound{From: conn.peer, Msg: msg}:
		case <-t.done:
			return
		}
	}
}

// Connect dials a peer, completes the TLS handshake, verifies its
// certificate, and pools the connection. Returns the peer's authenticated
// NodeId on success.
func (t *Transport) Connect(ctx context.Context, addr, serverName string) (types.NodeId, error) {
	qCfg := &quic.Config{
		MaxIdleTimeout:  t.cfg.IdleTimeout,
		KeepAlivePeriod: t.cfg.KeepAliveInterval,
	}
	dialCfg := t.tlsConfig.Clone()
	dialCfg.ServerName = serverName

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	qc, err := quic.DialAddr(dialCtx, addr, dialCfg, qCfg)
	if err != nil {
		if dialCtx.Err() != nil {
			return types.NodeId{}, coreerr.New("transport", coreerr.CodeHandshakeTimeout, coreerr.Transient,
				"handshake did not complete in time", err)
		}
		return types.NodeId{}, coreerr.New("transport", coreerr.CodeHandshakeTimeout, coreerr.Transient,
			"dial failed", err)
	}

	peer, err := t.authenticate(qc)
	if err != nil {
		qc.CloseWithError(0, "untrusted peer")
		return types.NodeId{}, err
	}

	conn := &Conn{peer: peer, handshakeAt: time.Now(), qc: qc, streams: make(map[types.MessageType]*channelStream)}
	t.install(conn)
	go t.acceptStreams(conn)

	return peer, nil
}

// Send enqueues msg on the bidirectional stream for msg.Type's logical
// channel to peer, opening that stream on first use. In-order delivery is
// preserved per channel; no ordering guarantee across channels.
func (t *Transport) Send(peer types.NodeId, msg *types.TransportMessage) error {
	t.mu.Lock()
	conn, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return coreerr.New("transport", coreerr.CodeUntrustedPeer, coreerr.Transient,
			"no pooled connection to peer", nil)
	}
	return conn.send(msg)
}

func (c *Conn) send(msg *types.TransportMessage) error {
	c.mu.Lock()
	cs, ok := c.streams[msg.Type]
	if !ok {
		s, err := c.qc.OpenStreamSync(context.Background())
		if err != nil {
			c.mu.Unlock()
			return coreerr.New("transport", coreerr.CodeIdleClose, coreerr.Transient,
				"open stream failed", err)
		}
		cs = &channelStream{stream: s}
		c.streams[msg.Type] = cs
	}
	cs.sendSeq++
	msg.Sequence = cs.sendSeq
	stream := cs.stream
	c.mu.Unlock()

	envelope, err := EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	if err := writeFrame(stream, envelope); err != nil {
		return coreerr.New("transport", coreerr.CodeIdleClose, coreerr.Transient, "write failed", err)
	}
	return nil
}

// Recv returns the next inbound message across all pooled peers, fair in
// the sense that it is fed by per-connection reader goroutines draining
// concurrently into one channel.
func (t *Transport) Recv(ctx context.Context) (types.NodeId, *types.TransportMessage, error) {
	select {
	case in := <-t.recvCh:
		return in.From, in.Msg, nil
	case <-ctx.Done():
		return types.NodeId{}, nil, ctx.Err()
	case <-t.done:
		return types.NodeId{}, nil, coreerr.New("transport", coreerr.CodeCancelled, coreerr.Fatal,
			"transport shut down", nil)
	}
}

// Close gracefully closes the connection to peer, flushing pending writes
// and allowing GracePeriod for the peer to drain before the QUIC connection
// itself is torn down.
func (t *Transport) Close(peer types.NodeId) error {
	t.mu.Lock()
	conn, ok := t.conns[peer]
	if ok {
		delete(t.conns, peer)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	conn.closeGraceful(t.cfg.GracePeriod)
	return nil
}

func (c *Conn) closeGraceful(grace time.Duration) {
	time.AfterFunc(grace, func() {
		c.mu.Lock()
		c.closeLocked()
		c.mu.Unlock()
	})
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.qc.CloseWithError(0, "closed")
}

// Shutdown closes the listener and every pooled connection.
func (t *Transport) Shutdown() {
	close(t.done)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, conn := range t.conns {
		conn.closeGraceful(0)
		delete(t.conns, id)
	}
}

