// Package link implements the channel protocol engine: the
// version-negotiation and certificate-exchange handshake that turns a
// raw byte stream to a relay into an authenticated, cell-framed Channel,
// and the ongoing cell dispatch (padding discard, DESTROY delivery,
// circuit-ID-keyed routing to the circuit layer) once the channel is
// open.
package link

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/torcore/tor-core/cell"
	"github.com/torcore/tor-core/runtime"
	"github.com/torcore/tor-core/torerr"
)

// State is a channel's position in the handshake/open/closed lifecycle.
type State int

const (
	StateVersionsSent State = iota
	StateVersionsReceived
	StateCertsReceived
	StateNetinfoReceived
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateVersionsSent:
		return "VersionsSent"
	case StateVersionsReceived:
		return "VersionsReceived"
	case StateCertsReceived:
		return "CertsReceived"
	case StateNetinfoReceived:
		return "NetinfoReceived"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SupportedVersions is the set of link protocol versions this client
// offers during negotiation, in the order it sends them.
var SupportedVersions = []uint16{3, 4, 5}

const handshakeTimeout = 30 * time.Second

// Channel is one authenticated, cell-framed connection to a relay.
// A Channel owns exactly one reader task and one writer task for its
// Open-state lifetime, started by ClientHandshake once negotiation
// completes; every earlier state transition happens synchronously on
// the goroutine that calls ClientHandshake.
type Channel struct {
	conn   net.Conn
	rt     runtime.Runtime
	logger *slog.Logger

	cr *cell.Reader
	cw *cell.Writer

	mu        sync.Mutex
	state     State
	version   uint16
	circIDLen int
	closeErr  error

	PeerIdentity PeerIdentity
	RemoteAddr   string

	circuits *circuitRegistry

	writeCh  chan writeRequest
	closed   chan struct{}
	closeOne sync.Once
}

type writeRequest struct {
	cell cell.Cell
	err  chan<- error
}

// NewChannel wraps an already-established, reliable, ordered byte
// stream (a TLS connection in production, a net.Pipe in tests) in a
// Channel ready for ClientHandshake.
func NewChannel(conn net.Conn, rt runtime.Runtime, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	br := bufio.NewReader(conn)
	return &Channel{
		conn:    conn,
		rt:      rt,
		logger:  logger,
		cr:      cell.NewReader(br),
		cw:      cell.NewWriter(conn),
		state:   StateVersionsSent,
		writeCh: make(chan writeRequest, 16),
		closed:  make(chan struct{}),
	}
}

// Dial opens a TCP connection to addr, establishes TLS over it (relays
// present self-signed certificates; authenticity is established by the
// CERTS cell chain, not the TLS PKI), and performs the client-side
// channel handshake.
func Dial(ctx context.Context, addr string, rt runtime.Runtime, logger *slog.Logger) (*Channel, error) {
	tcpConn, err := rt.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, torerr.Wrap(torerr.KindTimeout, "link: dial "+addr, err)
	}

	tlsConn := tls.Client(tcpConn, &tls.Config{
		InsecureSkipVerify:     true,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tcpConn.Close()
		return nil, torerr.Wrap(torerr.KindProtocol, "link: TLS handshake with "+addr, err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, torerr.Protocol("link: relay presented no TLS certificate", nil)
	}
	peerCertHash := sha256.Sum256(state.PeerCertificates[0].Raw)

	ch := NewChannel(tlsConn, rt, logger)
	ch.RemoteAddr = addr
	if err := ch.ClientHandshake(ctx, peerCertHash, SupportedVersions); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return ch, nil
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// Version returns the negotiated link protocol version. Valid only
// after ClientHandshake returns successfully.
func (ch *Channel) Version() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.version
}

// ClientHandshake runs the version/certs/netinfo exchange described for
// the channel's handshake state machine, driving the channel from
// VersionsSent through Open. On any failure the channel transitions to
// Closed and the underlying stream is left for the caller to close.
func (ch *Channel) ClientHandshake(ctx context.Context, peerTLSCertHash [32]byte, offeredVersions []uint16) (err error) {
	deadline := ch.rt.Now().Add(handshakeTimeout)
	_ = ch.conn.SetDeadline(deadline)
	defer func() {
		if err != nil {
			ch.setState(StateClosed)
			return
		}
		_ = ch.conn.SetDeadline(time.Time{})
	}()

	stop := make(chan struct{})
	defer close(stop)
	ch.rt.Spawn(func() {
		select {
		case <-ctx.Done():
			_ = ch.conn.Close()
		case <-stop:
		}
	})

	if err := ch.cw.WriteCell(cell.NewVersionsCell(offeredVersions)); err != nil {
		return torerr.Protocol("link: send VERSIONS", err)
	}

	versionsCell, err := ch.cr.ReadCell()
	if err != nil {
		return torerr.Protocol("link: read VERSIONS", err)
	}
	if versionsCell.Command != cell.CmdVersions {
		return torerr.Protocol(fmt.Sprintf("link: expected VERSIONS, got command %d", versionsCell.Command), nil)
	}
	peerVersions := cell.ParseVersions(versionsCell)
	negotiated := bestSharedVersion(offeredVersions, peerVersions)
	if negotiated == 0 {
		return torerr.Protocol(fmt.Sprintf("link: no shared link protocol version (peer offered %v)", peerVersions), nil)
	}

	ch.mu.Lock()
	ch.version = negotiated
	if negotiated <= 3 {
		ch.circIDLen = 2
	} else {
		ch.circIDLen = 4
	}
	ch.mu.Unlock()
	ch.cr.SetCircIDLen(ch.circIDLen)
	ch.cw.SetCircIDLen(ch.circIDLen)
	ch.circuits = newCircuitRegistry(ch.circIDLen)
	ch.setState(StateVersionsReceived)
	ch.logger.Debug("link protocol negotiated", "version", negotiated, "circid_len", ch.circIDLen)

	certsCell, err := ch.readExpectedCell(cell.CmdCerts)
	if err != nil {
		return torerr.Protocol("link: read CERTS", err)
	}
	identity, err := validateCertChain(certsCell.Payload, peerTLSCertHash, ch.rt.Now())
	if err != nil {
		return err
	}
	ch.PeerIdentity = identity
	ch.setState(StateCertsReceived)
	ch.logger.Debug("CERTS validated", "identity_prefix", fmt.Sprintf("%x", []byte(identity.Ed25519)[:8]))

	// AUTH_CHALLENGE: clients have nothing to authenticate with, so the
	// cell is read and discarded rather than answered.
	if _, err := ch.readExpectedCell(cell.CmdAuthChallenge); err != nil {
		return torerr.Protocol("link: read AUTH_CHALLENGE", err)
	}

	netinfoCell, err := ch.readExpectedCell(cell.CmdNetInfo)
	if err != nil {
		return torerr.Protocol("link: read NETINFO", err)
	}
	peerNetinfo, err := parseNetInfo(netinfoCell.Payload)
	if err != nil {
		return err
	}
	ch.logger.Debug("received NETINFO", "peer_timestamp", peerNetinfo.Timestamp, "other_addr", peerNetinfo.OtherAddr)

	host, _, splitErr := net.SplitHostPort(ch.RemoteAddr)
	var relayIP net.IP
	if splitErr == nil {
		relayIP = net.ParseIP(host)
	}
	if relayIP == nil && len(peerNetinfo.MyAddrs) > 0 {
		relayIP = peerNetinfo.MyAddrs[0]
	}
	if relayIP == nil {
		relayIP = net.IPv4zero
	}
	if err := ch.cw.WriteCell(buildNetInfo(relayIP)); err != nil {
		return torerr.Protocol("link: send NETINFO", err)
	}
	ch.setState(StateNetinfoReceived)
	ch.setState(StateOpen)
	ch.logger.Info("channel open", "remote", ch.RemoteAddr, "version", negotiated)

	ch.rt.Spawn(ch.readLoop)
	ch.rt.Spawn(ch.writeLoop)
	return nil
}

// readExpectedCell reads cells, dropping PADDING/VPADDING, until it
// sees one with the expected command or a bounded number of padding
// cells have been skipped.
func (ch *Channel) readExpectedCell(expected uint8) (cell.Cell, error) {
	for i := 0; i < 128; i++ {
		c, err := ch.cr.ReadCell()
		if err != nil {
			return cell.Cell{}, err
		}
		if c.Command == cell.CmdPadding || c.Command == cell.CmdVPadding {
			continue
		}
		if c.Command != expected {
			return cell.Cell{}, torerr.Protocol(fmt.Sprintf("link: expected command %d, got %d", expected, c.Command), nil)
		}
		return c, nil
	}
	return cell.Cell{}, torerr.Protocol("link: too many padding cells before expected command", nil)
}

func bestSharedVersion(ours, theirs []uint16) uint16 {
	offered := make(map[uint16]bool, len(ours))
	for _, v := range ours {
		offered[v] = true
	}
	var best uint16
	for _, v := range theirs {
		if offered[v] && v > best {
			best = v
		}
	}
	return best
}

// send hands a cell to the writer task. Valid only once the channel has
// reached Open.
func (ch *Channel) send(c cell.Cell) error {
	reply := make(chan error, 1)
	select {
	case ch.writeCh <- writeRequest{cell: c, err: reply}:
	case <-ch.closed:
		return torerr.Protocol("link: channel closed", ch.closeErr)
	}
	select {
	case err := <-reply:
		return err
	case <-ch.closed:
		return torerr.Protocol("link: channel closed", ch.closeErr)
	}
}

// OpenCircuit allocates a fresh circuit ID and registers an endpoint
// for the circuit layer to receive cells and a DESTROY reason on.
func (ch *Channel) OpenCircuit() (*CircuitHandle, error) {
	id, end, err := ch.circuits.allocate()
	if err != nil {
		return nil, err
	}
	return &CircuitHandle{id: id, ch: ch, end: end}, nil
}

// SendPaddingNegotiate asks the relay to start or stop the padding
// window; purely advisory, never gates anything else on this channel.
func (ch *Channel) SendPaddingNegotiate(command uint8, itoLowMS, itoHighMS uint16) error {
	return ch.send(buildPaddingNegotiate(command, itoLowMS, itoHighMS))
}

// Closed returns a channel closed when this Channel has torn down.
func (ch *Channel) Closed() <-chan struct{} { return ch.closed }

// Err returns the error that caused the channel to close, if any.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

// Close tears down the underlying connection and stops both tasks.
func (ch *Channel) Close() error {
	ch.closeOne.Do(func() {
		ch.setState(StateClosed)
		close(ch.closed)
	})
	return ch.conn.Close()
}

func (ch *Channel) fail(err error) {
	ch.mu.Lock()
	if ch.closeErr == nil {
		ch.closeErr = err
	}
	ch.mu.Unlock()
	_ = ch.Close()
}

// readLoop is the channel's reader task: it owns all reads from conn
// for the Open-state lifetime, dispatching handled commands itself and
// routing everything else to the circuit registry by circuit ID.
func (ch *Channel) readLoop() {
	for {
		c, err := ch.cr.ReadCell()
		if err != nil {
			ch.fail(torerr.Protocol("link: read failed", err))
			return
		}

		switch c.Command {
		case cell.CmdPadding, cell.CmdVPadding:
			// Dropped on receipt; padding carries no information.
		case cell.CmdDestroy:
			if len(c.Payload) < 1 {
				ch.fail(torerr.Protocol("link: DESTROY cell missing reason byte", nil))
				return
			}
			ch.circuits.deliverDestroy(c.CircID, c.Payload[0])
		case cell.CmdPaddingNegotiate:
			ch.logger.Debug("ignoring relay-originated PADDING_NEGOTIATE")
		case cell.CmdNetInfo:
			ch.logger.Debug("ignoring post-handshake NETINFO")
		case cell.CmdVersions, cell.CmdCerts, cell.CmdAuthChallenge, cell.CmdAuthenticate, cell.CmdAuthorize:
			ch.fail(torerr.Protocol(fmt.Sprintf("link: handshake command %d received after Open", c.Command), nil))
			return
		default:
			if !ch.circuits.deliverCell(c) {
				ch.logger.Debug("dropping cell for unknown circuit", "circ_id", c.CircID, "command", c.Command)
			}
		}
	}
}

// writeLoop is the channel's writer task: it owns all writes to conn
// for the Open-state lifetime, serializing concurrent callers of send.
func (ch *Channel) writeLoop() {
	for {
		select {
		case req := <-ch.writeCh:
			err := ch.cw.WriteCell(req.cell)
			req.err <- err
			if err != nil {
				ch.fail(torerr.Protocol("link: write failed", err))
				return
			}
		case <-ch.closed:
			return
		}
	}
}
