package transport

import (
	"log/slog"
	"net"
	"sync"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/protocol"
)

// bufferPool is used for minimising the number of allocations and deallocations as it
// creates a pool of pre-generated buffers which can be taken and given back to allow
// sharing of same memory.
var bufferPool = sync.Pool{
	New: func() any {
		return buffer.New(protocol.MAX_MTU_SIZE)
	},
}

// HandlerFactory builds the Handler for a freshly accepted connection. It runs
// before the connection's first datagram is processed, so the replication
// sender and receiver it wires up observe the complete stream.
type HandlerFactory func(conn *Conn) Handler

// Listener accepts replication connections on a UDP socket. There is no
// handshake: the first well-formed datagram from an unknown source address
// opens a connection for that address.
type Listener struct {
	addr    *net.UDPAddr
	socket  *net.UDPConn
	factory HandlerFactory
	logger  *slog.Logger

	mu          sync.Mutex
	connections map[string]*Conn

	conn chan *Conn
	dc   chan struct{}
}

// Listen binds a listener to the provided local address. Returns an error if
// the address was invalid or in use already.
func Listen(addr string, factory HandlerFactory, logger *slog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	listener := &Listener{
		addr:        udpAddr,
		socket:      socket,
		factory:     factory,
		logger:      logger.With("component", "transport.listener"),
		connections: map[string]*Conn{},
		conn:        make(chan *Conn, 8),
		dc:          make(chan struct{}),
	}

	go listener.udpHandler()

	return listener, nil
}

// Returns the local address of the listener that the listener is bound to.
func (l *Listener) LocalAddr() *net.UDPAddr {
	return l.addr
}

// Accept waits for a new connection to be opened by an unknown source address.
func (l *Listener) Accept() *Conn {
	return <-l.conn
}

// Close shuts the socket down and closes every accepted connection.
func (l *Listener) Close() error {
	close(l.dc)

	l.mu.Lock()
	for _, conn := range l.connections {
		conn.Close()
	}
	clear(l.connections)
	l.mu.Unlock()

	return l.socket.Close()
}

// udpHandler reads datagrams off the socket and routes each to the connection
// established for its source address, opening one on first contact.
func (l *Listener) udpHandler() {
	for {
		b := bufferPool.Get().(*buffer.Buffer)

		n, addr, err := l.socket.ReadFromUDP(b.Slice())
		if err != nil {
			bufferPool.Put(b)

			select {
			case <-l.dc:
				return
			default:
				l.logger.Error("socket read failed", "err", err)
				continue
			}
		}

		b.Resize(n)

		conn, opened := l.lookup(addr, b.Bytes())
		if conn == nil {
			bufferPool.Put(b)
			continue
		}

		if opened {
			select {
			case l.conn <- conn:
			case <-l.dc:
				bufferPool.Put(b)
				return
			}
		}

		if err := conn.ReadDatagram(b.Bytes()); err != nil {
			l.logger.Debug("datagram dropped", "peer", addr.String(), "err", err)
		}

		bufferPool.Put(b)
	}
}

// lookup resolves the connection for a source address. A well-formed datagram
// from an unknown address opens a new connection; anything else from an
// unknown address is discarded.
func (l *Listener) lookup(addr *net.UDPAddr, data []byte) (*Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if conn, ok := l.connections[addr.String()]; ok {
		return conn, false
	}

	if len(data) == 0 || data[0]&protocol.FLAG_DATAGRAM == 0 {
		return nil, false
	}

	conn := newConn(l.addr, addr, l.socket, protocol.MAX_MTU_SIZE, Handler{}, l.logger)

	if l.factory != nil {
		conn.handler = l.factory(conn)
	}

	l.connections[addr.String()] = conn
	return conn, true
}

// Dial opens a connection to a remote listener from an ephemeral local port
// and starts its read loop. The handler is built before any datagram is read.
func Dial(remote string, factory HandlerFactory, logger *slog.Logger) (*Conn, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	conn := newConn(socket.LocalAddr().(*net.UDPAddr), remoteAddr, socket, protocol.MAX_MTU_SIZE, Handler{}, logger)

	if factory != nil {
		conn.handler = factory(conn)
	}

	go func() {
		for {
			b := bufferPool.Get().(*buffer.Buffer)

			n, addr, err := socket.ReadFromUDP(b.Slice())
			if err != nil {
				bufferPool.Put(b)
				return
			}

			if addr.String() != remoteAddr.String() {
				bufferPool.Put(b)
				continue
			}

			b.Resize(n)

			if err := conn.ReadDatagram(b.Bytes()); err != nil {
				conn.logger.Debug("datagram dropped", "err", err)
			}

			bufferPool.Put(b)
		}
	}()

	return conn, nil
}
