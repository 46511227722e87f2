// Package transport carries replication packets over unreliable datagram
// sockets. It assigns datagram sequence numbers, deduplicates and acknowledges
// incoming datagrams, retransmits reliable ones under fresh sequence numbers
// and reports per-datagram delivery receipts back to the caller.
package transport

import (
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
	"github.com/klauspost/compress/zstd"
)

// Interval at which buffered ACK and NACK receipts are flushed to the peer.
const flushInterval = 10 * time.Millisecond

// Packets whose body exceeds this size are zstd compressed on the wire.
const compressionThreshold = 512

// A connection is dropped after this long without traffic from the peer.
const activityTimeout = 10 * time.Second

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var zstdDecoder, _ = zstd.NewReader(nil)

// Handler receives the decoded traffic and delivery receipts of a connection.
// HandlePacket is invoked with a complete decompressed data packet; the
// remaining hooks translate transport receipts into replication feedback.
// Every hook is invoked from the connection's goroutines and must not block.
type Handler struct {
	HandlePacket        func(data []byte) error
	PacketAcked         func(seq uint32)
	PacketLost          func(seq uint32)
	PacketRetransmitted func(old, fresh uint32)
}

// Conn is one established datagram connection. It owns the sequence windows of
// both directions: the receive side deduplicates incoming datagrams and
// accumulates receipts, the send side keeps reliable datagrams in the recovery
// window until the peer acknowledges them.
type Conn struct {
	localAddr *net.UDPAddr
	peerAddr  *net.UDPAddr

	socket  *net.UDPConn
	mtu     int
	handler Handler
	logger  *slog.Logger

	mu             sync.Mutex
	sequenceWindow *protocol.SequenceWindow
	recoveryWindow *protocol.RecoveryWindow
	receipts       map[uint32]struct{}
	sequenceNumber uint32

	// piggyback acknowledgment state for outgoing packet headers
	ackSeq    uint32
	ackBits   uint16
	hasAckSeq bool

	lastActivity time.Time
	buffer       *buffer.Buffer

	dc     chan struct{}
	closed bool
}

func newConn(localAddr *net.UDPAddr, peerAddr *net.UDPAddr, socket *net.UDPConn, mtu int, handler Handler, logger *slog.Logger) *Conn {
	conn := &Conn{
		localAddr:      localAddr,
		peerAddr:       peerAddr,
		socket:         socket,
		mtu:            mtu,
		handler:        handler,
		logger:         logger.With("component", "transport.conn", "peer", peerAddr.String()),
		sequenceWindow: protocol.CreateSequenceWindow(),
		recoveryWindow: protocol.CreateRecoveryWindow(),
		receipts:       make(map[uint32]struct{}, protocol.MAX_RECEIPTS),
		lastActivity:   time.Now(),
		buffer:         buffer.New(protocol.MAX_MTU_SIZE),
		dc:             make(chan struct{}),
	}

	go conn.flusher()

	return conn
}

// Returns the local address the underlying socket is bound to.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.localAddr
}

// Returns the peer address the connection exchanges datagrams with.
func (c *Conn) PeerAddr() *net.UDPAddr {
	return c.peerAddr
}

// Close stops the connection's flusher. It does not close the shared socket.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.dc)
	}
}

// Send assigns the next datagram sequence number to the packet, fills the
// acknowledgment fields of its header and writes it to the socket. Reliable
// packets are kept in the recovery window until acknowledged. The assigned
// sequence number is returned so the caller can correlate receipts.
func (c *Conn) Send(data []byte, reliable bool) (uint32, error) {
	if len(data) < protocol.PACKET_HEADER_SIZE {
		return 0, ILP_ERROR
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.sequenceNumber
	c.sequenceNumber += 1

	if reliable {
		body := make([]byte, len(data))
		copy(body, data)
		c.recoveryWindow.Add(seq, body)
	}

	return seq, c.write(data, seq)
}

// write patches the sequence and acknowledgment fields into the packet header
// and flushes it to the socket, compressing the body when it is large enough
// to be worth it. The caller must hold c.mu.
func (c *Conn) write(data []byte, seq uint32) error {
	if c.hasAckSeq {
		data[0] |= protocol.FLAG_HAS_ACK
	} else {
		data[0] &^= protocol.FLAG_HAS_ACK
	}

	b := buffer.From(data)
	b.SetOffset(1)

	must(b.WriteUint24(seq, byteorder.LittleEndian))
	b.Shift(2)
	must(b.WriteUint24(c.ackSeq, byteorder.LittleEndian))
	must(b.WriteUint16(c.ackBits, byteorder.LittleEndian))

	wire := data

	if len(data)-protocol.PACKET_HEADER_SIZE > compressionThreshold {
		compressed := zstdEncoder.EncodeAll(data[protocol.PACKET_HEADER_SIZE:], nil)

		if len(compressed) < len(data)-protocol.PACKET_HEADER_SIZE {
			wire = make([]byte, 0, protocol.PACKET_HEADER_SIZE+len(compressed))
			wire = append(wire, data[:protocol.PACKET_HEADER_SIZE]...)
			wire = append(wire, compressed...)
			wire[0] |= protocol.FLAG_COMPRESSED
		}
	}

	if _, err := c.socket.WriteTo(wire, c.peerAddr); err != nil {
		return err
	}

	return nil
}

// ReadDatagram processes one incoming datagram destined for this connection.
// Malformed datagrams surface an error and are dropped; the connection stays
// up.
func (c *Conn) ReadDatagram(data []byte) error {
	if len(data) == 0 {
		return IFD_ERROR
	}

	flags := data[0]
	if flags&protocol.FLAG_DATAGRAM == 0 {
		return IFD_ERROR
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if flags&protocol.FLAG_ACK != 0 {
		return c.readAck(buffer.From(data[1:]))
	}

	if flags&protocol.FLAG_NACK != 0 {
		return c.readNack(buffer.From(data[1:]))
	}

	return c.readPacket(flags, data)
}

// readPacket handles one data packet: it deduplicates by sequence number,
// consumes the piggybacked acknowledgments, decompresses the body if needed
// and hands the packet to the handler.
func (c *Conn) readPacket(flags uint8, data []byte) error {
	if len(data) < protocol.PACKET_HEADER_SIZE {
		return ILP_ERROR
	}

	b := buffer.From(data[1:])

	seq, err := b.ReadUint24(byteorder.LittleEndian)
	if err != nil {
		return err
	}

	b.Shift(2)

	ackSeq, err := b.ReadUint24(byteorder.LittleEndian)
	if err != nil {
		return err
	}

	ackBits, err := b.ReadUint16(byteorder.LittleEndian)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if !c.sequenceWindow.Receive(seq) {
		c.mu.Unlock()
		return nil
	}

	c.recordAck(seq)

	var acked []uint32
	if flags&protocol.FLAG_HAS_ACK != 0 {
		acked = c.consumePiggyback(ackSeq, ackBits)
	}

	c.mu.Unlock()

	for _, seq := range acked {
		if c.handler.PacketAcked != nil {
			c.handler.PacketAcked(seq)
		}
	}

	if flags&protocol.FLAG_COMPRESSED != 0 {
		body, err := zstdDecoder.DecodeAll(data[protocol.PACKET_HEADER_SIZE:], nil)
		if err != nil {
			return err
		}

		packet := make([]byte, 0, protocol.PACKET_HEADER_SIZE+len(body))
		packet = append(packet, data[:protocol.PACKET_HEADER_SIZE]...)
		packet = append(packet, body...)
		packet[0] &^= protocol.FLAG_COMPRESSED
		data = packet
	}

	if c.handler.HandlePacket != nil {
		return c.handler.HandlePacket(data)
	}

	return nil
}

// recordAck folds a received sequence number into the piggyback state carried
// on every outgoing packet header: the highest sequence received plus a
// bitfield of the sixteen sequences preceding it. The caller must hold c.mu.
func (c *Conn) recordAck(seq uint32) {
	if !c.hasAckSeq {
		c.hasAckSeq = true
		c.ackSeq = seq
		c.ackBits = 0
		return
	}

	if seq > c.ackSeq {
		shift := seq - c.ackSeq

		if shift > 16 {
			c.ackBits = 0
		} else {
			c.ackBits = c.ackBits<<shift | 1<<(shift-1)
		}

		c.ackSeq = seq
		return
	}

	if diff := c.ackSeq - seq; diff >= 1 && diff <= 16 {
		c.ackBits |= 1 << (diff - 1)
	}
}

// consumePiggyback resolves the acknowledgment fields of an incoming header
// against the recovery window and returns the sequences newly acknowledged.
// The caller must hold c.mu.
func (c *Conn) consumePiggyback(ackSeq uint32, ackBits uint16) []uint32 {
	acked := make([]uint32, 0, 17)
	acked = append(acked, ackSeq)

	for i := 0; i < 16; i++ {
		if ackBits&(1<<i) != 0 && ackSeq >= uint32(i)+1 {
			acked = append(acked, ackSeq-uint32(i)-1)
		}
	}

	for _, seq := range acked {
		c.recoveryWindow.Acknowledge(seq)
	}

	return acked
}

// readAck handles an ACK receipt datagram from the peer. Handler hooks are
// invoked after the lock is released so they may call back into the
// connection.
func (c *Conn) readAck(b *buffer.Buffer) error {
	c.mu.Lock()

	if err := c.readReceipts(b); err != nil {
		clear(c.receipts)
		c.mu.Unlock()
		return err
	}

	acked := make([]uint32, 0, len(c.receipts))

	for seq := range c.receipts {
		c.recoveryWindow.Acknowledge(seq)
		acked = append(acked, seq)
	}

	clear(c.receipts)
	c.mu.Unlock()

	if c.handler.PacketAcked != nil {
		for _, seq := range acked {
			c.handler.PacketAcked(seq)
		}
	}

	return nil
}

// readNack handles a NACK receipt datagram. Reliable datagrams still in the
// recovery window are retransmitted under a fresh sequence number; everything
// else is reported lost so the replication layer can roll back. Handler hooks
// are invoked after the lock is released.
func (c *Conn) readNack(b *buffer.Buffer) error {
	type remap struct {
		old, fresh uint32
	}

	c.mu.Lock()

	if err := c.readReceipts(b); err != nil {
		clear(c.receipts)
		c.mu.Unlock()
		return err
	}

	lost := make([]uint32, 0, len(c.receipts))
	remapped := make([]remap, 0, len(c.receipts))

	for seq := range c.receipts {
		body := c.recoveryWindow.Retransmit(seq)

		if body == nil {
			lost = append(lost, seq)
			continue
		}

		fresh := c.sequenceNumber
		c.sequenceNumber += 1
		c.recoveryWindow.Add(fresh, body)

		if err := c.write(body, fresh); err != nil {
			c.logger.Error("retransmit failed", "seq", fresh, "err", err)
			continue
		}

		remapped = append(remapped, remap{old: seq, fresh: fresh})
	}

	clear(c.receipts)
	c.mu.Unlock()

	if c.handler.PacketLost != nil {
		for _, seq := range lost {
			c.handler.PacketLost(seq)
		}
	}

	if c.handler.PacketRetransmitted != nil {
		for _, r := range remapped {
			c.handler.PacketRetransmitted(r.old, r.fresh)
		}
	}

	return nil
}

// readReceipts decodes an ACK or NACK record list into c.receipts. The caller
// must hold c.mu.
func (c *Conn) readReceipts(b *buffer.Buffer) error {
	recordsCount, err := b.ReadInt16(byteorder.BigEndian)
	if err != nil {
		return err
	}

	for i := 0; i < int(recordsCount); i++ {
		recordType, err := b.ReadUint8()
		if err != nil {
			return err
		}

		switch recordType {
		case protocol.RangedRecord:
			start, err := b.ReadUint24(byteorder.LittleEndian)
			if err != nil {
				return err
			}

			end, err := b.ReadUint24(byteorder.LittleEndian)
			if err != nil {
				return err
			}

			if end < start || end-start > uint32(protocol.MAX_RECEIPTS) {
				return protocol.IRT_ERROR
			}

			for seq := start; seq <= end; seq++ {
				c.receipts[seq] = struct{}{}
			}
		case protocol.SingleRecord:
			seq, err := b.ReadUint24(byteorder.LittleEndian)
			if err != nil {
				return err
			}

			c.receipts[seq] = struct{}{}
		default:
			return protocol.IRT_ERROR
		}
	}

	return nil
}

// flusher periodically writes the accumulated ACK and NACK receipts to the
// peer and shifts the receive sequence window.
func (c *Conn) flusher() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.dc:
			return
		case <-ticker.C:
			c.mu.Lock()

			if len(c.sequenceWindow.Acks) > 0 {
				if err := c.writeAcks(); err != nil {
					c.logger.Error("ack write failed", "err", err)
				}
			}

			if len(c.sequenceWindow.Nacks) > 0 {
				if err := c.writeNacks(); err != nil {
					c.logger.Error("nack write failed", "err", err)
				}
			}

			c.sequenceWindow.Shift()
			stale := time.Since(c.lastActivity) > activityTimeout

			c.mu.Unlock()

			if stale {
				c.logger.Warn("peer inactive, closing connection")
				c.Close()
				return
			}
		}
	}
}

// writeAcks flushes an ACK receipt datagram for every sequence received within
// the last flush interval. The caller must hold c.mu.
func (c *Conn) writeAcks() error {
	sequences := slices.Clone(c.sequenceWindow.Acks)

	if err := c.buffer.WriteUint8(protocol.FLAG_DATAGRAM | protocol.FLAG_ACK); err != nil {
		return err
	}

	if err := c.writeReceipts(sequences); err != nil {
		return err
	}

	c.sequenceWindow.Acks = c.sequenceWindow.Acks[:0]
	return nil
}

// writeNacks flushes a NACK receipt datagram for every gap observed within the
// last flush interval. The caller must hold c.mu.
func (c *Conn) writeNacks() error {
	sequences := slices.Clone(c.sequenceWindow.Nacks)

	if err := c.buffer.WriteUint8(protocol.FLAG_DATAGRAM | protocol.FLAG_NACK); err != nil {
		return err
	}

	if err := c.writeReceipts(sequences); err != nil {
		return err
	}

	c.sequenceWindow.Nacks = c.sequenceWindow.Nacks[:0]
	return nil
}

// writeReceipts encodes the sequences as single and ranged records and flushes
// the datagram to the socket. The record count is patched in after encoding.
func (c *Conn) writeReceipts(sequences []uint32) error {
	defer func() {
		c.buffer.Reset()
	}()

	slices.Sort(sequences)
	c.buffer.SetOffset(3)

	first := sequences[0]
	last := sequences[0]
	var recordCount int16 = 0

	for _, seq := range sequences[1:] {
		if seq == last+1 {
			last = seq
			continue
		}

		if err := c.writeRecord(first, last); err != nil {
			return err
		}

		recordCount += 1
		first = seq
		last = seq
	}

	if err := c.writeRecord(first, last); err != nil {
		return err
	}

	recordCount += 1

	offset := c.buffer.Offset()
	c.buffer.SetOffset(1)

	if err := c.buffer.WriteInt16(recordCount, byteorder.BigEndian); err != nil {
		return err
	}

	c.buffer.SetOffset(offset)

	if _, err := c.socket.WriteTo(c.buffer.Bytes(), c.peerAddr); err != nil {
		return err
	}

	return nil
}

func (c *Conn) writeRecord(first, last uint32) error {
	if first == last {
		if err := c.buffer.WriteUint8(protocol.SingleRecord); err != nil {
			return err
		}

		return c.buffer.WriteUint24(first, byteorder.LittleEndian)
	}

	if err := c.buffer.WriteUint8(protocol.RangedRecord); err != nil {
		return err
	}

	if err := c.buffer.WriteUint24(first, byteorder.LittleEndian); err != nil {
		return err
	}

	return c.buffer.WriteUint24(last, byteorder.LittleEndian)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
