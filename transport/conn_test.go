package transport

import (
	"bytes"
	"log/slog"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/replication/internal/protocol"
)

// testConn builds a connection without starting its flusher so tests control
// every flush themselves.
func testConn(t *testing.T, socket *net.UDPConn, peer *net.UDPAddr, handler Handler) *Conn {
	t.Helper()

	return &Conn{
		localAddr:      socket.LocalAddr().(*net.UDPAddr),
		peerAddr:       peer,
		socket:         socket,
		mtu:            protocol.MAX_MTU_SIZE,
		handler:        handler,
		logger:         slog.Default(),
		sequenceWindow: protocol.CreateSequenceWindow(),
		recoveryWindow: protocol.CreateRecoveryWindow(),
		receipts:       make(map[uint32]struct{}, protocol.MAX_RECEIPTS),
		lastActivity:   time.Now(),
		buffer:         buffer.New(protocol.MAX_MTU_SIZE),
		dc:             make(chan struct{}),
	}
}

func socketPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()

	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("unexpected error binding socket: %v", err)
	}

	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		a.Close()
		t.Fatalf("unexpected error binding socket: %v", err)
	}

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

func readOne(t *testing.T, socket *net.UDPConn) []byte {
	t.Helper()

	if err := socket.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("unexpected error setting deadline: %v", err)
	}

	buf := make([]byte, 1500)
	n, _, err := socket.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("unexpected error reading datagram: %v", err)
	}

	return buf[:n]
}

func emptyPacket(flags uint8) []byte {
	data := make([]byte, protocol.PACKET_HEADER_SIZE+1)
	data[0] = protocol.FLAG_DATAGRAM | flags
	return data
}

func TestPiggybackAckTracking(t *testing.T) {
	c := &Conn{recoveryWindow: protocol.CreateRecoveryWindow()}

	c.recordAck(0)
	if c.ackSeq != 0 || c.ackBits != 0 {
		t.Fatalf("expected ackSeq 0 with empty bits, got %d %016b", c.ackSeq, c.ackBits)
	}

	c.recordAck(2)
	if c.ackSeq != 2 || c.ackBits != 0b10 {
		t.Fatalf("expected ackSeq 2 with only sequence 0 marked, got %d %016b", c.ackSeq, c.ackBits)
	}

	c.recordAck(1)
	if c.ackSeq != 2 || c.ackBits != 0b11 {
		t.Fatalf("expected the late sequence 1 folded in, got %d %016b", c.ackSeq, c.ackBits)
	}
}

func TestConsumePiggybackAcknowledgesRecovery(t *testing.T) {
	c := &Conn{recoveryWindow: protocol.CreateRecoveryWindow()}

	for seq := uint32(0); seq <= 2; seq++ {
		c.recoveryWindow.Add(seq, []byte{byte(seq)})
	}

	acked := c.consumePiggyback(2, 0b11)

	slices.Sort(acked)
	if len(acked) != 3 || acked[0] != 0 || acked[1] != 1 || acked[2] != 2 {
		t.Fatalf("expected sequences [0 1 2] acknowledged, got %v", acked)
	}

	for seq := uint32(0); seq <= 2; seq++ {
		if c.recoveryWindow.Retransmit(seq) != nil {
			t.Fatalf("expected sequence %d to be dropped from recovery", seq)
		}
	}
}

func TestReceiptRecordsRoundTrip(t *testing.T) {
	socketA, socketB := socketPair(t)

	var acked []uint32
	sender := testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{
		PacketAcked: func(seq uint32) { acked = append(acked, seq) },
	})

	// A run of sequences plus isolated ones exercises both record types.
	sender.sequenceWindow.Acks = []uint32{0, 1, 2, 5, 7}

	sender.mu.Lock()
	err := sender.writeAcks()
	sender.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error writing acks: %v", err)
	}

	data := readOne(t, socketB)

	if err := receiver.ReadDatagram(data); err != nil {
		t.Fatalf("unexpected error reading ack datagram: %v", err)
	}

	slices.Sort(acked)
	want := []uint32{0, 1, 2, 5, 7}
	if !slices.Equal(acked, want) {
		t.Fatalf("expected receipts %v, got %v", want, acked)
	}
}

func TestNackTriggersRetransmissionUnderFreshSequence(t *testing.T) {
	socketA, socketB := socketPair(t)

	var remapped [][2]uint32
	sender := testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{
		PacketRetransmitted: func(old, fresh uint32) { remapped = append(remapped, [2]uint32{old, fresh}) },
	})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{})

	seq, err := sender.Send(emptyPacket(0), true)
	if err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}
	readOne(t, socketB) // discard the original delivery

	receiver.sequenceWindow.Nacks = []uint32{seq}

	receiver.mu.Lock()
	err = receiver.writeNacks()
	receiver.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error writing nacks: %v", err)
	}

	if err := sender.ReadDatagram(readOne(t, socketA)); err != nil {
		t.Fatalf("unexpected error reading nack datagram: %v", err)
	}

	if len(remapped) != 1 || remapped[0][0] != seq {
		t.Fatalf("expected one retransmission of sequence %d, got %v", seq, remapped)
	}

	retransmitted := readOne(t, socketB)
	if retransmitted[0]&protocol.FLAG_DATAGRAM == 0 {
		t.Fatalf("expected a retransmitted data packet on the wire")
	}
}

func TestNackOnUnreliablePacketReportsLoss(t *testing.T) {
	socketA, socketB := socketPair(t)

	var lost []uint32
	sender := testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{
		PacketLost: func(seq uint32) { lost = append(lost, seq) },
	})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{})

	seq, err := sender.Send(emptyPacket(0), false)
	if err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}
	readOne(t, socketB)

	receiver.sequenceWindow.Nacks = []uint32{seq}

	receiver.mu.Lock()
	err = receiver.writeNacks()
	receiver.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error writing nacks: %v", err)
	}

	if err := sender.ReadDatagram(readOne(t, socketA)); err != nil {
		t.Fatalf("unexpected error reading nack datagram: %v", err)
	}

	if len(lost) != 1 || lost[0] != seq {
		t.Fatalf("expected sequence %d reported lost, got %v", seq, lost)
	}
}

func TestLargePacketCompressesOnTheWire(t *testing.T) {
	socketA, socketB := socketPair(t)

	var received []byte
	sender := testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{
		HandlePacket: func(data []byte) error {
			received = slices.Clone(data)
			return nil
		},
	})

	packet := make([]byte, protocol.PACKET_HEADER_SIZE+900)
	packet[0] = protocol.FLAG_DATAGRAM
	for i := protocol.PACKET_HEADER_SIZE; i < len(packet); i++ {
		packet[i] = byte(i % 7)
	}

	if _, err := sender.Send(slices.Clone(packet), false); err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}

	wire := readOne(t, socketB)
	if wire[0]&protocol.FLAG_COMPRESSED == 0 {
		t.Fatalf("expected the repetitive body to be compressed on the wire")
	}
	if len(wire) >= len(packet) {
		t.Fatalf("expected the wire form to be smaller, got %d of %d bytes", len(wire), len(packet))
	}

	if err := receiver.ReadDatagram(wire); err != nil {
		t.Fatalf("unexpected error reading compressed packet: %v", err)
	}

	if received == nil {
		t.Fatalf("expected the handler to receive the packet")
	}

	if received[0]&protocol.FLAG_COMPRESSED != 0 {
		t.Fatalf("expected the compressed flag cleared after decompression")
	}

	if !bytes.Equal(received[protocol.PACKET_HEADER_SIZE:], packet[protocol.PACKET_HEADER_SIZE:]) {
		t.Fatalf("expected the body restored byte for byte")
	}
}

func TestFirstPacketDoesNotAcknowledgeSequenceZero(t *testing.T) {
	socketA, socketB := socketPair(t)

	var acked []uint32
	sender := testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{
		PacketAcked: func(seq uint32) { acked = append(acked, seq) },
	})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{})

	// The first reliable packet goes out but is held back, as if lost.
	if _, err := sender.Send(emptyPacket(0), true); err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}
	held := readOne(t, socketB)

	// The peer has received nothing yet, so its first packet must not carry
	// acknowledgment state that a zeroed header would fake.
	if _, err := receiver.Send(emptyPacket(0), false); err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}

	wire := readOne(t, socketA)
	if wire[0]&protocol.FLAG_HAS_ACK != 0 {
		t.Fatalf("expected no acknowledgment state on the peer's first packet")
	}

	if err := sender.ReadDatagram(wire); err != nil {
		t.Fatalf("unexpected error reading first peer packet: %v", err)
	}

	if len(acked) != 0 {
		t.Fatalf("expected no acknowledgments from a zeroed header, got %v", acked)
	}

	body := sender.recoveryWindow.Retransmit(0)
	if body == nil {
		t.Fatalf("expected sequence 0 still held for retransmission")
	}
	sender.recoveryWindow.Add(0, body)

	// Once the held packet arrives, the peer's next packet acknowledges it.
	if err := receiver.ReadDatagram(held); err != nil {
		t.Fatalf("unexpected error delivering the held packet: %v", err)
	}

	if _, err := receiver.Send(emptyPacket(0), false); err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}

	wire = readOne(t, socketA)
	if wire[0]&protocol.FLAG_HAS_ACK == 0 {
		t.Fatalf("expected acknowledgment state once the peer has received a packet")
	}

	if err := sender.ReadDatagram(wire); err != nil {
		t.Fatalf("unexpected error reading second peer packet: %v", err)
	}

	if len(acked) != 1 || acked[0] != 0 {
		t.Fatalf("expected sequence 0 acknowledged, got %v", acked)
	}

	if sender.recoveryWindow.Retransmit(0) != nil {
		t.Fatalf("expected sequence 0 dropped from recovery after the acknowledgment")
	}
}

func TestLossHandlerMayCallBackIntoConnection(t *testing.T) {
	socketA, socketB := socketPair(t)

	var sender *Conn
	sender = testConn(t, socketA, socketB.LocalAddr().(*net.UDPAddr), Handler{
		PacketLost: func(seq uint32) {
			if _, err := sender.Send(emptyPacket(0), false); err != nil {
				t.Errorf("unexpected error sending from the loss handler: %v", err)
			}
		},
	})
	receiver := testConn(t, socketB, socketA.LocalAddr().(*net.UDPAddr), Handler{})

	seq, err := sender.Send(emptyPacket(0), false)
	if err != nil {
		t.Fatalf("unexpected error sending packet: %v", err)
	}
	readOne(t, socketB)

	receiver.sequenceWindow.Nacks = []uint32{seq}

	receiver.mu.Lock()
	err = receiver.writeNacks()
	receiver.mu.Unlock()
	if err != nil {
		t.Fatalf("unexpected error writing nacks: %v", err)
	}

	nack := readOne(t, socketA)

	done := make(chan error, 1)
	go func() { done <- sender.ReadDatagram(nack) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error reading nack datagram: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reading the nack datagram blocked on the loss handler")
	}
}
