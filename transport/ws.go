package transport

import (
	"log/slog"
	"sync"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
	"github.com/gorilla/websocket"
)

// WSConn adapts a websocket connection to the datagram surface the replication
// layer expects: every binary frame carries exactly one packet. The underlying
// stream is reliable and ordered, so there is no recovery window; each packet
// is reported acknowledged as soon as it is written.
type WSConn struct {
	ws      *websocket.Conn
	handler Handler
	logger  *slog.Logger

	mu             sync.Mutex
	sequenceNumber uint32
}

func NewWSConn(ws *websocket.Conn, handler Handler, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}

	return &WSConn{
		ws:      ws,
		handler: handler,
		logger:  logger.With("component", "transport.ws", "peer", ws.RemoteAddr().String()),
	}
}

// Send assigns the next sequence number to the packet and writes it as one
// binary frame. The reliable flag is ignored: the stream delivers everything.
func (c *WSConn) Send(data []byte, reliable bool) (uint32, error) {
	if len(data) < protocol.PACKET_HEADER_SIZE {
		return 0, ILP_ERROR
	}

	c.mu.Lock()

	seq := c.sequenceNumber
	c.sequenceNumber += 1

	b := buffer.From(data)
	b.SetOffset(1)
	must(b.WriteUint24(seq, byteorder.LittleEndian))

	err := c.ws.WriteMessage(websocket.BinaryMessage, data)
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}

	if c.handler.PacketAcked != nil {
		c.handler.PacketAcked(seq)
	}

	return seq, nil
}

// ReadLoop reads frames until the websocket closes and hands each data packet
// to the handler. It returns the error that ended the connection.
func (c *WSConn) ReadLoop() error {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		if kind != websocket.BinaryMessage {
			continue
		}

		if len(data) == 0 || data[0]&protocol.FLAG_DATAGRAM == 0 {
			c.logger.Debug("frame dropped", "err", IFD_ERROR)
			continue
		}

		// Receipt datagrams are meaningless on a reliable stream.
		if data[0]&(protocol.FLAG_ACK|protocol.FLAG_NACK) != 0 {
			continue
		}

		if data[0]&protocol.FLAG_COMPRESSED != 0 {
			body, err := zstdDecoder.DecodeAll(data[protocol.PACKET_HEADER_SIZE:], nil)
			if err != nil {
				c.logger.Debug("frame dropped", "err", err)
				continue
			}

			packet := make([]byte, 0, protocol.PACKET_HEADER_SIZE+len(body))
			packet = append(packet, data[:protocol.PACKET_HEADER_SIZE]...)
			packet = append(packet, body...)
			packet[0] &^= protocol.FLAG_COMPRESSED
			data = packet
		}

		if c.handler.HandlePacket != nil {
			if err := c.handler.HandlePacket(data); err != nil {
				c.logger.Debug("frame dropped", "err", err)
			}
		}
	}
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}
