package packet

import (
	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
)

// Header is the decoded eleven byte packet header. Seq, AckSeq and AckBits are
// transport-level acknowledgment state piggybacked on every data packet.
type Header struct {
	Flags   uint8
	Seq     uint32
	Tick    protocol.Tick
	AckSeq  uint32
	AckBits uint16
}

// FragmentPart is one decoded fragment block.
type FragmentPart struct {
	Channel protocol.ChannelID
	ID      uint32
	Index   uint8
	Count   uint8
	Payload []byte
}

// ChannelBlock is one decoded channel block: the channel id and its serialized
// messages in packing order.
type ChannelBlock struct {
	Channel  protocol.ChannelID
	Messages [][]byte
}

// Parsed is the full decoded form of one data packet.
type Parsed struct {
	Header   Header
	Fragment *FragmentPart
	Blocks   []ChannelBlock
}

// ReadHeader decodes the packet header. It rejects buffers that do not carry
// the datagram flag.
func ReadHeader(b *buffer.Buffer) (h Header, err error) {
	if h.Flags, err = b.ReadUint8(); err != nil {
		return
	}

	if h.Flags&protocol.FLAG_DATAGRAM == 0 {
		return h, protocol.IFD_ERROR
	}

	if h.Seq, err = b.ReadUint24(byteorder.LittleEndian); err != nil {
		return
	}

	tick, err := b.ReadUint16(byteorder.LittleEndian)
	if err != nil {
		return h, err
	}
	h.Tick = protocol.Tick(tick)

	if h.AckSeq, err = b.ReadUint24(byteorder.LittleEndian); err != nil {
		return
	}

	if h.AckBits, err = b.ReadUint16(byteorder.LittleEndian); err != nil {
		return
	}

	return h, nil
}

// Parse decodes a complete data packet: header, optional fragment block and the
// channel block list. Any inconsistency (claimed lengths exceeding the buffer,
// fragment index out of range) fails the whole packet, which the caller drops.
func Parse(data []byte) (*Parsed, error) {
	b := buffer.From(data)

	header, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{Header: header}

	if header.Flags&protocol.FLAG_FRAGMENT != 0 {
		part, final, err := readFragment(b)
		if err != nil {
			return nil, err
		}

		parsed.Fragment = part

		// Only the terminal fragment's packet carries a block list after the
		// fragment payload.
		if !final {
			return parsed, nil
		}
	}

	blocks, err := readBlocks(b)
	if err != nil {
		return nil, err
	}

	parsed.Blocks = blocks
	return parsed, nil
}

func readFragment(b *buffer.Buffer) (*FragmentPart, bool, error) {
	channel, err := protocol.ReadVaruint32(b)
	if err != nil {
		return nil, false, err
	}

	id, err := protocol.ReadVaruint32(b)
	if err != nil {
		return nil, false, err
	}

	index, err := b.ReadUint8()
	if err != nil {
		return nil, false, err
	}

	count, err := b.ReadUint8()
	if err != nil {
		return nil, false, err
	}

	if int(count) > protocol.MAX_FRAGMENT_COUNT {
		return nil, false, protocol.EMF_ERROR
	}

	if index >= count {
		return nil, false, protocol.IFI_ERROR
	}

	part := &FragmentPart{
		Channel: protocol.ChannelID(channel),
		ID:      id,
		Index:   index,
		Count:   count,
	}

	final := index == count-1

	if final {
		length, err := b.ReadUint16(byteorder.LittleEndian)
		if err != nil {
			return nil, false, err
		}

		if int(length) > b.Remaining() {
			return nil, false, protocol.ILN_ERROR
		}

		part.Payload = make([]byte, length)
		if err := b.Read(part.Payload); err != nil {
			return nil, false, err
		}
	} else {
		part.Payload = make([]byte, b.Remaining())
		if err := b.Read(part.Payload); err != nil {
			return nil, false, err
		}
	}

	return part, final, nil
}

func readBlocks(b *buffer.Buffer) ([]ChannelBlock, error) {
	var blocks []ChannelBlock

	for {
		channel, err := protocol.ReadVaruint32(b)
		if err != nil {
			return nil, err
		}

		if channel == 0 {
			return blocks, nil
		}

		count, err := b.ReadUint8()
		if err != nil {
			return nil, err
		}

		if int(count) > protocol.MAX_BLOCK_MESSAGES {
			return nil, protocol.MBC_ERROR
		}

		block := ChannelBlock{
			Channel:  protocol.ChannelID(channel),
			Messages: make([][]byte, 0, count),
		}

		for i := 0; i < int(count); i++ {
			length, err := protocol.ReadVaruint32(b)
			if err != nil {
				return nil, err
			}

			if int(length) > b.Remaining() {
				return nil, protocol.ILN_ERROR
			}

			msg := make([]byte, length)
			if err := b.Read(msg); err != nil {
				return nil, err
			}

			block.Messages = append(block.Messages, msg)
		}

		blocks = append(blocks, block)
	}
}
