package packet

import (
	"fmt"
	"slices"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"
	"github.com/gamevidea/replication/internal/protocol"
)

// MessageRef identifies one packed message so that datagram-level receipts can
// be mapped back to the group channel bookkeeping that produced it.
type MessageRef struct {
	Channel protocol.ChannelID
	Group   protocol.GroupID
	ID      protocol.MessageID
}

// Built is one finished packet: its serialized bytes, never exceeding the MTU,
// and the references of every message it carries. The first eleven bytes are
// the packet header with the datagram sequence and acknowledgment fields left
// zero for the transport to fill at flush time.
type Built struct {
	Data []byte
	Refs []MessageRef

	// Reliable marks packets carrying data of a reliable channel; the
	// transport keeps those for retransmission on loss.
	Reliable bool
}

type single struct {
	ref     MessageRef
	payload []byte
}

type fragmented struct {
	ref   MessageRef
	id    uint32
	parts [][]byte
}

// Builder packs already-serialized messages into MTU-bounded packets. Messages
// small enough to share a packet are bin-packed greedily per channel; oversized
// messages are split into fragments, one packet per fragment, with the terminal
// fragment's packet additionally absorbing as many small messages as fit.
//
// A Builder belongs to one connection and is not safe for concurrent use.
type Builder struct {
	mtu        int
	singles    map[protocol.ChannelID][]single
	fragmented []fragmented
	nextFragID uint16

	buf  *buffer.Buffer
	tick protocol.Tick
	out  []Built

	opened     bool
	flags      uint8
	terminator bool
	reliable   bool
	refs       []MessageRef

	blockCount  int
	countOffset int
}

func NewBuilder(mtu int) *Builder {
	if mtu > protocol.MAX_MTU_SIZE {
		mtu = protocol.MAX_MTU_SIZE
	}

	return &Builder{
		mtu:     mtu,
		singles: map[protocol.ChannelID][]single{},
		buf:     buffer.New(protocol.MAX_MTU_SIZE),
	}
}

// fitsSingle reports whether a payload of the given length can travel
// unfragmented on the channel: a fresh packet must hold the header, the channel
// block overhead, the payload with its length prefix and the terminator.
func (b *Builder) fitsSingle(channel protocol.ChannelID, length int) bool {
	need := protocol.PACKET_HEADER_SIZE +
		protocol.SizeVaruint32(uint32(channel)) + 1 +
		protocol.SizeVaruint32(uint32(length)) + length +
		protocol.TERMINATOR_SIZE
	return need <= b.mtu
}

// AddMessage queues one serialized message for the next Build call. Messages
// that cannot fit a single packet are split into fragments here; messages that
// could never be delivered at all are rejected eagerly as a configuration
// error.
func (b *Builder) AddMessage(channel protocol.ChannelID, group protocol.GroupID, id protocol.MessageID, payload []byte) error {
	if len(payload) > protocol.MAX_MESSAGE_SIZE {
		return protocol.MTL_ERROR
	}

	ref := MessageRef{Channel: channel, Group: group, ID: id}

	if b.fitsSingle(channel, len(payload)) {
		b.singles[channel] = append(b.singles[channel], single{ref: ref, payload: payload})
		return nil
	}

	parts, err := Split(payload, b.mtu)
	if err != nil {
		return err
	}

	b.fragmented = append(b.fragmented, fragmented{ref: ref, id: uint32(b.nextFragID), parts: parts})
	b.nextFragID += 1
	return nil
}

// Build drains every queued message into an ordered sequence of packets, each
// at most MTU bytes. Fragmented messages come first, one packet per non-terminal
// fragment; the terminal fragment's packet absorbs pending small messages; the
// remaining small messages are packed channel by channel, carrying the current
// packet across channel boundaries while space remains.
func (b *Builder) Build(tick protocol.Tick) []Built {
	b.tick = tick
	b.out = nil

	channels := make([]protocol.ChannelID, 0, len(b.singles))
	for ch := range b.singles {
		channels = append(channels, ch)
	}
	slices.Sort(channels)

	// Smallest first: once a message fails to fit no later one fits either,
	// and small messages maximize the count packed per packet.
	for _, ch := range channels {
		slices.SortStableFunc(b.singles[ch], func(a, c single) int {
			return len(a.payload) - len(c.payload)
		})
	}

	for i := range b.fragmented {
		frag := &b.fragmented[i]

		for index := 0; index < len(frag.parts)-1; index++ {
			b.open(protocol.FLAG_FRAGMENT)
			b.writeFragment(frag, index)
			b.finalize()
		}

		b.open(protocol.FLAG_FRAGMENT)
		b.writeFragment(frag, len(frag.parts)-1)

		// The terminal fragment's packet has paid the fixed header cost
		// already; fill the leftover with pending small messages, the
		// fragment's own channel first.
		b.absorb(frag.ref.Channel)
		for _, ch := range channels {
			if ch != frag.ref.Channel {
				b.absorb(ch)
			}
		}
		b.finalize()
	}
	b.fragmented = b.fragmented[:0]

	for _, ch := range channels {
		b.pack(ch)
	}
	if b.opened {
		b.finalize()
	}

	clear(b.singles)

	out := b.out
	b.out = nil
	return out
}

// open prepares the reusable buffer for a new packet, reserving the header
// region to be written at finalization.
func (b *Builder) open(flags uint8) {
	b.buf.Reset()
	b.buf.SetOffset(protocol.PACKET_HEADER_SIZE)
	b.opened = true
	b.flags = protocol.FLAG_DATAGRAM | flags
	b.terminator = true
	b.reliable = false
	b.refs = b.refs[:0]
	b.blockCount = 0
}

// capacity returns the bytes still writable in the current packet, keeping the
// terminator reservation for whatever is written next.
func (b *Builder) capacity() int {
	return b.mtu - protocol.TERMINATOR_SIZE - b.buf.Offset()
}

func (b *Builder) writeFragment(frag *fragmented, index int) {
	final := index == len(frag.parts)-1
	part := frag.parts[index]

	b.reliable = b.reliable || protocol.Reliable(frag.ref.Channel)

	must(protocol.WriteVaruint32(b.buf, uint32(frag.ref.Channel)))
	must(protocol.WriteVaruint32(b.buf, frag.id))
	must(b.buf.WriteUint8(uint8(index)))
	must(b.buf.WriteUint8(uint8(len(frag.parts))))

	if final {
		must(b.buf.WriteUint16(uint16(len(part)), byteorder.LittleEndian))
		b.refs = append(b.refs, frag.ref)
	} else {
		// A non-terminal fragment's payload runs to the end of the packet;
		// there is no block list to terminate.
		b.terminator = false
	}

	must(b.buf.Write(part))
}

// absorb moves pending small messages of the channel into the current packet
// while they fit, never finalizing. One channel block at most per call.
func (b *Builder) absorb(channel protocol.ChannelID) {
	pending := b.singles[channel]
	if len(pending) == 0 {
		return
	}

	marker := protocol.SizeVaruint32(uint32(channel)) + 1
	if b.capacity() < marker+wireSize(pending[0].payload) {
		return
	}

	b.openBlock(channel)
	taken := 0

	for taken < len(pending) && b.blockCount < protocol.MAX_BLOCK_MESSAGES {
		msg := pending[taken]

		if b.capacity() < wireSize(msg.payload) {
			break
		}

		b.writeSingle(msg)
		taken += 1
	}

	b.closeBlock()
	b.singles[channel] = pending[taken:]
}

// pack writes the channel's remaining small messages into packets, carrying the
// current packet across channel boundaries when the channel marker and at least
// one message still fit.
func (b *Builder) pack(channel protocol.ChannelID) {
	marker := protocol.SizeVaruint32(uint32(channel)) + 1

	for len(b.singles[channel]) > 0 {
		pending := b.singles[channel]

		if !b.opened {
			b.open(0)
		}

		// The channel marker must fit before any message is considered; a
		// marker that cannot fit forces finalization on its own.
		if b.capacity() < marker+wireSize(pending[0].payload) {
			b.finalize()
			continue
		}

		b.openBlock(channel)
		taken := 0

		for taken < len(pending) && b.blockCount < protocol.MAX_BLOCK_MESSAGES {
			msg := pending[taken]

			if b.capacity() < wireSize(msg.payload) {
				break
			}

			b.writeSingle(msg)
			taken += 1
		}

		b.closeBlock()
		b.singles[channel] = pending[taken:]

		if len(b.singles[channel]) > 0 {
			b.finalize()
		}
	}
}

// openBlock starts a channel block, remembering where its count byte lives so
// closeBlock can patch it once the block's message count is known.
func (b *Builder) openBlock(channel protocol.ChannelID) {
	must(protocol.WriteVaruint32(b.buf, uint32(channel)))
	b.countOffset = b.buf.Offset()
	must(b.buf.WriteUint8(0))
	b.blockCount = 0
}

func (b *Builder) closeBlock() {
	offset := b.buf.Offset()
	b.buf.SetOffset(b.countOffset)
	must(b.buf.WriteUint8(uint8(b.blockCount)))
	b.buf.SetOffset(offset)
	b.blockCount = 0
}

func (b *Builder) writeSingle(msg single) {
	b.reliable = b.reliable || protocol.Reliable(msg.ref.Channel)
	must(protocol.WriteVaruint32(b.buf, uint32(len(msg.payload))))
	must(b.buf.Write(msg.payload))
	b.refs = append(b.refs, msg.ref)
	b.blockCount += 1
}

// finalize terminates the block list, writes the header and pushes the packet
// to the output. A finished packet larger than the MTU is a programming error,
// not a recoverable one.
func (b *Builder) finalize() {
	if b.terminator {
		must(protocol.WriteVaruint32(b.buf, 0))
	}

	end := b.buf.Offset()

	b.buf.SetOffset(0)
	must(b.buf.WriteUint8(b.flags))
	must(b.buf.WriteUint24(0, byteorder.LittleEndian))
	must(b.buf.WriteUint16(uint16(b.tick), byteorder.LittleEndian))
	must(b.buf.WriteUint24(0, byteorder.LittleEndian))
	must(b.buf.WriteUint16(0, byteorder.LittleEndian))
	b.buf.SetOffset(end)

	if end > b.mtu {
		panic(fmt.Sprintf("packet: built packet of %d bytes exceeds mtu %d", end, b.mtu))
	}

	data := make([]byte, end)
	copy(data, b.buf.Bytes())

	refs := make([]MessageRef, len(b.refs))
	copy(refs, b.refs)

	b.out = append(b.out, Built{Data: data, Refs: refs, Reliable: b.reliable})
	b.opened = false
}

func wireSize(payload []byte) int {
	return protocol.SizeVaruint32(uint32(len(payload))) + len(payload)
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("packet: write within reserved capacity failed: %v", err))
	}
}
