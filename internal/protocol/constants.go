package protocol

// This is the replication protocol version supported by this library
const PROTOCOL_VERSION byte = 1

// This specifies the maximum size in bytes that a single replication packet cannot
// exceed. Messages whose serialized form does not fit within a packet of this size
// must be fragmented before packing.
const MAX_MTU_SIZE int = 1200

// This specifies the maximum size in bytes that a single serialized message may have
// before it is considered a caller configuration error. It bounds the reassembly
// buffers on the receiving side.
const MAX_MESSAGE_SIZE int = 256 * 1024

// This contains the size of the packet header.
// Flags (uint8)
// Datagram Sequence Number (uint24)
// Tick (uint16)
// Ack Sequence Number (uint24)
// Ack Bits (uint16)
const PACKET_HEADER_SIZE int = 1 + 3 + 2 + 3 + 2

// This contains the fixed overhead of a channel block inside a packet when the
// channel id fits in a single varuint byte.
// Channel ID (varuint)
// Message Count (uint8)
const CHANNEL_BLOCK_SIZE int = 1 + 1

// This contains the maximum overhead of a fragment block inside a packet.
// Channel ID (varuint, up to 2)
// Fragment ID (varuint, up to 3)
// Fragment Index (uint8)
// Fragment Count (uint8)
// Payload Length (uint16, final fragment only)
const FRAGMENT_BLOCK_SIZE int = 2 + 3 + 1 + 1 + 2

// This is the size reserved at the tail of every packet for the channel block list
// terminator (a single varuint zero).
const TERMINATOR_SIZE int = 1

// This flag is set on every replication packet.
const FLAG_DATAGRAM uint8 = 0x80

// This flag is set for those datagrams that contain an ACK receipt.
const FLAG_ACK uint8 = 0x40

// This flag is set for those datagrams that contain a NACK receipt.
const FLAG_NACK uint8 = 0x20

// This flag is set for those packets that begin with a fragment block.
const FLAG_FRAGMENT uint8 = 0x10

// This flag is set for those datagrams whose body past the header is zstd compressed.
const FLAG_COMPRESSED uint8 = 0x08

// This flag is set for those packets whose header carries valid piggybacked
// acknowledgment state. A sender that has not received anything yet leaves it
// clear, so a zeroed AckSeq is never mistaken for an acknowledgment of
// sequence number zero.
const FLAG_HAS_ACK uint8 = 0x04

// This is the maximum size of a datagram sequence window.
const WINDOW_SIZE uint32 = 2048

// This is the number of maximum receipts we can receive in one ACK/NACK datagram.
const MAX_RECEIPTS int = 250

// This is the number of maximum messages that a single channel block can hold.
const MAX_BLOCK_MESSAGES int = 250

// This is the number of maximum fragments that a message can be split into.
const MAX_FRAGMENT_COUNT int = 250

// This is the tick distance after which an incomplete fragment window is
// discarded. The fragments of one message all carry the same send tick, so a
// window this far behind the current tick can never complete.
const FRAGMENT_TICK_STALE int16 = 64

// This is the tick distance after which a group's last action tick is considered
// stale and forgotten. It must stay well below half of the 16-bit wrap period so
// that signed tick comparison remains unambiguous.
const ACTION_TICK_STALE int16 = 0x4000

// ChannelID identifies a logical message channel inside a packet. The zero value
// is reserved on the wire as the channel block list terminator.
type ChannelID = uint16

const (
	// ChannelEntityActions carries entity action messages: spawn/despawn and
	// component insert/remove deltas with reliable-ordered semantics enforced by
	// the receive-side group channel.
	ChannelEntityActions ChannelID = 1

	// ChannelEntityUpdates carries entity update messages: component value deltas
	// with unreliable semantics gated by a causal tick dependency.
	ChannelEntityUpdates ChannelID = 2
)

// Reliable reports whether datagrams carrying the given channel must be kept for
// retransmission on loss. Only the actions channel is retransmitted; lost updates
// are recovered by the send-tick rollback protocol instead.
func Reliable(channel ChannelID) bool {
	return channel == ChannelEntityActions
}

// GroupID is an opaque key grouping entities whose deltas are ordered together.
type GroupID = uint32

// EntityID is the wire form of an entity identifier. Both peers exchange the
// sender's local identifiers; the receiver translates them through its entity map.
type EntityID = uint64

// ComponentKind identifies a replicated component type in the host's registry.
type ComponentKind = uint16
